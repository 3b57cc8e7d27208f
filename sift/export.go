package sift

import (
	"bufio"
	"io"
	"strings"
)

// TripletHeader is the header row of an exported triplet CSV.
var TripletHeader = [3]string{"Anchor", "Positive", "Negative"}

// Triplet is one contrastive training row.
type Triplet struct {
	Anchor   string `json:"anchor"`
	Positive string `json:"positive"`
	Negative string `json:"negative"`
}

// AnchorGroup holds the labels of one category, split by polarity.
type AnchorGroup struct {
	ID        string
	Positives []TrainingLabel
	Negatives []TrainingLabel
}

func (g AnchorGroup) exportable() bool {
	return len(g.Positives) > 0 && len(g.Negatives) > 0
}

// rows is the number of triplets the group yields: one per item of the
// longer list.
func (g AnchorGroup) rows() int {
	if !g.exportable() {
		return 0
	}
	return max(len(g.Positives), len(g.Negatives))
}

// GroupLabels groups labels by anchor id in first-seen order. A label without
// an anchor goes to the fallback category.
func GroupLabels(labels []TrainingLabel) []AnchorGroup {
	index := make(map[string]int)
	var groups []AnchorGroup
	for _, l := range labels {
		id := l.Anchor
		if id == "" {
			id = FallbackCategoryID
		}
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, AnchorGroup{ID: id})
		}
		switch l.Polarity {
		case Positive:
			groups[i].Positives = append(groups[i].Positives, l)
		case Negative:
			groups[i].Negatives = append(groups[i].Negatives, l)
		}
	}
	return groups
}

// CountExportableTriplets returns how many rows ExportTriplets would emit.
func CountExportableTriplets(labels []TrainingLabel) int {
	n := 0
	for _, g := range GroupLabels(labels) {
		n += g.rows()
	}
	return n
}

// ExportTriplets pairs positives with negatives per category, cycling the
// shorter list so every item of the longer list appears exactly once. The
// anchor column is the positive label's frozen anchor text; categories maps
// ids to definitions for labels saved without one.
func ExportTriplets(labels []TrainingLabel, categories []CategoryDef) ([]Triplet, error) {
	if len(labels) == 0 {
		return nil, ErrNoLabels
	}
	defs := make(map[string]CategoryDef, len(categories))
	for _, d := range categories {
		defs[d.ID] = d
	}
	var out []Triplet
	for _, g := range GroupLabels(labels) {
		n := g.rows()
		for i := 0; i < n; i++ {
			pos := g.Positives[i%len(g.Positives)]
			neg := g.Negatives[i%len(g.Negatives)]
			out = append(out, Triplet{
				Anchor:   anchorTextFor(pos, g.ID, defs),
				Positive: pos.Text,
				Negative: neg.Text,
			})
		}
	}
	if len(out) == 0 {
		return nil, ErrNothingExportable
	}
	return out, nil
}

func anchorTextFor(l TrainingLabel, id string, defs map[string]CategoryDef) string {
	if l.AnchorText != "" {
		return l.AnchorText
	}
	if d, ok := defs[id]; ok && d.AnchorText != "" {
		return d.AnchorText
	}
	return id
}

// WriteTripletsCSV exports labels to w with a header row and returns the
// number of data rows written.
func WriteTripletsCSV(w io.Writer, labels []TrainingLabel, categories []CategoryDef) (int, error) {
	rows, err := ExportTriplets(labels, categories)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	writeRow := func(fields ...string) error {
		for i, f := range fields {
			if i > 0 {
				if err := bw.WriteByte(','); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(escapeField(f)); err != nil {
				return err
			}
		}
		return bw.WriteByte('\n')
	}
	if err := writeRow(TripletHeader[:]...); err != nil {
		return 0, err
	}
	for _, r := range rows {
		if err := writeRow(r.Anchor, r.Positive, r.Negative); err != nil {
			return 0, err
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// escapeField collapses whitespace and quotes the field when it holds a comma
// or a double quote.
func escapeField(s string) string {
	s = CollapseSpace(s)
	if !strings.ContainsAny(s, ",\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
