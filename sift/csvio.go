package sift

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// titleColumns are header names recognized as the title column of a CSV/TSV
// input file.
var titleColumns = []string{"title", "headline", "text", "name", "タイトル"}

// ReadTriplets parses Anchor,Positive,Negative rows. A first row whose first
// cell is "anchor" is treated as a header. Rows without exactly three fields
// are skipped and counted.
func ReadTriplets(r io.Reader) ([]Triplet, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	var (
		out     []Triplet
		skipped int
		first   = true
	)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read triplets: %w", err)
		}
		if first {
			first = false
			if len(row) > 0 && strings.EqualFold(cleanCell(row[0]), "anchor") {
				continue
			}
		}
		if len(row) != 3 {
			skipped++
			continue
		}
		t := Triplet{
			Anchor:   CollapseSpace(cleanCell(row[0])),
			Positive: CollapseSpace(cleanCell(row[1])),
			Negative: CollapseSpace(cleanCell(row[2])),
		}
		if t.Anchor == "" || t.Positive == "" || t.Negative == "" {
			skipped++
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, skipped, fmt.Errorf("%w: no valid anchor,positive,negative rows", ErrInvalidPayload)
	}
	return out, skipped, nil
}

// TripletsToLabels turns each triplet into one positive and one negative
// label. resolve maps the anchor text to a category id; the anchor text is
// kept verbatim as the frozen AnchorText.
func TripletsToLabels(triplets []Triplet, resolve func(anchorText string) string, now time.Time) []TrainingLabel {
	ts := now.UnixMilli()
	out := make([]TrainingLabel, 0, len(triplets)*2)
	for _, t := range triplets {
		id := resolve(t.Anchor)
		base := TrainingLabel{
			Source:       "import",
			Timestamp:    ts,
			Anchor:       id,
			AnchorText:   t.Anchor,
			AnchorSource: AnchorOverride,
		}
		pos, neg := base, base
		pos.Text, pos.Polarity = t.Positive, Positive
		neg.Text, neg.Polarity = t.Negative, Negative
		out = append(out, pos, neg)
	}
	return out
}

// ReadTitlesFile reads texts to score: one per line for plain text files, or
// the title column (first column when none is recognized) of a CSV/TSV file.
func ReadTitlesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readDelimitedTitles(f, ',')
	case ".tsv":
		return readDelimitedTitles(f, '\t')
	default:
		return readPlainTitles(f)
	}
}

func readPlainTitles(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := cleanCell(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan text file: %w", err)
	}
	return out, nil
}

func readDelimitedTitles(r io.Reader, comma rune) ([]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read titles: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty file")
	}
	header := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header[i] = cleanCell(cell)
	}
	col, start := findColumn(header, titleColumns), 1
	if col < 0 {
		col, start = 0, 0
	}
	out := make([]string, 0, len(rows)-start)
	for _, row := range rows[start:] {
		if col >= len(row) {
			continue
		}
		if v := cleanCell(row[col]); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func cleanCell(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "\ufeff")
	return v
}

func findColumn(header []string, candidates []string) int {
	for i, col := range header {
		for _, cand := range candidates {
			if strings.EqualFold(col, cand) {
				return i
			}
		}
	}
	return -1
}
