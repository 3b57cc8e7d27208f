package sift

import (
	"context"
	"fmt"
	"sort"
)

// DefaultCloseThreshold flags category pairs whose anchors are too similar to
// be told apart.
const DefaultCloseThreshold float32 = 0.85

// CategoryPair is the similarity of two category anchors.
type CategoryPair struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Score float32 `json:"score"`
}

// CategoryDistinctness summarizes how one category relates to the others.
type CategoryDistinctness struct {
	ID         string  `json:"id"`
	AvgScore   float32 `json:"avgScore"`
	Assessment string  `json:"assessment"`
}

// CategoryReport is the result of CheckCategories.
type CategoryReport struct {
	Pairs      []CategoryPair         `json:"pairs"`
	Close      []CategoryPair         `json:"close"`
	Categories []CategoryDistinctness `json:"categories"`
	// Clusters groups categories connected by close pairs; each group is a
	// merge candidate. Its first id is the one declared first.
	Clusters [][]string `json:"clusters,omitempty"`
}

// CheckCategories embeds every anchor text and reports pairwise similarity,
// pairs at or above threshold, and per-category average similarity.
func CheckCategories(ctx context.Context, defs []CategoryDef, embed EmbedFunc, threshold float32) (CategoryReport, error) {
	if len(defs) < 2 {
		return CategoryReport{}, fmt.Errorf("%w: need at least two categories", ErrEmptyInput)
	}
	if threshold <= 0 {
		threshold = DefaultCloseThreshold
	}
	texts := make([]string, len(defs))
	for i, d := range defs {
		texts[i] = d.AnchorText
	}
	vecs, err := embed(ctx, texts)
	if err != nil {
		return CategoryReport{}, fmt.Errorf("embed anchors: %w", err)
	}
	var report CategoryReport
	sums := make([]float32, len(defs))
	for i := range defs {
		for j := i + 1; j < len(defs); j++ {
			s, err := Dot(vecs[i], vecs[j])
			if err != nil {
				return CategoryReport{}, err
			}
			p := CategoryPair{A: defs[i].ID, B: defs[j].ID, Score: s}
			report.Pairs = append(report.Pairs, p)
			if s >= threshold {
				report.Close = append(report.Close, p)
			}
			sums[i] += s
			sums[j] += s
		}
	}
	sort.SliceStable(report.Pairs, func(i, j int) bool { return report.Pairs[i].Score > report.Pairs[j].Score })
	sort.SliceStable(report.Close, func(i, j int) bool { return report.Close[i].Score > report.Close[j].Score })

	n := float32(len(defs) - 1)
	for i, d := range defs {
		avg := sums[i] / n
		report.Categories = append(report.Categories, CategoryDistinctness{
			ID:         d.ID,
			AvgScore:   avg,
			Assessment: assessDistinctness(avg, threshold),
		})
	}
	report.Clusters = clusterCategories(defs, vecs, threshold)
	return report, nil
}

func assessDistinctness(avg, threshold float32) string {
	switch {
	case avg >= threshold:
		return "overlapping"
	case avg >= threshold*0.8:
		return "similar"
	default:
		return "distinct"
	}
}

// clusterCategories assigns each category to the first cluster whose
// representative it is close to. Only clusters with more than one member are
// returned.
func clusterCategories(defs []CategoryDef, vecs [][]float32, threshold float32) [][]string {
	type cluster struct {
		repr    []float32
		members []string
	}
	var clusters []cluster
	for i, d := range defs {
		assigned := false
		for c := range clusters {
			if s, err := Dot(vecs[i], clusters[c].repr); err == nil && s >= threshold {
				clusters[c].members = append(clusters[c].members, d.ID)
				assigned = true
				break
			}
		}
		if !assigned {
			clusters = append(clusters, cluster{repr: vecs[i], members: []string{d.ID}})
		}
	}
	var out [][]string
	for _, c := range clusters {
		if len(c.members) > 1 {
			out = append(out, c.members)
		}
	}
	return out
}
