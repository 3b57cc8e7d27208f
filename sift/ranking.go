package sift

import "sort"

const (
	// DefaultTieGap is the minimum top-two margin for an unambiguous ranking.
	DefaultTieGap float32 = 0.05
	// DefaultVisibleFloor is the minimum score for a secondary candidate to be shown.
	DefaultVisibleFloor float32 = 0.15
	// DefaultVisibleTopK caps the number of visible candidates.
	DefaultVisibleTopK = 3
)

// RankEntry is one category's score for a text.
type RankEntry struct {
	Anchor string  `json:"anchor"`
	Score  float32 `json:"score"`
}

// Ranking is the result of scoring one text against every active category.
type Ranking struct {
	Ranks      []RankEntry `json:"ranks"`
	Top        *RankEntry  `json:"top,omitempty"`
	Confidence float32     `json:"confidence"`
	Ambiguous  bool        `json:"ambiguous"`
}

// Available reports whether the ranking has a top pick. An empty ranking means
// callers should fall back to the single anchor score.
func (r Ranking) Available() bool {
	return r.Top != nil
}

// Rank scores vec against every candidate. Ties keep candidate order.
func Rank(vec []float32, cands []Candidate, tieGap float32) (Ranking, error) {
	entries := make([]RankEntry, 0, len(cands))
	for _, c := range cands {
		score, err := Similarity(vec, c.Vector)
		if err != nil {
			return Ranking{}, err
		}
		entries = append(entries, RankEntry{Anchor: c.ID, Score: score})
	}
	return RankScores(entries, tieGap), nil
}

// RankScores orders precomputed scores and derives top, confidence and the
// ambiguity flag.
func RankScores(entries []RankEntry, tieGap float32) Ranking {
	ranks := append([]RankEntry(nil), entries...)
	sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].Score > ranks[j].Score })
	r := Ranking{Ranks: ranks}
	if len(ranks) == 0 {
		return r
	}
	top := ranks[0]
	r.Top = &top
	if len(ranks) < 2 {
		return r
	}
	r.Confidence = ranks[0].Score - ranks[1].Score
	r.Ambiguous = r.Confidence < tieGap
	return r
}

// Visible returns the candidates worth showing: the top pick plus anything
// scoring at least floor, capped at k.
func (r Ranking) Visible(floor float32, k int) []RankEntry {
	if k <= 0 {
		k = DefaultVisibleTopK
	}
	out := make([]RankEntry, 0, k)
	for i, e := range r.Ranks {
		if len(out) == k {
			break
		}
		if i == 0 || e.Score >= floor {
			out = append(out, e)
		}
	}
	return out
}
