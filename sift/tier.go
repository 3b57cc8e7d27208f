package sift

import (
	"math"
	"sort"
)

// Tier is a coarse bucket for a similarity score.
type Tier string

const (
	TierHigh Tier = "HIGH"
	TierGood Tier = "GOOD"
	TierFlat Tier = "FLAT"
	TierLow  Tier = "LOW"
)

// Threshold maps every score >= Min to Tier.
type Threshold struct {
	Min  float32 `json:"min"`
	Tier Tier    `json:"tier"`
}

// DefaultThresholds returns the standard tier table, highest first.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Min: 0.8, Tier: TierHigh},
		{Min: 0.5, Tier: TierGood},
		{Min: 0.2, Tier: TierFlat},
		{Min: 0.0, Tier: TierLow},
	}
}

const maxHue = 120

// Classifier turns a raw similarity into a tier and a display hue
// (0 = red, 120 = green).
type Classifier struct {
	thresholds []Threshold
	hueSplit   float32
}

// NewClassifier builds a classifier over the given table (defaults when
// empty). hueSplit in (0,1) switches hue to two zones: [0,split) covers red
// to yellow and [split,1] covers yellow to green. Outside (0,1) the hue is
// linear.
func NewClassifier(thresholds []Threshold, hueSplit float32) *Classifier {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	sorted := append([]Threshold(nil), thresholds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })
	return &Classifier{thresholds: sorted, hueSplit: hueSplit}
}

// Tier returns the first tier whose minimum the clamped score reaches, or the
// lowest tier.
func (c *Classifier) Tier(score float32) Tier {
	s := Clamp01(score)
	for _, th := range c.thresholds {
		if s >= th.Min {
			return th.Tier
		}
	}
	return c.thresholds[len(c.thresholds)-1].Tier
}

func (c *Classifier) Hue(score float32) int {
	s := float64(Clamp01(score))
	split := float64(c.hueSplit)
	if split <= 0 || split >= 1 {
		return int(math.Floor(s * maxHue))
	}
	half := float64(maxHue) / 2
	if s < split {
		return int(math.Floor(s / split * half))
	}
	return int(half + math.Floor((s-split)/(1-split)*half))
}

// Classify builds the full result for a raw (unclamped) score.
func (c *Classifier) Classify(text string, raw float32) ScoreResult {
	return ScoreResult{
		Text:     text,
		RawScore: raw,
		Score:    Clamp01(raw),
		Tier:     c.Tier(raw),
		Hue:      c.Hue(raw),
	}
}
