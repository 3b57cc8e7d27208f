package sift

import (
	"sort"
	"strconv"
	"strings"
)

// ProfileAlgorithmVersion changes whenever the taste profile computation
// changes, invalidating every stored profile.
const ProfileAlgorithmVersion = "taste-v1"

const (
	unitSep   = "\x1f"
	recordSep = "\x1e"
)

// ComputeCacheKey returns a short key that changes whenever the inputs of the
// taste profile change. Labels are deduplicated by folded text, keeping the
// polarity of the newest one; on equal timestamps positive wins. Insertion
// order never affects the key.
func ComputeCacheKey(labels []TrainingLabel, activeIDs []string, modelID string) string {
	var pos, neg []string
	for key, l := range dedupeLabels(labels) {
		if l.Polarity == Positive {
			pos = append(pos, key)
		} else {
			neg = append(neg, key)
		}
	}
	sort.Strings(pos)
	sort.Strings(neg)
	ids := append([]string(nil), activeIDs...)
	sort.Strings(ids)

	joined := strings.Join([]string{
		strings.Join(pos, unitSep),
		strings.Join(neg, unitSep),
		strings.Join(ids, unitSep),
		modelID,
		ProfileAlgorithmVersion,
	}, recordSep)
	return strconv.FormatUint(uint64(djb2(joined)), 36)
}

// dedupeLabels keys labels by folded text, keeping the newest one. On equal
// timestamps the positive label wins.
func dedupeLabels(labels []TrainingLabel) map[string]TrainingLabel {
	latest := make(map[string]TrainingLabel, len(labels))
	for _, l := range labels {
		if !l.Polarity.Valid() {
			continue
		}
		key := FoldText(l.Text)
		if key == "" {
			continue
		}
		prev, ok := latest[key]
		switch {
		case !ok, l.Timestamp > prev.Timestamp:
			latest[key] = l
		case l.Timestamp == prev.Timestamp && l.Polarity == Positive && prev.Polarity != Positive:
			latest[key] = l
		}
	}
	return latest
}

// djb2 is Bernstein's hash (h*33 + c) over bytes, truncated to 32 bits.
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}
