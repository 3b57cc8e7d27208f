package sift_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"yashubustudio/sift/sift"
)

func lbl(text string, p sift.Polarity, ts int64) sift.TrainingLabel {
	return sift.TrainingLabel{Text: text, Polarity: p, Timestamp: ts}
}

func TestCacheKeyIgnoresOrder(t *testing.T) {
	a := []sift.TrainingLabel{lbl("one", sift.Positive, 1), lbl("two", sift.Negative, 2), lbl("three", sift.Positive, 3)}
	b := []sift.TrainingLabel{a[2], a[0], a[1]}
	assert.Equal(t,
		sift.ComputeCacheKey(a, []string{"news", "science"}, "m"),
		sift.ComputeCacheKey(b, []string{"science", "news"}, "m"))
}

func TestCacheKeyDedupesByFoldedText(t *testing.T) {
	base := []sift.TrainingLabel{lbl("Rust is great", sift.Positive, 1)}
	dup := append(base, lbl("rust  is GREAT", sift.Positive, 1))
	assert.Equal(t, sift.ComputeCacheKey(base, nil, "m"), sift.ComputeCacheKey(dup, nil, "m"))
}

func TestCacheKeyNewestPolarityWins(t *testing.T) {
	flipped := []sift.TrainingLabel{lbl("x", sift.Positive, 1), lbl("x", sift.Negative, 2)}
	neg := []sift.TrainingLabel{lbl("x", sift.Negative, 5)}
	assert.Equal(t, sift.ComputeCacheKey(neg, nil, "m"), sift.ComputeCacheKey(flipped, nil, "m"))

	tie := []sift.TrainingLabel{lbl("x", sift.Negative, 3), lbl("x", sift.Positive, 3)}
	pos := []sift.TrainingLabel{lbl("x", sift.Positive, 9)}
	assert.Equal(t, sift.ComputeCacheKey(pos, nil, "m"), sift.ComputeCacheKey(tie, nil, "m"))
}

func TestCacheKeyChangesWithInputs(t *testing.T) {
	labels := []sift.TrainingLabel{lbl("one", sift.Positive, 1)}
	k := sift.ComputeCacheKey(labels, []string{"news"}, "m")
	assert.NotEqual(t, k, sift.ComputeCacheKey(labels, []string{"news"}, "other"))
	assert.NotEqual(t, k, sift.ComputeCacheKey(labels, []string{"news", "science"}, "m"))
	assert.NotEqual(t, k, sift.ComputeCacheKey(append(labels, lbl("two", sift.Negative, 2)), []string{"news"}, "m"))
	assert.Regexp(t, `^[0-9a-z]+$`, k)
}
