package sift_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"yashubustudio/sift/sift"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b c", sift.NormalizeText("  a\tb\n\nc  "))
	assert.Equal(t, "ABC 123", sift.NormalizeText("ＡＢＣ　１２３"))
	assert.Equal(t, "ab", sift.NormalizeText("a\x00b"))
	assert.Equal(t, "", sift.NormalizeText(" \t\n"))
}

func TestFoldText(t *testing.T) {
	assert.Equal(t, sift.FoldText("Hello  World"), sift.FoldText("hello world"))
}

func TestStripBrand(t *testing.T) {
	cases := map[string]string{
		"NASA launches new rover - The Verge":       "NASA launches new rover",
		"Release notes | GitHub":                    "Release notes",
		"Pros and cons - a discussion":              "Pros and cons - a discussion",
		"Plain title":                               "Plain title",
		"- Leading":                                 "- Leading",
		"Story - One Two Three Four Five Six Words": "Story - One Two Three Four Five Six Words",
		"A · B · Site":                              "A · B",
	}
	for in, want := range cases {
		assert.Equal(t, want, sift.StripBrand(in), in)
	}
}
