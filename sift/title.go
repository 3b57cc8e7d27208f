package sift

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var brandSeparators = []string{" - ", " | ", " — ", " – ", " · "}

const maxBrandWords = 5

// StripBrand removes a trailing site-brand suffix such as "… - The Verge" or
// "… | GitHub". The heuristic is conservative: the suffix after the last
// separator must be 1 to 5 words and start with an uppercase letter. Suffixes
// starting lowercase are presumed to be part of the title and kept.
func StripBrand(title string) string {
	title = NormalizeText(title)
	cut, sepLen := -1, 0
	for _, sep := range brandSeparators {
		if i := strings.LastIndex(title, sep); i > cut {
			cut, sepLen = i, len(sep)
		}
	}
	if cut <= 0 {
		return title
	}
	head := strings.TrimSpace(title[:cut])
	suffix := strings.TrimSpace(title[cut+sepLen:])
	if head == "" || !looksLikeBrand(suffix) {
		return title
	}
	return head
}

func looksLikeBrand(suffix string) bool {
	words := strings.Fields(suffix)
	if len(words) == 0 || len(words) > maxBrandWords {
		return false
	}
	r, _ := utf8.DecodeRuneInString(suffix)
	return unicode.IsUpper(r)
}
