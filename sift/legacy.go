package sift

import (
	"strconv"
	"strings"
)

const (
	legacyPrefix  = "legacy-"
	maxLegacySlug = 40
)

// MakeLegacyID mints a stable category id for a free-form historical anchor
// string: a lowercase [a-z0-9-] slug of at most 40 characters, prefixed with
// "legacy-" and suffixed -2, -3, ... until it is not in existing. It is pure.
func MakeLegacyID(raw string, existing map[string]bool) string {
	slug := slugify(raw)
	if len(slug) > maxLegacySlug {
		slug = strings.TrimRight(slug[:maxLegacySlug], "-")
	}
	if slug == "" {
		slug = "unknown"
	}
	id := legacyPrefix + slug
	if !existing[id] {
		return id
	}
	for n := 2; ; n++ {
		candidate := id + "-" + strconv.Itoa(n)
		if !existing[candidate] {
			return candidate
		}
	}
}

func slugify(raw string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
