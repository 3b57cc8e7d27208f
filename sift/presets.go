package sift

// FallbackCategoryID is assigned to labels saved without any anchor.
const FallbackCategoryID = "news"

// BuiltinCategories returns the categories seeded at first run, in ranking
// declaration order.
func BuiltinCategories() []CategoryDef {
	return []CategoryDef{
		{ID: "news", AnchorText: "MY_FAVORITE_NEWS", Label: "My favorite news", Builtin: true},
		{ID: "ai-research", AnchorText: "AI_RESEARCH", Label: "AI research", Builtin: true},
		{ID: "startups", AnchorText: "STARTUP_NEWS", Label: "Startups", Builtin: true},
		{ID: "deep-tech", AnchorText: "DEEP_TECH", Label: "Deep tech", Builtin: true},
		{ID: "science", AnchorText: "SCIENCE_DISCOVERIES", Label: "Science discoveries", Builtin: true},
	}
}

// DefaultActiveCategories lists the builtin ids, all active.
func DefaultActiveCategories() []string {
	defs := BuiltinCategories()
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	return ids
}

// legacyAnchorMap maps anchor strings stored before categories existed to
// their builtin ids.
var legacyAnchorMap = map[string]string{
	"MY_FAVORITE_NEWS":    "news",
	"AI_RESEARCH":         "ai-research",
	"STARTUP_NEWS":        "startups",
	"DEEP_TECH":           "deep-tech",
	"SCIENCE_DISCOVERIES": "science",
}

// LegacyAnchorID returns the builtin id for a historical anchor string.
func LegacyAnchorID(anchor string) (string, bool) {
	id, ok := legacyAnchorMap[anchor]
	return id, ok
}
