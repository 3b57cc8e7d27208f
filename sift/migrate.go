package sift

import (
	"context"
	"fmt"
	"strings"

	"yashubustudio/sift/internal/logger"
)

// CurrentSchemaVersion is the stored schema this build writes. Version 1
// stored free-form anchor strings on labels; version 2 stores category ids.
const CurrentSchemaVersion = 2

// MigrationReport summarizes one Migrate call.
type MigrationReport struct {
	From      int           `json:"from"`
	To        int           `json:"to"`
	FirstRun  bool          `json:"firstRun"`
	Mapped    int           `json:"mapped"`
	Minted    int           `json:"minted"`
	Fallback  int           `json:"fallback"`
	Created   []CategoryDef `json:"created,omitempty"`
	Unchanged int           `json:"unchanged"`
}

// Migrate brings the stored schema up to CurrentSchemaVersion. On first run
// it only seeds categories and the active set. Otherwise it rewrites every
// label anchor to a category id inside the write queue: legacy anchor strings
// map to builtins, known ids stay, anything else gets a minted legacy id with
// an archived category. Labels already carrying a legacy id keep it, and its
// archived category is recreated if missing. seeds replaces the builtin categories when non-empty.
func Migrate(ctx context.Context, rec *Records, q *LabelQueue, seeds []CategoryDef, log *logger.Logger) (MigrationReport, error) {
	log = logger.OrNop(log)
	version, err := rec.SchemaVersion(ctx)
	if err != nil {
		return MigrationReport{}, err
	}
	report := MigrationReport{From: version, To: CurrentSchemaVersion}
	if version >= CurrentSchemaVersion {
		report.To = version
		return report, nil
	}

	defs, err := rec.Categories(ctx)
	if err != nil {
		return report, err
	}
	if len(defs) == 0 {
		defs = seeds
		if len(defs) == 0 {
			defs = BuiltinCategories()
		}
	}
	active, ok, err := rec.ActiveCategories(ctx)
	if err != nil {
		return report, err
	}
	if !ok {
		active = activeIDs(defs)
	}
	labels, err := rec.Labels(ctx)
	if err != nil {
		return report, err
	}

	if version == 0 && len(labels) == 0 {
		report.FirstRun = true
		if err := rec.SaveCategories(ctx, defs, active); err != nil {
			return report, err
		}
		if err := rec.SetSchemaVersion(ctx, CurrentSchemaVersion); err != nil {
			return report, err
		}
		log.Info("seeded categories", "count", len(defs), "version", CurrentSchemaVersion)
		return report, nil
	}

	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.ID] = true
	}
	_, err = q.Mutate(ctx, func(labels []TrainingLabel) ([]TrainingLabel, error) {
		r := MigrationReport{From: report.From, To: report.To}
		existing := make(map[string]bool, len(known))
		for id := range known {
			existing[id] = true
		}
		minted := make(map[string]string)
		for i := range labels {
			l := &labels[i]
			raw := l.Anchor
			if strings.HasPrefix(raw, legacyPrefix) && !known[raw] {
				// Minted by an earlier run whose category write did not land.
				if !existing[raw] {
					existing[raw] = true
					text := l.AnchorText
					if text == "" {
						text = raw
					}
					r.Created = append(r.Created, CategoryDef{ID: raw, AnchorText: text, Label: text, Archived: true})
				}
				r.Unchanged++
				continue
			}
			if l.AnchorText == "" && raw != "" && !known[raw] {
				l.AnchorText = raw
			}
			if raw == "" {
				l.Anchor = FallbackCategoryID
				l.AnchorSource = AnchorFallback
				r.Fallback++
				continue
			}
			if id, ok := LegacyAnchorID(raw); ok && known[id] {
				l.Anchor = id
				r.Mapped++
				continue
			}
			if known[raw] {
				r.Unchanged++
				continue
			}
			id, ok := minted[raw]
			if !ok {
				id = MakeLegacyID(raw, existing)
				existing[id] = true
				minted[raw] = id
				r.Created = append(r.Created, CategoryDef{ID: id, AnchorText: raw, Label: raw, Archived: true})
			}
			l.Anchor = id
			r.Minted++
		}
		report = r
		return labels, nil
	})
	if err != nil {
		return report, fmt.Errorf("migrate labels: %w", err)
	}

	defs = append(defs, report.Created...)
	if err := rec.SaveCategories(ctx, defs, active); err != nil {
		return report, err
	}
	if err := rec.SetSchemaVersion(ctx, CurrentSchemaVersion); err != nil {
		return report, err
	}
	log.Info("migrated labels",
		"from", report.From,
		"to", report.To,
		"mapped", report.Mapped,
		"minted", report.Minted,
		"fallback", report.Fallback,
	)
	return report, nil
}

func activeIDs(defs []CategoryDef) []string {
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		if !d.Archived {
			ids = append(ids, d.ID)
		}
	}
	return ids
}
