package sift

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// LabelInput is user feedback about to become a TrainingLabel. Anchor, when
// set, overrides automatic category selection.
type LabelInput struct {
	Text     string   `json:"text"`
	Polarity Polarity `json:"label"`
	Source   string   `json:"source,omitempty"`
	Anchor   string   `json:"anchor,omitempty"`
}

// AddLabel resolves the label's category and appends it through the queue.
// An explicit anchor must name an existing category. Without one the ranking
// engine picks the category; when no ranking is available the category whose
// anchor text is the current anchor is used, else the fallback category.
func (c *Coordinator) AddLabel(ctx context.Context, in LabelInput) (TrainingLabel, error) {
	text := NormalizeText(in.Text)
	if text == "" {
		return TrainingLabel{}, fmt.Errorf("%w: label text", ErrEmptyInput)
	}
	if !in.Polarity.Valid() {
		return TrainingLabel{}, fmt.Errorf("%w: polarity %q", ErrInvalidPayload, in.Polarity)
	}
	label := TrainingLabel{Text: text, Polarity: in.Polarity, Source: in.Source}

	switch {
	case in.Anchor != "":
		def, ok := c.category(in.Anchor)
		if !ok {
			return TrainingLabel{}, fmt.Errorf("%w: %s", ErrUnknownCategory, in.Anchor)
		}
		label.Anchor, label.AnchorText, label.AnchorSource = def.ID, def.AnchorText, AnchorOverride
	default:
		res, err := c.RankText(ctx, text)
		if err == nil && res.Ranking.Available() {
			top := res.Ranking.Top
			def, _ := c.category(top.Anchor)
			label.Anchor, label.AnchorText, label.AnchorSource = def.ID, def.AnchorText, AnchorAuto
			label.AutoAnchor, label.AutoConfidence = top.Anchor, res.Ranking.Confidence
			break
		}
		if err != nil && !errors.Is(err, ErrNotReady) {
			c.log.Warn("ranking for label failed", "error", err)
		}
		anchorText := c.lc.AnchorText()
		def, ok := c.categoryByAnchorText(anchorText)
		if !ok {
			if def, ok = c.category(FallbackCategoryID); !ok {
				def = CategoryDef{ID: FallbackCategoryID, AnchorText: anchorText}
			}
		}
		label.Anchor, label.AnchorText, label.AnchorSource = def.ID, def.AnchorText, AnchorFallback
	}

	saved, err := c.queue.Append(ctx, label)
	if err != nil {
		return TrainingLabel{}, err
	}
	c.refreshProfileAsync()
	return saved, nil
}

// DeleteLabel removes a label and returns it for undo.
func (c *Coordinator) DeleteLabel(ctx context.Context, text string, timestamp int64) (TrainingLabel, error) {
	removed, err := c.queue.Delete(ctx, text, timestamp)
	if err != nil {
		return TrainingLabel{}, err
	}
	c.refreshProfileAsync()
	return removed, nil
}

// RestoreLabel undoes DeleteLabel.
func (c *Coordinator) RestoreLabel(ctx context.Context, label TrainingLabel) error {
	if err := c.queue.Restore(ctx, label); err != nil {
		return err
	}
	c.refreshProfileAsync()
	return nil
}

// UpdateLabel patches a label. Moving a label to another category freezes
// that category's anchor text and marks it an override.
func (c *Coordinator) UpdateLabel(ctx context.Context, text string, timestamp int64, patch LabelPatch) (TrainingLabel, error) {
	if patch.Anchor != nil {
		def, ok := c.category(*patch.Anchor)
		if !ok {
			return TrainingLabel{}, fmt.Errorf("%w: %s", ErrUnknownCategory, *patch.Anchor)
		}
		if patch.AnchorText == nil {
			at := def.AnchorText
			patch.AnchorText = &at
		}
		if patch.AnchorSource == nil {
			src := AnchorOverride
			patch.AnchorSource = &src
		}
	}
	updated, err := c.queue.Update(ctx, text, timestamp, patch)
	if err != nil {
		return TrainingLabel{}, err
	}
	c.refreshProfileAsync()
	return updated, nil
}

// ClearLabels empties the label list and returns the previous contents.
func (c *Coordinator) ClearLabels(ctx context.Context) ([]TrainingLabel, error) {
	prev, err := c.queue.Clear(ctx)
	if err != nil {
		return nil, err
	}
	c.refreshProfileAsync()
	return prev, nil
}

// ReplaceLabels swaps the whole list, e.g. to undo ClearLabels.
func (c *Coordinator) ReplaceLabels(ctx context.Context, labels []TrainingLabel) error {
	if err := c.queue.Replace(ctx, labels); err != nil {
		return err
	}
	c.refreshProfileAsync()
	return nil
}

func (c *Coordinator) Labels(ctx context.Context) ([]TrainingLabel, error) {
	return c.queue.Labels(ctx)
}

// ImportTriplets reads an Anchor,Positive,Negative CSV and merges the
// resulting labels. Anchor texts naming no category mint an archived legacy
// category.
func (c *Coordinator) ImportTriplets(ctx context.Context, r io.Reader) (int, error) {
	triplets, skipped, err := ReadTriplets(r)
	if err != nil {
		return 0, err
	}
	var created []CategoryDef
	c.mu.RLock()
	existing := make(map[string]bool, len(c.categories))
	for _, d := range c.categories {
		existing[d.ID] = true
	}
	c.mu.RUnlock()
	minted := make(map[string]string)
	resolve := func(anchorText string) string {
		if def, ok := c.categoryByAnchorText(anchorText); ok {
			return def.ID
		}
		if id, ok := LegacyAnchorID(anchorText); ok && existing[id] {
			return id
		}
		if existing[anchorText] {
			return anchorText
		}
		if id, ok := minted[anchorText]; ok {
			return id
		}
		id := MakeLegacyID(anchorText, existing)
		existing[id] = true
		minted[anchorText] = id
		created = append(created, CategoryDef{ID: id, AnchorText: anchorText, Label: anchorText, Archived: true})
		return id
	}
	labels := TripletsToLabels(triplets, resolve, time.Now())
	if len(created) > 0 {
		if err := c.addCategories(ctx, created); err != nil {
			return 0, err
		}
	}
	added, err := c.queue.Import(ctx, labels)
	if err != nil {
		return 0, err
	}
	c.log.Info("imported triplets", "rows", len(triplets), "skipped", skipped, "added", added)
	c.refreshProfileAsync()
	return added, nil
}

// ExportCSV writes the triplet CSV for the current labels.
func (c *Coordinator) ExportCSV(ctx context.Context, w io.Writer) (int, error) {
	labels, err := c.queue.Labels(ctx)
	if err != nil {
		return 0, err
	}
	return WriteTripletsCSV(w, labels, c.Categories())
}

// ExportableTriplets counts the rows ExportCSV would write.
func (c *Coordinator) ExportableTriplets(ctx context.Context) (int, error) {
	labels, err := c.queue.Labels(ctx)
	if err != nil {
		return 0, err
	}
	return CountExportableTriplets(labels), nil
}

// Categories returns every category, archived ones included.
func (c *Coordinator) Categories() []CategoryDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CategoryDef(nil), c.categories...)
}

func (c *Coordinator) ActiveCategories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.active...)
}

func (c *Coordinator) category(id string) (CategoryDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.categories {
		if d.ID == id {
			return d, true
		}
	}
	return CategoryDef{}, false
}

func (c *Coordinator) categoryByAnchorText(text string) (CategoryDef, bool) {
	text = NormalizeText(text)
	if text == "" {
		return CategoryDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.categories {
		if NormalizeText(d.AnchorText) == text {
			return d, true
		}
	}
	return CategoryDef{}, false
}

// SetActiveCategories replaces the active set. Every id must exist and not be
// archived.
func (c *Coordinator) SetActiveCategories(ctx context.Context, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		def, ok := c.category(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCategory, id)
		}
		if def.Archived {
			return fmt.Errorf("%w: category %s is archived", ErrInvalidPayload, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		clean = append(clean, id)
	}
	c.mu.Lock()
	defs := append([]CategoryDef(nil), c.categories...)
	c.mu.Unlock()
	if err := c.records.SaveCategories(ctx, defs, clean); err != nil {
		return err
	}
	c.mu.Lock()
	c.active = clean
	c.mu.Unlock()
	return c.afterCategoryChange(ctx)
}

// AddCategory creates a user category and activates it.
func (c *Coordinator) AddCategory(ctx context.Context, def CategoryDef) (CategoryDef, error) {
	def.AnchorText = NormalizeText(def.AnchorText)
	if def.AnchorText == "" {
		return CategoryDef{}, fmt.Errorf("%w: anchor text", ErrEmptyInput)
	}
	if def.Label == "" {
		def.Label = def.AnchorText
	}
	def.Builtin, def.Archived = false, false
	c.mu.Lock()
	existing := make(map[string]bool, len(c.categories))
	for _, d := range c.categories {
		existing[d.ID] = true
	}
	if def.ID == "" {
		def.ID = slugify(def.AnchorText)
		if def.ID == "" {
			def.ID = "category"
		}
	}
	if existing[def.ID] {
		c.mu.Unlock()
		return CategoryDef{}, fmt.Errorf("%w: category %s already exists", ErrInvalidPayload, def.ID)
	}
	defs := append(append([]CategoryDef(nil), c.categories...), def)
	active := append(append([]string(nil), c.active...), def.ID)
	c.mu.Unlock()

	if err := c.records.SaveCategories(ctx, defs, active); err != nil {
		return CategoryDef{}, err
	}
	c.mu.Lock()
	c.categories, c.active = defs, active
	c.mu.Unlock()
	return def, c.afterCategoryChange(ctx)
}

// ArchiveCategory hides a category from ranking. Labels keep resolving to it.
func (c *Coordinator) ArchiveCategory(ctx context.Context, id string) error {
	c.mu.Lock()
	defs := append([]CategoryDef(nil), c.categories...)
	found := false
	for i := range defs {
		if defs[i].ID == id {
			defs[i].Archived = true
			found = true
		}
	}
	if !found {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCategory, id)
	}
	active := make([]string, 0, len(c.active))
	for _, a := range c.active {
		if a != id {
			active = append(active, a)
		}
	}
	c.mu.Unlock()

	if err := c.records.SaveCategories(ctx, defs, active); err != nil {
		return err
	}
	c.mu.Lock()
	c.categories, c.active = defs, active
	c.mu.Unlock()
	return c.afterCategoryChange(ctx)
}

func (c *Coordinator) addCategories(ctx context.Context, created []CategoryDef) error {
	c.mu.Lock()
	defs := append(append([]CategoryDef(nil), c.categories...), created...)
	active := append([]string(nil), c.active...)
	c.mu.Unlock()
	if err := c.records.SaveCategories(ctx, defs, active); err != nil {
		return err
	}
	c.mu.Lock()
	c.categories = defs
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) afterCategoryChange(ctx context.Context) error {
	c.refreshProfileAsync()
	if err := c.rebuildIndex(ctx); err != nil && !errors.Is(err, ErrNotReady) {
		return err
	}
	return nil
}

// CheckCategories reports how distinct the active categories are.
func (c *Coordinator) CheckCategories(ctx context.Context, threshold float32) (CategoryReport, error) {
	return CheckCategories(ctx, c.activeDefs(), c.lc.EmbedTexts, threshold)
}
