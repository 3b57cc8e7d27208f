package sift_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"yashubustudio/sift/internal/kv"
	"yashubustudio/sift/internal/sifttest"
	"yashubustudio/sift/sift"
)

type coordFixture struct {
	coord   *sift.Coordinator
	store   *kv.Memory
	factory *sifttest.Factory
}

func newCoordinator(t *testing.T, store *kv.Memory, factory *sifttest.Factory) *sift.Coordinator {
	t.Helper()
	c, err := sift.NewCoordinator(sift.CoordinatorOptions{
		Config:  sift.Config{Store: sift.StoreConfig{InMemory: true}},
		Store:   store,
		Factory: factory.New,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Shutdown(context.Background())) })
	return c
}

func startCoordinator(t *testing.T) *coordFixture {
	t.Helper()
	ctx := context.Background()
	fx := &coordFixture{store: kv.NewMemory(nil), factory: sifttest.NewFactory("kw", sifttest.Space()...)}
	fx.coord = newCoordinator(t, fx.store, fx.factory)
	require.NoError(t, fx.coord.Init(ctx))
	require.NoError(t, fx.coord.WaitReady(ctx, fastBackoff))
	return fx
}

func TestFirstRunSeedsBuiltins(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()

	assert.Len(t, fx.coord.Categories(), len(sift.BuiltinCategories()))
	assert.Equal(t, sift.DefaultActiveCategories(), fx.coord.ActiveCategories())
	assert.Equal(t, "MY_FAVORITE_NEWS", fx.coord.Settings().Anchor)

	v, err := sift.NewRecords(fx.store).SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, sift.CurrentSchemaVersion, v)

	st := fx.coord.Status()
	assert.Equal(t, sift.StateReady, st.Lifecycle.State)
	assert.Equal(t, len(sift.BuiltinCategories()), st.Indexed)
	assert.NotEmpty(t, st.Session)
}

func TestRankAndLabelScenario(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()
	require.NoError(t, fx.coord.SetAnchor(ctx, "space exploration"))
	require.NoError(t, fx.coord.WaitReady(ctx, fastBackoff))

	scores, err := fx.coord.ScoreTexts(ctx, []string{"NASA launches new rover"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, sift.TierHigh, scores[0].Tier)

	res, err := fx.coord.RankText(ctx, "NASA launches new rover")
	require.NoError(t, err)
	require.True(t, res.Ranking.Available())
	assert.Equal(t, "science", res.Ranking.Top.Anchor)
	assert.False(t, res.Ranking.Ambiguous)
	assert.Greater(t, res.Ranking.Confidence, sift.DefaultTieGap)
	require.Len(t, res.Visible, 2)
	assert.Equal(t, "ai-research", res.Visible[1].Anchor)

	_, err = fx.coord.ExportCSV(ctx, &strings.Builder{})
	require.ErrorIs(t, err, sift.ErrNoLabels)

	pos, err := fx.coord.AddLabel(ctx, sift.LabelInput{Text: "NASA launches new rover", Polarity: sift.Positive})
	require.NoError(t, err)
	assert.Equal(t, "science", pos.Anchor)
	assert.Equal(t, "SCIENCE_DISCOVERIES", pos.AnchorText)
	assert.Equal(t, sift.AnchorAuto, pos.AnchorSource)
	assert.InDelta(t, res.Ranking.Confidence, pos.AutoConfidence, 1e-6)

	n, err := fx.coord.ExportableTriplets(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = fx.coord.ExportCSV(ctx, &strings.Builder{})
	require.ErrorIs(t, err, sift.ErrNothingExportable)

	neg, err := fx.coord.AddLabel(ctx, sift.LabelInput{Text: "Celebrity gossip roundup", Polarity: sift.Negative, Anchor: "science"})
	require.NoError(t, err)
	assert.Equal(t, sift.AnchorOverride, neg.AnchorSource)

	var b strings.Builder
	rows, err := fx.coord.ExportCSV(ctx, &b)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
	assert.Equal(t, "Anchor,Positive,Negative\nSCIENCE_DISCOVERIES,NASA launches new rover,Celebrity gossip roundup\n", b.String())

	_, err = fx.coord.AddLabel(ctx, sift.LabelInput{Text: "x", Polarity: sift.Positive, Anchor: "nope"})
	require.ErrorIs(t, err, sift.ErrUnknownCategory)
}

func TestLabelUndoFlow(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()
	l, err := fx.coord.AddLabel(ctx, sift.LabelInput{Text: "Mars orbit", Polarity: sift.Positive})
	require.NoError(t, err)

	removed, err := fx.coord.DeleteLabel(ctx, l.Text, l.Timestamp)
	require.NoError(t, err)
	require.NoError(t, fx.coord.RestoreLabel(ctx, removed))

	target := "startups"
	updated, err := fx.coord.UpdateLabel(ctx, l.Text, l.Timestamp, sift.LabelPatch{Anchor: &target})
	require.NoError(t, err)
	assert.Equal(t, "STARTUP_NEWS", updated.AnchorText)
	assert.Equal(t, sift.AnchorOverride, updated.AnchorSource)

	prev, err := fx.coord.ClearLabels(ctx)
	require.NoError(t, err)
	require.Len(t, prev, 1)
	require.NoError(t, fx.coord.ReplaceLabels(ctx, prev))
	labels, err := fx.coord.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, prev, labels)
}

func TestImportMintsLegacyCategories(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()
	csv := "Anchor,Positive,Negative\nSCIENCE_DISCOVERIES,Mars orbit,Gossip\nMy Old Thing,a,b\n"

	added, err := fx.coord.ImportTriplets(ctx, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 4, added)

	added, err = fx.coord.ImportTriplets(ctx, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Zero(t, added)

	var legacy *sift.CategoryDef
	for _, d := range fx.coord.Categories() {
		if d.ID == "legacy-my-old-thing" {
			d := d
			legacy = &d
		}
	}
	require.NotNil(t, legacy)
	assert.True(t, legacy.Archived)
	assert.NotContains(t, fx.coord.ActiveCategories(), legacy.ID)

	var b strings.Builder
	rows, err := fx.coord.ExportCSV(ctx, &b)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Contains(t, b.String(), "My Old Thing,a,b\n")
}

func TestCategoryManagement(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()

	def, err := fx.coord.AddCategory(ctx, sift.CategoryDef{AnchorText: "neural models"})
	require.NoError(t, err)
	assert.Equal(t, "neural-models", def.ID)
	assert.Contains(t, fx.coord.ActiveCategories(), def.ID)

	_, err = fx.coord.AddCategory(ctx, sift.CategoryDef{ID: def.ID, AnchorText: "again"})
	require.ErrorIs(t, err, sift.ErrInvalidPayload)

	res, err := fx.coord.RankText(ctx, "neural learning")
	require.NoError(t, err)
	assert.Equal(t, def.ID, res.Ranking.Top.Anchor)

	require.NoError(t, fx.coord.ArchiveCategory(ctx, def.ID))
	assert.NotContains(t, fx.coord.ActiveCategories(), def.ID)
	require.ErrorIs(t, fx.coord.SetActiveCategories(ctx, []string{def.ID}), sift.ErrInvalidPayload)
	require.ErrorIs(t, fx.coord.SetActiveCategories(ctx, []string{"nope"}), sift.ErrUnknownCategory)
	require.ErrorIs(t, fx.coord.ArchiveCategory(ctx, "nope"), sift.ErrUnknownCategory)

	require.NoError(t, fx.coord.SetActiveCategories(ctx, []string{"science", "science"}))
	assert.Equal(t, []string{"science"}, fx.coord.ActiveCategories())
	res, err = fx.coord.RankText(ctx, "Mars rover")
	require.NoError(t, err)
	assert.Zero(t, res.Ranking.Confidence)
	assert.False(t, res.Ranking.Ambiguous)

	require.NoError(t, fx.coord.SetActiveCategories(ctx, nil))
	res, err = fx.coord.RankText(ctx, "Mars rover")
	require.NoError(t, err)
	assert.False(t, res.Ranking.Available())
	require.NotNil(t, res.Fallback)
}

func TestCheckCategoriesFlagsOverlap(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()
	_, err := fx.coord.AddCategory(ctx, sift.CategoryDef{ID: "astro", AnchorText: "astronomy"})
	require.NoError(t, err)

	report, err := fx.coord.CheckCategories(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, report.Close)
	assert.Equal(t, sift.CategoryPair{A: "science", B: "astro", Score: report.Close[0].Score}, report.Close[0])
	assert.Contains(t, report.Clusters, []string{"science", "astro"})
}

func TestProfileFollowsLabels(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()
	_, err := fx.coord.Profile(ctx)
	require.ErrorIs(t, err, sift.ErrNoLabels)

	_, err = fx.coord.AddLabel(ctx, sift.LabelInput{Text: "Mars rover", Polarity: sift.Positive})
	require.NoError(t, err)
	_, err = fx.coord.AddLabel(ctx, sift.LabelInput{Text: "Daily headlines", Polarity: sift.Negative})
	require.NoError(t, err)

	p, err := fx.coord.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Positives)
	assert.Equal(t, 1, p.Negatives)
	assert.Equal(t, "kw", p.ModelID)

	again, err := fx.coord.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Key, again.Key)
	assert.Equal(t, p.BuiltAt, again.BuiltAt)
}

func TestSettingsPersistAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	factory := sifttest.NewFactory("kw", sifttest.Space()...)

	first := newCoordinator(t, store, factory)
	require.NoError(t, first.Init(ctx))
	require.NoError(t, first.SetAnchor(ctx, "space exploration"))
	require.NoError(t, first.Reload(ctx, sift.ModelSource{ID: "custom"}))
	assert.Equal(t, "kw+custom", first.Status().Lifecycle.ModelID)
	require.NoError(t, first.Shutdown(ctx))

	second := newCoordinator(t, store, factory)
	require.NoError(t, second.Init(ctx))
	assert.Equal(t, "space exploration", second.Settings().Anchor)
	assert.Equal(t, "custom", second.Settings().CustomModelID)
	assert.Equal(t, "kw+custom", second.Status().Lifecycle.ModelID)

	require.ErrorIs(t, second.Reload(ctx, sift.ModelSource{ID: "a", URL: "http://b"}), sift.ErrConflictingModel)
}

func TestLabelsWorkWithoutModel(t *testing.T) {
	ctx := context.Background()
	factory := sifttest.NewFactory("kw", sifttest.Space()...)
	factory.SetErr(errors.New("no onnx runtime"))
	c := newCoordinator(t, kv.NewMemory(nil), factory)

	require.ErrorIs(t, c.Init(ctx), sift.ErrLoadFailed)

	l, err := c.AddLabel(ctx, sift.LabelInput{Text: "Mars rover", Polarity: sift.Positive})
	require.NoError(t, err)
	assert.Equal(t, "news", l.Anchor)
	assert.Equal(t, "MY_FAVORITE_NEWS", l.AnchorText)
	assert.Equal(t, sift.AnchorFallback, l.AnchorSource)

	_, err = c.RankText(ctx, "Mars rover")
	require.ErrorIs(t, err, sift.ErrNotReady)
}

func TestFallbackLabelFreezesCurrentAnchor(t *testing.T) {
	ctx := context.Background()
	factory := sifttest.NewFactory("kw", sifttest.Space()...)
	factory.SetErr(errors.New("no onnx runtime"))
	c, err := sift.NewCoordinator(sift.CoordinatorOptions{
		Config:  sift.Config{Store: sift.StoreConfig{InMemory: true}},
		Store:   kv.NewMemory(nil),
		Factory: factory.New,
		Seeds:   []sift.CategoryDef{{ID: "space", AnchorText: "SPACE", Label: "Space"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Shutdown(context.Background())) })
	require.ErrorIs(t, c.Init(ctx), sift.ErrLoadFailed)
	require.NoError(t, c.SetAnchor(ctx, "deep sea diving"))

	l, err := c.AddLabel(ctx, sift.LabelInput{Text: "Mars rover", Polarity: sift.Positive})
	require.NoError(t, err)
	assert.Equal(t, sift.FallbackCategoryID, l.Anchor)
	assert.Equal(t, "deep sea diving", l.AnchorText)
	assert.Equal(t, sift.AnchorFallback, l.AnchorSource)
}

func TestPagesThroughCoordinator(t *testing.T) {
	fx := startCoordinator(t)
	ctx := context.Background()
	require.NoError(t, fx.coord.SetAnchor(ctx, "space exploration"))

	fx.coord.UpdatePage("tab", sift.PageInfo{Title: "Mars rover | Space.com", SourceURL: "https://space.com/rover"})
	fx.coord.SetActivePage("tab")
	ps, err := fx.coord.ScorePage(ctx, "tab", true)
	require.NoError(t, err)
	require.Equal(t, sift.StatusOK, ps.Status)
	assert.Equal(t, "Mars rover", ps.Entry.NormalizedTitle)

	require.NoError(t, fx.coord.SetAnchor(ctx, "startup funding"))
	require.Eventually(t, func() bool {
		e := fx.coord.Pages().View("tab")
		return e != nil && !e.Stale
	}, 2*time.Second, 5*time.Millisecond)

	fx.coord.SetPagesEnabled(false)
	ps, err = fx.coord.ScorePage(ctx, "tab", false)
	require.NoError(t, err)
	assert.Equal(t, sift.StatusDisabled, ps.Status)
	fx.coord.SetActivePage("")
	fx.coord.SetPagesEnabled(true)

	fx.coord.ClosePage("tab")
	ps, err = fx.coord.ScorePage(ctx, "tab", false)
	require.NoError(t, err)
	assert.Equal(t, sift.StatusUnavailable, ps.Status)

	_, err = fx.coord.ScorePage(ctx, "", false)
	require.ErrorIs(t, err, sift.ErrInvalidPayload)
}

func TestMigrationRewritesLegacyAnchors(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	old := []sift.TrainingLabel{
		{Text: "Mars rover", Polarity: sift.Positive, Timestamp: 1, Anchor: "SCIENCE_DISCOVERIES"},
		{Text: "Gossip", Polarity: sift.Negative, Timestamp: 2, Anchor: "SCIENCE_DISCOVERIES"},
		{Text: "Old thing", Polarity: sift.Positive, Timestamp: 3, Anchor: "My old anchor"},
		{Text: "Older thing", Polarity: sift.Negative, Timestamp: 4, Anchor: "My old anchor"},
		{Text: "Bare", Polarity: sift.Positive, Timestamp: 5},
	}
	data, err := msgpack.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, map[string][]byte{sift.KeyLabels: data}))

	rec := sift.NewRecords(store)
	q := sift.NewLabelQueue(store, nil)
	defer q.Close()

	report, err := sift.Migrate(ctx, rec, q, nil, nil)
	require.NoError(t, err)
	assert.False(t, report.FirstRun)
	assert.Equal(t, 2, report.Mapped)
	assert.Equal(t, 2, report.Minted)
	assert.Equal(t, 1, report.Fallback)
	require.Len(t, report.Created, 1)
	assert.Equal(t, "legacy-my-old-anchor", report.Created[0].ID)

	labels, err := rec.Labels(ctx)
	require.NoError(t, err)
	anchors := make([]string, len(labels))
	for i, l := range labels {
		anchors[i] = l.Anchor
	}
	assert.Equal(t, []string{"science", "science", "legacy-my-old-anchor", "legacy-my-old-anchor", "news"}, anchors)
	assert.Equal(t, "My old anchor", labels[2].AnchorText)
	assert.Equal(t, sift.AnchorFallback, labels[4].AnchorSource)

	defs, err := rec.Categories(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, len(sift.BuiltinCategories())+1)
	active, ok, err := rec.ActiveCategories(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sift.DefaultActiveCategories(), active)

	report, err = sift.Migrate(ctx, rec, q, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, sift.CurrentSchemaVersion, report.From)
	assert.Zero(t, report.Mapped+report.Minted+report.Fallback)
}

func TestMigrationKeepsLegacyIDsFromInterruptedRun(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	old := []sift.TrainingLabel{
		{Text: "Old thing", Polarity: sift.Positive, Timestamp: 1, Anchor: "legacy-my-old-anchor", AnchorText: "My old anchor"},
		{Text: "Older thing", Polarity: sift.Negative, Timestamp: 2, Anchor: "legacy-my-old-anchor", AnchorText: "My old anchor"},
	}
	data, err := msgpack.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, map[string][]byte{sift.KeyLabels: data}))

	rec := sift.NewRecords(store)
	q := sift.NewLabelQueue(store, nil)
	defer q.Close()

	report, err := sift.Migrate(ctx, rec, q, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Minted)
	assert.Equal(t, 2, report.Unchanged)
	require.Len(t, report.Created, 1)
	assert.Equal(t, sift.CategoryDef{ID: "legacy-my-old-anchor", AnchorText: "My old anchor", Label: "My old anchor", Archived: true}, report.Created[0])

	labels, err := rec.Labels(ctx)
	require.NoError(t, err)
	for _, l := range labels {
		assert.Equal(t, "legacy-my-old-anchor", l.Anchor)
	}
	defs, err := rec.Categories(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, len(sift.BuiltinCategories())+1)
}
