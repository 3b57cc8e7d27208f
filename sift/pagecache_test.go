package sift_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yashubustudio/sift/internal/sifttest"
	"yashubustudio/sift/sift"
)

type pageFixture struct {
	lc       *sift.Lifecycle
	registry *sift.PageRegistry
	cache    *sift.PageCache
	embedder *sifttest.Embedder
}

func newPageFixture(t *testing.T, load bool) *pageFixture {
	t.Helper()
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)
	require.NoError(t, lc.SetAnchor(ctx, "space exploration"))
	fx := &pageFixture{lc: lc, registry: sift.NewPageRegistry()}
	if load {
		require.NoError(t, lc.Load(ctx, sift.ModelSource{}))
		fx.embedder = f.Last()
	}
	fx.cache = sift.NewPageCache(sift.PageCacheOptions{Accessor: fx.registry, Lifecycle: lc})
	return fx
}

func TestPageScoreStripsBrandAndCaches(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("tab-1", sift.PageInfo{Title: "NASA launches new rover - The Verge", SourceURL: "https://theverge.com/x"})

	ps, err := fx.cache.Score(ctx, "tab-1")
	require.NoError(t, err)
	require.Equal(t, sift.StatusOK, ps.Status)
	require.NotNil(t, ps.Entry)
	assert.Equal(t, "NASA launches new rover", ps.Entry.NormalizedTitle)
	assert.Equal(t, sift.TierHigh, ps.Entry.Result.Tier)
	assert.False(t, ps.Entry.Stale)

	calls := fx.embedder.Calls()
	ps, err = fx.cache.Score(ctx, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, sift.StatusOK, ps.Status)
	assert.Equal(t, calls, fx.embedder.Calls())
}

func TestPageUnavailable(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("file", sift.PageInfo{Title: "Local notes", SourceURL: "file:///tmp/notes.html"})
	fx.registry.Update("blank", sift.PageInfo{Title: "   ", SourceURL: "https://example.com"})

	for _, key := range []string{"missing", "file", "blank"} {
		ps, err := fx.cache.Score(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, sift.StatusUnavailable, ps.Status, key)
		assert.Nil(t, ps.Entry, key)
	}
	assert.Zero(t, fx.cache.Len())
}

func TestPageLoadingBeforeModel(t *testing.T) {
	fx := newPageFixture(t, false)
	fx.registry.Update("tab", sift.PageInfo{Title: "Mars orbit", SourceURL: "https://example.com"})
	ps, err := fx.cache.Score(context.Background(), "tab")
	require.NoError(t, err)
	assert.Equal(t, sift.StatusLoading, ps.Status)
}

func TestAnchorChangeMarksEntriesStale(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("tab", sift.PageInfo{Title: "Seed funding for founders", SourceURL: "https://example.com"})

	ps, err := fx.cache.Score(ctx, "tab")
	require.NoError(t, err)
	require.Equal(t, sift.StatusOK, ps.Status)
	assert.InDelta(t, 0.0, ps.Entry.Result.RawScore, 1e-5)

	require.NoError(t, fx.lc.SetAnchor(ctx, "startup funding"))
	view := fx.cache.View("tab")
	require.NotNil(t, view)
	assert.True(t, view.Stale)

	ps, err = fx.cache.Score(ctx, "tab")
	require.NoError(t, err)
	require.Equal(t, sift.StatusOK, ps.Status)
	assert.False(t, ps.Entry.Stale)
	assert.InDelta(t, 1.0, ps.Entry.Result.RawScore, 1e-5)
}

func TestMarkAllStale(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("tab", sift.PageInfo{Title: "Mars rover", SourceURL: "https://example.com"})
	_, err := fx.cache.Score(ctx, "tab")
	require.NoError(t, err)

	fx.cache.MarkAllStale()
	assert.True(t, fx.cache.View("tab").Stale)
}

func TestConcurrentScoresEmbedOnce(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("tab", sift.PageInfo{Title: "Mars rover", SourceURL: "https://example.com"})
	fx.embedder.SetDelay(50 * time.Millisecond)
	before := fx.embedder.Calls()

	var wg sync.WaitGroup
	results := make([]sift.PageScore, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ps, err := fx.cache.ScoreWait(ctx, "tab")
			assert.NoError(t, err)
			results[i] = ps
		}(i)
	}
	wg.Wait()
	for _, ps := range results {
		assert.Equal(t, sift.StatusOK, ps.Status)
	}
	assert.Equal(t, before+1, fx.embedder.Calls())
}

func TestScoreWhileInFlightIsPending(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("tab", sift.PageInfo{Title: "Mars rover", SourceURL: "https://example.com"})
	fx.embedder.SetDelay(100 * time.Millisecond)
	before := fx.embedder.Calls()

	done := make(chan sift.PageScore, 1)
	go func() {
		ps, _ := fx.cache.Score(ctx, "tab")
		done <- ps
	}()
	require.Eventually(t, func() bool { return fx.embedder.Calls() == before+1 }, time.Second, time.Millisecond)

	ps, err := fx.cache.Score(ctx, "tab")
	require.NoError(t, err)
	assert.Equal(t, sift.StatusPending, ps.Status)
	assert.Nil(t, ps.Entry)

	assert.Equal(t, sift.StatusOK, (<-done).Status)
}

func TestEvictionDuringScoreDropsResult(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("tab", sift.PageInfo{Title: "Mars rover", SourceURL: "https://example.com"})
	fx.embedder.SetDelay(100 * time.Millisecond)
	before := fx.embedder.Calls()

	done := make(chan sift.PageScore, 1)
	go func() {
		ps, _ := fx.cache.Score(ctx, "tab")
		done <- ps
	}()
	require.Eventually(t, func() bool { return fx.embedder.Calls() == before+1 }, time.Second, time.Millisecond)
	fx.cache.Close("tab")

	assert.Equal(t, sift.StatusUnavailable, (<-done).Status)
	assert.Nil(t, fx.cache.View("tab"))
}

func TestDisablingClearsEntries(t *testing.T) {
	ctx := context.Background()
	fx := newPageFixture(t, true)
	fx.registry.Update("tab", sift.PageInfo{Title: "Mars rover", SourceURL: "https://example.com"})
	_, err := fx.cache.Score(ctx, "tab")
	require.NoError(t, err)
	require.Equal(t, 1, fx.cache.Len())

	assert.True(t, fx.cache.SetEnabled(false))
	assert.False(t, fx.cache.SetEnabled(false))
	assert.Zero(t, fx.cache.Len())

	ps, err := fx.cache.Score(ctx, "tab")
	require.NoError(t, err)
	assert.Equal(t, sift.StatusDisabled, ps.Status)

	assert.True(t, fx.cache.SetEnabled(true))
	ps, err = fx.cache.Score(ctx, "tab")
	require.NoError(t, err)
	assert.Equal(t, sift.StatusOK, ps.Status)
}

func TestCloseClearsActive(t *testing.T) {
	fx := newPageFixture(t, true)
	fx.cache.SetActive("tab")
	assert.Equal(t, "tab", fx.cache.Active())
	fx.cache.Close("other")
	assert.Equal(t, "tab", fx.cache.Active())
	fx.cache.Close("tab")
	assert.Empty(t, fx.cache.Active())
}
