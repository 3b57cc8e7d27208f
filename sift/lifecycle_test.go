package sift_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yashubustudio/sift/internal/sifttest"
	"yashubustudio/sift/sift"
)

var fastBackoff = sift.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond, Total: 2 * time.Second}

func newLifecycle(t *testing.T, f *sifttest.Factory, opts ...func(*sift.LifecycleOptions)) *sift.Lifecycle {
	t.Helper()
	o := sift.LifecycleOptions{Factory: f.New}
	for _, fn := range opts {
		fn(&o)
	}
	lc := sift.NewLifecycle(o)
	t.Cleanup(func() { _ = lc.Close() })
	return lc
}

func TestConcurrentLoadsShareOneFactoryCall(t *testing.T) {
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	f.SetDelay(50 * time.Millisecond)
	lc := newLifecycle(t, f)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = lc.Load(context.Background(), sift.ModelSource{})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.Loads())
	assert.Equal(t, sift.StateReady, lc.State())
	assert.Equal(t, "kw", lc.ModelID())

	require.NoError(t, lc.Load(context.Background(), sift.ModelSource{}))
	assert.Equal(t, 1, f.Loads())
}

func TestAnchorSetBeforeLoadIsEmbeddedAfter(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)

	require.NoError(t, lc.SetAnchor(ctx, "space exploration"))
	assert.False(t, lc.Ready())
	_, err := lc.ScoreText(ctx, "NASA launches new rover")
	require.ErrorIs(t, err, sift.ErrNotReady)

	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))
	assert.True(t, lc.Ready())

	s, err := lc.ScoreText(ctx, "NASA launches new rover")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Raw, 1e-5)
	assert.Equal(t, lc.AnchorEpoch(), s.Epoch)

	s, err = lc.ScoreText(ctx, "startup funding round")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s.Raw, 1e-5)
}

func TestSetAnchorBumpsEpochAndFiresHook(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	var changes, readies int
	var mu sync.Mutex
	lc := newLifecycle(t, f, func(o *sift.LifecycleOptions) {
		o.OnAnchorChange = func() { mu.Lock(); changes++; mu.Unlock() }
		o.OnAnchorReady = func(string) { mu.Lock(); readies++; mu.Unlock() }
	})
	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))

	require.NoError(t, lc.SetAnchor(ctx, "space"))
	first := lc.AnchorEpoch()
	require.NoError(t, lc.SetAnchor(ctx, "  space "))
	assert.Equal(t, first, lc.AnchorEpoch())

	require.NoError(t, lc.SetAnchor(ctx, "startup funding"))
	assert.Greater(t, lc.AnchorEpoch(), first)
	assert.Equal(t, "startup funding", lc.AnchorText())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, changes)
	assert.Equal(t, 2, readies)

	require.ErrorIs(t, lc.SetAnchor(ctx, "   "), sift.ErrEmptyInput)
}

func TestSupersededAnchorIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)
	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))
	e := f.Last()
	e.SetDelay(100 * time.Millisecond)

	firstErr := make(chan error, 1)
	go func() { firstErr <- lc.SetAnchor(ctx, "space exploration") }()
	require.Eventually(t, func() bool { return e.Calls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, lc.SetAnchor(ctx, "startup funding"))
	require.ErrorIs(t, <-firstErr, sift.ErrSuperseded)
	assert.Equal(t, "startup funding", lc.AnchorText())
	assert.True(t, lc.Ready())

	e.SetDelay(0)
	s, err := lc.ScoreText(ctx, "seed funding for founders")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Raw, 1e-5)
}

func TestLoadFailureIsRecoverable(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	boom := errors.New("model file missing")
	f.SetErr(boom)
	lc := newLifecycle(t, f)

	err := lc.Load(ctx, sift.ModelSource{})
	require.ErrorIs(t, err, sift.ErrLoadFailed)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, sift.StateError, lc.State())
	assert.Equal(t, boom.Error(), lc.Snapshot().Err)

	f.SetErr(nil)
	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))
	assert.Equal(t, sift.StateReady, lc.State())
	assert.Empty(t, lc.Snapshot().Err)
}

func TestReloadReembedsAnchor(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)
	require.NoError(t, lc.SetAnchor(ctx, "space exploration"))
	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))
	old := f.Last()
	epoch := lc.AnchorEpoch()

	require.NoError(t, lc.Reload(ctx, sift.ModelSource{ID: "custom"}))
	assert.Equal(t, "kw+custom", lc.ModelID())
	assert.Greater(t, lc.AnchorEpoch(), epoch)
	assert.True(t, lc.Ready())
	assert.Equal(t, "space exploration", lc.AnchorText())

	_, err := old.EmbedTexts(ctx, []string{"x"})
	require.ErrorIs(t, err, sift.ErrNotLoaded)

	require.ErrorIs(t, lc.Reload(ctx, sift.ModelSource{ID: "a", URL: "http://b"}), sift.ErrConflictingModel)
}

func TestReloadDuringAnchorEmbeddingReembeds(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)
	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))
	old := f.Last()
	old.SetDelay(200 * time.Millisecond)

	setErr := make(chan error, 1)
	go func() { setErr <- lc.SetAnchor(ctx, "space exploration") }()
	require.Eventually(t, func() bool { return old.Calls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, lc.Reload(ctx, sift.ModelSource{ID: "other"}))
	assert.True(t, lc.Ready())
	assert.Equal(t, "kw+other", lc.ModelID())
	assert.Equal(t, "space exploration", lc.AnchorText())
	require.ErrorIs(t, <-setErr, sift.ErrSuperseded)
	assert.True(t, lc.Ready())
}

func TestConcurrentSetAnchorSharesOneEmbedding(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)
	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))
	e := f.Last()
	e.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = lc.SetAnchor(ctx, "space exploration")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.Calls())
	assert.True(t, lc.Ready())
}

func TestWaitReadyTimesOut(t *testing.T) {
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)
	err := lc.WaitReady(context.Background(), sift.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Total: 20 * time.Millisecond})
	require.ErrorIs(t, err, sift.ErrNotReady)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, lc.WaitReady(ctx, fastBackoff), context.Canceled)
}

func TestSubscribeReceivesProgress(t *testing.T) {
	ctx := context.Background()
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := sift.NewLifecycle(sift.LifecycleOptions{Factory: f.New})
	events, unsubscribe := lc.Subscribe(16)
	defer unsubscribe()

	require.NoError(t, lc.SetAnchor(ctx, "space"))
	require.NoError(t, lc.Load(ctx, sift.ModelSource{}))

	var states []sift.LoadState
	anchorReady := false
	for len(events) > 0 {
		ev := <-events
		states = append(states, ev.State)
		anchorReady = anchorReady || ev.AnchorReady
	}
	assert.Contains(t, states, sift.StateLoading)
	assert.Contains(t, states, sift.StateReady)
	assert.True(t, anchorReady)

	require.NoError(t, lc.Close())
	_, open := <-events
	assert.False(t, open)
}

func TestEmbedTextsRequiresModel(t *testing.T) {
	f := sifttest.NewFactory("kw", sifttest.Space()...)
	lc := newLifecycle(t, f)
	_, err := lc.EmbedTexts(context.Background(), []string{"x"})
	require.ErrorIs(t, err, sift.ErrNotReady)
	_, err = lc.EmbedTexts(context.Background(), nil)
	require.ErrorIs(t, err, sift.ErrEmptyInput)
}
