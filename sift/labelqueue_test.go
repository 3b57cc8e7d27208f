package sift_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yashubustudio/sift/internal/kv"
	"yashubustudio/sift/sift"
)

func newQueue(t *testing.T, store sift.Store) *sift.LabelQueue {
	t.Helper()
	q := sift.NewLabelQueue(store, nil)
	t.Cleanup(q.Close)
	return q
}

func TestAppendNormalizesAndStamps(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))

	l, err := q.Append(ctx, sift.TrainingLabel{Text: "  NASA   launches\tnew rover ", Polarity: sift.Positive})
	require.NoError(t, err)
	assert.Equal(t, "NASA launches new rover", l.Text)
	assert.NotZero(t, l.Timestamp)

	labels, err := q.Labels(ctx)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, l, labels[0])
}

func TestAppendRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))

	_, err := q.Append(ctx, sift.TrainingLabel{Text: "   ", Polarity: sift.Positive})
	require.ErrorIs(t, err, sift.ErrEmptyInput)

	_, err = q.Append(ctx, sift.TrainingLabel{Text: "x", Polarity: "maybe"})
	require.ErrorIs(t, err, sift.ErrInvalidPayload)
}

func TestDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))

	a, err := q.Append(ctx, sift.TrainingLabel{Text: "a", Polarity: sift.Positive, Timestamp: 1})
	require.NoError(t, err)
	_, err = q.Append(ctx, sift.TrainingLabel{Text: "b", Polarity: sift.Negative, Timestamp: 2})
	require.NoError(t, err)

	removed, err := q.Delete(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, a, removed)

	_, err = q.Delete(ctx, "a", 1)
	require.ErrorIs(t, err, sift.ErrLabelNotFound)

	require.NoError(t, q.Restore(ctx, removed))
	require.NoError(t, q.Restore(ctx, removed))
	labels, err := q.Labels(ctx)
	require.NoError(t, err)
	assert.Len(t, labels, 2)
}

func TestClearThenReplaceUndoes(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))
	for i := 1; i <= 3; i++ {
		_, err := q.Append(ctx, sift.TrainingLabel{Text: fmt.Sprintf("t%d", i), Polarity: sift.Positive, Timestamp: int64(i)})
		require.NoError(t, err)
	}

	previous, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Len(t, previous, 3)

	labels, err := q.Labels(ctx)
	require.NoError(t, err)
	assert.Empty(t, labels)

	require.NoError(t, q.Replace(ctx, previous))
	labels, err = q.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, previous, labels)
}

func TestUpdateAppliesPatch(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))
	_, err := q.Append(ctx, sift.TrainingLabel{Text: "a", Polarity: sift.Positive, Timestamp: 5, Anchor: "science"})
	require.NoError(t, err)

	neg := sift.Negative
	anchor := "tech"
	src := sift.AnchorOverride
	l, err := q.Update(ctx, "a", 5, sift.LabelPatch{Polarity: &neg, Anchor: &anchor, AnchorSource: &src})
	require.NoError(t, err)
	assert.Equal(t, sift.Negative, l.Polarity)
	assert.Equal(t, "tech", l.Anchor)
	assert.Equal(t, sift.AnchorOverride, l.AnchorSource)

	bad := sift.Polarity("meh")
	_, err = q.Update(ctx, "a", 5, sift.LabelPatch{Polarity: &bad})
	require.ErrorIs(t, err, sift.ErrInvalidPayload)

	_, err = q.Update(ctx, "missing", 5, sift.LabelPatch{Anchor: &anchor})
	require.ErrorIs(t, err, sift.ErrLabelNotFound)
}

func TestImportSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))
	_, err := q.Append(ctx, sift.TrainingLabel{Text: "Mars Rover", Polarity: sift.Positive, Anchor: "science"})
	require.NoError(t, err)

	added, err := q.Import(ctx, []sift.TrainingLabel{
		{Text: "mars rover", Polarity: sift.Positive, Anchor: "science"},
		{Text: "mars rover", Polarity: sift.Negative, Anchor: "science"},
		{Text: "mars rover", Polarity: sift.Positive, Anchor: "tech"},
		{Text: "MARS ROVER", Polarity: sift.Positive, Anchor: "tech"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	labels, err := q.Labels(ctx)
	require.NoError(t, err)
	assert.Len(t, labels, 3)
}

func TestFailedJobDoesNotStopQueue(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	q := newQueue(t, store)

	store.setBroken(true)
	_, err := q.Append(ctx, sift.TrainingLabel{Text: "lost", Polarity: sift.Positive})
	require.ErrorIs(t, err, errStoreDown)

	store.setBroken(false)
	_, err = q.Append(ctx, sift.TrainingLabel{Text: "kept", Polarity: sift.Positive})
	require.NoError(t, err)

	labels, err := q.Labels(ctx)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "kept", labels[0].Text)
}

func TestPanickingMutationIsReported(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))

	_, err := q.Mutate(ctx, func([]sift.TrainingLabel) ([]sift.TrainingLabel, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = q.Append(ctx, sift.TrainingLabel{Text: "after", Polarity: sift.Negative})
	require.NoError(t, err)
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kv.NewMemory(nil))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Append(ctx, sift.TrainingLabel{Text: fmt.Sprintf("text %d", i), Polarity: sift.Positive, Timestamp: int64(i + 1)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	labels, err := q.Labels(ctx)
	require.NoError(t, err)
	assert.Len(t, labels, n)
}

func TestClosedQueueRejects(t *testing.T) {
	q := sift.NewLabelQueue(kv.NewMemory(nil), nil)
	q.Close()
	q.Close()
	_, err := q.Append(context.Background(), sift.TrainingLabel{Text: "x", Polarity: sift.Positive})
	require.ErrorIs(t, err, sift.ErrQueueClosed)
}

func TestCanceledContext(t *testing.T) {
	q := newQueue(t, kv.NewMemory(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Append(ctx, sift.TrainingLabel{Text: "x", Polarity: sift.Positive})
	require.ErrorIs(t, err, context.Canceled)
}
