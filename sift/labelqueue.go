package sift

import (
	"context"
	"fmt"
	"sync"
	"time"

	"yashubustudio/sift/internal/logger"
)

// LabelMutation is a pure transformation of the label list. It must not
// retain or mutate its input.
type LabelMutation func(labels []TrainingLabel) ([]TrainingLabel, error)

type labelJob struct {
	ctx   context.Context
	name  string
	fn    LabelMutation
	reply chan labelResult
}

type labelResult struct {
	labels []TrainingLabel
	err    error
}

// LabelQueue serializes every read-modify-write of the label list through a
// single worker goroutine. A failed job is reported to its submitter only;
// the worker moves on to the next job.
type LabelQueue struct {
	store Store
	log   *logger.Logger
	now   func() time.Time

	jobs chan labelJob
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewLabelQueue starts the worker. Close stops it.
func NewLabelQueue(store Store, log *logger.Logger) *LabelQueue {
	q := &LabelQueue{
		store: store,
		log:   logger.OrNop(log),
		now:   time.Now,
		jobs:  make(chan labelJob),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *LabelQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		job.reply <- q.exec(job)
	}
}

func (q *LabelQueue) exec(job labelJob) (res labelResult) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("label mutation panicked", "op", job.name, "panic", r)
			res = labelResult{err: fmt.Errorf("%s: panic: %v", job.name, r)}
		}
	}()
	if err := job.ctx.Err(); err != nil {
		return labelResult{err: err}
	}
	current, err := readLabels(job.ctx, q.store)
	if err != nil {
		q.log.Warn("label read failed", "op", job.name, "error", err)
		return labelResult{err: fmt.Errorf("%s: %w", job.name, err)}
	}
	next, err := job.fn(append([]TrainingLabel(nil), current...))
	if err != nil {
		return labelResult{err: err}
	}
	if err := writeLabels(job.ctx, q.store, next); err != nil {
		q.log.Warn("label write failed", "op", job.name, "error", err)
		return labelResult{err: fmt.Errorf("%s: %w", job.name, err)}
	}
	return labelResult{labels: next}
}

func (q *LabelQueue) submit(ctx context.Context, name string, fn LabelMutation) ([]TrainingLabel, error) {
	job := labelJob{ctx: ctx, name: name, fn: fn, reply: make(chan labelResult, 1)}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return nil, ctx.Err()
	}
	res := <-job.reply
	return res.labels, res.err
}

// Mutate runs fn inside the queue and returns the list it wrote.
func (q *LabelQueue) Mutate(ctx context.Context, fn LabelMutation) ([]TrainingLabel, error) {
	return q.submit(ctx, "mutate", fn)
}

// Append adds one label. A zero timestamp is set to now.
func (q *LabelQueue) Append(ctx context.Context, label TrainingLabel) (TrainingLabel, error) {
	label, err := q.prepare(label)
	if err != nil {
		return TrainingLabel{}, err
	}
	_, err = q.submit(ctx, "append", func(labels []TrainingLabel) ([]TrainingLabel, error) {
		return append(labels, label), nil
	})
	if err != nil {
		return TrainingLabel{}, err
	}
	return label, nil
}

func (q *LabelQueue) prepare(label TrainingLabel) (TrainingLabel, error) {
	label.Text = NormalizeText(label.Text)
	if label.Text == "" {
		return label, fmt.Errorf("%w: label text", ErrEmptyInput)
	}
	if !label.Polarity.Valid() {
		return label, fmt.Errorf("%w: polarity %q", ErrInvalidPayload, label.Polarity)
	}
	if label.Timestamp == 0 {
		label.Timestamp = q.now().UnixMilli()
	}
	return label, nil
}

// Replace swaps the whole list.
func (q *LabelQueue) Replace(ctx context.Context, labels []TrainingLabel) error {
	next := append([]TrainingLabel{}, labels...)
	_, err := q.submit(ctx, "replace", func([]TrainingLabel) ([]TrainingLabel, error) {
		return next, nil
	})
	return err
}

// Clear empties the list and returns what it held, for undo.
func (q *LabelQueue) Clear(ctx context.Context) ([]TrainingLabel, error) {
	var previous []TrainingLabel
	_, err := q.submit(ctx, "clear", func(labels []TrainingLabel) ([]TrainingLabel, error) {
		previous = labels
		return []TrainingLabel{}, nil
	})
	return previous, err
}

// Delete removes the first label matching text and timestamp and returns it
// so the caller can offer undo through Restore.
func (q *LabelQueue) Delete(ctx context.Context, text string, timestamp int64) (TrainingLabel, error) {
	var removed TrainingLabel
	_, err := q.submit(ctx, "delete", func(labels []TrainingLabel) ([]TrainingLabel, error) {
		for i, l := range labels {
			if l.Matches(text, timestamp) {
				removed = l
				return append(labels[:i], labels[i+1:]...), nil
			}
		}
		return nil, ErrLabelNotFound
	})
	return removed, err
}

// Restore puts label back unless an identical label is already present.
func (q *LabelQueue) Restore(ctx context.Context, label TrainingLabel) error {
	_, err := q.submit(ctx, "restore", func(labels []TrainingLabel) ([]TrainingLabel, error) {
		for _, l := range labels {
			if l == label {
				return labels, nil
			}
		}
		return append(labels, label), nil
	})
	return err
}

// Update applies patch to the label matching text and timestamp.
func (q *LabelQueue) Update(ctx context.Context, text string, timestamp int64, patch LabelPatch) (TrainingLabel, error) {
	if patch.Polarity != nil && !patch.Polarity.Valid() {
		return TrainingLabel{}, fmt.Errorf("%w: polarity %q", ErrInvalidPayload, *patch.Polarity)
	}
	var updated TrainingLabel
	_, err := q.submit(ctx, "update", func(labels []TrainingLabel) ([]TrainingLabel, error) {
		for i, l := range labels {
			if l.Matches(text, timestamp) {
				labels[i] = patch.apply(l)
				updated = labels[i]
				return labels, nil
			}
		}
		return nil, ErrLabelNotFound
	})
	return updated, err
}

// Import merges labels into the list, skipping any whose folded text,
// polarity and anchor are already present. It returns how many were added.
func (q *LabelQueue) Import(ctx context.Context, incoming []TrainingLabel) (int, error) {
	prepared := make([]TrainingLabel, 0, len(incoming))
	for _, l := range incoming {
		p, err := q.prepare(l)
		if err != nil {
			return 0, err
		}
		prepared = append(prepared, p)
	}
	added := 0
	_, err := q.submit(ctx, "import", func(labels []TrainingLabel) ([]TrainingLabel, error) {
		seen := make(map[string]struct{}, len(labels)+len(prepared))
		for _, l := range labels {
			seen[importKey(l)] = struct{}{}
		}
		for _, l := range prepared {
			k := importKey(l)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			labels = append(labels, l)
			added++
		}
		return labels, nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func importKey(l TrainingLabel) string {
	return FoldText(l.Text) + "\x1f" + string(l.Polarity) + "\x1f" + l.Anchor
}

// Labels reads the list outside the queue. Queued mutations may not be
// visible yet.
func (q *LabelQueue) Labels(ctx context.Context) ([]TrainingLabel, error) {
	return readLabels(ctx, q.store)
}

// Close rejects new mutations, waits for queued ones and stops the worker.
func (q *LabelQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}
