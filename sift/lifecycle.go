package sift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"yashubustudio/sift/internal/logger"
)

// LoadState is the model load state.
type LoadState string

const (
	StateIdle    LoadState = "idle"
	StateLoading LoadState = "loading"
	StateReady   LoadState = "ready"
	StateError   LoadState = "error"
)

// Event is a lifecycle progress notification.
type Event struct {
	State       LoadState `json:"state"`
	Stage       string    `json:"stage,omitempty"`
	ModelID     string    `json:"modelId,omitempty"`
	AnchorReady bool      `json:"anchorReady"`
	Err         string    `json:"error,omitempty"`
}

// Status is a point-in-time view of the lifecycle.
type Status struct {
	State       LoadState   `json:"state"`
	Source      ModelSource `json:"source"`
	ModelID     string      `json:"modelId,omitempty"`
	AnchorText  string      `json:"anchorText"`
	AnchorReady bool        `json:"anchorReady"`
	ModelEpoch  uint64      `json:"modelEpoch"`
	AnchorEpoch uint64      `json:"anchorEpoch"`
	Err         string      `json:"error,omitempty"`
}

// Backoff bounds WaitReady polling.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Total   time.Duration
}

// DefaultBackoff polls from 50ms doubling up to 2s, for at most 30s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Total: 30 * time.Second}
}

// LifecycleOptions wires a Lifecycle.
type LifecycleOptions struct {
	Factory EmbedderFactory
	Logger  *logger.Logger
	// OnAnchorChange runs synchronously whenever the anchor epoch is bumped,
	// before the new anchor is embedded.
	OnAnchorChange func()
	// OnAnchorReady runs once per applied anchor embedding.
	OnAnchorReady func(text string)
}

// Lifecycle owns the embedder, its load state and the current anchor.
//
// Two epochs guard against stale results: the model epoch is bumped on every
// reload and the anchor epoch on every anchor change. Results computed under
// an older epoch are discarded or reported stale, never applied as current.
type Lifecycle struct {
	factory        EmbedderFactory
	log            *logger.Logger
	onAnchorChange func()
	onAnchorReady  func(string)

	mu          sync.Mutex
	state       LoadState
	lastErr     error
	source      ModelSource
	embedder    Embedder
	modelEpoch  uint64
	loading     chan struct{}
	anchorText  string
	anchorVec   []float32
	anchorReady bool
	anchorEpoch uint64
	closed      bool

	anchors singleflight.Group

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	return &Lifecycle{
		factory:        opts.Factory,
		log:            logger.OrNop(opts.Logger),
		onAnchorChange: opts.OnAnchorChange,
		onAnchorReady:  opts.OnAnchorReady,
		state:          StateIdle,
		subs:           make(map[chan Event]struct{}),
	}
}

// Load loads the model for src. A call made while a load is in flight joins
// it. Loading the already ready source is a no-op. After an error Load may be
// called again.
func (l *Lifecycle) Load(ctx context.Context, src ModelSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrSuperseded
	}
	if done := l.loading; done != nil {
		l.mu.Unlock()
		return l.awaitLoad(ctx, done)
	}
	if l.state == StateReady && l.source == src {
		l.mu.Unlock()
		return nil
	}
	epoch, done := l.beginLoadLocked(src)
	l.mu.Unlock()
	return l.runLoad(ctx, src, epoch, done)
}

// Reload waits for an in-flight load to settle, drops the embedder and the
// anchor embedding, then loads src from scratch. The anchor text survives and
// is re-embedded with the new model.
func (l *Lifecycle) Reload(ctx context.Context, src ModelSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	for l.loading != nil {
		done := l.loading
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
	}
	if l.closed {
		l.mu.Unlock()
		return ErrSuperseded
	}
	old := l.embedder
	l.embedder = nil
	l.state = StateIdle
	l.lastErr = nil
	l.modelEpoch++
	l.anchorVec = nil
	l.anchorReady = false
	l.anchorEpoch++
	epoch, done := l.beginLoadLocked(src)
	l.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			l.log.Warn("close previous embedder", "error", err)
		}
	}
	l.log.Info("reloading model", "id", src.ID, "url", src.URL)
	l.fireAnchorChange()
	return l.runLoad(ctx, src, epoch, done)
}

func (l *Lifecycle) beginLoadLocked(src ModelSource) (uint64, chan struct{}) {
	l.state = StateLoading
	l.source = src
	l.lastErr = nil
	done := make(chan struct{})
	l.loading = done
	return l.modelEpoch, done
}

func (l *Lifecycle) awaitLoad(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateReady:
		return nil
	case StateError:
		return fmt.Errorf("%w: %w", ErrLoadFailed, l.lastErr)
	default:
		return ErrNotReady
	}
}

func (l *Lifecycle) runLoad(ctx context.Context, src ModelSource, epoch uint64, done chan struct{}) error {
	l.broadcast(Event{State: StateLoading, Stage: "model"})
	start := time.Now()
	e, err := l.factory(ctx, src)

	l.mu.Lock()
	if l.modelEpoch != epoch || l.closed {
		l.loading = nil
		close(done)
		l.mu.Unlock()
		if e != nil {
			_ = e.Close()
		}
		return ErrSuperseded
	}
	l.loading = nil
	if err != nil {
		l.state = StateError
		l.lastErr = err
		close(done)
		l.mu.Unlock()
		l.log.Error("model load failed", "error", err)
		l.broadcast(Event{State: StateError, Err: err.Error()})
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	l.embedder = e
	l.state = StateReady
	anchor := l.anchorText
	close(done)
	l.mu.Unlock()

	l.log.Info("model ready", "model", e.ModelID(), "elapsed", time.Since(start).String())
	l.broadcast(Event{State: StateReady, ModelID: e.ModelID()})
	if anchor != "" {
		if err := l.embedAnchor(ctx, anchor); err != nil && !errors.Is(err, ErrSuperseded) {
			l.log.Warn("anchor embedding failed", "error", err)
		}
	}
	return nil
}

// SetAnchor replaces the current anchor. Every score computed before the call
// is stale from the moment it starts. When the model is not loaded yet the
// text is recorded and embedded once loading completes. Concurrent calls for
// the same text share one embedding request.
func (l *Lifecycle) SetAnchor(ctx context.Context, text string) error {
	text = NormalizeText(text)
	if text == "" {
		return ErrEmptyInput
	}
	l.mu.Lock()
	if l.anchorText == text && l.anchorReady {
		l.mu.Unlock()
		return nil
	}
	changed := l.anchorText != text
	if changed {
		l.anchorText = text
		l.anchorVec = nil
		l.anchorReady = false
		l.anchorEpoch++
	}
	loaded := l.embedder != nil
	l.mu.Unlock()

	if changed {
		l.fireAnchorChange()
		l.broadcast(Event{State: l.State(), Stage: "anchor"})
	}
	if !loaded {
		return nil
	}
	return l.embedAnchor(ctx, text)
}

// embedAnchor shares one embedding per model epoch and anchor text, so a call
// made after a reload never joins one still running on the old model.
func (l *Lifecycle) embedAnchor(ctx context.Context, text string) error {
	l.mu.Lock()
	epoch := l.modelEpoch
	l.mu.Unlock()
	key := fmt.Sprintf("%d\x1f%s", epoch, text)
	_, err, _ := l.anchors.Do(key, func() (any, error) {
		l.mu.Lock()
		e := l.embedder
		current := l.modelEpoch == epoch
		l.mu.Unlock()
		if !current {
			return nil, ErrSuperseded
		}
		if e == nil {
			return nil, ErrNotReady
		}
		vecs, err := e.EmbedTexts(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("embed anchor: %w", err)
		}
		l.mu.Lock()
		if l.anchorText != text || l.modelEpoch != epoch {
			l.mu.Unlock()
			return nil, ErrSuperseded
		}
		l.anchorVec = vecs[0]
		l.anchorReady = true
		l.mu.Unlock()

		l.log.Debug("anchor ready", "anchor", text)
		l.broadcast(Event{State: StateReady, ModelID: e.ModelID(), AnchorReady: true})
		if l.onAnchorReady != nil {
			l.onAnchorReady(text)
		}
		return nil, nil
	})
	return err
}

func (l *Lifecycle) fireAnchorChange() {
	if l.onAnchorChange != nil {
		l.onAnchorChange()
	}
}

// Ready reports whether both the model and the current anchor are ready.
func (l *Lifecycle) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateReady && l.anchorReady
}

func (l *Lifecycle) State() LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AnchorEpoch identifies the current anchor. It changes on every anchor
// change and every reload.
func (l *Lifecycle) AnchorEpoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anchorEpoch
}

func (l *Lifecycle) AnchorText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anchorText
}

// ModelID returns the loaded model's id, or "" when not loaded.
func (l *Lifecycle) ModelID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.embedder == nil {
		return ""
	}
	return l.embedder.ModelID()
}

func (l *Lifecycle) Snapshot() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		State:       l.state,
		Source:      l.source,
		AnchorText:  l.anchorText,
		AnchorReady: l.anchorReady,
		ModelEpoch:  l.modelEpoch,
		AnchorEpoch: l.anchorEpoch,
	}
	if l.embedder != nil {
		st.ModelID = l.embedder.ModelID()
	}
	if l.lastErr != nil {
		st.Err = l.lastErr.Error()
	}
	return st
}

// EmbedTexts embeds with the loaded model, failing with ErrNotReady before
// the model is ready.
func (l *Lifecycle) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	l.mu.Lock()
	e := l.embedder
	ready := l.state == StateReady
	l.mu.Unlock()
	if !ready || e == nil {
		return nil, ErrNotReady
	}
	return e.EmbedTexts(ctx, texts)
}

// AnchorScore is a raw similarity of a text against the anchor, tagged with
// the anchor epoch it was computed under.
type AnchorScore struct {
	Raw    float32
	Vector []float32
	Epoch  uint64
}

// ScoreText embeds text and compares it with the current anchor.
func (l *Lifecycle) ScoreText(ctx context.Context, text string) (AnchorScore, error) {
	scores, err := l.ScoreTexts(ctx, []string{text})
	if err != nil {
		return AnchorScore{}, err
	}
	return scores[0], nil
}

// ScoreTexts embeds texts in one batch and compares each with the current
// anchor. It fails with ErrNotReady unless both the model and the anchor are
// ready.
func (l *Lifecycle) ScoreTexts(ctx context.Context, texts []string) ([]AnchorScore, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	for _, t := range texts {
		if NormalizeText(t) == "" {
			return nil, ErrEmptyInput
		}
	}
	l.mu.Lock()
	e, anchor, epoch := l.embedder, l.anchorVec, l.anchorEpoch
	ready := l.state == StateReady && l.anchorReady
	l.mu.Unlock()
	if !ready || e == nil {
		return nil, ErrNotReady
	}
	vecs, err := e.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed texts: %w", err)
	}
	out := make([]AnchorScore, len(vecs))
	for i, v := range vecs {
		raw, err := Dot(v, anchor)
		if err != nil {
			return nil, err
		}
		out[i] = AnchorScore{Raw: raw, Vector: v, Epoch: epoch}
	}
	return out, nil
}

// WaitReady polls Ready with exponential backoff and fails with ErrNotReady
// once b.Total elapses.
func (l *Lifecycle) WaitReady(ctx context.Context, b Backoff) error {
	if b.Initial <= 0 {
		b = DefaultBackoff()
	}
	deadline := time.Now().Add(b.Total)
	delay := b.Initial
	for {
		if l.Ready() {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrNotReady
		}
		wait := min(delay, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
}

// Subscribe returns a channel of progress events. Events are dropped for a
// subscriber whose buffer is full. The returned func unsubscribes.
func (l *Lifecycle) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	l.subsMu.Lock()
	if l.subs == nil {
		close(ch)
		l.subsMu.Unlock()
		return ch, func() {}
	}
	l.subs[ch] = struct{}{}
	l.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subsMu.Lock()
			defer l.subsMu.Unlock()
			if _, ok := l.subs[ch]; ok {
				delete(l.subs, ch)
				close(ch)
			}
		})
	}
}

func (l *Lifecycle) broadcast(ev Event) {
	l.mu.Lock()
	ev.AnchorReady = ev.AnchorReady || l.anchorReady
	l.mu.Unlock()
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close releases the embedder and closes every subscriber channel. Loads
// still in flight are discarded when they complete.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.modelEpoch++
	e := l.embedder
	l.embedder = nil
	l.state = StateIdle
	l.anchorReady = false
	l.anchorVec = nil
	l.mu.Unlock()

	l.subsMu.Lock()
	for ch := range l.subs {
		close(ch)
	}
	l.subs = nil
	l.subsMu.Unlock()

	if e != nil {
		return e.Close()
	}
	return nil
}
