// Package sifttest provides deterministic embedders for tests.
package sifttest

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"yashubustudio/sift/sift"
)

// Embedder maps each word of a text onto one of a fixed set of keyword
// groups. A text's vector counts the words per group plus a residual
// dimension that is set only when no keyword matched, then L2-normalizes.
// Texts sharing a group are similar; disjoint texts are orthogonal.
type Embedder struct {
	id     string
	groups map[string]int
	dim    int

	mu     sync.Mutex
	calls  int
	texts  []string
	delay  time.Duration
	err    error
	closed bool
}

// NewEmbedder builds an embedder with one dimension per group.
func NewEmbedder(id string, groups ...[]string) *Embedder {
	e := &Embedder{id: id, groups: make(map[string]int), dim: len(groups) + 1}
	for i, g := range groups {
		for _, w := range g {
			e.groups[strings.ToLower(w)] = i
		}
	}
	return e
}

// SetDelay makes every EmbedTexts call sleep first.
func (e *Embedder) SetDelay(d time.Duration) {
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
}

// SetErr makes every EmbedTexts call fail with err. Nil restores success.
func (e *Embedder) SetErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, sift.ErrEmptyInput
	}
	e.mu.Lock()
	e.calls++
	e.texts = append(e.texts, texts...)
	delay, err, closed := e.delay, e.err, e.closed
	e.mu.Unlock()
	if closed {
		return nil, sift.ErrNotLoaded
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float32 {
	v := make([]float32, e.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	matched := false
	for _, w := range words {
		if g, ok := e.groups[w]; ok {
			v[g]++
			matched = true
		}
	}
	if !matched {
		v[e.dim-1] = 1
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

func (e *Embedder) ModelID() string { return e.id }

func (e *Embedder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Calls counts EmbedTexts invocations.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Texts returns every text embedded so far, in call order.
func (e *Embedder) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

// Factory hands out fresh embedders sharing one keyword table. The model id
// is the base id, or base id plus the custom source.
type Factory struct {
	id     string
	groups [][]string

	mu      sync.Mutex
	loads   int
	err     error
	delay   time.Duration
	created []*Embedder
}

func NewFactory(id string, groups ...[]string) *Factory {
	return &Factory{id: id, groups: groups}
}

// SetErr makes subsequent loads fail with err.
func (f *Factory) SetErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// SetDelay makes subsequent loads block for d.
func (f *Factory) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// New is a sift.EmbedderFactory.
func (f *Factory) New(ctx context.Context, src sift.ModelSource) (sift.Embedder, error) {
	f.mu.Lock()
	f.loads++
	err, delay := f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	id := f.id
	switch {
	case src.ID != "":
		id += "+" + src.ID
	case src.URL != "":
		id += "@" + src.URL
	}
	e := NewEmbedder(id, f.groups...)
	f.mu.Lock()
	f.created = append(f.created, e)
	f.mu.Unlock()
	return e, nil
}

// Loads counts factory invocations.
func (f *Factory) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// Last returns the most recently created embedder, or nil.
func (f *Factory) Last() *Embedder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Space groups NASA-style vocabulary against general news vocabulary.
func Space() [][]string {
	return [][]string{
		{"space", "exploration", "nasa", "rover", "mars", "launch", "launches", "orbit", "science", "research", "astronomy"},
		{"news", "headlines", "daily", "breaking", "favorite"},
		{"startup", "startups", "funding", "seed", "founders"},
		{"ai", "model", "models", "learning", "neural"},
	}
}
