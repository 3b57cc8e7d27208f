package sift

import (
	"strings"
	"sync"
)

// Candidate is a category anchor embedding offered to the ranking engine.
type Candidate struct {
	ID     string
	Vector []float32
}

// CategoryIndex holds the embedded anchors of the active categories in
// declaration order. It is rebuilt whenever the model or the active category
// set changes.
type CategoryIndex struct {
	mu        sync.RWMutex
	items     []Candidate
	signature string
}

// NewCategoryIndex constructs an empty index.
func NewCategoryIndex() *CategoryIndex {
	return &CategoryIndex{}
}

// Replace swaps the stored candidates atomically. signature identifies the
// inputs the vectors were built from (see categorySignature).
func (idx *CategoryIndex) Replace(items []Candidate, signature string) {
	cloned := make([]Candidate, len(items))
	for i, it := range items {
		cloned[i] = Candidate{ID: it.ID, Vector: cloneVector(it.Vector)}
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.items = cloned
	idx.signature = signature
}

// Clear drops every candidate, e.g. when the model is reset.
func (idx *CategoryIndex) Clear() {
	idx.Replace(nil, "")
}

// Candidates returns the stored candidates. The vectors are shared and must
// not be mutated.
func (idx *CategoryIndex) Candidates() []Candidate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]Candidate(nil), idx.items...)
}

func (idx *CategoryIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.items)
}

func (idx *CategoryIndex) Signature() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.signature
}

// categorySignature identifies an index build: model epoch plus the ordered
// active categories and their anchor texts.
func categorySignature(modelID string, defs []CategoryDef) string {
	var b strings.Builder
	b.WriteString(modelID)
	for _, d := range defs {
		b.WriteByte(0x1e)
		b.WriteString(d.ID)
		b.WriteByte(0x1f)
		b.WriteString(d.AnchorText)
	}
	return b.String()
}
