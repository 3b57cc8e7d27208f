package sift_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"yashubustudio/sift/internal/kv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errStoreDown = errors.New("store down")

// flakyStore wraps a memory store and fails writes while broken is set.
type flakyStore struct {
	*kv.Memory

	mu     sync.Mutex
	broken bool
	sets   int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: kv.NewMemory(nil)}
}

func (s *flakyStore) setBroken(b bool) {
	s.mu.Lock()
	s.broken = b
	s.mu.Unlock()
}

func (s *flakyStore) Set(ctx context.Context, values map[string][]byte) error {
	s.mu.Lock()
	broken := s.broken
	s.sets++
	s.mu.Unlock()
	if broken {
		return errStoreDown
	}
	return s.Memory.Set(ctx, values)
}
