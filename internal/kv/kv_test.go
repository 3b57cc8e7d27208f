package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yashubustudio/sift/internal/kv"
)

func newBadgerStore(t *testing.T, opts *kv.Options) kv.Store {
	t.Helper()
	s, err := kv.NewBadger(kv.BadgerOptions{Options: opts, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]kv.Store {
	return map[string]kv.Store{
		"memory": kv.NewMemory(&kv.Options{Prefix: "sift"}),
		"badger": newBadgerStore(t, &kv.Options{Prefix: "sift"}),
	}
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Get(ctx, "labels")
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, s.Set(ctx, map[string][]byte{
				"labels":        []byte("a"),
				"schemaVersion": []byte("2"),
			}))
			got, err = s.Get(ctx, "labels", "schemaVersion", "missing")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				"labels":        []byte("a"),
				"schemaVersion": []byte("2"),
			}, got)

			require.NoError(t, s.Set(ctx, map[string][]byte{"labels": []byte("b")}))
			got, err = s.Get(ctx, "labels")
			require.NoError(t, err)
			assert.Equal(t, []byte("b"), got["labels"])

			require.NoError(t, s.Delete(ctx, "labels", "never-written"))
			got, err = s.Get(ctx, "labels")
			require.NoError(t, err)
			assert.NotContains(t, got, "labels")
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)
	val := []byte("anchor")
	require.NoError(t, s.Set(ctx, map[string][]byte{"anchor": val}))
	val[0] = 'X'

	got, err := s.Get(ctx, "anchor")
	require.NoError(t, err)
	assert.Equal(t, "anchor", string(got["anchor"]))
	got["anchor"][0] = 'Y'

	again, err := s.Get(ctx, "anchor")
	require.NoError(t, err)
	assert.Equal(t, "anchor", string(again["anchor"]))
}

func TestPrefixesIsolateNamespaces(t *testing.T) {
	ctx := context.Background()
	b, err := kv.NewBadger(kv.BadgerOptions{InMemory: true, Options: &kv.Options{Prefix: "a"}})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set(ctx, map[string][]byte{"x": []byte("1"), "y": []byte("2")}))
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, keys)
}

func TestClosedMemory(t *testing.T) {
	s := kv.NewMemory(nil)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, kv.ErrClosed))
}
