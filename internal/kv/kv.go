// Package kv provides the persistent key-value store behind sift's settings,
// labels and category definitions.
//
// The store only promises single-key atomicity for Set; keys written by one Set
// call land in a single batch but callers must not rely on cross-key
// transactions. Consistency across keys is the job of sift's label write queue.
//
// A BadgerDB-backed implementation is used in production and an in-memory one
// in tests.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a flat string-keyed byte store.
type Store interface {
	// Get returns the values for the keys that exist. Missing keys are simply
	// absent from the returned map.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)

	// Set writes every entry of values.
	Set(ctx context.Context, values map[string][]byte) error

	// Delete removes the keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases resources held by the store.
	Close() error
}

// Options configures key namespacing shared by all implementations.
type Options struct {
	// Prefix is prepended (with ':') to every key so several logical stores
	// can share one database. Empty means no prefix.
	Prefix string
}

func (o *Options) encode(key string) []byte {
	if o == nil || o.Prefix == "" {
		return []byte(key)
	}
	return []byte(o.Prefix + ":" + key)
}

func (o *Options) decode(b []byte) string {
	s := string(b)
	if o == nil || o.Prefix == "" {
		return s
	}
	return strings.TrimPrefix(s, o.Prefix+":")
}
