package kv

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"yashubustudio/sift/internal/logger"
)

// Badger is a Store implementation backed by BadgerDB v4.
type Badger struct {
	db   *badger.DB
	opts *Options
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	Options *Options

	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without touching disk.
	InMemory bool

	// Logger receives badger warnings and errors. Nil discards them.
	Logger *logger.Logger
}

// NewBadger opens (or creates) a BadgerDB-backed Store.
func NewBadger(bopts BadgerOptions) (*Badger, error) {
	if !bopts.InMemory && bopts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(bopts.Dir)
	if bopts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: logger.OrNop(bopts.Logger)})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, opts: bopts.Options}, nil
}

func (b *Badger) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get(b.opts.encode(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[key] = val
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) Set(_ context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for key, val := range values {
			if err := txn.Set(b.opts.encode(key), val); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (b *Badger) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(b.opts.encode(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// Keys lists every key under the configured prefix, mostly for diagnostics.
func (b *Badger) Keys(_ context.Context) ([]string, error) {
	var prefix []byte
	if b.opts != nil && b.opts.Prefix != "" {
		prefix = []byte(b.opts.Prefix + ":")
	}
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, b.opts.decode(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's own logging into zap, dropping debug/info noise.
type badgerLogger struct {
	log *logger.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.SugaredLogger.Errorf("[badger] "+f, v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.SugaredLogger.Warnf("[badger] "+f, v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
