// Package app wires configuration, storage, the embedder and the coordinator
// into a running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"yashubustudio/sift/internal/feed"
	"yashubustudio/sift/internal/kv"
	"yashubustudio/sift/internal/logger"
	"yashubustudio/sift/internal/wsapi"
	"yashubustudio/sift/sift"
)

// Options overrides parts of the bootstrap. Zero values use the config.
type Options struct {
	ConfigPath string
	// Store replaces the Badger store built from the config.
	Store kv.Store
	// Factory replaces sift.DefaultEmbedderFactory.
	Factory sift.EmbedderFactory
	Logger  *logger.Logger
	// RequireModel fails Open when the model cannot be loaded. Otherwise
	// the failure is logged and label and category operations stay usable.
	RequireModel bool
}

// App is one initialized process.
type App struct {
	Config      sift.Config
	Log         *logger.Logger
	Store       kv.Store
	Coordinator *sift.Coordinator
	Router      *sift.Router
	Feed        *feed.Fetcher

	ownsLog bool
}

// Open loads config, opens the store and initializes the coordinator.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := sift.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log, ownsLog := opts.Logger, false
	if log == nil {
		if log, err = logger.New(cfg.Log.Mode); err != nil {
			return nil, err
		}
		ownsLog = true
	}

	store := opts.Store
	if store == nil {
		if cfg.Store.Dir != "" && !cfg.Store.InMemory {
			if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		store, err = kv.NewBadger(kv.BadgerOptions{
			Options:  &kv.Options{Prefix: "sift"},
			Dir:      cfg.Store.Dir,
			InMemory: cfg.Store.InMemory,
			Logger:   log.With("component", "kv"),
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	seeds, err := sift.LoadSeedCategories(cfg.SeedsPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	factory := opts.Factory
	if factory == nil {
		factory = sift.DefaultEmbedderFactory(cfg.Embedder, log.With("component", "embedder"))
	}
	coord, err := sift.NewCoordinator(sift.CoordinatorOptions{
		Config:  cfg,
		Store:   store,
		Factory: factory,
		Seeds:   seeds,
		Logger:  log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		Config:      cfg,
		Log:         log,
		Store:       store,
		Coordinator: coord,
		Router:      sift.NewCoordinatorRouter(coord, log.With("component", "router")),
		Feed: feed.New(feed.Options{
			URL:    cfg.Feed.URL,
			TTL:    time.Duration(cfg.Feed.TTLSeconds) * time.Second,
			Store:  store,
			Logger: log.With("component", "feed"),
		}),
		ownsLog: ownsLog,
	}
	if err := coord.Init(ctx); err != nil {
		if opts.RequireModel || !errors.Is(err, sift.ErrLoadFailed) {
			_ = a.Close(context.Background())
			return nil, err
		}
		log.Warn("model unavailable, continuing without it", "error", err)
	}
	return a, nil
}

// Serve runs the websocket server until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv := wsapi.New(wsapi.Options{
		Router: a.Router,
		Events: a.Coordinator.Lifecycle(),
		Logger: a.Log.With("component", "wsapi"),
	})
	err := srv.ListenAndServe(ctx, a.Config.Server.Addr)
	a.Router.Wait()
	return err
}

// Close shuts the coordinator down and closes the store.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := a.Coordinator.Shutdown(ctx)
	if cerr := a.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if a.ownsLog {
		a.Log.Sync()
	}
	return err
}
