package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"yashubustudio/sift/internal/app"
	"yashubustudio/sift/sift"
)

// env carries what commands need from the outside world.
type env struct {
	out  io.Writer
	open func(ctx context.Context, opts app.Options) (*app.App, error)
	// readyWait bounds how long one-shot commands wait for the model.
	readyWait sift.Backoff
}

func defaultEnv() *env {
	return &env{out: os.Stdout, open: app.Open, readyWait: sift.DefaultBackoff()}
}

type rootFlags struct {
	config string
}

func newRootCmd(e *env) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "sift",
		Short:         "Score and rank texts against a personal anchor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(e.out)
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "path to config.json (default ./config.json)")

	root.AddCommand(
		newServeCmd(e, flags),
		newScoreCmd(e, flags),
		newRankCmd(e, flags),
		newFeedCmd(e, flags),
		newLabelsCmd(e, flags),
		newExportCmd(e, flags),
		newImportCmd(e, flags),
		newCategoriesCmd(e, flags),
	)
	return root
}

// withApp opens the app, runs fn and closes it.
func withApp(cmd *cobra.Command, e *env, flags *rootFlags, requireModel bool, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := e.open(ctx, app.Options{ConfigPath: flags.config, RequireModel: requireModel})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	if requireModel {
		if err := a.Coordinator.WaitReady(ctx, e.readyWait); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}
