package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"yashubustudio/sift/internal/app"
)

func newServeCmd(e *env, flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the message API over websocket",
		Long: `Serve the message API over websocket at /ws.

Each frame is a JSON envelope {"id","type","payload"}; replies carry the same
id and type. Lifecycle progress is pushed as "lifecycle.progress" frames.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(cmd, e, flags, false, func(ctx context.Context, a *app.App) error {
				if addr != "" {
					a.Config.Server.Addr = addr
				}
				return a.Serve(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
