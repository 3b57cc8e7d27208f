package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"yashubustudio/sift/internal/app"
	"yashubustudio/sift/internal/feed"
)

func newFeedCmd(e *env, flags *rootFlags) *cobra.Command {
	var (
		refresh bool
		limit   int
		anchor  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Score the RSS feed titles against the anchor",
		Long: `Fetch the configured RSS feed (Hacker News by default), score every title
against the anchor and print them best first. Fetched items are cached for the
configured TTL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, e, flags, true, func(ctx context.Context, a *app.App) error {
				if err := applyAnchor(ctx, e, a, anchor); err != nil {
					return err
				}
				var (
					items  []feed.Item
					origin = feed.OriginNetwork
					err    error
				)
				if refresh {
					items, err = a.Feed.Refresh(ctx)
				} else {
					items, origin, err = a.Feed.Fetch(ctx)
				}
				if err != nil {
					return err
				}
				scored, err := feed.ScoreItems(ctx, a.Coordinator, items)
				if err != nil {
					return err
				}
				if limit > 0 && len(scored) > limit {
					scored = scored[:limit]
				}
				if asJSON {
					return writeJSON(e.out, scored)
				}
				fmt.Fprintf(e.out, "%d items from %s, anchor %q\n", len(items), origin, a.Coordinator.Settings().Anchor)
				tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SCORE\tTIER\tTITLE")
				for _, s := range scored {
					fmt.Fprintf(tw, "%.3f\t%s\t%s\n", s.Score, s.Tier, s.Title)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the cache")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most n items")
	cmd.Flags().StringVar(&anchor, "anchor", "", "set the anchor text first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
