package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"yashubustudio/sift/internal/app"
	"yashubustudio/sift/sift"
)

func newCategoriesCmd(e *env, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "List and check categories",
	}
	cmd.AddCommand(newCategoriesListCmd(e, flags), newCategoriesCheckCmd(e, flags))
	return cmd
}

func newCategoriesListCmd(e *env, flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, e, flags, false, func(_ context.Context, a *app.App) error {
				defs := a.Coordinator.Categories()
				active := make(map[string]bool)
				for _, id := range a.Coordinator.ActiveCategories() {
					active[id] = true
				}
				if asJSON {
					return writeJSON(e.out, map[string]any{"categories": defs, "active": a.Coordinator.ActiveCategories()})
				}
				tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tANCHOR TEXT\tLABEL")
				for _, d := range defs {
					state := "inactive"
					switch {
					case d.Archived:
						state = "archived"
					case active[d.ID]:
						state = "active"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, state, d.AnchorText, d.Label)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCategoriesCheckCmd(e *env, flags *rootFlags) *cobra.Command {
	var (
		threshold float32
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report how distinct the active categories are",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, e, flags, true, func(ctx context.Context, a *app.App) error {
				report, err := a.Coordinator.CheckCategories(ctx, threshold)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(e.out, report)
				}
				tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "CATEGORY\tAVG SIMILARITY\tASSESSMENT")
				for _, c := range report.Categories {
					fmt.Fprintf(tw, "%s\t%.3f\t%s\n", c.ID, c.AvgScore, c.Assessment)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if len(report.Close) == 0 {
					_, err := fmt.Fprintln(e.out, "no pairs are too close")
					return err
				}
				fmt.Fprintln(e.out, "too close:")
				for _, p := range report.Close {
					fmt.Fprintf(e.out, "  %s ~ %s (%.3f)\n", p.A, p.B, p.Score)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float32Var(&threshold, "threshold", sift.DefaultCloseThreshold, "similarity at which two categories are too close")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
