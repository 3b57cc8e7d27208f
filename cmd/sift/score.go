package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"yashubustudio/sift/internal/app"
	"yashubustudio/sift/sift"
)

func newScoreCmd(e *env, flags *rootFlags) *cobra.Command {
	var (
		file   string
		anchor string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "score [text...]",
		Short: "Score texts against the anchor",
		Long: `Score texts against the anchor.

Texts come from the arguments or from --file (CSV/TSV with a title column, or
one text per line). --anchor replaces the stored anchor before scoring.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			texts := append([]string(nil), args...)
			if file != "" {
				more, err := sift.ReadTitlesFile(file)
				if err != nil {
					return err
				}
				texts = append(texts, more...)
			}
			if len(texts) == 0 {
				return errors.New("no texts to score: pass arguments or --file")
			}
			return withApp(cmd, e, flags, true, func(ctx context.Context, a *app.App) error {
				if err := applyAnchor(ctx, e, a, anchor); err != nil {
					return err
				}
				results, err := a.Coordinator.ScoreTexts(ctx, texts)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(e.out, results)
				}
				tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SCORE\tTIER\tTEXT")
				for _, r := range results {
					fmt.Fprintf(tw, "%.3f\t%s\t%s\n", r.Score, r.Tier, r.Text)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read texts from a CSV, TSV or text file")
	cmd.Flags().StringVar(&anchor, "anchor", "", "set the anchor text first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRankCmd(e *env, flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "rank <text>",
		Short: "Rank a text across the active categories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withApp(cmd, e, flags, true, func(ctx context.Context, a *app.App) error {
				res, err := a.Coordinator.RankText(ctx, text)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(e.out, res)
				}
				return printRanking(e.out, res)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printRanking(w io.Writer, res sift.RankResult) error {
	if !res.Ranking.Available() {
		if res.Fallback != nil {
			_, err := fmt.Fprintf(w, "no active categories; anchor score %.3f (%s)\n", res.Fallback.Score, res.Fallback.Tier)
			return err
		}
		_, err := fmt.Fprintln(w, "no ranking available")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tSCORE")
	for _, r := range res.Ranking.Ranks {
		fmt.Fprintf(tw, "%s\t%.3f\n", r.Anchor, r.Score)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	note := ""
	if res.Ranking.Ambiguous {
		note = " (ambiguous)"
	}
	_, err := fmt.Fprintf(w, "top: %s, confidence %.3f%s\n", res.Ranking.Top.Anchor, res.Ranking.Confidence, note)
	return err
}

func applyAnchor(ctx context.Context, e *env, a *app.App, anchor string) error {
	if strings.TrimSpace(anchor) == "" {
		return nil
	}
	if err := a.Coordinator.SetAnchor(ctx, anchor); err != nil {
		return err
	}
	return a.Coordinator.WaitReady(ctx, e.readyWait)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
