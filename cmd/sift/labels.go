package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"yashubustudio/sift/internal/app"
	"yashubustudio/sift/sift"
)

func newLabelsCmd(e *env, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Manage training labels",
	}
	cmd.AddCommand(
		newLabelsListCmd(e, flags),
		newLabelsAddCmd(e, flags),
		newLabelsDeleteCmd(e, flags),
	)
	return cmd
}

func newLabelsListCmd(e *env, flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, e, flags, false, func(ctx context.Context, a *app.App) error {
				labels, err := a.Coordinator.Labels(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(e.out, labels)
				}
				tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIMESTAMP\tLABEL\tCATEGORY\tSOURCE\tTEXT")
				for _, l := range labels {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", l.Timestamp, l.Polarity, l.Anchor, l.AnchorSource, l.Text)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newLabelsAddCmd(e *env, flags *rootFlags) *cobra.Command {
	var (
		polarity string
		category string
	)
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a label",
		Long: `Add a label. Without --category the text is ranked across the active
categories and the top one is used; when the model is unavailable the label
goes to the fallback category.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := sift.Polarity(strings.ToLower(polarity))
			if !p.Valid() {
				return fmt.Errorf("--label must be positive or negative, got %q", polarity)
			}
			return withApp(cmd, e, flags, false, func(ctx context.Context, a *app.App) error {
				if category == "" {
					waitCtx, cancel := context.WithTimeout(ctx, e.readyWait.Total)
					_ = a.Coordinator.WaitReady(waitCtx, e.readyWait)
					cancel()
				}
				saved, err := a.Coordinator.AddLabel(ctx, sift.LabelInput{
					Text:     strings.Join(args, " "),
					Polarity: p,
					Source:   "cli",
					Anchor:   category,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(e.out, "added %s label %d under %s (%s)\n", saved.Polarity, saved.Timestamp, saved.Anchor, saved.AnchorSource)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&polarity, "label", "l", string(sift.Positive), "positive or negative")
	cmd.Flags().StringVar(&category, "category", "", "category id, skipping automatic ranking")
	return cmd
}

func newLabelsDeleteCmd(e *env, flags *rootFlags) *cobra.Command {
	var timestamp int64
	cmd := &cobra.Command{
		Use:   "delete <text>",
		Short: "Delete the label with the given text and timestamp",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if timestamp == 0 {
				return errors.New("--timestamp is required")
			}
			return withApp(cmd, e, flags, false, func(ctx context.Context, a *app.App) error {
				removed, err := a.Coordinator.DeleteLabel(ctx, strings.Join(args, " "), timestamp)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(e.out, "deleted %s label %q\n", removed.Polarity, removed.Text)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "label timestamp in unix milliseconds")
	return cmd
}

func newExportCmd(e *env, flags *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the Anchor,Positive,Negative triplet CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, e, flags, false, func(ctx context.Context, a *app.App) error {
				if output == "" || output == "-" {
					_, err := a.Coordinator.ExportCSV(ctx, e.out)
					return err
				}
				path, err := resolveOutputPath(output)
				if err != nil {
					return err
				}
				tmp := path + ".tmp"
				f, err := os.Create(tmp)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				rows, err := a.Coordinator.ExportCSV(ctx, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					_ = os.Remove(tmp)
					return err
				}
				if err := os.Rename(tmp, path); err != nil {
					return fmt.Errorf("rename export file: %w", err)
				}
				_, err = fmt.Fprintf(e.out, "wrote %d triplets to %s\n", rows, path)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, or - for stdout; a directory gets triplets_<time>.csv")
	return cmd
}

func resolveOutputPath(path string) (string, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Sprintf("%s%ctriplets_%s.csv", strings.TrimRight(path, string(os.PathSeparator)), os.PathSeparator, time.Now().Format("20060102150405")), nil
	}
	return path, nil
}

func newImportCmd(e *env, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge labels from an Anchor,Positive,Negative triplet CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open import file: %w", err)
			}
			defer f.Close()
			return withApp(cmd, e, flags, false, func(ctx context.Context, a *app.App) error {
				added, err := a.Coordinator.ImportTriplets(ctx, f)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(e.out, "imported %d labels\n", added)
				return err
			})
		},
	}
}
