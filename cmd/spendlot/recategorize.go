package main

import (
	"context"
	"fmt"

	"github.com/Veraticus/spendlot/internal/categorize"
	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/spf13/cobra"
)

func recategorizeCmd() *cobra.Command {
	var (
		user        string
		includeAuto bool
		dryRun      bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "recategorize",
		Short: "Re-run categorization over uncategorized receipts and transactions",
		Long: `Re-run categorization over completed receipts and bank transactions that
were left uncategorized or filed under the default category. Run it after
adding categories or keywords. Categories assigned by hand are never changed.

Examples:
  # See what would move for one user
  spendlot recategorize --user alice --dry-run

  # Also revisit keyword and merchant history matches
  spendlot recategorize --include-auto`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, categorizer, err := openCategorizer(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			ctx := cmd.Context()

			summary, err := categorizer.Recategorize(ctx, categorize.RecategorizeOptions{
				UserID:      user,
				IncludeAuto: includeAuto,
				DryRun:      dryRun,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(summary.Changes) == 0 {
				_, _ = fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("examined %d records; nothing to move", summary.Examined)))
				return nil
			}

			names := categoryNames(ctx, categorizer)
			rows := make([][]string, 0, len(summary.Changes))
			for _, c := range summary.Changes {
				rows = append(rows, []string{c.Kind, c.ID, c.Merchant, names(c.UserID, c.From), names(c.UserID, c.To), string(c.Source)})
			}
			_, _ = fmt.Fprintln(out, cli.RenderTable([]string{"KIND", "ID", "MERCHANT", "FROM", "TO", "RULE"}, rows))

			msg := fmt.Sprintf("moved %d of %d records", len(summary.Changes), summary.Examined)
			if dryRun {
				msg = fmt.Sprintf("would move %d of %d records; no changes made", len(summary.Changes), summary.Examined)
			}
			_, _ = fmt.Fprintln(out, cli.FormatSuccess(msg))
			if summary.Skipped > 0 {
				_, _ = fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("%d records were categorized by hand meanwhile and left alone", summary.Skipped)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "only this user's records; empty means everyone")
	cmd.Flags().BoolVar(&includeAuto, "include-auto", false, "also revisit keyword and merchant history matches")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would change without writing")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records of each kind to examine")
	return cmd
}

// categoryNames resolves category ids to tree paths, loading each user's
// tree once.
func categoryNames(ctx context.Context, categorizer *categorize.Engine) func(userID string, id *int64) string {
	trees := make(map[string]*model.CategoryTree)
	return func(userID string, id *int64) string {
		if id == nil {
			return "-"
		}
		tree, ok := trees[userID]
		if !ok {
			tree, _ = categorizer.LoadTree(ctx, userID)
			trees[userID] = tree
		}
		if tree == nil {
			return fmt.Sprint(*id)
		}
		return tree.Path(*id)
	}
}
