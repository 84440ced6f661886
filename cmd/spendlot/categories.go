package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/spf13/cobra"
)

func categoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage categories and assign them by hand",
	}
	cmd.PersistentFlags().String("user", "", "user whose categories to use; empty means the shared defaults")

	list := &cobra.Command{
		Use:   "list",
		Short: "List categories as a tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			store, categorizer, err := openCategorizer(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tree, err := categorizer.LoadTree(cmd.Context(), user)
			if err != nil {
				return err
			}
			all := tree.All()
			sort.Slice(all, func(i, j int) bool { return tree.Path(all[i].ID) < tree.Path(all[j].ID) })

			rows := make([][]string, 0, len(all))
			for _, c := range all {
				rows = append(rows, []string{
					strconv.FormatInt(c.ID, 10), tree.Path(c.ID), string(c.Type), strings.Join(c.Keywords, ", "),
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"ID", "CATEGORY", "TYPE", "KEYWORDS"}, rows))
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			parent, _ := cmd.Flags().GetString("parent")
			kind, _ := cmd.Flags().GetString("type")
			keywords, _ := cmd.Flags().GetStringSlice("keywords")

			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c := &model.Category{Name: args[0], UserID: user, Type: model.CategoryType(kind), Keywords: keywords, IsActive: true}
			if parent != "" {
				p, err := store.GetCategoryByName(cmd.Context(), user, parent)
				if err != nil {
					return err
				}
				c.ParentID = &p.ID
			}
			if err := store.CreateCategory(cmd.Context(), c); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("created %s (%d)", c.Name, c.ID)))
			return nil
		},
	}
	add.Flags().String("parent", "", "parent category name")
	add.Flags().String("type", string(model.CategoryTypeExpense), "expense or income")
	add.Flags().StringSlice("keywords", nil, "merchant keywords that select this category")

	move := &cobra.Command{
		Use:   "move <name> [parent]",
		Short: "Move a category under a parent, or to the top level",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, err := store.GetCategoryByName(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			var parentID *int64
			if len(args) == 2 {
				p, err := store.GetCategoryByName(cmd.Context(), user, args[1])
				if err != nil {
					return err
				}
				parentID = &p.ID
			}
			if err := store.SetCategoryParent(cmd.Context(), c.ID, parentID); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("moved "+c.Name))
			return nil
		},
	}

	keywords := &cobra.Command{
		Use:   "keywords <name> [keyword...]",
		Short: "Replace a category's keywords",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, err := store.GetCategoryByName(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			if err := store.SetCategoryKeywords(cmd.Context(), c.ID, args[1:]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("%s now has %d keywords", c.Name, len(args)-1)))
			return nil
		},
	}

	assign := &cobra.Command{
		Use:   "assign <category>",
		Short: "Assign a category to a receipt or bank transaction by hand",
		Long: `Assign a category by hand. The choice is remembered for the merchant, so
later receipts from it are filed the same way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evidenceID, _ := cmd.Flags().GetString("evidence")
			transactionID, _ := cmd.Flags().GetString("transaction")
			if (evidenceID == "") == (transactionID == "") {
				return fmt.Errorf("exactly one of --evidence or --transaction is required")
			}

			store, categorizer, err := openCategorizer(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			ctx := cmd.Context()

			var userID string
			if evidenceID != "" {
				ev, err := store.GetEvidence(ctx, evidenceID)
				if err != nil {
					return err
				}
				userID = ev.UserID
			} else {
				txn, err := store.GetTransaction(ctx, transactionID)
				if err != nil {
					return err
				}
				userID = txn.UserID
			}

			c, err := store.GetCategoryByName(ctx, userID, args[0])
			if err != nil {
				return err
			}
			if evidenceID != "" {
				err = categorizer.SetManual(ctx, evidenceID, c.ID)
			} else {
				err = categorizer.SetManualTransaction(ctx, transactionID, c.ID)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("filed under "+c.Name))
			return nil
		},
	}
	assign.Flags().String("evidence", "", "receipt id")
	assign.Flags().String("transaction", "", "bank transaction id")

	cmd.AddCommand(list, add, move, keywords, assign)
	return cmd
}
