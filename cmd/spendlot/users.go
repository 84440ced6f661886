package main

import (
	"errors"
	"fmt"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/spf13/cobra"
)

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage per-user ingestion settings",
	}

	set := &cobra.Command{
		Use:   "set <user>",
		Short: "Set a user's phone number and currency",
		Long: `Set a user's phone number and currency. Text messages are matched to users
by phone number; amounts without a currency take the user's.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			profile, err := store.GetUserProfile(cmd.Context(), args[0])
			if errors.Is(err, common.ErrNotFound) {
				profile = &model.UserProfile{UserID: args[0]}
			} else if err != nil {
				return err
			}

			if cmd.Flags().Changed("phone") {
				profile.PhoneNumber, _ = cmd.Flags().GetString("phone")
			}
			if cmd.Flags().Changed("currency") {
				profile.Currency, _ = cmd.Flags().GetString("currency")
			}
			if err := store.SaveUserProfile(cmd.Context(), profile); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("saved "+args[0]))
			return nil
		},
	}
	set.Flags().String("phone", "", "phone number text messages arrive from")
	set.Flags().String("currency", "", "ISO currency code, for example USD")

	cmd.AddCommand(set)
	return cmd
}
