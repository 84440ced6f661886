package main

import (
	"fmt"
	"time"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/gmail"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/spf13/cobra"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Link and manage mailboxes and bank feeds",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var rows [][]string
			for _, kind := range []model.SourceKind{model.SourceMail, model.SourceBank} {
				accounts, err := store.ListSourceAccounts(cmd.Context(), kind, false)
				if err != nil {
					return err
				}
				for _, a := range accounts {
					polled := "never"
					if a.LastPolledAt != nil {
						polled = a.LastPolledAt.Local().Format(time.DateTime)
					}
					active := cli.SuccessStyle.Render("active")
					if !a.Active {
						active = cli.SubtleStyle.Render("disabled")
					}
					rows = append(rows, []string{a.ID, a.UserID, string(a.Kind), a.Provider, redact(a), active, polled})
				}
			}
			if len(rows) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("no linked accounts"))
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable(
				[]string{"ID", "USER", "KIND", "PROVIDER", "REF", "STATE", "LAST POLLED"}, rows))
			return nil
		},
	}

	linkGmail := &cobra.Command{
		Use:   "link-gmail <address>",
		Short: "Authorize read access to a Gmail mailbox and poll it for receipts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			store, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			_, err = gmail.Authenticate(cmd.Context(), gmail.OAuth2Config{
				ClientID:     cfg.Gmail.ClientID,
				ClientSecret: cfg.Gmail.ClientSecret,
				TokenFile:    cfg.Gmail.TokenFile,
			}, func(url string) {
				_, _ = fmt.Fprintln(out, cli.FormatInfo("Open this address to grant access:"))
				_, _ = fmt.Fprintln(out, url)
			})
			if err != nil {
				return err
			}

			account := &model.SourceAccount{UserID: user, Kind: model.SourceMail, Provider: model.ProviderGmail, AccountRef: args[0]}
			if err := store.CreateSourceAccount(cmd.Context(), account); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("linked %s as %s", args[0], account.ID)))
			return nil
		},
	}

	plaidToken := &cobra.Command{
		Use:   "plaid-link-token",
		Short: "Create a Plaid Link token for connecting a bank",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			client := a.plaidClient()
			if client == nil {
				return common.NewConfigurationError("plaid credentials are not configured", common.ErrMissingConfig)
			}
			token, err := client.CreateLinkToken(cmd.Context(), user)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	linkPlaid := &cobra.Command{
		Use:   "link-plaid <public-token>",
		Short: "Exchange a Plaid Link public token and sync the bank feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			client := a.plaidClient()
			if client == nil {
				return common.NewConfigurationError("plaid credentials are not configured", common.ErrMissingConfig)
			}
			accessToken, itemID, err := client.ExchangePublicToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			account := &model.SourceAccount{UserID: user, Kind: model.SourceBank, Provider: model.ProviderPlaid, AccountRef: accessToken, ExternalID: itemID}
			if err := a.store.CreateSourceAccount(cmd.Context(), account); err != nil {
				return err
			}
			if _, err := a.scheduler.EnqueuePoll(cmd.Context(), account); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("linked item %s as %s; first sync queued", itemID, account.ID)))
			return nil
		},
	}

	poll := &cobra.Command{
		Use:   "poll <id>",
		Short: "Poll an account now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			account, err := a.store.GetSourceAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			queued, err := a.scheduler.EnqueuePoll(cmd.Context(), account)
			if err != nil {
				return err
			}
			if !queued {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("a poll is already queued"))
			}
			n, err := a.drain(cmd.Context(), nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("processed %d units", n)))
			return nil
		},
	}

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, _, err := openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				if err := store.SetSourceAccountActive(cmd.Context(), args[0], active); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(use+"d "+args[0]))
				return nil
			},
		}
	}

	for _, c := range []*cobra.Command{linkGmail, plaidToken, linkPlaid} {
		c.Flags().String("user", "", "user the account belongs to")
		_ = c.MarkFlagRequired("user")
	}

	cmd.AddCommand(list, linkGmail, plaidToken, linkPlaid, poll,
		setActive("disable", "Stop polling an account", false),
		setActive("enable", "Resume polling an account", true))
	return cmd
}

// redact hides Plaid access tokens.
func redact(a model.SourceAccount) string {
	if a.Provider != model.ProviderPlaid || len(a.AccountRef) <= 8 {
		return a.AccountRef
	}
	return a.AccountRef[:4] + "…" + a.AccountRef[len(a.AccountRef)-4:]
}
