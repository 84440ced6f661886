package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/ofx"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func importOFXCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-ofx <path...>",
		Short: "Import bank transactions from OFX/QFX statements",
		Long: `Import bank transactions from OFX or QFX files exported from your bank.

Each path, a file or a directory of statements, becomes a bank feed for the
user. Importing the same path again only reads postings on or after the last
import, and receipts already on file are linked to the new transactions.`,
		Example: `  # Import one statement
  spendlot import-ofx --user alice ~/Downloads/chase_jan.qfx

  # Import every statement in a directory
  spendlot import-ofx --user alice ~/Downloads/statements/`,
		Args: cobra.MinimumNArgs(1),
		RunE: runImportOFX,
	}
	cmd.Flags().String("user", "", "user the transactions belong to")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runImportOFX(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	existing, err := a.store.ListSourceAccounts(ctx, model.SourceBank, false)
	if err != nil {
		return err
	}
	byPath := make(map[string]*model.SourceAccount)
	for i := range existing {
		if existing[i].Provider == model.ProviderOFX && existing[i].UserID == user {
			byPath[existing[i].AccountRef] = &existing[i]
		}
	}

	queued := 0
	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("invalid path %s: %w", arg, err)
		}
		files, err := ofx.StatementFiles(path)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			slog.Warn("no statements found", "path", path)
			continue
		}

		account, ok := byPath[path]
		if !ok {
			account = &model.SourceAccount{UserID: user, Kind: model.SourceBank, Provider: model.ProviderOFX, AccountRef: path}
			if err := a.store.CreateSourceAccount(ctx, account); err != nil {
				return err
			}
			byPath[path] = account
		} else if !account.Active {
			if err := a.store.SetSourceAccountActive(ctx, account.ID, true); err != nil {
				return err
			}
		}

		ok, err = a.scheduler.EnqueuePoll(ctx, account)
		if err != nil {
			return err
		}
		if ok {
			queued++
		}
		slog.Info("statements queued", "path", path, "files", len(files), "account_id", account.ID)
	}
	if queued == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatWarning("nothing to import"))
		return nil
	}

	out := cmd.ErrOrStderr()
	bar := progressbar.NewOptions(queued,
		progressbar.OptionSetWriter(out),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Importing statements...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprintln(out)
		}),
	)

	processed, err := a.drain(ctx, func(n int) { _ = bar.Add(n) })
	_ = bar.Finish()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("imported %d statement sources (%d units processed)", queued, processed)))
	return nil
}
