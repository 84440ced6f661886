package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/spf13/cobra"
)

func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "evidence",
		Aliases: []string{"receipts"},
		Short:   "Inspect received receipts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List receipts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			status, _ := cmd.Flags().GetString("status")
			source, _ := cmd.Flags().GetString("source")
			limit, _ := cmd.Flags().GetInt("limit")

			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := store.ListEvidence(cmd.Context(), service.EvidenceFilter{
				UserID:     user,
				Status:     model.EvidenceStatus(status),
				SourceKind: model.SourceKind(source),
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if len(records) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("no receipts"))
				return nil
			}

			rows := make([][]string, 0, len(records))
			for i := range records {
				ev := &records[i]
				rows = append(rows, []string{
					ev.ID, string(ev.SourceKind), cli.StyleState(string(ev.Status)), cli.StyleState(string(ev.DedupState)),
					orDash(ev.MerchantName), formatAmount(ev), formatDate(ev.OccurredAt),
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable(
				[]string{"ID", "SOURCE", "STATUS", "DEDUP", "MERCHANT", "AMOUNT", "DATE"}, rows))
			return nil
		},
	}
	list.Flags().String("user", "", "only this user's receipts")
	list.Flags().String("status", "", "pending, processing, completed or failed")
	list.Flags().String("source", "", "image, mail, sms or bank")
	list.Flags().Int("limit", 50, "maximum receipts to show")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ev, err := store.GetEvidence(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderEvidence(ev))
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func renderEvidence(ev *model.Evidence) string {
	lines := []string{
		"Status:     " + cli.StyleState(string(ev.Status)),
		"Source:     " + string(ev.SourceKind),
		"Merchant:   " + orDash(ev.MerchantName),
		"Amount:     " + formatAmount(ev),
		"Date:       " + formatDate(ev.OccurredAt),
		fmt.Sprintf("Confidence: %.2f", ev.Confidence),
	}
	if ev.DedupState != "" {
		lines = append(lines, "Dedup:      "+cli.StyleState(string(ev.DedupState)))
	}
	if ev.DuplicateOfID != nil {
		lines = append(lines, "Duplicate:  "+*ev.DuplicateOfID)
	}
	if ev.LinkedTransactionID != nil {
		lines = append(lines, "Linked to:  "+*ev.LinkedTransactionID)
	}
	if ev.CategoryID != nil {
		how := "manual"
		if ev.AutoCategorized {
			how = "auto"
		}
		lines = append(lines, fmt.Sprintf("Category:   %d (%s)", *ev.CategoryID, how))
	}
	if ev.FailureReason != "" {
		lines = append(lines, "Failure:    "+cli.ErrorStyle.Render(ev.FailureReason))
	}
	return cli.RenderBox("Receipt "+ev.ID, strings.Join(lines, "\n"))
}

func formatAmount(ev *model.Evidence) string {
	if ev.Amount == nil {
		return "-"
	}
	return strings.TrimSpace(ev.Amount.StringFixed(2) + " " + ev.Currency)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateOnly)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
