package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"github.com/spf13/cobra"
)

func workunitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workunits",
		Aliases: []string{"work"},
		Short:   "Inspect and cancel queued work",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List work units",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			state, _ := cmd.Flags().GetString("state")
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			units, err := store.ListWork(cmd.Context(), service.WorkFilter{
				UserID: user,
				State:  model.WorkState(state),
				Kind:   model.WorkKind(kind),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(units) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("no work units"))
				return nil
			}

			rows := make([][]string, 0, len(units))
			for i := range units {
				u := &units[i]
				next := "-"
				if !u.State.Terminal() {
					next = u.NextAttemptAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{
					u.ID, string(u.Kind), u.UserID, cli.StyleState(string(u.State)),
					strconv.Itoa(u.AttemptCount), next, u.LastError,
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable(
				[]string{"ID", "KIND", "USER", "STATE", "RETRIES", "NEXT ATTEMPT", "LAST ERROR"}, rows))
			return nil
		},
	}
	list.Flags().String("user", "", "only this user's units")
	list.Flags().String("state", "", "queued, running, succeeded, failed or dead")
	list.Flags().String("kind", "", "ocr, mail_poll, bank_sync or sms_parse")
	list.Flags().Int("limit", 50, "maximum units to show")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a unit",
		Long: `Cancel a unit. A waiting unit ends at once and its receipt is marked failed.
A running unit finishes its current attempt and the result is discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			previous, err := a.orch.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("cancelled %s (was %s)", args[0], previous)))
			return nil
		},
	}

	process := &cobra.Command{
		Use:   "process",
		Short: "Run every due unit once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if _, err := a.orch.Recover(cmd.Context()); err != nil {
				return err
			}
			n, err := a.drain(cmd.Context(), nil)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("processed %d units", n)))
			return nil
		},
	}

	cmd.AddCommand(list, cancel, process)
	return cmd
}
