package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/spf13/cobra"
)

// knownBreakers are listed even before they first record a failure.
var knownBreakers = []string{
	model.BreakerOCRVision,
	model.BreakerMailGmail,
	model.BreakerBankPlaid,
	model.BreakerBankOFX,
	model.BreakerSMSLocal,
}

func breakersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker state per capability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			persisted, err := store.ListBreakers(cmd.Context())
			if err != nil {
				return err
			}
			states := make(map[string]model.CircuitState, len(knownBreakers))
			for _, key := range knownBreakers {
				states[key] = model.CircuitState{BreakerKey: key, State: model.BreakerClosed}
			}
			for _, s := range persisted {
				states[s.BreakerKey] = s
			}

			keys := make([]string, 0, len(states))
			for key := range states {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				s := states[key]
				opened := "-"
				if s.OpenedAt != nil {
					opened = s.OpenedAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{key, cli.StyleState(string(s.State)), strconv.Itoa(len(s.Failures)), opened})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"CAPABILITY", "STATE", "RECENT FAILURES", "OPENED"}, rows))
			return nil
		},
	}
}
