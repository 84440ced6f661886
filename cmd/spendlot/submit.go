package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Veraticus/spendlot/internal/cli"
	"github.com/Veraticus/spendlot/internal/ingest"
	"github.com/spf13/cobra"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a receipt photo or text message",
	}
	cmd.PersistentFlags().Bool("process", false, "Process the receipt now instead of leaving it for serve")

	image := &cobra.Command{
		Use:     "image <file>",
		Short:   "Submit a receipt photo or PDF",
		Example: `  spendlot submit image --user alice ~/Downloads/receipt.jpg --process`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			contentType, _ := cmd.Flags().GetString("content-type")
			data, err := os.ReadFile(args[0]) // #nosec G304
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			return submit(cmd, func(a *app) (*ingest.Submission, error) {
				return a.intake.SubmitImage(cmd.Context(), user, contentType, data)
			})
		},
	}
	image.Flags().String("user", "", "user the receipt belongs to")
	image.Flags().String("content-type", "", "content type; detected from the file when empty")
	_ = image.MarkFlagRequired("user")

	sms := &cobra.Command{
		Use:     "sms <body...>",
		Short:   "Submit a text message as if it arrived from the SMS gateway",
		Example: `  spendlot submit sms --from +15550102030 --sid SM42 "Paid \$4.50 at Blue Bottle"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			sid, _ := cmd.Flags().GetString("sid")
			return submit(cmd, func(a *app) (*ingest.Submission, error) {
				return a.intake.SubmitSMS(cmd.Context(), from, strings.Join(args, " "), sid)
			})
		},
	}
	sms.Flags().String("from", "", "sender phone number")
	sms.Flags().String("sid", "", "gateway message id; repeats are ignored")
	_ = sms.MarkFlagRequired("from")

	cmd.AddCommand(image, sms)
	return cmd
}

func submit(cmd *cobra.Command, fn func(*app) (*ingest.Submission, error)) error {
	ctx := cmd.Context()
	process, _ := cmd.Flags().GetBool("process")

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sub, err := fn(a)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if sub.Unit == nil {
		_, _ = fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("already received as %s (%s)", sub.Evidence.ID, sub.Evidence.Status)))
		return nil
	}
	_, _ = fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("received %s, queued %s", sub.Evidence.ID, sub.Unit.ID)))

	if !process {
		return nil
	}
	if _, err := a.drain(ctx, nil); err != nil {
		return err
	}
	ev, err := a.store.GetEvidence(ctx, sub.Evidence.ID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, renderEvidence(ev))
	return nil
}
