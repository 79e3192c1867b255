package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/bot/internal/outbox"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	natsclient "github.com/ketobot/ketobot-stack/common/messaging/nats"
)

var outboxLimit int

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and retry outbound replies",
}

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List entries that ran out of delivery attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, err := openRepository(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		entries, err := repo.ListExhausted(ctx, cfg.Outbox.MaxAttempts, outboxLimit)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No exhausted outbox entries")
			return nil
		}
		renderEntries(cmd, entries)
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset an exhausted entry so the next sweep delivers it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, err := openRepository(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.ResetForRetry(ctx, args[0]); err != nil {
			if errors.Is(err, repository.ErrOutboxNotFound) {
				return fmt.Errorf("outbox entry %s not found or already sent", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Outbox entry %s queued for the next sweep\n", args[0])
		return nil
	},
}

var outboxDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead letters kept on the JetStream stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !cfg.NATS.Enabled {
			return errors.New("nats is disabled in this configuration")
		}

		nc := natsclient.DefaultConfig()
		nc.URL = cfg.NATS.URL
		nc.Name = "botctl"
		js, err := natsclient.NewJetStreamClient(nc)
		if err != nil {
			return err
		}
		defer js.Close()

		dl, err := outbox.NewJetStreamDeadLetters(ctx, js)
		if err != nil {
			return err
		}
		letters, err := dl.List(ctx, outboxLimit)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), letters)
		}
		t := newTable("ID", "CHANNEL", "REASON", "FAILED", "ERROR")
		for _, l := range letters {
			t.addRow(l.Entry.ID, fmt.Sprint(l.Entry.ChannelRef), l.Reason, l.FailedAt.Format(time.RFC3339), truncate(l.Entry.ErrorMessage, 40))
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

func renderEntries(cmd *cobra.Command, entries []*models.OutboxEntry) {
	t := newTable("ID", "CHANNEL", "ATTEMPTS", "LAST ATTEMPT", "ERROR", "REPLY")
	for _, e := range entries {
		last := "-"
		if e.LastAttemptAt != nil {
			last = e.LastAttemptAt.Format(time.RFC3339)
		}
		t.addRow(e.ID, fmt.Sprint(e.ChannelRef), fmt.Sprint(e.Attempts), last, truncate(e.ErrorMessage, 30), truncate(e.ReplyContent, 30))
	}
	t.render(cmd.OutOrStdout())
}

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxFailedCmd, outboxRetryCmd, outboxDLQCmd)

	outboxCmd.PersistentFlags().IntVar(&outboxLimit, "limit", 50, "maximum entries to list")
}
