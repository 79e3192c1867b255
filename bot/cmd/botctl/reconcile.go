package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/bot/internal/queue"
)

var (
	reconcileOlderThan time.Duration
	reconcileLimit     int
	reconcileDryRun    bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-enqueue events stranded in received",
	Long: `Find audited events whose ledger row is still "received" after --older-than
and push them back onto the job queue.

A row stays received when the worker was stopped mid-job or the queue lost the
job. Pick --older-than comfortably above the lock TTL so a job that is still
running is not enqueued twice.

Examples:
  botctl reconcile --older-than 10m --limit 100
  botctl reconcile --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repo, err := openRepository(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()

		var q jobEnqueuer = queue.New(rdb)
		if reconcileDryRun {
			q = nil
		}

		events, err := reconcile(ctx, repo, q, time.Now().Add(-reconcileOlderThan), reconcileLimit)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), events)
		}
		t := newTable("EVENT", "IDENTITY", "RECEIVED", "TEXT")
		for _, e := range events {
			t.addRow(e.EventID, fmt.Sprint(e.IdentityID), e.ReceivedAt.Format(time.RFC3339), truncate(e.PayloadText, 40))
		}
		t.render(cmd.OutOrStdout())

		verb := "Re-enqueued"
		if reconcileDryRun {
			verb = "Would re-enqueue"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s %d event(s)\n", verb, len(events))
		return nil
	},
}

type staleLister interface {
	ListStaleReceived(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error)
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// reconcile enqueues a fresh attempt for each stale event. A nil queue only
// lists them.
func reconcile(ctx context.Context, store staleLister, q jobEnqueuer, olderThan time.Time, limit int) ([]models.Event, error) {
	events, err := store.ListStaleReceived(ctx, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale events: %w", err)
	}
	if q == nil {
		return events, nil
	}

	for i, e := range events {
		if err := q.Enqueue(ctx, models.JobFromEvent(e, "reconcile")); err != nil {
			return events[:i], fmt.Errorf("enqueue %s: %w", e.EventID, err)
		}
	}
	return events, nil
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().DurationVar(&reconcileOlderThan, "older-than", 10*time.Minute, "only events received before now minus this")
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 100, "maximum events to re-enqueue")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "list without enqueueing")
}
