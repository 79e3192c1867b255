package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ketobot/ketobot-stack/common/messaging"
	natsclient "github.com/ketobot/ketobot-stack/common/messaging/nats"
)

var eventsSubject string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Watch bot lifecycle events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print lifecycle events as they are published",
	Long: `Subscribe to bot lifecycle subjects and print each message until interrupted.

Examples:
  botctl events tail
  botctl events tail --subject "bot.outbox.>"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.NATS.Enabled {
			return errors.New("nats is disabled in this configuration")
		}

		nc := natsclient.DefaultConfig()
		nc.URL = cfg.NATS.URL
		nc.Name = "botctl"
		client, err := natsclient.NewClient(nc)
		if err != nil {
			return err
		}
		defer client.Close()

		if _, err := client.Subscribe(eventsSubject, printMessage(cmd.OutOrStdout())); err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s (Ctrl-C to stop)\n", eventsSubject)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

// printMessage writes "subject payload" lines.
func printMessage(w io.Writer) messaging.MessageHandler {
	return func(_ context.Context, msg *messaging.Message) error {
		_, err := fmt.Fprintf(w, "%s %s %s\n", msg.Timestamp.Format("15:04:05.000"), msg.Subject, msg.Data)
		return err
	}
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)

	eventsTailCmd.Flags().StringVar(&eventsSubject, "subject", messaging.SubjectBotAll, "subject or wildcard to subscribe to")
}
