package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/ketobot/ketobot-stack/bot/internal/ingest"
)

var (
	seedURL        string
	seedCount      int
	seedUsers      int
	seedSeed       int64
	seedStartID    int64
	seedInterval   time.Duration
	seedCommandPct int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "POST synthetic Telegram updates to the webhook",
	Long: `Generate fake users and messages and send them to the webhook as Telegram
updates, signed with telegram.webhook_secret.

Examples:
  botctl seed --count 50
  botctl seed --count 200 --users 5 --interval 100ms --url http://localhost:8080/webhook`,
	RunE: func(cmd *cobra.Command, args []string) error {
		startID := seedStartID
		if startID == 0 {
			startID = time.Now().Unix()
		}

		s := &seeder{
			client:     &http.Client{Timeout: 10 * time.Second},
			url:        seedURL,
			secret:     cfg.Telegram.WebhookSecret,
			faker:      gofakeit.New(seedSeed),
			users:      seedUsers,
			commandPct: seedCommandPct,
			interval:   seedInterval,
		}
		sent, err := s.run(cmd.Context(), startID, seedCount)
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %d of %d update(s) to %s\n", sent, seedCount, seedURL)
		return err
	},
}

var seedMessages = []string{
	"hello",
	"What can I eat for breakfast on keto?",
	"Suggest a quick dinner recipe",
	"Is coconut flour keto friendly?",
	"I am allergic to nuts",
	"How many carbs can I have per day?",
	"I want a dessert without sugar",
	"What is the keto flu?",
	"Can you find me a salad under 20 minutes?",
	"I'm lactose intolerant, what should I avoid?",
}

var seedCommands = []string{"/start", "/help", "/profile", "/recipes"}

type seeder struct {
	client     *http.Client
	url        string
	secret     string
	faker      *gofakeit.Faker
	users      int
	commandPct int
	interval   time.Duration

	identities []ingest.User
}

// run sends count updates with consecutive update ids starting at startID.
func (s *seeder) run(ctx context.Context, startID int64, count int) (int, error) {
	sent := 0
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := s.post(ctx, s.update(startID+int64(i))); err != nil {
			return sent, err
		}
		sent++

		if s.interval > 0 && i < count-1 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(s.interval):
			}
		}
	}
	return sent, nil
}

func (s *seeder) update(updateID int64) ingest.Update {
	user := s.identity()
	text := s.faker.RandomString(seedMessages)
	if s.faker.Number(1, 100) <= s.commandPct {
		text = s.faker.RandomString(seedCommands)
	}

	return ingest.Update{
		UpdateID: updateID,
		Message: &ingest.Message{
			MessageID: int64(s.faker.Number(1, 1_000_000)),
			From:      &user,
			Chat:      ingest.Chat{ID: user.ID, Type: "private"},
			Date:      time.Now().Unix(),
			Text:      text,
		},
	}
}

// identity returns one of a fixed set of fake users so that conversations
// span several updates.
func (s *seeder) identity() ingest.User {
	if s.users <= 0 {
		s.users = 1
	}
	if len(s.identities) < s.users {
		s.identities = append(s.identities, ingest.User{
			ID:           s.faker.Int64()&0x7fffffff + 1,
			FirstName:    s.faker.FirstName(),
			Username:     s.faker.Username(),
			LanguageCode: s.faker.RandomString([]string{"en", "ru", "de"}),
		})
		return s.identities[len(s.identities)-1]
	}
	return s.identities[s.faker.Number(0, len(s.identities)-1)]
}

func (s *seeder) post(ctx context.Context, u ingest.Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(ingest.SecretHeader, s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post update %d: %w", u.UpdateID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post update %d: status %d: %s", u.UpdateID, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringVar(&seedURL, "url", "http://localhost:8080/webhook", "webhook URL")
	seedCmd.Flags().IntVar(&seedCount, "count", 10, "number of updates to send")
	seedCmd.Flags().IntVar(&seedUsers, "users", 3, "number of distinct fake users")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 picks one)")
	seedCmd.Flags().Int64Var(&seedStartID, "start-id", 0, "first update_id (default: current unix time)")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "pause between updates")
	seedCmd.Flags().IntVar(&seedCommandPct, "command-pct", 10, "percentage of updates that are bot commands")
}
