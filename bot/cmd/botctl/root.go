package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ketobot/ketobot-stack/bot/internal/config"
	"github.com/ketobot/ketobot-stack/bot/internal/queue"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	"github.com/ketobot/ketobot-stack/common/logging"
)

var (
	cfgFile      string
	outputFormat string
	cfg          *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "botctl",
	Short: "KetoBot operator CLI",
	Long: `botctl inspects and repairs a running KetoBot deployment.

It talks to the same PostgreSQL, Redis and NATS the webhook and worker use,
so it reads the same configuration file and KETOBOT_* environment.`,
	Version:      "0.1.0",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logging.SetDefault(logging.New(logging.ParseLevel(cfg.Logging.Level), "text"))
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/ketobot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json")
}

func openRepository(ctx context.Context) (*repository.PostgresRepository, error) {
	pg := cfg.Database.Postgres
	repo, err := repository.NewPostgresRepository(ctx, pg.ConnString(), 2)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres at %s:%d: %w", pg.Host, pg.Port, err)
	}
	return repo, nil
}

func openRedis(ctx context.Context) (*redis.Client, error) {
	return queue.Connect(ctx, cfg.Redis.URL, 2)
}
