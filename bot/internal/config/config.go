// Package config loads configuration for the webhook, worker and botctl binaries.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration shared by the bot binaries.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Recipes    RecipesConfig    `mapstructure:"recipes"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConnString renders a postgres:// URL usable by pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// OpenSearchConfig locates the recipe catalog index.
type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

type TelegramConfig struct {
	BotToken      string        `mapstructure:"bot_token"`
	APIURL        string        `mapstructure:"api_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	SendTyping    bool          `mapstructure:"send_typing"`
	ParseMode     string        `mapstructure:"parse_mode"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// LLMConfig configures the external generation CLI.
type LLMConfig struct {
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
}

type WorkerConfig struct {
	Consumers      int           `mapstructure:"consumers"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	RequeueDelay   time.Duration `mapstructure:"requeue_delay"`
	HistorySize    int           `mapstructure:"history_size"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
	MetricsPort    int           `mapstructure:"metrics_port"`
}

type OutboxConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	ClaimLease  time.Duration `mapstructure:"claim_lease"`
}

type RecipesConfig struct {
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	FetchLimit int           `mapstructure:"fetch_limit"`
}

// SafetyConfig optionally replaces the built-in pattern tables.
type SafetyConfig struct {
	PatternsFile string `mapstructure:"patterns_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from file and KETOBOT_* environment variables.
// A missing file is only an error when configPath is explicit.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ketobot")
	}

	// KETOBOT_TELEGRAM_BOT_TOKEN, KETOBOT_WORKER_CONSUMERS, ...
	v.SetEnvPrefix("KETOBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && configPath != "" {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "ketobot")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "ketobot")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 10)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index", "ketobot-recipes")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.webhook_secret", "")
	v.SetDefault("telegram.send_typing", true)
	v.SetDefault("telegram.parse_mode", "HTML")
	v.SetDefault("telegram.timeout", "10s")

	v.SetDefault("llm.command", "gemini")
	v.SetDefault("llm.args", []string{})
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_concurrency", 1)

	v.SetDefault("worker.consumers", 2)
	v.SetDefault("worker.dequeue_timeout", "5s")
	v.SetDefault("worker.lock_ttl", "120s")
	v.SetDefault("worker.requeue_delay", "1s")
	v.SetDefault("worker.history_size", 10)
	v.SetDefault("worker.error_backoff", "1s")
	v.SetDefault("worker.metrics_port", 9091)

	v.SetDefault("outbox.interval", "15s")
	v.SetDefault("outbox.batch_size", 10)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.claim_lease", "60s")

	v.SetDefault("recipes.cache_ttl", "300s")
	v.SetDefault("recipes.fetch_limit", 30)

	v.SetDefault("safety.patterns_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
}

func (c *Config) validate() error {
	if c.LLM.MaxConcurrency < 1 {
		return fmt.Errorf("llm.max_concurrency must be at least 1, got %d", c.LLM.MaxConcurrency)
	}
	if c.Worker.Consumers < 1 {
		return fmt.Errorf("worker.consumers must be at least 1, got %d", c.Worker.Consumers)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be at least 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Worker.HistorySize < 2 {
		return fmt.Errorf("worker.history_size must be at least 2, got %d", c.Worker.HistorySize)
	}
	return nil
}
