// Package config содержит логику чтения конфигурации движка начислений.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации движка начислений.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
	RedisAddress    string `env:"REDIS_ADDRESS"`
	AdminSecret     string `env:"ADMIN_SECRET"`

	// IssueTokenFor задаёт оператора, для которого нужно выпустить токен и завершить работу.
	IssueTokenFor string

	RedisAlertChannel  string        `env:"REDIS_ALERT_CHANNEL" envDefault:"questpoints:risk-alerts"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize     int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	TxLockTimeout      time.Duration `env:"TX_LOCK_TIMEOUT" envDefault:"5s"`
	TxStatementTimeout time.Duration `env:"TX_STATEMENT_TIMEOUT" envDefault:"10s"`
	TxTimeout          time.Duration `env:"TX_TIMEOUT" envDefault:"15s"`
	Timezone           string        `env:"TIMEZONE" envDefault:"Local"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envWebhookURL := cfg.AlertWebhookURL
	envRedisAddress := cfg.RedisAddress
	envAdminSecret := cfg.AdminSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AlertWebhookURL, "w", "", "risk alert webhook URL")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for risk alerts")
	flag.StringVar(&cfg.AdminSecret, "s", "", "secret for operator tokens")
	flag.StringVar(&cfg.IssueTokenFor, "t", "", "print an operator token for the given operator UUID and exit")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envWebhookURL != "" {
		cfg.AlertWebhookURL = envWebhookURL
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envAdminSecret != "" {
		cfg.AdminSecret = envAdminSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Location возвращает часовой пояс, от полуночи которого считается дневной объём.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
