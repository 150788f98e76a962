// Package config loads service configuration from an optional config file
// and PAYDESK_-prefixed environment variables. Environment wins over file,
// file wins over built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything both binaries read at startup.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Accounts   AccountsConfig
	Settlement SettlementConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	DisableAuth  bool
}

// DatabaseConfig holds the Postgres connection. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN string
}

// RedisConfig selects the Redis-backed settlement journal. An empty Addr
// selects the in-memory journal.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AccountsConfig points the invoice service at the account service. An
// empty BaseURL selects a local in-process account store.
type AccountsConfig struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
}

// SettlementConfig tunes the journal and the reconciliation job.
type SettlementConfig struct {
	JournalTTL        time.Duration
	JournalGrace      time.Duration
	ReconcileInterval time.Duration
}

// Load reads config.yaml (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/paydesk")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.disable_auth", false)
	v.SetDefault("accounts.timeout", 5*time.Second)
	v.SetDefault("settlement.journal_ttl", 24*time.Hour)
	v.SetDefault("settlement.journal_grace", time.Minute)
	v.SetDefault("settlement.reconcile_interval", time.Minute)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("PAYDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Addr:         v.GetString("server.addr"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			IdleTimeout:  v.GetDuration("server.idle_timeout"),
			DisableAuth:  v.GetBool("server.disable_auth"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Accounts: AccountsConfig{
			BaseURL:   v.GetString("accounts.base_url"),
			Timeout:   v.GetDuration("accounts.timeout"),
			AuthToken: v.GetString("accounts.auth_token"),
		},
		Settlement: SettlementConfig{
			JournalTTL:        v.GetDuration("settlement.journal_ttl"),
			JournalGrace:      v.GetDuration("settlement.journal_grace"),
			ReconcileInterval: v.GetDuration("settlement.reconcile_interval"),
		},
	}
	return cfg, nil
}
