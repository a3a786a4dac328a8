package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	yaml "go.yaml.in/yaml/v3"
)

// APIClient is a set of API credentials that can be exchanged for a JWT
type APIClient struct {
	Key    string   `yaml:"key"`
	Secret string   `yaml:"secret"`
	UserID string   `yaml:"user_id"`
	Roles  []string `yaml:"roles"`
}

// Fund describes a tradable fund as seen by the matching and settlement services
type Fund struct {
	ID              string `yaml:"id"`
	TokenRef        string `yaml:"token_ref"`
	PaymentTokenRef string `yaml:"payment_token_ref"`
	MinInvestment   string `yaml:"min_investment"`
	Active          *bool  `yaml:"active"`
}

type fileConfig struct {
	Env               string            `yaml:"env"`
	LogLevel          string            `yaml:"log_level"`
	Port              string            `yaml:"port"`
	DatabasePath      string            `yaml:"database_path"`
	JWTSecret         string            `yaml:"jwt_secret"`
	ShardCount        int               `yaml:"matching_shard_count"`
	ShardQueueSize    int               `yaml:"matching_queue_size"`
	FeeRateBps        *int64            `yaml:"settlement_fee_rate_bps"`
	FeeRecipient      string            `yaml:"settlement_fee_recipient"`
	EscrowPeriod      string            `yaml:"escrow_period"`
	BatchDelay        string            `yaml:"batch_execution_delay"`
	MaxBatchSize      int               `yaml:"max_batch_size"`
	LedgerMaxAttempts int               `yaml:"ledger_max_attempts"`
	LedgerBaseDelay   string            `yaml:"ledger_base_retry_delay"`
	LedgerCallTimeout string            `yaml:"ledger_call_timeout"`
	ProcessorInterval string            `yaml:"processor_interval"`
	StaleSubmission   string            `yaml:"stale_submission_after"`
	LedgerMinLatency  string            `yaml:"ledger_min_latency"`
	LedgerMaxLatency  string            `yaml:"ledger_max_latency"`
	LedgerSuccessRate *float64          `yaml:"ledger_success_rate"`
	LedgerPermanent   *float64          `yaml:"ledger_permanent_failure_rate"`
	EventPartitions   int               `yaml:"event_partitions"`
	EventQueueSize    int               `yaml:"event_queue_size"`
	EventMaxAttempts  int               `yaml:"event_max_attempts"`
	EventRetryDelay   string            `yaml:"event_retry_delay"`
	OutboxPath        string            `yaml:"outbox_path"`
	KafkaEnabled      bool              `yaml:"kafka_enabled"`
	KafkaBrokers      []string          `yaml:"kafka_brokers"`
	APIClients        []APIClient       `yaml:"api_clients"`
	Funds             []Fund            `yaml:"funds"`
	Wallets           map[string]string `yaml:"wallets"`
}

type Config struct {
	Env          string
	LogLevel     string
	Debug        bool
	Port         string
	DatabasePath string
	JWTSecret    string

	ShardCount     int
	ShardQueueSize int

	FeeRateBps        int64
	FeeRecipient      string
	EscrowPeriod      time.Duration
	BatchDelay        time.Duration
	MaxBatchSize      int
	LedgerMaxAttempts int
	LedgerBaseDelay   time.Duration
	LedgerCallTimeout time.Duration
	ProcessorInterval time.Duration
	StaleSubmission   time.Duration

	LedgerMinLatency    time.Duration
	LedgerMaxLatency    time.Duration
	LedgerSuccessRate   float64
	LedgerPermanentRate float64

	EventPartitions  int
	EventQueueSize   int
	EventMaxAttempts int
	EventRetryDelay  time.Duration
	OutboxPath       string

	KafkaEnabled bool
	KafkaBrokers []string

	APIClients []APIClient
	Funds      []Fund
	Wallets    map[string]string
}

// Default returns the configuration used when no file or environment override is present
func Default() *Config {
	return &Config{
		Env:                 "development",
		LogLevel:            "info",
		Port:                "8080",
		DatabasePath:        "klear-funds.db",
		JWTSecret:           "klear-secret-key",
		ShardCount:          8,
		ShardQueueSize:      1000,
		FeeRateBps:          25,
		FeeRecipient:        "0x000000000000000000000000000000000000fee5",
		EscrowPeriod:        24 * time.Hour,
		BatchDelay:          time.Hour,
		MaxBatchSize:        50,
		LedgerMaxAttempts:   3,
		LedgerBaseDelay:     time.Second,
		LedgerCallTimeout:   30 * time.Second,
		ProcessorInterval:   time.Minute,
		StaleSubmission:     10 * time.Minute,
		LedgerMinLatency:    20 * time.Millisecond,
		LedgerMaxLatency:    200 * time.Millisecond,
		LedgerSuccessRate:   0.9,
		LedgerPermanentRate: 0.01,
		EventPartitions:     4,
		EventQueueSize:      1024,
		EventMaxAttempts:    5,
		EventRetryDelay:     200 * time.Millisecond,
		OutboxPath:          "klear-outbox.db",
		Wallets:             map[string]string{},
	}
}

// Load builds the configuration from an optional .env file, an optional YAML
// file and finally the process environment. An empty path falls back to CONFIG_PATH.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using process environment")
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := cfg.apply(fc); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(fc fileConfig) error {
	setString(&c.Env, fc.Env)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.Port, fc.Port)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.JWTSecret, fc.JWTSecret)
	setString(&c.FeeRecipient, fc.FeeRecipient)
	setString(&c.OutboxPath, fc.OutboxPath)
	setInt(&c.ShardCount, fc.ShardCount)
	setInt(&c.ShardQueueSize, fc.ShardQueueSize)
	setInt(&c.MaxBatchSize, fc.MaxBatchSize)
	setInt(&c.LedgerMaxAttempts, fc.LedgerMaxAttempts)
	setInt(&c.EventPartitions, fc.EventPartitions)
	setInt(&c.EventQueueSize, fc.EventQueueSize)
	setInt(&c.EventMaxAttempts, fc.EventMaxAttempts)

	if fc.FeeRateBps != nil {
		c.FeeRateBps = *fc.FeeRateBps
	}
	if fc.LedgerSuccessRate != nil {
		c.LedgerSuccessRate = *fc.LedgerSuccessRate
	}
	if fc.LedgerPermanent != nil {
		c.LedgerPermanentRate = *fc.LedgerPermanent
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"escrow_period", fc.EscrowPeriod, &c.EscrowPeriod},
		{"batch_execution_delay", fc.BatchDelay, &c.BatchDelay},
		{"ledger_base_retry_delay", fc.LedgerBaseDelay, &c.LedgerBaseDelay},
		{"ledger_call_timeout", fc.LedgerCallTimeout, &c.LedgerCallTimeout},
		{"processor_interval", fc.ProcessorInterval, &c.ProcessorInterval},
		{"stale_submission_after", fc.StaleSubmission, &c.StaleSubmission},
		{"ledger_min_latency", fc.LedgerMinLatency, &c.LedgerMinLatency},
		{"ledger_max_latency", fc.LedgerMaxLatency, &c.LedgerMaxLatency},
		{"event_retry_delay", fc.EventRetryDelay, &c.EventRetryDelay},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	c.KafkaEnabled = fc.KafkaEnabled
	if len(fc.KafkaBrokers) > 0 {
		c.KafkaBrokers = fc.KafkaBrokers
	}
	if len(fc.APIClients) > 0 {
		c.APIClients = fc.APIClients
	}
	if len(fc.Funds) > 0 {
		c.Funds = fc.Funds
	}
	for user, wallet := range fc.Wallets {
		c.Wallets[user] = wallet
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Env, os.Getenv("ENV"))
	setString(&c.Port, os.Getenv("PORT"))
	setString(&c.DatabasePath, os.Getenv("DATABASE_PATH"))
	setString(&c.JWTSecret, os.Getenv("JWT_SECRET"))
	setString(&c.OutboxPath, os.Getenv("OUTBOX_PATH"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))

	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
		c.LogLevel = "debug"
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
		c.KafkaEnabled = true
	}
	if raw := os.Getenv("SETTLEMENT_FEE_RATE_BPS"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SETTLEMENT_FEE_RATE_BPS: %w", err)
		}
		c.FeeRateBps = v
	}
	return nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.ShardCount <= 0 {
		errs = append(errs, errors.New("matching_shard_count must be positive"))
	}
	if c.FeeRateBps < 0 || c.FeeRateBps > 10000 {
		errs = append(errs, fmt.Errorf("settlement_fee_rate_bps must be within 0..10000, got %d", c.FeeRateBps))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("max_batch_size must be positive"))
	}
	if c.LedgerMaxAttempts <= 0 {
		errs = append(errs, errors.New("ledger_max_attempts must be positive"))
	}
	if c.LedgerCallTimeout <= 0 || c.LedgerCallTimeout >= c.StaleSubmission {
		errs = append(errs, fmt.Errorf("ledger_call_timeout must be positive and below stale_submission_after, got %s", c.LedgerCallTimeout))
	}
	if c.EventPartitions <= 0 {
		errs = append(errs, errors.New("event_partitions must be positive"))
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("kafka_enabled requires kafka_brokers"))
	}
	if c.LedgerMaxLatency < c.LedgerMinLatency {
		errs = append(errs, errors.New("ledger_max_latency must not be below ledger_min_latency"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether pretty console logging should be disabled
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
