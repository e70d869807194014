package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	RailMock = "mock"
	RailBaaS = "baas"
	RailTON  = "ton"
)

// Config holds all the settings of the orchestrator. Values come from the
// environment, optionally seeded by a .env file.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	PodName     string `mapstructure:"POD_NAME"`
	ListenPort  int    `mapstructure:"LISTEN_PORT"`
	ProbesPort  int    `mapstructure:"PROBES_PORT"`
	MetricsPort int    `mapstructure:"METRICS_PORT"`

	Store       string `mapstructure:"STORE"`
	PostgresURL string `mapstructure:"POSTGRES_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitURL   string `mapstructure:"RABBIT_URL"`

	IntakeQueue       string        `mapstructure:"INTAKE_QUEUE"`
	ConfirmationQueue string        `mapstructure:"CONFIRMATION_QUEUE"`
	ReconnectInterval time.Duration `mapstructure:"RECONNECT_INTERVAL"`

	// BeneficiariesFile seeds the in-memory registry from a YAML file.
	BeneficiariesFile   string        `mapstructure:"BENEFICIARIES_FILE"`
	HealthCheckInterval time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL"`

	Rail                 string `mapstructure:"RAIL"`
	BaaSBaseURL          string `mapstructure:"BAAS_BASE_URL"`
	BaaSAPIKey           string `mapstructure:"BAAS_API_KEY"`
	TONLightClientConfig string `mapstructure:"TON_LIGHTCLIENT_CONFIG"`
	TONMnemonic          string `mapstructure:"TON_MNEMONIC"`
	TONTestnet           bool   `mapstructure:"TON_TESTNET"`
	TONStartQueryID      uint64 `mapstructure:"TON_START_QUERY_ID"`

	Workers          int           `mapstructure:"WORKERS"`
	MaxRetries       int           `mapstructure:"MAX_RETRIES"`
	BackoffBase      time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffMax       time.Duration `mapstructure:"BACKOFF_MAX"`
	RailTimeout      time.Duration `mapstructure:"RAIL_TIMEOUT"`
	DBTimeout        time.Duration `mapstructure:"DB_TIMEOUT"`
	DueSweepSchedule string        `mapstructure:"DUE_SWEEP_SCHEDULE"`
	// LeaseTTL bounds how long an in-flight job stays claimed by an instance
	// that stopped renewing it.
	LeaseTTL           time.Duration `mapstructure:"LEASE_TTL"`
	RateLimitPerSecond int           `mapstructure:"RATE_LIMIT_PER_SECOND"`
	RateLimitPrefix    string        `mapstructure:"RATE_LIMIT_PREFIX"`
	MonitorCapacity    int           `mapstructure:"MONITOR_CAPACITY"`
}

var defaults = map[string]any{
	"LOG_LEVEL":              "INFO",
	"LOG_FORMAT":             "text",
	"POD_NAME":               "",
	"LISTEN_PORT":            8090,
	"PROBES_PORT":            8081,
	"METRICS_PORT":           9091,
	"STORE":                  StoreMemory,
	"POSTGRES_URL":           "postgres://postgres:dev@db:5432/postgres?connect_timeout=1",
	"REDIS_URL":              "",
	"RABBIT_URL":             "",
	"INTAKE_QUEUE":           "payout_batches",
	"CONFIRMATION_QUEUE":     "transfer_confirmations",
	"RECONNECT_INTERVAL":     "5s",
	"BENEFICIARIES_FILE":     "",
	"HEALTH_CHECK_INTERVAL":  "10s",
	"RAIL":                   RailMock,
	"BAAS_BASE_URL":          "",
	"BAAS_API_KEY":           "",
	"TON_LIGHTCLIENT_CONFIG": "https://ton.org/testnet-global.config.json",
	"TON_MNEMONIC":           "",
	"TON_TESTNET":            true,
	"TON_START_QUERY_ID":     0,
	"WORKERS":                5,
	"MAX_RETRIES":            3,
	"BACKOFF_BASE":           "500ms",
	"BACKOFF_MAX":            "30s",
	"RAIL_TIMEOUT":           "30s",
	"DB_TIMEOUT":             "3s",
	"DUE_SWEEP_SCHEDULE":     "@every 1s",
	"LEASE_TTL":              "1m",
	"RATE_LIMIT_PER_SECOND":  0,
	"RATE_LIMIT_PREFIX":      "payouts:rate_limit",
	"MONITOR_CAPACITY":       100,
}

// LoadConfig reads the configuration from the environment and an optional
// .env file located in path.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
		// AutomaticEnv alone doesn't make keys visible to Unmarshal
		_ = v.BindEnv(key)
	}

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values",
				"component", "config", "error", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("couldn't unmarshal config: %w", err)
	}

	if err = config.normalize(); err != nil {
		return config, err
	}

	return config, nil
}

func (c *Config) normalize() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("unknown STORE %q: must be memory or postgres", c.Store)
	}

	c.Rail = strings.ToLower(strings.TrimSpace(c.Rail))
	switch c.Rail {
	case RailMock:
	case RailBaaS:
		if strings.TrimSpace(c.BaaSBaseURL) == "" {
			return fmt.Errorf("BAAS_BASE_URL is required for the baas rail")
		}
	case RailTON:
		if strings.TrimSpace(c.TONMnemonic) == "" {
			return fmt.Errorf("TON_MNEMONIC is required for the ton rail")
		}
	default:
		return fmt.Errorf("unknown RAIL %q: must be mock, baas or ton", c.Rail)
	}

	coerceInt(&c.Workers, 5, "WORKERS")
	coerceDuration(&c.LeaseTTL, time.Minute, "LEASE_TTL")
	coerceInt(&c.MonitorCapacity, 100, "MONITOR_CAPACITY")
	coerceDuration(&c.BackoffBase, 500*time.Millisecond, "BACKOFF_BASE")
	coerceDuration(&c.BackoffMax, 30*time.Second, "BACKOFF_MAX")
	coerceDuration(&c.RailTimeout, 30*time.Second, "RAIL_TIMEOUT")
	coerceDuration(&c.DBTimeout, 3*time.Second, "DB_TIMEOUT")
	coerceDuration(&c.ReconnectInterval, 5*time.Second, "RECONNECT_INTERVAL")
	coerceDuration(&c.HealthCheckInterval, 10*time.Second, "HEALTH_CHECK_INTERVAL")

	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}

	// zero retries is a valid policy: a single attempt per job
	if c.MaxRetries < 0 {
		slog.Warn("negative value configured; using default",
			"component", "config", "key", "MAX_RETRIES", "value", c.MaxRetries,
			"default", 3)
		c.MaxRetries = 3
	}

	if c.RateLimitPerSecond < 0 {
		c.RateLimitPerSecond = 0
	}

	if strings.TrimSpace(c.DueSweepSchedule) == "" {
		c.DueSweepSchedule = "@every 1s"
	}

	return nil
}

func coerceInt(value *int, fallback int, key string) {
	if *value <= 0 {
		slog.Warn("non-positive value configured; using default",
			"component", "config", "key", key, "value", *value,
			"default", fallback)
		*value = fallback
	}
}

func coerceDuration(value *time.Duration, fallback time.Duration, key string) {
	if *value <= 0 {
		slog.Warn("non-positive duration configured; using default",
			"component", "config", "key", key, "value", *value,
			"default", fallback)
		*value = fallback
	}
}
