package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the single explicit configuration object (SPEC_FULL.md §9
// "config-object parameter dispatch"). No package below the boundary reads
// the environment directly.
type Config struct {
	Environment string          `mapstructure:"environment" validate:"oneof=development staging production"`
	LogLevel    string          `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string          `mapstructure:"log_format"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Venue       VenueConfig     `mapstructure:"venue"`
	Broker      BrokerConfig    `mapstructure:"broker"`
	Server      ServerConfig    `mapstructure:"server"`
	Collector   CollectorConfig `mapstructure:"collector"`
	Backoff     BackoffConfig   `mapstructure:"backoff"`
	Batching    BatchingConfig  `mapstructure:"batching"`
	Reconciler  ReconcilerConfig `mapstructure:"reconciler"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host" validate:"required"`
	Port            int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User            string `mapstructure:"user" validate:"required"`
	Password        string `mapstructure:"password"`
	Name            string `mapstructure:"name" validate:"required"`
	SSLMode         string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	MaxConnections  int    `mapstructure:"max_connections" validate:"min=1,max=100"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" validate:"min=1"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime" validate:"min=60"`
}

// VenueConfig holds the single configurable exchange's credentials and endpoints
// (spec §6 "Environment/config"; multi-exchange abstraction is an explicit Non-goal).
type VenueConfig struct {
	APIKey                string `mapstructure:"api_key"`
	Secret                string `mapstructure:"secret"`
	Passphrase            string `mapstructure:"passphrase"`
	Sandbox               bool   `mapstructure:"sandbox"`
	WSURL                 string `mapstructure:"ws_url" validate:"required"`
	RESTURL               string `mapstructure:"rest_url" validate:"required"`
	RateLimitIntervalMS   int    `mapstructure:"rate_limit_interval_ms" validate:"min=0"`
}

// BrokerConfig addresses the Redis instance backing internal/broker.
type BrokerConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `mapstructure:"read_timeout" validate:"min=1"`
	WriteTimeout int    `mapstructure:"write_timeout" validate:"min=1"`
	EnableCORS   bool   `mapstructure:"enable_cors"`
}

// CollectorConfig controls the default subscription set and auto-start behavior.
type CollectorConfig struct {
	DefaultSymbol     string   `mapstructure:"default_symbol"`
	DefaultTimeframes []string `mapstructure:"default_timeframes"`
	AutoStart         bool     `mapstructure:"auto_start"`
}

// BackoffConfig controls the Collector's reconnect policy (spec §4.2).
type BackoffConfig struct {
	InitialReconnectDelaySeconds int `mapstructure:"initial_reconnect_delay_seconds" validate:"min=1"`
	MaxReconnectDelaySeconds     int `mapstructure:"max_reconnect_delay_seconds" validate:"min=1"`
	MaxReconnectAttempts         int `mapstructure:"max_reconnect_attempts"`
}

// BatchingConfig controls the Persister's drain loop and DLQ retry policy (spec §4.3).
type BatchingConfig struct {
	BatchSize        int `mapstructure:"batch_size" validate:"min=1"`
	BatchTimeoutSecs int `mapstructure:"batch_timeout_secs" validate:"min=1"`
	MaxRetries       int `mapstructure:"max_retries" validate:"min=0"`
	QueueWarnLength  int `mapstructure:"queue_warn_length" validate:"min=1"`
}

// ReconcilerConfig controls the windowed-repair schedule and historical backfill (spec §4.4).
type ReconcilerConfig struct {
	CronSpec             string   `mapstructure:"cron_spec"`
	LookbackHours        int      `mapstructure:"lookback_hours" validate:"min=1"`
	TargetTimeframes     []string `mapstructure:"target_timeframes"`
	BackfillConcurrency  int      `mapstructure:"backfill_concurrency" validate:"min=1"`
	GapFillPageLimit     int      `mapstructure:"gap_fill_page_limit" validate:"min=1"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, applies defaults, and validates before returning.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if os.Getenv("ENVIRONMENT") == "" {
			fmt.Fprintln(os.Stderr, "warning: no .env file found, using environment variables only")
		}
	}

	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars()
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvVars() {
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DATABASE_CONN_MAX_LIFETIME")

	viper.BindEnv("venue.api_key", "API_KEY")
	viper.BindEnv("venue.secret", "SECRET")
	viper.BindEnv("venue.passphrase", "PASSPHRASE")
	viper.BindEnv("venue.sandbox", "SANDBOX")
	viper.BindEnv("venue.ws_url", "VENUE_WS_URL")
	viper.BindEnv("venue.rest_url", "VENUE_REST_URL")
	viper.BindEnv("venue.rate_limit_interval_ms", "VENUE_RATE_LIMIT_INTERVAL_MS")

	viper.BindEnv("broker.host", "BROKER_HOST")
	viper.BindEnv("broker.port", "BROKER_PORT")
	viper.BindEnv("broker.password", "BROKER_PASSWORD")
	viper.BindEnv("broker.db", "BROKER_DB")

	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.enable_cors", "SERVER_ENABLE_CORS")

	viper.BindEnv("collector.default_symbol", "DEFAULT_SYMBOL")
	viper.BindEnv("collector.default_timeframes", "DEFAULT_TIMEFRAMES")
	viper.BindEnv("collector.auto_start", "AUTO_START")

	viper.BindEnv("backoff.initial_reconnect_delay_seconds", "INITIAL_RECONNECT_DELAY")
	viper.BindEnv("backoff.max_reconnect_delay_seconds", "MAX_RECONNECT_DELAY")
	viper.BindEnv("backoff.max_reconnect_attempts", "MAX_RECONNECT_ATTEMPTS")

	viper.BindEnv("batching.batch_size", "BATCH_SIZE")
	viper.BindEnv("batching.batch_timeout_secs", "BATCH_TIMEOUT")
	viper.BindEnv("batching.max_retries", "MAX_RETRIES")
	viper.BindEnv("batching.queue_warn_length", "QUEUE_WARN_LENGTH")

	viper.BindEnv("reconciler.cron_spec", "RECONCILER_CRON_SPEC")
	viper.BindEnv("reconciler.lookback_hours", "RECONCILER_LOOKBACK_HOURS")
	viper.BindEnv("reconciler.target_timeframes", "RECONCILER_TARGET_TIMEFRAMES")
	viper.BindEnv("reconciler.backfill_concurrency", "RECONCILER_BACKFILL_CONCURRENCY")
	viper.BindEnv("reconciler.gap_fill_page_limit", "RECONCILER_GAP_FILL_PAGE_LIMIT")
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "console")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.name", "candlestream")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	viper.SetDefault("venue.sandbox", true)
	viper.SetDefault("venue.ws_url", "wss://ws.exchange.example/v5/public")
	viper.SetDefault("venue.rest_url", "https://api.exchange.example")
	viper.SetDefault("venue.rate_limit_interval_ms", 200)

	viper.SetDefault("broker.host", "localhost")
	viper.SetDefault("broker.port", 6379)
	viper.SetDefault("broker.db", 0)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 10)
	viper.SetDefault("server.write_timeout", 10)
	viper.SetDefault("server.enable_cors", true)

	viper.SetDefault("collector.default_symbol", "BTC-USDT-SWAP")
	viper.SetDefault("collector.default_timeframes", []string{"5m", "15m", "1h", "4h", "1d"})
	viper.SetDefault("collector.auto_start", false)

	viper.SetDefault("backoff.initial_reconnect_delay_seconds", 5)
	viper.SetDefault("backoff.max_reconnect_delay_seconds", 300)
	viper.SetDefault("backoff.max_reconnect_attempts", 0)

	viper.SetDefault("batching.batch_size", 100)
	viper.SetDefault("batching.batch_timeout_secs", 5)
	viper.SetDefault("batching.max_retries", 3)
	viper.SetDefault("batching.queue_warn_length", 10000)

	viper.SetDefault("reconciler.cron_spec", "0 0 * * *")
	viper.SetDefault("reconciler.lookback_hours", 25)
	viper.SetDefault("reconciler.target_timeframes", []string{"5m", "15m", "1h", "4h", "1d"})
	viper.SetDefault("reconciler.backfill_concurrency", 2)
	viper.SetDefault("reconciler.gap_fill_page_limit", 1000)
}

// Validate enforces the startup-fatal configuration checks (spec §7).
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}
	if c.Database.Port == 0 {
		return errors.New("database port is required")
	}
	if c.Venue.WSURL == "" {
		return errors.New("venue websocket URL is required")
	}
	if c.Venue.RESTURL == "" {
		return errors.New("venue REST URL is required")
	}
	if c.Broker.Host == "" {
		return errors.New("broker host is required")
	}
	if c.Server.Port == 0 {
		return errors.New("server port is required")
	}
	if c.Backoff.InitialReconnectDelaySeconds <= 0 {
		return errors.New("initial reconnect delay must be positive")
	}
	if c.Backoff.MaxReconnectDelaySeconds < c.Backoff.InitialReconnectDelaySeconds {
		return errors.New("max reconnect delay must be >= initial reconnect delay")
	}
	if c.Batching.BatchSize < 1 {
		return errors.New("batch size must be at least 1")
	}
	if c.Reconciler.BackfillConcurrency < 1 {
		return errors.New("reconciler backfill concurrency must be at least 1")
	}
	return nil
}

// String renders the config with secrets masked, safe for logging.
func (c *Config) String() string {
	masked := *c
	masked.Database.Password = "***"
	masked.Venue.APIKey = "***"
	masked.Venue.Secret = "***"
	masked.Venue.Passphrase = "***"
	masked.Broker.Password = "***"
	return fmt.Sprintf("%+v", masked)
}

// Addr returns the host:port string go-redis expects.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}
