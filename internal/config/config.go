// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Bot         BotConfig         `mapstructure:"bot"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Whitelist   WhitelistConfig   `mapstructure:"whitelist"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Opponent    OpponentConfig    `mapstructure:"opponent"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds the queue store connection.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig holds caller authentication settings.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	InternalToken string `mapstructure:"internal_token"`
}

// BotConfig holds Telegram bot configuration. An empty token disables the bot.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// WhitelistConfig holds chat whitelist configuration.
type WhitelistConfig struct {
	Chats []int64 `mapstructure:"chats"`
}

// LedgerConfig holds credit ledger settings.
type LedgerConfig struct {
	InitialGrant float64       `mapstructure:"initial_grant"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
}

// MatchmakingConfig holds queue and pairing settings.
type MatchmakingConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	QueueTTL      time.Duration `mapstructure:"queue_ttl"`
	WaitThreshold time.Duration `mapstructure:"wait_threshold"`
	MaxPingDiffMs int           `mapstructure:"max_ping_diff_ms"`
	MaxFeeDiff    float64       `mapstructure:"max_fee_diff"`
	SafetyFee     float64       `mapstructure:"safety_fee"`
	Durations     []int         `mapstructure:"durations"`
	PassTimeout   time.Duration `mapstructure:"pass_timeout"`
}

// OpponentConfig holds synthetic opponent label generation settings.
type OpponentConfig struct {
	LabelURL     string        `mapstructure:"label_url"`
	LabelTimeout time.Duration `mapstructure:"label_timeout"`
	APIKeyFile   string        `mapstructure:"api_key_file"`
	APIKeyEnv    string        `mapstructure:"api_key_env"`
	KeyTTL       time.Duration `mapstructure:"key_ttl"`
}

// EventsConfig holds the match event publisher settings. An empty URL disables publishing.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// InitialGrantAmount returns the initial grant as a decimal.
func (l *LedgerConfig) InitialGrantAmount() decimal.Decimal {
	return decimal.NewFromFloat(l.InitialGrant).Round(2)
}

// MaxFeeDiffAmount returns the fee tolerance as a decimal.
func (m *MatchmakingConfig) MaxFeeDiffAmount() decimal.Decimal {
	return decimal.NewFromFloat(m.MaxFeeDiff).Round(2)
}

// SafetyFeeAmount returns the safety belt surcharge as a decimal.
func (m *MatchmakingConfig) SafetyFeeAmount() decimal.Decimal {
	return decimal.NewFromFloat(m.SafetyFee).Round(2)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. DATABASE_HOST, MATCHMAKING_INTERVAL, EVENTS_AMQP_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trivia")
	v.SetDefault("database.name", "trivia_duel")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("ledger.initial_grant", 100)
	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("ledger.retry_base", "50ms")

	v.SetDefault("matchmaking.interval", "1m")
	v.SetDefault("matchmaking.queue_ttl", "5m")
	v.SetDefault("matchmaking.wait_threshold", "30s")
	v.SetDefault("matchmaking.max_ping_diff_ms", 60)
	v.SetDefault("matchmaking.max_fee_diff", 5)
	v.SetDefault("matchmaking.safety_fee", 2)
	v.SetDefault("matchmaking.durations", []int{30, 45})
	v.SetDefault("matchmaking.pass_timeout", "50s")

	v.SetDefault("opponent.label_timeout", "2s")
	v.SetDefault("opponent.api_key_env", "LABEL_API_KEY")
	v.SetDefault("opponent.key_ttl", "10m")

	v.SetDefault("events.exchange", "duel.events")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	m := c.Matchmaking
	if m.Interval <= 0 {
		errs = append(errs, errors.New("matchmaking.interval must be positive"))
	}
	if m.QueueTTL <= 0 {
		errs = append(errs, errors.New("matchmaking.queue_ttl must be positive"))
	}
	if m.WaitThreshold <= 0 {
		errs = append(errs, errors.New("matchmaking.wait_threshold must be positive"))
	}
	if len(m.Durations) == 0 {
		errs = append(errs, errors.New("matchmaking.durations must not be empty"))
	}
	if m.MaxFeeDiff < 0 || m.SafetyFee < 0 || m.MaxPingDiffMs < 0 {
		errs = append(errs, errors.New("matchmaking tolerances and fees must not be negative"))
	}
	if c.Ledger.InitialGrant < 0 {
		errs = append(errs, errors.New("ledger.initial_grant must not be negative"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Whitelist.Chats) == 0 {
		return true
	}
	for _, id := range c.Whitelist.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}

// IsDurationAllowed reports whether sec is one of the configured match durations.
func (c *Config) IsDurationAllowed(sec int) bool {
	for _, d := range c.Matchmaking.Durations {
		if d == sec {
			return true
		}
	}
	return false
}
