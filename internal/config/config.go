package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Deriv    DerivConfig    `mapstructure:"deriv"`
	Digits   DigitsConfig   `mapstructure:"digits"`
	Bot      BotConfig      `mapstructure:"bot"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DerivConfig holds the upstream WebSocket API configuration
type DerivConfig struct {
	WSURL             string        `mapstructure:"ws_url"`
	AppID             int           `mapstructure:"app_id"`
	Language          string        `mapstructure:"language"`
	APIToken          string        `mapstructure:"api_token"` // bootstrap token when no account is stored
	Symbols           []string      `mapstructure:"symbols"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RequestBurst      int           `mapstructure:"request_burst"`
}

// DigitsConfig holds tick statistics configuration
type DigitsConfig struct {
	WindowSize      int           `mapstructure:"window_size"`
	HistoryCount    int           `mapstructure:"history_count"`
	PriceHistory    int           `mapstructure:"price_history"`
	RSIPeriod       int           `mapstructure:"rsi_period"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
}

// BotConfig holds trading bot defaults. A stored strategy config overrides the strategy fields.
type BotConfig struct {
	StartOnBoot      bool          `mapstructure:"start_on_boot"`
	StrategyID       string        `mapstructure:"strategy_id"`
	Symbol           string        `mapstructure:"symbol"`
	Currency         string        `mapstructure:"currency"`
	InitialStake     float64       `mapstructure:"initial_stake"`
	MartingaleFactor float64       `mapstructure:"martingale_factor"`
	LossVirtual      int           `mapstructure:"loss_virtual"`
	MaxLevel         int           `mapstructure:"max_level"`
	ResetOnWin       bool          `mapstructure:"reset_on_win"`
	ProfitTarget     float64       `mapstructure:"profit_target"`
	LossLimit        float64       `mapstructure:"loss_limit"`
	Duration         int           `mapstructure:"duration"`
	DurationUnit     string        `mapstructure:"duration_unit"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath            string `mapstructure:"db_path"`
	KVBackend         string `mapstructure:"kv_backend"` // sqlite or redis
	MaxTicksPerSymbol int    `mapstructure:"max_ticks_per_symbol"`
	TokenSecret       string `mapstructure:"token_secret"`
}

// RedisConfig holds the optional Redis KV backend configuration
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ServerConfig holds the HTTP/WebSocket server configuration
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ListenAddr     string   `mapstructure:"listen_addr"`
	Mode           string   `mapstructure:"mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	HistoryDigits  int      `mapstructure:"history_digits"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ScheduleConfig holds cron expressions (with seconds) for periodic jobs
type ScheduleConfig struct {
	SummaryCron string `mapstructure:"summary_cron"`
	PruneCron   string `mapstructure:"prune_cron"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// DIGITBOT_DERIV_API_TOKEN overrides deriv.api_token, and so on
	v.SetEnvPrefix("DIGITBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("deriv.ws_url", "wss://ws.derivws.com/websockets/v3")
	v.SetDefault("deriv.app_id", 1089)
	v.SetDefault("deriv.language", "EN")
	v.SetDefault("deriv.api_token", "")
	v.SetDefault("deriv.symbols", []string{"R_100"})
	v.SetDefault("deriv.request_timeout", "30s")
	v.SetDefault("deriv.ping_interval", "30s")
	v.SetDefault("deriv.max_reconnect_delay", "30s")
	v.SetDefault("deriv.requests_per_second", 5.0)
	v.SetDefault("deriv.request_burst", 10)

	v.SetDefault("digits.window_size", 100)
	v.SetDefault("digits.history_count", 500)
	v.SetDefault("digits.price_history", 500)
	v.SetDefault("digits.rsi_period", 14)
	v.SetDefault("digits.persist_interval", "5s")

	v.SetDefault("bot.start_on_boot", false)
	v.SetDefault("bot.strategy_id", "advance")
	v.SetDefault("bot.symbol", "R_100")
	v.SetDefault("bot.currency", "USD")
	v.SetDefault("bot.initial_stake", 0.35)
	v.SetDefault("bot.martingale_factor", 1.5)
	v.SetDefault("bot.loss_virtual", 1)
	v.SetDefault("bot.max_level", 0) // 0 = unbounded
	v.SetDefault("bot.reset_on_win", true)
	v.SetDefault("bot.profit_target", 10.0)
	v.SetDefault("bot.loss_limit", 20.0)
	v.SetDefault("bot.duration", 1)
	v.SetDefault("bot.duration_unit", "t")
	v.SetDefault("bot.retry_delay", "5s")

	v.SetDefault("storage.db_path", "./data/digitbot.db")
	v.SetDefault("storage.kv_backend", "sqlite")
	v.SetDefault("storage.max_ticks_per_symbol", 5000)
	v.SetDefault("storage.token_secret", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "digitbot:")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.history_digits", 100)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("schedule.summary_cron", "0 55 23 * * *")
	v.SetDefault("schedule.prune_cron", "0 */30 * * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Deriv.WSURL == "" {
		return fmt.Errorf("deriv.ws_url is required")
	}
	if !strings.HasPrefix(c.Deriv.WSURL, "ws://") && !strings.HasPrefix(c.Deriv.WSURL, "wss://") {
		return fmt.Errorf("deriv.ws_url must be a ws:// or wss:// URL")
	}
	if c.Deriv.AppID < 1 {
		return fmt.Errorf("deriv.app_id must be positive")
	}
	if len(c.Deriv.Symbols) == 0 {
		return fmt.Errorf("deriv.symbols must contain at least one symbol")
	}
	if c.Deriv.RequestTimeout < time.Second {
		return fmt.Errorf("deriv.request_timeout must be at least 1 second")
	}
	if c.Deriv.PingInterval < time.Second {
		return fmt.Errorf("deriv.ping_interval must be at least 1 second")
	}
	if c.Deriv.MaxReconnectDelay < time.Second {
		return fmt.Errorf("deriv.max_reconnect_delay must be at least 1 second")
	}
	if c.Deriv.RequestsPerSecond <= 0 {
		return fmt.Errorf("deriv.requests_per_second must be positive")
	}
	if c.Deriv.RequestBurst < 1 {
		return fmt.Errorf("deriv.request_burst must be at least 1")
	}

	if c.Digits.WindowSize < 10 || c.Digits.WindowSize > 5000 {
		return fmt.Errorf("digits.window_size must be between 10 and 5000")
	}
	if c.Digits.HistoryCount < 0 || c.Digits.HistoryCount > 5000 {
		return fmt.Errorf("digits.history_count must be between 0 and 5000")
	}
	if c.Digits.PriceHistory < 2 {
		return fmt.Errorf("digits.price_history must be at least 2")
	}
	if c.Digits.RSIPeriod < 1 || c.Digits.RSIPeriod >= c.Digits.PriceHistory {
		return fmt.Errorf("digits.rsi_period must be at least 1 and below digits.price_history")
	}
	if c.Digits.PersistInterval < 5*time.Second {
		return fmt.Errorf("digits.persist_interval must be at least 5 seconds")
	}

	if c.Bot.Symbol == "" {
		return fmt.Errorf("bot.symbol is required")
	}
	if !slices.Contains(c.Deriv.Symbols, c.Bot.Symbol) {
		return fmt.Errorf("bot.symbol %q must be listed in deriv.symbols", c.Bot.Symbol)
	}
	if c.Bot.StrategyID == "" {
		return fmt.Errorf("bot.strategy_id is required")
	}
	if c.Bot.Currency == "" {
		return fmt.Errorf("bot.currency is required")
	}
	if c.Bot.InitialStake <= 0 {
		return fmt.Errorf("bot.initial_stake must be positive")
	}
	if c.Bot.MartingaleFactor < 1 {
		return fmt.Errorf("bot.martingale_factor must be at least 1")
	}
	if c.Bot.LossVirtual < 0 {
		return fmt.Errorf("bot.loss_virtual must not be negative")
	}
	if c.Bot.MaxLevel < 0 {
		return fmt.Errorf("bot.max_level must not be negative")
	}
	if c.Bot.ProfitTarget <= 0 {
		return fmt.Errorf("bot.profit_target must be positive")
	}
	if c.Bot.LossLimit <= 0 {
		return fmt.Errorf("bot.loss_limit must be positive")
	}
	if c.Bot.Duration < 1 {
		return fmt.Errorf("bot.duration must be at least 1")
	}
	validUnits := map[string]bool{"t": true, "s": true, "m": true}
	if !validUnits[c.Bot.DurationUnit] {
		return fmt.Errorf("bot.duration_unit must be one of: t, s, m")
	}
	if c.Bot.RetryDelay < time.Second {
		return fmt.Errorf("bot.retry_delay must be at least 1 second")
	}

	validBackends := map[string]bool{"sqlite": true, "redis": true}
	if !validBackends[c.Storage.KVBackend] {
		return fmt.Errorf("storage.kv_backend must be one of: sqlite, redis")
	}
	if c.Storage.MaxTicksPerSymbol < c.Digits.WindowSize {
		return fmt.Errorf("storage.max_ticks_per_symbol must be at least digits.window_size")
	}
	if c.Storage.KVBackend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when storage.kv_backend is redis")
	}

	if c.Server.Enabled {
		if c.Server.ListenAddr == "" {
			return fmt.Errorf("server.listen_addr is required when server is enabled")
		}
		validModes := map[string]bool{"debug": true, "release": true, "test": true}
		if !validModes[c.Server.Mode] {
			return fmt.Errorf("server.mode must be one of: debug, release, test")
		}
		if c.Server.HistoryDigits < 1 {
			return fmt.Errorf("server.history_digits must be at least 1")
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// WebSocketURL returns the upstream URL with app_id and language query parameters.
func (c DerivConfig) WebSocketURL() string {
	sep := "?"
	if strings.Contains(c.WSURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sapp_id=%d&l=%s", c.WSURL, sep, c.AppID, c.Language)
}
