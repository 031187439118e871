package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	GatewayConfig   GatewayConfig             `json:"gateway"`
	DatabaseConfig  DatabaseConfig            `json:"database"`
	RedisConfig     RedisConfig               `json:"redis"`
	ServerConfig    ServerConfig              `json:"server"`
	VaultConfig     VaultConfig               `json:"vault"`
	ExecutorConfig  ExecutorConfig            `json:"executor"`
	TradingConfig   TradingConfig             `json:"trading"`
	LoggingConfig   LoggingConfig             `json:"logging"`
	StrategyConfigs map[string]StrategyConfig `json:"strategies"` // keyed by strategy code
	BreakerConfigs  map[string]BreakerConfig  `json:"circuit_breakers"`
}

// GatewayConfig holds the exchange connection settings
type GatewayConfig struct {
	BaseURL     string `json:"base_url"`
	WSURL       string `json:"ws_url"`
	AccessKey   string `json:"access_key"`
	SecretKey   string `json:"secret_key"`
	MockMode    bool   `json:"mock_mode"`    // in-memory gateway, no network
	RatePerSec  int    `json:"rate_per_sec"` // REST request budget
	FeedEnabled bool   `json:"feed_enabled"` // websocket ticker/orderbook feed
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	DSN             string `json:"dsn"`
	MaxConnections  int    `json:"max_connections"`
	MigrateOnStart  bool   `json:"migrate_on_start"`
	StatementTimout int    `json:"statement_timeout_sec"`
}

// RedisConfig holds the Redis settings for throttle and feed caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ServerConfig holds the admin HTTP server settings
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	DesktopToken    string `json:"desktop_token"` // shared secret for the desktop client
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
	ShutdownSec     int    `json:"shutdown_timeout_sec"`
}

// VaultConfig holds the HashiCorp Vault settings for exchange keys
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ExecutorConfig holds the order execution settings
type ExecutorConfig struct {
	MinNotionalKRW        float64 `json:"min_notional_krw"`
	LimitTimeoutSec       int     `json:"limit_timeout_sec"`
	PartialFillRatio      float64 `json:"partial_fill_ratio"`
	SlippageWarnPercent   float64 `json:"slippage_warn_percent"`
	SlippageBlockPercent  float64 `json:"slippage_block_percent"`
	MarketOrderConfidence float64 `json:"market_order_confidence"`
	ThinBookBidDepthKRW   float64 `json:"thin_book_bid_depth_krw"`
	MinHoldingSec         int     `json:"min_holding_sec"`
	FeeRate               float64 `json:"fee_rate"`
}

// TradingConfig holds the process-wide trading settings
type TradingConfig struct {
	StartEnabled    bool `json:"start_enabled"`    // begin trading on boot
	GlobalExclusion bool `json:"global_exclusion"` // one position per market across strategies
	SyncAdopt       bool `json:"sync_adopt"`       // adopt untracked exchange balances as MANUAL
	CandleInterval  int  `json:"candle_interval_min"`
	CandleCount     int  `json:"candle_count"`
}

// LoggingConfig mirrors the logger settings
type LoggingConfig struct {
	Level      string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"` // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

// StrategyConfig is the per-engine tuning surface
type StrategyConfig struct {
	Enabled            *bool    `json:"enabled,omitempty"` // nil keeps the engine default
	ScanIntervalSec    int      `json:"scan_interval_sec,omitempty"`
	MonitorIntervalSec int      `json:"monitor_interval_sec,omitempty"`
	Markets            []string `json:"markets,omitempty"`
	ExcludeMarkets     []string `json:"exclude_markets,omitempty"`
	PositionSizeKRW    float64  `json:"position_size_krw,omitempty"`
	MaxPositions       int      `json:"max_positions,omitempty"`
	StopLossPercent    float64  `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent  float64  `json:"take_profit_percent,omitempty"`
	MinConfluence      float64  `json:"min_confluence,omitempty"`
	MaxRSI             float64  `json:"max_rsi,omitempty"`
	MinVolumeRatio     float64  `json:"min_volume_ratio,omitempty"`
	CooldownSec        int      `json:"cooldown_sec,omitempty"`
	MinTradingValueKRW float64  `json:"min_trading_value_krw,omitempty"`
	MaxTradingValueKRW float64  `json:"max_trading_value_krw,omitempty"`
	TimeoutMin         int      `json:"timeout_min,omitempty"`
	TrailingTrigger    float64  `json:"trailing_trigger_percent,omitempty"`
	TrailingOffset     float64  `json:"trailing_offset_percent,omitempty"`
}

// BreakerConfig is the per-strategy circuit breaker tuning surface
type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	DailyMaxLossKRW      float64 `json:"daily_max_loss_krw"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Exchange
// keys may come from the environment, config.json, or Vault; Vault wins
// when enabled.
func applyEnvOverrides(cfg *Config) {
	// Gateway
	cfg.GatewayConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.GatewayConfig.BaseURL)
	if cfg.GatewayConfig.BaseURL == "" {
		cfg.GatewayConfig.BaseURL = "https://api.bithumb.com"
	}
	cfg.GatewayConfig.WSURL = getEnvOrDefault("EXCHANGE_WS_URL", cfg.GatewayConfig.WSURL)
	if cfg.GatewayConfig.WSURL == "" {
		cfg.GatewayConfig.WSURL = "wss://ws-api.bithumb.com/websocket/v1"
	}
	cfg.GatewayConfig.AccessKey = getEnvOrDefault("EXCHANGE_ACCESS_KEY", cfg.GatewayConfig.AccessKey)
	cfg.GatewayConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.GatewayConfig.SecretKey)
	cfg.GatewayConfig.MockMode = getEnvOrDefault("MOCK_MODE", boolString(cfg.GatewayConfig.MockMode)) == "true"
	if cfg.GatewayConfig.RatePerSec == 0 {
		cfg.GatewayConfig.RatePerSec = getEnvIntOrDefault("EXCHANGE_RATE_PER_SEC", 8)
	}
	cfg.GatewayConfig.FeedEnabled = getEnvOrDefault("EXCHANGE_FEED_ENABLED", "true") == "true"

	// Database
	cfg.DatabaseConfig.DSN = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.DSN)
	if cfg.DatabaseConfig.DSN == "" {
		cfg.DatabaseConfig.DSN = "postgres://localhost:5432/trading_core?sslmode=disable"
	}
	if cfg.DatabaseConfig.MaxConnections == 0 {
		cfg.DatabaseConfig.MaxConnections = getEnvIntOrDefault("DATABASE_MAX_CONNECTIONS", 10)
	}
	cfg.DatabaseConfig.MigrateOnStart = getEnvOrDefault("DATABASE_MIGRATE", "true") == "true"

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)
	}

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", nonZeroInt(cfg.ServerConfig.Port, 8090))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", nonEmpty(cfg.ServerConfig.Host, "127.0.0.1"))
	cfg.ServerConfig.DesktopToken = getEnvOrDefault("DESKTOP_TOKEN", cfg.ServerConfig.DesktopToken)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", nonEmpty(cfg.ServerConfig.AllowedOrigins, "http://localhost:5173"))
	cfg.ServerConfig.ReadTimeoutSec = getEnvIntOrDefault("SERVER_READ_TIMEOUT", nonZeroInt(cfg.ServerConfig.ReadTimeoutSec, 15))
	cfg.ServerConfig.WriteTimeoutSec = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", nonZeroInt(cfg.ServerConfig.WriteTimeoutSec, 15))
	cfg.ServerConfig.ShutdownSec = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", nonZeroInt(cfg.ServerConfig.ShutdownSec, 30))

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", nonEmpty(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", nonEmpty(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", nonEmpty(cfg.VaultConfig.SecretPath, "trading-core/exchange-keys"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Executor
	if cfg.ExecutorConfig.MinNotionalKRW == 0 {
		cfg.ExecutorConfig.MinNotionalKRW = getEnvFloatOrDefault("MIN_NOTIONAL_KRW", 5100)
	}
	if cfg.ExecutorConfig.LimitTimeoutSec == 0 {
		cfg.ExecutorConfig.LimitTimeoutSec = getEnvIntOrDefault("LIMIT_TIMEOUT_SEC", 5)
	}
	if cfg.ExecutorConfig.FeeRate == 0 {
		cfg.ExecutorConfig.FeeRate = getEnvFloatOrDefault("FEE_RATE", 0.0004)
	}
	if cfg.ExecutorConfig.MinHoldingSec == 0 {
		cfg.ExecutorConfig.MinHoldingSec = getEnvIntOrDefault("MIN_HOLDING_SEC", 10)
	}

	// Trading
	cfg.TradingConfig.StartEnabled = getEnvOrDefault("TRADING_START_ENABLED", boolString(cfg.TradingConfig.StartEnabled)) == "true"
	cfg.TradingConfig.GlobalExclusion = getEnvOrDefault("TRADING_GLOBAL_EXCLUSION", boolString(cfg.TradingConfig.GlobalExclusion)) == "true"
	cfg.TradingConfig.SyncAdopt = getEnvOrDefault("SYNC_ADOPT_UNTRACKED", boolString(cfg.TradingConfig.SyncAdopt)) == "true"
	if cfg.TradingConfig.CandleInterval == 0 {
		cfg.TradingConfig.CandleInterval = getEnvIntOrDefault("CANDLE_INTERVAL_MIN", 5)
	}
	if cfg.TradingConfig.CandleCount == 0 {
		cfg.TradingConfig.CandleCount = getEnvIntOrDefault("CANDLE_COUNT", 200)
	}

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", nonEmpty(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", nonEmpty(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

// Duration helpers convert the second-resolution json fields

func (s StrategyConfig) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalSec) * time.Second
}

func (s StrategyConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalSec) * time.Second
}

func (s StrategyConfig) CooldownDuration() time.Duration {
	return time.Duration(s.CooldownSec) * time.Second
}

func (s StrategyConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMin) * time.Minute
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func nonZeroInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

// GenerateSampleConfig writes a starter configuration file
func GenerateSampleConfig(filename string) error {
	enabled := true
	config := Config{
		GatewayConfig: GatewayConfig{
			BaseURL:     "https://api.bithumb.com",
			WSURL:       "wss://ws-api.bithumb.com/websocket/v1",
			AccessKey:   "your_access_key_here",
			SecretKey:   "your_secret_key_here",
			MockMode:    true,
			RatePerSec:  8,
			FeedEnabled: true,
		},
		DatabaseConfig: DatabaseConfig{
			DSN:            "postgres://localhost:5432/trading_core?sslmode=disable",
			MaxConnections: 10,
			MigrateOnStart: true,
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Port:           8090,
			Host:           "127.0.0.1",
			DesktopToken:   "change_me",
			AllowedOrigins: "http://localhost:5173",
		},
		ExecutorConfig: ExecutorConfig{
			MinNotionalKRW:        5100,
			LimitTimeoutSec:       5,
			PartialFillRatio:      0.90,
			SlippageWarnPercent:   0.5,
			SlippageBlockPercent:  2.0,
			MarketOrderConfidence: 85,
			ThinBookBidDepthKRW:   2_000_000,
			MinHoldingSec:         10,
			FeeRate:               0.0004,
		},
		TradingConfig: TradingConfig{
			StartEnabled:   true,
			CandleInterval: 5,
			CandleCount:    200,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		StrategyConfigs: map[string]StrategyConfig{
			"DCA": {
				Enabled:         &enabled,
				ScanIntervalSec: 300,
				Markets:         []string{"KRW-BTC", "KRW-ETH"},
				PositionSizeKRW: 50_000,
			},
			"MEAN_REVERSION": {
				Enabled:         &enabled,
				PositionSizeKRW: 100_000,
				MaxPositions:    3,
			},
		},
		BreakerConfigs: map[string]BreakerConfig{
			"MEME_SCALPER": {Enabled: true, MaxConsecutiveLosses: 3, DailyMaxLossKRW: 30_000},
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
