package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full engine configuration, loaded from config.json with
// environment variable overrides taking precedence.
type Config struct {
	LoggingConfig  LoggingConfig  `json:"logging"`
	ExchangeConfig ExchangeConfig `json:"exchange"`
	EngineConfig   EngineConfig   `json:"engine"`
	StoreConfig    StoreConfig    `json:"store"`
	RiskConfig     RiskConfig     `json:"risk"`
	TrailingConfig TrailingConfig `json:"trailing"`
	PartialConfig  PartialConfig  `json:"partial_exits"`
	SizingConfig   SizingConfig   `json:"sizing"`
	BreakerConfig  BreakerConfig  `json:"circuit_breaker"`
	ServerConfig   ServerConfig   `json:"server"`
	RedisConfig    RedisConfig    `json:"redis"`
	DatabaseConfig DatabaseConfig `json:"database"`
	VaultConfig    VaultConfig    `json:"vault"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
	Output string `json:"output"` // stdout, stderr, or file path
}

// ExchangeConfig holds exchange connectivity settings. MockMode swaps
// the real client for the in-process simulator (dry run).
type ExchangeConfig struct {
	TestNet         bool   `json:"testnet"`
	MockMode        bool   `json:"mock_mode"`
	BaseURL         string `json:"base_url"`
	DefaultLeverage int    `json:"default_leverage"`
}

// EngineConfig holds orchestrator settings. Intervals are seconds.
type EngineConfig struct {
	MaxOpenPositions  int     `json:"max_open_positions"`
	MinTradeMargin    float64 `json:"min_trade_margin"`
	InitialStopPct    float64 `json:"initial_stop_pct"`
	CycleInterval     int     `json:"cycle_interval_seconds"`
	ReconcileInterval int     `json:"reconcile_interval_seconds"`
	RiskInterval      int     `json:"risk_interval_seconds"`
	TrailingInterval  int     `json:"trailing_interval_seconds"`
	PartialInterval   int     `json:"partial_interval_seconds"`
	BalanceInterval   int     `json:"balance_interval_seconds"`
}

// StoreConfig holds local persistence paths.
type StoreConfig struct {
	SnapshotPath string `json:"snapshot_path"`
	MemoryPath   string `json:"memory_path"`
}

// LadderRung is one early-exit rung. Rungs must be ordered by
// ascending age window, most negative threshold first.
type LadderRung struct {
	Name       string  `json:"name"`
	MaxAgeMins int     `json:"max_age_minutes"`
	MaxROE     float64 `json:"max_roe"`
}

type RiskConfig struct {
	StopLossPct            float64      `json:"stop_loss_pct"`
	MaxFixAttempts         int          `json:"max_fix_attempts"`
	Ladder                 []LadderRung `json:"ladder"`
	MaxAgeHours            int          `json:"max_age_hours"`
	SpareProfitableRunners bool         `json:"spare_profitable_runners"`
}

type TrailingConfig struct {
	ActivationROE float64 `json:"activation_roe"`
	ProtectMargin float64 `json:"protect_margin"`
}

// PartialLevel is one staged profit-taking milestone.
type PartialLevel struct {
	ID       string  `json:"id"`
	ROE      float64 `json:"roe"`
	Fraction float64 `json:"fraction"`
}

type PartialConfig struct {
	Levels      []PartialLevel `json:"levels"`
	MinNotional float64        `json:"min_notional"`
}

type SizingConfig struct {
	Blocks           int     `json:"blocks"`
	FirstCycleFactor float64 `json:"first_cycle_factor"`
	KellyMinTrades   int     `json:"kelly_min_trades"`
	KellyMultiplier  float64 `json:"kelly_multiplier"`
	KellyMinPct      float64 `json:"kelly_min_pct"`
	KellyMaxPct      float64 `json:"kelly_max_pct"`
	ExpectedWinROE   float64 `json:"expected_win_roe"`
	ExpectedLossROE  float64 `json:"expected_loss_roe"`
	RoundTripCostPct float64 `json:"round_trip_cost_pct"`
	BlockCycles      int     `json:"block_cycles"`
	CapMultiplier    float64 `json:"cap_multiplier"`
	RiskMaxPct       float64 `json:"risk_max_pct"`
	LossMultiplier   float64 `json:"loss_multiplier"`
	FreshStart       bool    `json:"fresh_start"`
}

type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
}

type ServerConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	CACert     string `json:"ca_cert"`
}

// Load reads config.json if present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
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

func applyEnvOverrides(cfg *Config) {
	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LoggingConfig.Pretty = v == "true"
	}

	// Exchange
	if v := os.Getenv("EXCHANGE_TESTNET"); v != "" {
		cfg.ExchangeConfig.TestNet = v == "true"
	}
	if v := os.Getenv("MOCK_MODE"); v != "" {
		cfg.ExchangeConfig.MockMode = v == "true"
	}
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.DefaultLeverage = getEnvIntOrDefault("EXCHANGE_DEFAULT_LEVERAGE", cfg.ExchangeConfig.DefaultLeverage)

	// Engine
	cfg.EngineConfig.MaxOpenPositions = getEnvIntOrDefault("ENGINE_MAX_OPEN_POSITIONS", cfg.EngineConfig.MaxOpenPositions)
	cfg.EngineConfig.CycleInterval = getEnvIntOrDefault("ENGINE_CYCLE_INTERVAL", cfg.EngineConfig.CycleInterval)
	cfg.EngineConfig.ReconcileInterval = getEnvIntOrDefault("ENGINE_RECONCILE_INTERVAL", cfg.EngineConfig.ReconcileInterval)
	cfg.EngineConfig.RiskInterval = getEnvIntOrDefault("ENGINE_RISK_INTERVAL", cfg.EngineConfig.RiskInterval)

	// Store
	cfg.StoreConfig.SnapshotPath = getEnvOrDefault("STORE_SNAPSHOT_PATH", cfg.StoreConfig.SnapshotPath)
	cfg.StoreConfig.MemoryPath = getEnvOrDefault("STORE_MEMORY_PATH", cfg.StoreConfig.MemoryPath)

	// Sizing
	if v := os.Getenv("SIZING_FRESH_START"); v != "" {
		cfg.SizingConfig.FreshStart = v == "true"
	}
	cfg.SizingConfig.Blocks = getEnvIntOrDefault("SIZING_BLOCKS", cfg.SizingConfig.Blocks)
	cfg.SizingConfig.RiskMaxPct = getEnvFloatOrDefault("SIZING_RISK_MAX_PCT", cfg.SizingConfig.RiskMaxPct)

	// Circuit breaker
	if v := os.Getenv("CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.BreakerConfig.Enabled = v == "true"
	}
	cfg.BreakerConfig.MaxLossPerHour = getEnvFloatOrDefault("CIRCUIT_MAX_LOSS_PER_HOUR", cfg.BreakerConfig.MaxLossPerHour)
	cfg.BreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.BreakerConfig.MaxConsecutiveLosses)
	cfg.BreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.BreakerConfig.CooldownMinutes)

	// Server
	if v := os.Getenv("WEB_ENABLED"); v != "" {
		cfg.ServerConfig.Enabled = v == "true"
	}
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Database
	if v := os.Getenv("DATABASE_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DATABASE_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DATABASE_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DATABASE_NAME", cfg.DatabaseConfig.Database)

	// Vault
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
}

// applyDefaults fills any setting still at its zero value.
func applyDefaults(cfg *Config) {
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
	if cfg.ExchangeConfig.DefaultLeverage == 0 {
		cfg.ExchangeConfig.DefaultLeverage = 5
	}
	if cfg.EngineConfig.MaxOpenPositions == 0 {
		cfg.EngineConfig.MaxOpenPositions = 5
	}
	if cfg.EngineConfig.MinTradeMargin == 0 {
		cfg.EngineConfig.MinTradeMargin = 10
	}
	if cfg.EngineConfig.InitialStopPct == 0 {
		cfg.EngineConfig.InitialStopPct = 0.02
	}
	if cfg.EngineConfig.CycleInterval == 0 {
		cfg.EngineConfig.CycleInterval = 60
	}
	if cfg.EngineConfig.ReconcileInterval == 0 {
		cfg.EngineConfig.ReconcileInterval = 30
	}
	if cfg.EngineConfig.RiskInterval == 0 {
		cfg.EngineConfig.RiskInterval = 10
	}
	if cfg.EngineConfig.TrailingInterval == 0 {
		cfg.EngineConfig.TrailingInterval = 10
	}
	if cfg.EngineConfig.PartialInterval == 0 {
		cfg.EngineConfig.PartialInterval = 15
	}
	if cfg.EngineConfig.BalanceInterval == 0 {
		cfg.EngineConfig.BalanceInterval = 60
	}
	if cfg.StoreConfig.SnapshotPath == "" {
		cfg.StoreConfig.SnapshotPath = "data/positions.json"
	}
	if cfg.StoreConfig.MemoryPath == "" {
		cfg.StoreConfig.MemoryPath = "data/symbol_memory.json"
	}
	if cfg.RiskConfig.StopLossPct == 0 {
		cfg.RiskConfig.StopLossPct = 0.02
	}
	if cfg.RiskConfig.MaxFixAttempts == 0 {
		cfg.RiskConfig.MaxFixAttempts = 3
	}
	if len(cfg.RiskConfig.Ladder) == 0 {
		cfg.RiskConfig.Ladder = []LadderRung{
			{Name: "early_drawdown", MaxAgeMins: 15, MaxROE: -0.20},
			{Name: "mid_drawdown", MaxAgeMins: 60, MaxROE: -0.12},
			{Name: "late_drawdown", MaxAgeMins: 240, MaxROE: -0.06},
		}
	}
	if cfg.TrailingConfig.ActivationROE == 0 {
		cfg.TrailingConfig.ActivationROE = 0.15
	}
	if cfg.TrailingConfig.ProtectMargin == 0 {
		cfg.TrailingConfig.ProtectMargin = 0.10
	}
	if len(cfg.PartialConfig.Levels) == 0 {
		cfg.PartialConfig.Levels = []PartialLevel{
			{ID: "tp1", ROE: 0.20, Fraction: 0.25},
			{ID: "tp2", ROE: 0.40, Fraction: 0.25},
			{ID: "tp3", ROE: 0.80, Fraction: 0.25},
		}
	}
	if cfg.PartialConfig.MinNotional == 0 {
		cfg.PartialConfig.MinNotional = 5
	}
	if cfg.SizingConfig.Blocks == 0 {
		cfg.SizingConfig.Blocks = 5
	}
	if cfg.SizingConfig.FirstCycleFactor == 0 {
		cfg.SizingConfig.FirstCycleFactor = 0.5
	}
	if cfg.SizingConfig.KellyMinTrades == 0 {
		cfg.SizingConfig.KellyMinTrades = 10
	}
	if cfg.SizingConfig.KellyMultiplier == 0 {
		cfg.SizingConfig.KellyMultiplier = 0.5
	}
	if cfg.SizingConfig.KellyMinPct == 0 {
		cfg.SizingConfig.KellyMinPct = 0.01
	}
	if cfg.SizingConfig.KellyMaxPct == 0 {
		cfg.SizingConfig.KellyMaxPct = 0.10
	}
	if cfg.SizingConfig.ExpectedWinROE == 0 {
		cfg.SizingConfig.ExpectedWinROE = 0.10
	}
	if cfg.SizingConfig.ExpectedLossROE == 0 {
		cfg.SizingConfig.ExpectedLossROE = 0.05
	}
	if cfg.SizingConfig.RoundTripCostPct == 0 {
		cfg.SizingConfig.RoundTripCostPct = 0.002
	}
	if cfg.SizingConfig.BlockCycles == 0 {
		cfg.SizingConfig.BlockCycles = 3
	}
	if cfg.SizingConfig.CapMultiplier == 0 {
		cfg.SizingConfig.CapMultiplier = 2.0
	}
	if cfg.SizingConfig.RiskMaxPct == 0 {
		cfg.SizingConfig.RiskMaxPct = 0.30
	}
	if cfg.SizingConfig.LossMultiplier == 0 {
		cfg.SizingConfig.LossMultiplier = 1.0
	}
	if cfg.BreakerConfig.MaxLossPerHour == 0 {
		cfg.BreakerConfig.MaxLossPerHour = 3.0
	}
	if cfg.BreakerConfig.MaxConsecutiveLosses == 0 {
		cfg.BreakerConfig.MaxConsecutiveLosses = 5
	}
	if cfg.BreakerConfig.CooldownMinutes == 0 {
		cfg.BreakerConfig.CooldownMinutes = 30
	}
	if cfg.BreakerConfig.MaxTradesPerMinute == 0 {
		cfg.BreakerConfig.MaxTradesPerMinute = 10
	}
	if cfg.BreakerConfig.MaxDailyLoss == 0 {
		cfg.BreakerConfig.MaxDailyLoss = 5.0
	}
	if cfg.BreakerConfig.MaxDailyTrades == 0 {
		cfg.BreakerConfig.MaxDailyTrades = 100
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "risk-engine/exchange"
	}
}

// Seconds converts a seconds count to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
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

// GenerateSampleConfig writes a starter config.json.
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.ExchangeConfig.MockMode = true
	cfg.ServerConfig.Enabled = true
	cfg.BreakerConfig.Enabled = true

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling sample config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("error writing sample config: %w", err)
	}
	return nil
}
