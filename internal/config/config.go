// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/perpfleet/engine/internal/models"
)

// Risk Management Constants
const (
	// defaultMaxSlippagePct is used when a bot.maxSlippagePct is unset.
	defaultMaxSlippagePct = 1.0
	// defaultOrderExecutionTimeoutS is used when a bot's
	// orderExecutionTimeoutSeconds is unset (spec.md §4.3's MONITOR timeout).
	defaultOrderExecutionTimeoutS = 12
	// defaultMaxTokensPerBot caps per-tick dataset building when unset.
	defaultMaxTokensPerBot = 12
	// defaultAccountCacheTTL is used when exchange.account_cache_ttl is unset.
	// Matches spec.md §4.1's "55s default" account-snapshot round duration.
	defaultAccountCacheTTL = 55 * time.Second
)

// Config represents the complete process configuration: exchange
// credentials, global tunables, dashboard settings, and the roster of
// bots the supervisor should run.
type Config struct {
	Environment EnvironmentConfig   `yaml:"environment"`
	Exchange    ExchangeConfig      `yaml:"exchange"`
	Storage     StorageConfig       `yaml:"storage"`
	Dashboard   DashboardConfig     `yaml:"dashboard"`
	Bots        []models.BotConfig  `yaml:"bots"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ExchangeConfig defines the perpetual-futures venue connection and the
// global tunables shared by every bot (rate limiting, account cache,
// circuit breaker, retry backoff).
type ExchangeConfig struct {
	Provider  string `yaml:"provider"` // currently only "perpfleet"
	Sandbox   bool   `yaml:"sandbox"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// RateLimitPerSecond sets AccountCache's minimum interval between
	// account refreshes (1s / RateLimitPerSecond); other exchange calls are
	// not limited by it. RateLimitBurst is validated but not used elsewhere.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`

	// AccountCacheTTL controls how long AccountCache serves a cached
	// snapshot before refreshing (spec.md §4.2's cache component).
	AccountCacheTTL time.Duration `yaml:"account_cache_ttl"`

	// CircuitBreakerFailureThreshold is the minimum number of requests in a
	// breaker window before a 50% failure ratio can trip the breaker
	// wrapping the exchange client.
	CircuitBreakerFailureThreshold uint32 `yaml:"circuit_breaker_failure_threshold"`

	// RetryMaxAttempts/RetryBaseDelay configure internal/retry.Client for
	// PlaceOrder/CancelOrder calls.
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

// StorageConfig defines storage settings for bot/order-id/protection data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the web control surface's settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`    // Enable web dashboard
	Port      int    `yaml:"port"`       // HTTP server port
	AuthToken string `yaml:"auth_token"` // Token required on every /api route
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	// Expand environment variables (e.g. ${EXCHANGE_API_KEY}).
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(c.Exchange.APIKey) == "" {
		return fmt.Errorf("exchange.api_key is required")
	}
	if strings.TrimSpace(c.Exchange.APISecret) == "" {
		return fmt.Errorf("exchange.api_secret is required")
	}
	if c.Exchange.RateLimitPerSecond <= 0 {
		return fmt.Errorf("exchange.rate_limit_per_second must be > 0")
	}
	if c.Exchange.RateLimitBurst <= 0 {
		return fmt.Errorf("exchange.rate_limit_burst must be > 0")
	}
	if c.Exchange.AccountCacheTTL <= 0 {
		return fmt.Errorf("exchange.account_cache_ttl must be > 0")
	}
	if c.Exchange.CircuitBreakerFailureThreshold == 0 {
		return fmt.Errorf("exchange.circuit_breaker_failure_threshold must be > 0")
	}
	if c.Exchange.RetryMaxAttempts <= 0 {
		return fmt.Errorf("exchange.retry_max_attempts must be > 0")
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled {
		if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port must be between 1 and 65535")
		}
		if strings.TrimSpace(c.Dashboard.AuthToken) == "" {
			return fmt.Errorf("dashboard.auth_token is required when dashboard.enabled is true")
		}
	}

	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one entry under bots is required")
	}
	seen := make(map[string]bool, len(c.Bots))
	for i := range c.Bots {
		if err := validateBot(&c.Bots[i]); err != nil {
			return fmt.Errorf("bots[%d] (%s): %w", i, c.Bots[i].BotID, err)
		}
		if seen[c.Bots[i].BotID] {
			return fmt.Errorf("bots[%d]: duplicate botId %q", i, c.Bots[i].BotID)
		}
		seen[c.Bots[i].BotID] = true
	}

	return nil
}

// validateBot enforces spec.md §3's BotConfig invariants.
func validateBot(b *models.BotConfig) error {
	if strings.TrimSpace(b.BotID) == "" {
		return fmt.Errorf("botId is required")
	}
	if strings.TrimSpace(b.BotClientOrderIDPrefix) == "" {
		return fmt.Errorf("botClientOrderIdPrefix is required")
	}
	if strings.TrimSpace(b.StrategyName) == "" {
		return fmt.Errorf("strategyName is required")
	}
	if len(b.Symbols) == 0 {
		return fmt.Errorf("symbols must be non-empty")
	}
	if strings.TrimSpace(b.Timeframe) == "" {
		return fmt.Errorf("timeframe is required")
	}
	if b.ExecutionMode != models.ExecutionRealtime && b.ExecutionMode != models.ExecutionOnCandleClose {
		return fmt.Errorf("executionMode must be REALTIME or ON_CANDLE_CLOSE")
	}
	if b.CapitalPercentage <= 0 || b.CapitalPercentage > 1.0 {
		return fmt.Errorf("capitalPercentage must be in (0, 1.0]")
	}
	if b.MaxOpenOrders <= 0 {
		return fmt.Errorf("maxOpenOrders must be > 0")
	}
	if b.MaxOpenPositions <= 0 {
		return fmt.Errorf("maxOpenPositions must be > 0")
	}
	if b.MaxNegativePnlStopPct <= 0 {
		return fmt.Errorf("maxNegativePnlStopPct must be > 0")
	}
	if b.MinProfitPercentage <= 0 {
		return fmt.Errorf("minProfitPercentage must be > 0")
	}
	if b.MaxSlippagePct <= 0 {
		return fmt.Errorf("maxSlippagePct must be > 0")
	}
	if b.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0")
	}
	if b.EnableHybridStopStrategy {
		if b.StopAtrMultiplier <= 0 {
			return fmt.Errorf("stopAtrMultiplier must be > 0 when enableHybridStopStrategy is true")
		}
		if b.TakeProfitAtrMultiplier <= 0 {
			return fmt.Errorf("takeProfitAtrMultiplier must be > 0 when enableHybridStopStrategy is true")
		}
	}
	if b.PartialTakeProfitPct < 0 || b.PartialTakeProfitPct > 100 {
		return fmt.Errorf("partialTakeProfitPercentage must be in [0, 100]")
	}
	return nil
}

// IsPaperTrading returns true if the process is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Normalize sets default values for configuration fields and every bot row.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if strings.TrimSpace(c.Exchange.Provider) == "" {
		c.Exchange.Provider = "perpfleet"
	}
	if c.Exchange.RateLimitPerSecond == 0 {
		c.Exchange.RateLimitPerSecond = 10
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = 20
	}
	if c.Exchange.AccountCacheTTL == 0 {
		c.Exchange.AccountCacheTTL = defaultAccountCacheTTL
	}
	if c.Exchange.CircuitBreakerFailureThreshold == 0 {
		c.Exchange.CircuitBreakerFailureThreshold = 5
	}
	if c.Exchange.RetryMaxAttempts == 0 {
		c.Exchange.RetryMaxAttempts = 3
	}
	if c.Exchange.RetryBaseDelay == 0 {
		c.Exchange.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 9847
	}

	for i := range c.Bots {
		normalizeBot(&c.Bots[i])
	}
}

func normalizeBot(b *models.BotConfig) {
	if b.ExecutionMode == "" {
		b.ExecutionMode = models.ExecutionRealtime
	}
	if b.MaxSlippagePct == 0 {
		b.MaxSlippagePct = defaultMaxSlippagePct
	}
	if b.OrderExecutionTimeoutS == 0 {
		b.OrderExecutionTimeoutS = defaultOrderExecutionTimeoutS
	}
	if b.MaxTokensPerBot == 0 {
		b.MaxTokensPerBot = defaultMaxTokensPerBot
	}
	if b.Leverage == 0 {
		b.Leverage = 1
	}
	if b.MaxOpenPositions == 0 {
		b.MaxOpenPositions = b.MaxOpenOrders
	}
}
