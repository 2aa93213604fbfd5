package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/perpfleet/engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBaseConfig() *Config {
	cfg := &Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Exchange: ExchangeConfig{
			Provider:  "perpfleet",
			Sandbox:   true,
			APIKey:    "test-key",
			APISecret: "test-secret",
		},
		Storage:   StorageConfig{Path: "data/state.json"},
		Dashboard: DashboardConfig{Enabled: false},
		Bots: []models.BotConfig{
			{
				BotID:                  "bot1",
				BotClientOrderIDPrefix: "bot1",
				StrategyName:           "atr_breakout",
				Symbols:                []string{"BTC-PERP"},
				Timeframe:              "1h",
				ExecutionMode:          models.ExecutionRealtime,
				CapitalPercentage:      0.1,
				MaxOpenOrders:          3,
				MaxOpenPositions:       3,
				MaxNegativePnlStopPct:  5,
				MinProfitPercentage:    10,
				MaxSlippagePct:         1,
				Leverage:               2,
			},
		},
	}
	cfg.Normalize()
	return cfg
}

func TestLoad(t *testing.T) {
	t.Setenv("PERPFLEET_API_KEY", "test-key")
	t.Setenv("PERPFLEET_API_SECRET", "test-secret")
	t.Setenv("DASHBOARD_AUTH_TOKEN", "test-token")
	configPath := filepath.Join("..", "..", "config.yaml.example")
	_, err := Load(configPath)
	require.NoError(t, err, "expected config to load successfully from example file")
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestValidate_Valid(t *testing.T) {
	cfg := validBaseConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadMode(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Environment.Mode = "sideways"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresExchangeCredentials(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Exchange.APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_DashboardRequiresAuthTokenWhenEnabled(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Port = 9847
	cfg.Dashboard.AuthToken = ""
	assert.Error(t, cfg.Validate())

	cfg.Dashboard.AuthToken = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsDuplicateBotIDs(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Bots = append(cfg.Bots, cfg.Bots[0])
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyBotRoster(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Bots = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_BotRequiresSymbols(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Bots[0].Symbols = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_BotRequiresPositiveCapitalPercentage(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Bots[0].CapitalPercentage = 0
	assert.Error(t, cfg.Validate())

	cfg.Bots[0].CapitalPercentage = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidate_HybridStopRequiresAtrMultipliers(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Bots[0].EnableHybridStopStrategy = true
	cfg.Bots[0].StopAtrMultiplier = 0
	assert.Error(t, cfg.Validate())

	cfg.Bots[0].StopAtrMultiplier = 1.5
	cfg.Bots[0].TakeProfitAtrMultiplier = 2
	assert.NoError(t, cfg.Validate())
}

func TestNormalize_FillsDefaults(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{APIKey: "k", APISecret: "s"},
		Storage:  StorageConfig{Path: "x.json"},
		Bots: []models.BotConfig{{
			BotID: "bot1", BotClientOrderIDPrefix: "bot1", StrategyName: "atr_breakout",
			Symbols: []string{"BTC-PERP"}, Timeframe: "1h",
			CapitalPercentage: 0.1, MaxOpenOrders: 1,
			MaxNegativePnlStopPct: 5, MinProfitPercentage: 10,
		}},
	}
	cfg.Normalize()

	assert.Equal(t, "paper", cfg.Environment.Mode)
	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.Equal(t, "perpfleet", cfg.Exchange.Provider)
	assert.Equal(t, defaultAccountCacheTTL, cfg.Exchange.AccountCacheTTL)
	assert.Equal(t, 9847, cfg.Dashboard.Port)
	assert.Equal(t, models.ExecutionRealtime, cfg.Bots[0].ExecutionMode)
	assert.Equal(t, defaultMaxSlippagePct, cfg.Bots[0].MaxSlippagePct)
	assert.Equal(t, defaultOrderExecutionTimeoutS, cfg.Bots[0].OrderExecutionTimeoutS)
	assert.Equal(t, defaultMaxTokensPerBot, cfg.Bots[0].MaxTokensPerBot)
	assert.Equal(t, 1, cfg.Bots[0].Leverage)
	assert.Equal(t, 1, cfg.Bots[0].MaxOpenPositions)
}

func TestIsPaperTrading(t *testing.T) {
	cfg := validBaseConfig()
	assert.True(t, cfg.IsPaperTrading())
	cfg.Environment.Mode = "live"
	assert.False(t, cfg.IsPaperTrading())
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment:
  mode: paper
  log_level: info
exchange:
  provider: perpfleet
  api_key: ${TEST_PERPFLEET_KEY}
  api_secret: ${TEST_PERPFLEET_SECRET}
storage:
  path: data/state.json
bots:
  - botId: bot1
    botClientOrderIdPrefix: bot1
    strategyName: atr_breakout
    symbols: [BTC-PERP]
    timeframe: 1h
    executionMode: REALTIME
    capitalPercentage: 0.1
    maxOpenOrders: 3
    maxNegativePnlStopPct: 5
    minProfitPercentage: 10
    maxSlippagePct: 1
    leverage: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TEST_PERPFLEET_KEY", "expanded-key")
	t.Setenv("TEST_PERPFLEET_SECRET", "expanded-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-key", cfg.Exchange.APIKey)
	assert.Equal(t, "expanded-secret", cfg.Exchange.APISecret)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment:
  mode: paper
not_a_real_field: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
