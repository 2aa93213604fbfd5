package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/perpfleet/engine/internal/accounts"
	"github.com/perpfleet/engine/internal/cache"
	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/protector"
	"github.com/perpfleet/engine/internal/storage"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps(t *testing.T, mc *exchange.MockClient) Deps {
	t.Helper()
	store := storage.NewMockStore()
	require.NoError(t, store.UpsertBotConfig(&models.BotConfig{BotID: "bot1"}))
	account := accounts.Set{
		APIKey:    "test-key",
		Client:    mc,
		Protector: protector.New(mc, protector.Config{}, nil),
		Reaper:    protector.NewOrphanReaper(mc, protector.Config{}, nil),
	}
	return Deps{
		AccountFor: func(models.BotConfig) accounts.Set { return account },
		AccountGet: cache.NewAccountCache(time.Millisecond, nil).WithTTL(time.Millisecond),
		Store:      store,
	}
}

func testCfg() models.BotConfig {
	return models.BotConfig{
		BotID:                  "bot1",
		BotClientOrderIDPrefix: "bot1",
		Symbols:                []string{"BTC-PERP"},
		Timeframe:              "1h",
		ExecutionMode:          models.ExecutionRealtime,
		MaxOpenOrders:          5,
		MaxTokensPerBot:        12,
		CapitalPercentage:      1,
		StopAtrMultiplier:      1,
		TakeProfitAtrMultiplier: 2,
	}
}

func TestBotRunner_TickSkipsDuringMaintenance(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Markets = []models.Market{{Symbol: "BTC-PERP", TickSize: decimal.NewFromFloat(0.5), StepSize: decimal.NewFromFloat(0.001)}}
	deps := testDeps(t, mc)

	maint := &fakeMaintenance{on: true}
	deps.Maintenance = maint

	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)
	runner, err := NewBotRunner(testCfg(), deps, strat)
	require.NoError(t, err)

	runner.tick(context.Background())
	assert.Empty(t, mc.PlacedOrders)
}

func TestBotRunner_TickOrphanReapsClosedSymbol(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Markets = []models.Market{{Symbol: "BTC-PERP", TickSize: decimal.NewFromFloat(0.5), StepSize: decimal.NewFromFloat(0.001)}}
	mc.MarkPrices = map[string]float64{"BTC-PERP": 100}
	mc.OpenOrders = []models.OpenOrder{
		{OrderID: "orphan", Symbol: "BTC-PERP", Type: models.OrderTypeStopMarket, ReduceOnly: true, Status: models.OrderStatusNew},
	}
	deps := testDeps(t, mc)

	cfg := testCfg()
	cfg.EnableOrphanOrderMonitor = true

	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)
	runner, err := NewBotRunner(cfg, deps, strat)
	require.NoError(t, err)

	runner.state.Transition(models.StateRunning, "start_requested")
	runner.tick(context.Background())

	assert.Contains(t, mc.CanceledIDs, "orphan")
}

func TestBotRunner_RunStopsCleanly(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Markets = []models.Market{{Symbol: "BTC-PERP", TickSize: decimal.NewFromFloat(0.5), StepSize: decimal.NewFromFloat(0.001)}}
	mc.MarkPrices = map[string]float64{"BTC-PERP": 100}
	deps := testDeps(t, mc)

	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)
	runner, err := NewBotRunner(testCfg(), deps, strat)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	runner.Stop()
	assert.Equal(t, models.StateStopped, runner.state.CurrentState())
}

func TestTimeframeDuration(t *testing.T) {
	assert.Equal(t, 15*time.Minute, timeframeDuration("15m"))
	assert.Equal(t, time.Hour, timeframeDuration("1h"))
	assert.Equal(t, 24*time.Hour, timeframeDuration("1d"))
	assert.Equal(t, time.Duration(0), timeframeDuration("garbage"))
}

type fakeMaintenance struct{ on bool }

func (f *fakeMaintenance) InMaintenance() bool { return f.on }
