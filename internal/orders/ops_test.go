package orders

import (
	"context"
	"testing"
	"time"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/orderid"
	"github.com/perpfleet/engine/internal/storage"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		OrderExecutionTimeout: 30 * time.Millisecond,
		PollInterval:          5 * time.Millisecond,
		PostFillSettleDelay:   time.Millisecond,
		EnableMarketFallback:  true,
	}
}

func testMarket() models.Market {
	return models.Market{
		Symbol:   "BTC-PERP",
		TickSize: decimal.NewFromFloat(0.5),
		StepSize: decimal.NewFromFloat(0.001),
	}
}

func testIntent() models.OrderIntent {
	return models.OrderIntent{
		Symbol:     "BTC-PERP",
		Side:       models.SideLong,
		Quantity:   decimal.NewFromFloat(0.01),
		LimitPrice: decimal.NewFromFloat(100),
	}
}

func newTestAllocator(t *testing.T) *orderid.Allocator {
	t.Helper()
	alloc, err := orderid.NewAllocator("bot1", "bot1", storage.NewMockStore())
	require.NoError(t, err)
	return alloc
}

func TestOpenEntry_LimitFillsWithinMonitor(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.OpenOrders = []models.OpenOrder{{OrderID: "irrelevant", Symbol: "BTC-PERP", Status: models.OrderStatusFilled}}

	ops := NewOps(mc, fastConfig(), nil)
	alloc := newTestAllocator(t)
	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)

	var protected string
	protect := func(ctx context.Context, symbol string) error {
		protected = symbol
		return nil
	}

	res, err := ops.OpenEntry(context.Background(), testIntent(), models.BotConfig{MaxSlippagePct: 5},
		testMarket(), alloc, strat, strategy.Dataset{Symbol: "BTC-PERP", MarkPrice: 100}, protect)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.OrderTypeLimit, res.Type)
	assert.Equal(t, StateDoneLimit, res.FinalState)
	assert.Equal(t, "BTC-PERP", protected)
	require.Len(t, mc.PlacedOrders, 1)
}

func TestOpenEntry_WouldMatchJumpsToMarketFallback(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.FailNext = models.NewExchangeError("placeOrder", models.KindWouldMatch, assertErr("would match"))

	ops := NewOps(mc, fastConfig(), nil)
	alloc := newTestAllocator(t)
	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)

	res, err := ops.OpenEntry(context.Background(), testIntent(), models.BotConfig{MaxSlippagePct: 5},
		testMarket(), alloc, strat, strategy.Dataset{Symbol: "BTC-PERP", MarkPrice: 100}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.OrderTypeMarket, res.Type)
	assert.Equal(t, StateDoneMarket, res.FinalState)
	require.Len(t, mc.PlacedOrders, 1)
}

func TestOpenEntry_TimeoutRevalidatesThenFallsBackToMarket(t *testing.T) {
	mc := exchange.NewMockClient()
	// OpenOrders never reports a fill, and never reports the order gone
	// either, so MONITOR runs out its timeout and falls through to
	// CANCEL_AND_REVALIDATE.
	mc.OpenOrders = []models.OpenOrder{{OrderID: "will-be-overwritten", Symbol: "BTC-PERP", Status: models.OrderStatusNew}}

	ops := NewOps(mc, fastConfig(), nil)
	alloc := newTestAllocator(t)
	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)

	// Revalidation compares the dataset's mark price (130) with the
	// intent's limit price (100): 30% slippage is within MaxSlippagePct 50,
	// so the state machine proceeds to MARKET_FALLBACK rather than aborting.
	candles := flatBreakoutCandles(30, 100, 130)
	ds := strategy.Dataset{Symbol: "BTC-PERP", Candles: candles, MarkPrice: 130}

	// patch the open order id to match whatever the allocator actually
	// produced so MONITOR sees "still open, never filled" for the full
	// timeout window.
	mc.OpenOrders[0].OrderID = "bot1-entry-00001"

	res, err := ops.OpenEntry(context.Background(), testIntent(), models.BotConfig{MaxSlippagePct: 50, StopAtrMultiplier: 1, TakeProfitAtrMultiplier: 2},
		testMarket(), alloc, strat, ds, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.OrderTypeMarket, res.Type)
	require.Len(t, mc.CanceledIDs, 1)
	require.Len(t, mc.PlacedOrders, 2)
}

func TestOpenEntry_SlippageAbortsAfterTimeout(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.OpenOrders = []models.OpenOrder{{OrderID: "bot1-entry-00001", Symbol: "BTC-PERP", Status: models.OrderStatusNew}}

	ops := NewOps(mc, fastConfig(), nil)
	alloc := newTestAllocator(t)
	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)

	candles := flatBreakoutCandles(30, 100, 130)
	ds := strategy.Dataset{Symbol: "BTC-PERP", Candles: candles, MarkPrice: 130}

	res, err := ops.OpenEntry(context.Background(), testIntent(), models.BotConfig{MaxSlippagePct: 1, StopAtrMultiplier: 1, TakeProfitAtrMultiplier: 2},
		testMarket(), alloc, strat, ds, nil)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, AbortSlippage, res.Reason)
	require.Len(t, mc.PlacedOrders, 1) // only the original LIMIT, no MARKET fallback attempted
}

func TestOpenEntry_FallbackDisabledAborts(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.FailNext = models.NewExchangeError("placeOrder", models.KindWouldMatch, assertErr("would match"))

	cfg := fastConfig()
	cfg.EnableMarketFallback = false
	ops := NewOps(mc, cfg, nil)
	alloc := newTestAllocator(t)
	strat, err := strategy.New("atr_breakout", strategy.Config{})
	require.NoError(t, err)

	res, err := ops.OpenEntry(context.Background(), testIntent(), models.BotConfig{MaxSlippagePct: 5},
		testMarket(), alloc, strat, strategy.Dataset{Symbol: "BTC-PERP", MarkPrice: 100}, nil)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, AbortFallbackDisabled, res.Reason)
}

func flatBreakoutCandles(n int, base, price float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		c := base
		if i == n-1 {
			c = price
		}
		out[i] = exchange.Candle{Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return out
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
