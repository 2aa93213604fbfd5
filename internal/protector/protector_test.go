package protector

import (
	"context"
	"testing"
	"time"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/orderid"
	"github.com/perpfleet/engine/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAllocator(t *testing.T) *orderid.Allocator {
	t.Helper()
	alloc, err := orderid.NewAllocator("bot1", "bot1", storage.NewMockStore())
	require.NoError(t, err)
	return alloc
}

func ownedFill(prefix string) models.Fill {
	id := prefix + "-entry-00001"
	return models.Fill{ClientID: id, Symbol: "BTC-PERP", Time: time.Now()}
}

func TestEnsureProtection_SkipsUnownedPosition(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Fills = nil // no fills at all: position was opened manually

	p := New(mc, Config{}, nil)
	pos := models.OpenPosition{Symbol: "BTC-PERP", Side: models.SideLong, Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromFloat(100), MarkPrice: decimal.NewFromFloat(101)}
	err := p.EnsureProtection(context.Background(), pos, models.BotConfig{BotClientOrderIDPrefix: "bot1", MaxNegativePnlStopPct: 5, Leverage: 1}, testAllocator(t))
	require.NoError(t, err)
	assert.Empty(t, mc.PlacedOrders)
}

func TestEnsureProtection_CreatesStopLossAndTakeProfitWhenMissing(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Fills = []models.Fill{ownedFill("bot1")}

	p := New(mc, Config{}, nil)
	pos := models.OpenPosition{Symbol: "BTC-PERP", Side: models.SideLong, Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromFloat(100), MarkPrice: decimal.NewFromFloat(101)}
	cfg := models.BotConfig{BotClientOrderIDPrefix: "bot1", MaxNegativePnlStopPct: 5, MinProfitPercentage: 10, Leverage: 1}

	err := p.EnsureProtection(context.Background(), pos, cfg, testAllocator(t))
	require.NoError(t, err)
	require.Len(t, mc.PlacedOrders, 2)

	var sawStop, sawTP bool
	for _, o := range mc.PlacedOrders {
		if o.Type == models.OrderTypeStopMarket {
			sawStop = true
			assert.True(t, o.ReduceOnly)
		}
		if o.Type == models.OrderTypeTakeProfitMarket {
			sawTP = true
			assert.True(t, o.ReduceOnly)
		}
	}
	assert.True(t, sawStop)
	assert.True(t, sawTP)
}

func TestEnsureProtection_SkipsTakeProfitWhenTrailing(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Fills = []models.Fill{ownedFill("bot1")}

	p := New(mc, Config{}, nil)
	pos := models.OpenPosition{Symbol: "BTC-PERP", Side: models.SideLong, Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromFloat(100), MarkPrice: decimal.NewFromFloat(101)}
	cfg := models.BotConfig{BotClientOrderIDPrefix: "bot1", MaxNegativePnlStopPct: 5, Leverage: 1, EnableTrailingStop: true}

	err := p.EnsureProtection(context.Background(), pos, cfg, testAllocator(t))
	require.NoError(t, err)
	require.Len(t, mc.PlacedOrders, 1)
	assert.Equal(t, models.OrderTypeStopMarket, mc.PlacedOrders[0].Type)
}

func TestEnsureProtection_NoOpWhenStopAlreadyExists(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Fills = []models.Fill{ownedFill("bot1")}
	mc.OpenOrders = []models.OpenOrder{{
		Symbol: "BTC-PERP", Type: models.OrderTypeStopMarket, ReduceOnly: true, Status: models.OrderStatusNew,
		Quantity: decimal.NewFromFloat(1),
	}, {
		Symbol: "BTC-PERP", Type: models.OrderTypeTakeProfitMarket, ReduceOnly: true, Status: models.OrderStatusNew,
		Quantity: decimal.NewFromFloat(1),
	}}

	p := New(mc, Config{}, nil)
	pos := models.OpenPosition{Symbol: "BTC-PERP", Side: models.SideLong, Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromFloat(100), MarkPrice: decimal.NewFromFloat(101)}
	cfg := models.BotConfig{BotClientOrderIDPrefix: "bot1", MaxNegativePnlStopPct: 5, MinProfitPercentage: 10, Leverage: 1}

	err := p.EnsureProtection(context.Background(), pos, cfg, testAllocator(t))
	require.NoError(t, err)
	assert.Empty(t, mc.PlacedOrders)
}

func TestWidenIfTooClose(t *testing.T) {
	// stop sitting right at the mark for a long gets pushed 0.1% below.
	got := widenIfTooClose(100, 100, models.SideLong)
	assert.InDelta(t, 99.9, got, 0.001)

	// stop already far enough away is left untouched.
	got = widenIfTooClose(90, 100, models.SideLong)
	assert.Equal(t, 90.0, got)
}

func TestOrphanReaper_CancelsOrdersForClosedSymbolOnly(t *testing.T) {
	mc := exchange.NewMockClient()
	mc.Positions = []models.OpenPosition{{Symbol: "ETH-PERP", Quantity: decimal.NewFromFloat(1)}}
	mc.OpenOrders = []models.OpenOrder{
		{OrderID: "stale-stop", Symbol: "BTC-PERP", Type: models.OrderTypeStopMarket, ReduceOnly: true, Status: models.OrderStatusNew},
		{OrderID: "live-stop", Symbol: "ETH-PERP", Type: models.OrderTypeStopMarket, ReduceOnly: true, Status: models.OrderStatusNew},
	}

	r := NewOrphanReaper(mc, Config{}, nil)
	err := r.Reap(context.Background(), []string{"BTC-PERP", "ETH-PERP"})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-stop"}, mc.CanceledIDs)
}
