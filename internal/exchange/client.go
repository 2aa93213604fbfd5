// Package exchange defines the ExchangeClient contract every bot talks to,
// a REST implementation against a perpetual-futures venue, and a circuit
// breaker wrapper that shields the rest of the engine from a misbehaving
// exchange.
package exchange

import (
	"context"

	"github.com/perpfleet/engine/internal/models"
)

// Client is the external interface every component of the engine talks to.
// It never panics and never returns an unclassified error: every failure
// that crosses this boundary is a *models.ExchangeError.
type Client interface {
	GetMarkets(ctx context.Context) ([]models.Market, error)
	GetAllMarkPrices(ctx context.Context) (map[string]float64, error)
	GetKLines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)

	GetAccount(ctx context.Context) (*models.AccountSnapshot, error)
	GetCollateral(ctx context.Context) (float64, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error)
	GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error)
	GetFillHistory(ctx context.Context, symbol string, limit int) ([]models.Fill, error)

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.OpenOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// PlaceOrderRequest is the body OrderOps sends to place an order. ClientID
// is always set by the caller (see orderid.Allocator) so every order is
// attributable back to the bot and purpose that created it.
type PlaceOrderRequest struct {
	Symbol      string
	ClientID    string
	Side        models.Side
	Type        models.OrderType
	Quantity    string // pre-rounded to the market's StepSize, sent as a string for exact precision
	Price       string // pre-rounded to the market's TickSize; empty for MARKET orders
	StopPrice   string // set for STOP_MARKET / TAKE_PROFIT_MARKET orders
	ReduceOnly  bool

	// PostOnly rejects the order instead of letting it take liquidity —
	// set on every entry LIMIT per spec.md §4.3's post-only requirement.
	PostOnly bool
	// StopLossTriggerPrice, when non-empty, attaches a stop-loss trigger to
	// the order at placement time instead of requiring a second call.
	StopLossTriggerPrice string
	TimeInForce          string // e.g. "GTC"; empty lets the exchange default
	SelfTradePrevention  string // e.g. "CANCEL_TAKER"; empty lets the exchange default
}
