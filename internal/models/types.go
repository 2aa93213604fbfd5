// Package models defines the data types shared by every component of the
// order-lifecycle engine: markets, account snapshots, bot configuration,
// client-order-id allocation, open orders/positions, protection orders and
// strategy-produced order intents.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Market describes a tradeable perpetual-futures contract's precision and
// limits, as returned by ExchangeClient.GetMarkets.
type Market struct {
	Symbol       string
	TickSize     decimal.Decimal // minimum price increment
	StepSize     decimal.Decimal // minimum quantity increment
	MinNotional  decimal.Decimal // minimum order value
	MaxLeverage  int
}

// RoundPrice rounds x to a multiple of TickSize in the given side's
// rounding direction. dir > 0 rounds toward +inf (buys),
// dir < 0 rounds toward -inf (sells), dir == 0 rounds to nearest.
func (m Market) RoundPrice(x decimal.Decimal, dir int) decimal.Decimal {
	return roundToStep(x, m.TickSize, dir)
}

// RoundQuantity rounds a quantity down to the nearest multiple of StepSize.
// Quantities always round toward zero so an order never exceeds requested size.
func (m Market) RoundQuantity(x decimal.Decimal) decimal.Decimal {
	return roundToStep(x, m.StepSize, -1)
}

func roundToStep(x, step decimal.Decimal, dir int) decimal.Decimal {
	if step.IsZero() {
		return x
	}
	units := x.Div(step)
	switch {
	case dir > 0:
		units = units.Ceil()
	case dir < 0:
		units = units.Floor()
	default:
		units = units.Round(0)
	}
	return units.Mul(step)
}

// AccountSnapshot is the cached, rate-limited view of account state that
// AccountCache serves to callers.
type AccountSnapshot struct {
	Collateral       decimal.Decimal
	AvailableBalance decimal.Decimal
	NetEquityAvailable decimal.Decimal
	MakerFee         decimal.Decimal
	Leverage         int
	Markets          map[string]Market

	// RealCapital and CapitalAvailable are derived by AccountCache.refresh
	// per spec.md §3: realCapital = netEquityAvailable * 0.95,
	// capitalAvailable = realCapital * leverage. They are the only capital
	// figures a Strategy should size entries against.
	RealCapital      decimal.Decimal
	CapitalAvailable decimal.Decimal

	Positions        []OpenPosition
	OpenOrders       []OpenOrder
	FetchedAt        time.Time
	Stale            bool // true when served from cache after a refresh failure
}

// ExecutionMode controls when a BotRunner's tick fires.
type ExecutionMode string

const (
	ExecutionRealtime      ExecutionMode = "REALTIME"
	ExecutionOnCandleClose ExecutionMode = "ON_CANDLE_CLOSE"
)

// BotConfig is the persisted configuration for a single bot instance.
type BotConfig struct {
	BotID                   string        `yaml:"botId" json:"botId"`
	BotName                 string        `yaml:"botName" json:"botName"`
	StrategyName            string        `yaml:"strategyName" json:"strategyName"`
	APIKey                  string        `yaml:"apiKey" json:"apiKey"`
	APISecret               string        `yaml:"apiSecret" json:"apiSecret"`
	BotClientOrderIDPrefix  string        `yaml:"botClientOrderIdPrefix" json:"botClientOrderIdPrefix"`
	Symbols                 []string      `yaml:"symbols" json:"symbols"`
	Timeframe               string        `yaml:"timeframe" json:"timeframe"`
	ExecutionMode           ExecutionMode `yaml:"executionMode" json:"executionMode"`
	CapitalPercentage       float64       `yaml:"capitalPercentage" json:"capitalPercentage"`
	MaxOpenOrders           int           `yaml:"maxOpenOrders" json:"maxOpenOrders"`
	MaxOpenPositions        int           `yaml:"maxOpenPositions" json:"maxOpenPositions"`
	MaxNegativePnlStopPct   float64       `yaml:"maxNegativePnlStopPct" json:"maxNegativePnlStopPct"`
	MinProfitPercentage     float64       `yaml:"minProfitPercentage" json:"minProfitPercentage"`
	MaxSlippagePct          float64       `yaml:"maxSlippagePct" json:"maxSlippagePct"`
	OrderExecutionTimeoutS  int           `yaml:"orderExecutionTimeoutSeconds" json:"orderExecutionTimeoutSeconds"`
	StopAtrMultiplier       float64       `yaml:"stopAtrMultiplier" json:"stopAtrMultiplier"`
	TakeProfitAtrMultiplier float64       `yaml:"takeProfitAtrMultiplier" json:"takeProfitAtrMultiplier"`
	Leverage                int           `yaml:"leverage" json:"leverage"`
	Enabled                 bool          `yaml:"enabled" json:"enabled"`
	PaperTrading            bool          `yaml:"paperTrading" json:"paperTrading"`

	// Protection tuning (PositionProtector, spec §4.4).
	EnableMarketFallback       bool    `yaml:"enableMarketFallback" json:"enableMarketFallback"`
	EnableTrailingStop         bool    `yaml:"enableTrailingStop" json:"enableTrailingStop"`
	EnableHybridStopStrategy   bool    `yaml:"enableHybridStopStrategy" json:"enableHybridStopStrategy"`
	PartialTakeProfitPct       float64 `yaml:"partialTakeProfitPercentage" json:"partialTakeProfitPercentage"`
	EnableOrphanOrderMonitor   bool    `yaml:"enableOrphanOrderMonitor" json:"enableOrphanOrderMonitor"`
	MaxTokensPerBot            int     `yaml:"maxTokensPerBot" json:"maxTokensPerBot"`

	// Mutable runtime bookkeeping, persisted across restarts.
	NextValidationAt time.Time `yaml:"nextValidationAt,omitempty" json:"nextValidationAt,omitempty"`
	CreatedAt        time.Time `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
	Status           string    `yaml:"status,omitempty" json:"status,omitempty"`
}

// ClientOrderIDPurpose disambiguates the role of an order within a bot's
// client-order-id namespace.
type ClientOrderIDPurpose string

const (
	PurposeEntry       ClientOrderIDPurpose = "entry"
	PurposeStopLoss    ClientOrderIDPurpose = "stop"
	PurposeTakeProfit  ClientOrderIDPurpose = "tp"
	PurposeFailsafe    ClientOrderIDPurpose = "failsafe"
)

// ClientOrderID is a parsed, bot-attributable client order id of the form
// "<prefix>-<purpose>-<seq>", e.g. "bot7-entry-00042".
type ClientOrderID struct {
	Prefix  string
	Purpose ClientOrderIDPurpose
	Seq     uint64
}

// OrderStatus is the exchange-reported lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether an order status will never change further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// OrderType distinguishes limit, market, and the two protective stop types.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStopMarket      OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OpenOrder is a live order as reported by the exchange.
type OpenOrder struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Side         Side
	Type         OrderType
	Price        decimal.Decimal
	StopPrice    decimal.Decimal
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	ReduceOnly   bool
	Status       OrderStatus
	CreatedAt    time.Time
}

// IsStopLossShaped reports whether o looks like a protective stop order:
// reduce-only, still live, and carrying a stop trigger or a STOP_MARKET type.
func (o OpenOrder) IsStopLossShaped() bool {
	if !o.ReduceOnly || o.Status.Terminal() {
		return false
	}
	return o.Type == OrderTypeStopMarket || !o.StopPrice.IsZero()
}

// IsTakeProfitShaped reports whether o looks like a protective take-profit
// order: reduce-only, still live, and either TAKE_PROFIT_MARKET or LIMIT.
// The LIMIT price is not compared with the market.
func (o OpenOrder) IsTakeProfitShaped() bool {
	if !o.ReduceOnly || o.Status.Terminal() {
		return false
	}
	return o.Type == OrderTypeTakeProfitMarket || o.Type == OrderTypeLimit
}

// OpenPosition is a live position as reported by the exchange.
type OpenPosition struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
	OpenedAt      time.Time
}

// ProtectionKind distinguishes the two protective order roles.
type ProtectionKind string

const (
	ProtectionStopLoss   ProtectionKind = "STOP_LOSS"
	ProtectionTakeProfit ProtectionKind = "TAKE_PROFIT"
)

// ProtectionOrder is a stop-loss or take-profit order PositionProtector
// tracks as belonging to a given symbol/bot.
type ProtectionOrder struct {
	OrderID   string
	ClientID  string
	Symbol    string
	Kind      ProtectionKind
	Side      Side
	Quantity  decimal.Decimal
	StopPrice decimal.Decimal
	CreatedAt time.Time
}

// OrderIntent is the only thing a Strategy is allowed to produce: a
// proposed entry, carrying enough information for OrderOps to execute the
// hybrid limit-to-market state machine.
type OrderIntent struct {
	Symbol          string
	Side            Side
	Quantity        decimal.Decimal
	LimitPrice      decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	Reason          string
	Score           float64 // used to rank intents when maxOpenPositions gates entries
}

// Fill is a single realized trade, used by the ownership gate to decide
// whether a position was opened by this bot.
type Fill struct {
	TradeID   string
	OrderID   string
	ClientID  string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Fee       decimal.Decimal
	Time      time.Time
}
