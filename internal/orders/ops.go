// Package orders implements OrderOps: the hybrid LIMIT-then-MARKET entry
// state machine every BotRunner drives one intent at a time.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/metrics"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/orderid"
	"github.com/perpfleet/engine/internal/retry"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EntryState names a node of the hybrid entry state machine, used for
// logging, metrics labels and tests — callers interact with Ops.OpenEntry's return value,
// never with the state machine directly.
type EntryState string

const (
	StateInit                 EntryState = "INIT"
	StatePlaceLimit            EntryState = "PLACE_LIMIT"
	StateMonitor               EntryState = "MONITOR"
	StateCancelAndRevalidate   EntryState = "CANCEL_AND_REVALIDATE"
	StateMarketFallback        EntryState = "MARKET_FALLBACK"
	StatePostFill              EntryState = "POST_FILL"
	StateDoneLimit             EntryState = "DONE_LIMIT"
	StateDoneMarket            EntryState = "DONE_MARKET"
	StateAborted               EntryState = "ABORT"
	StateError                 EntryState = "ERROR"
)

// AbortReason enumerates why an entry was aborted rather than executed.
type AbortReason string

const (
	AbortSignal          AbortReason = "signal"
	AbortSlippage        AbortReason = "slippage"
	AbortFallbackDisabled AbortReason = "fallback_disabled"
)

// Result is OrderOps.OpenEntry's outcome.
type Result struct {
	Success     bool
	Type        models.OrderType
	ExecPrice   decimal.Decimal
	SlippagePct float64
	Aborted     bool
	Reason      AbortReason
	FinalState  EntryState
}

// EnsureProtectionFunc is the callback OrderOps invokes from POST_FILL,
// breaking the cyclic dependency between OrderOps and PositionProtector
// (the protector calls OrderOps to place orders; OrderOps, once an entry
// fills, calls back into the protector) per spec.md §9's recommended fix.
type EnsureProtectionFunc func(ctx context.Context, symbol string) error

// Config tunes OrderOps' MONITOR phase and MARKET fallback behavior. The
// defaults match spec.md §4.3.
type Config struct {
	OrderExecutionTimeout time.Duration // default 12s
	PollInterval          time.Duration // default 1s
	PostFillSettleDelay   time.Duration // default 2s
	EnableMarketFallback  bool
	Retry                 retry.Config
}

func DefaultConfig() Config {
	return Config{
		OrderExecutionTimeout: 12 * time.Second,
		PollInterval:          time.Second,
		PostFillSettleDelay:   2 * time.Second,
		EnableMarketFallback:  true,
	}
}

// Ops drives the hybrid entry state machine for one bot.
type Ops struct {
	exchange exchange.Client
	retry    *retry.Client
	cfg      Config
	log      *logrus.Entry
}

// NewOps builds an Ops instance over ex (normally a CircuitBreakerClient),
// wrapping placement/cancellation in a retry.Client for transient faults.
func NewOps(ex exchange.Client, cfg Config, log *logrus.Entry) *Ops {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ops{
		exchange: ex,
		retry:    retry.NewClient(ex, log, cfg.Retry),
		cfg:      cfg,
		log:      log.WithField("component", "order_ops"),
	}
}

// OpenEntry runs intent through the full INIT -> ... -> POST_FILL pipeline.
// alloc issues the client order ids; market carries the symbol's tick/step
// sizes; strat and ds are used to revalidate the signal after a LIMIT
// timeout; ensureProtection is invoked once an entry fills.
func (o *Ops) OpenEntry(
	ctx context.Context,
	intent models.OrderIntent,
	botCfg models.BotConfig,
	market models.Market,
	alloc *orderid.Allocator,
	strat strategy.Strategy,
	ds strategy.Dataset,
	ensureProtection EnsureProtectionFunc,
) (Result, error) {
	log := o.log.WithFields(logrus.Fields{"symbol": intent.Symbol, "side": intent.Side})

	// INIT: round price/quantity to the market's precision.
	recordTransition(StateInit)
	limitPrice := market.RoundPrice(intent.LimitPrice, 0)
	qty := market.RoundQuantity(intent.Quantity)
	if qty.IsZero() {
		recordTransition(StateAborted)
		return Result{Aborted: true, Reason: AbortSignal, FinalState: StateAborted}, nil
	}

	clientID, err := alloc.Next(models.PurposeEntry)
	if err != nil {
		return Result{}, fmt.Errorf("allocate entry client id: %w", err)
	}

	// PLACE_LIMIT: post-only, with the stop-loss trigger attached so a fill
	// is protected from the instant it lands (spec.md §4.3).
	recordTransition(StatePlaceLimit)
	log.WithField("state", StatePlaceLimit).Debug("placing entry limit order")
	req := exchange.PlaceOrderRequest{
		Symbol:      intent.Symbol,
		ClientID:    clientID,
		Side:        intent.Side,
		Type:        models.OrderTypeLimit,
		Quantity:    qty.String(),
		Price:       limitPrice.String(),
		PostOnly:    true,
		TimeInForce: "GTC",
	}
	if !intent.StopLossPrice.IsZero() {
		req.StopLossTriggerPrice = market.RoundPrice(intent.StopLossPrice, 0).String()
	}
	order, err := o.exchange.PlaceOrder(ctx, req)
	if err != nil {
		if models.KindOf(err) == models.KindWouldMatch {
			return o.marketFallback(ctx, intent, botCfg, market, alloc, ensureProtection, log)
		}
		return Result{FinalState: StateError}, fmt.Errorf("place limit order: %w", err)
	}

	// MONITOR
	recordTransition(StateMonitor)
	filled, monitorErr := o.monitor(ctx, intent.Symbol, order.OrderID, o.cfg.OrderExecutionTimeout)
	if monitorErr != nil {
		return Result{FinalState: StateError}, fmt.Errorf("monitor limit order: %w", monitorErr)
	}
	if filled {
		if err := o.settleAndProtect(ctx, intent.Symbol, ensureProtection); err != nil {
			log.WithError(err).Warn("post-fill protection failed, next tick will retry")
		}
		recordTransition(StateDoneLimit)
		return Result{Success: true, Type: models.OrderTypeLimit, ExecPrice: limitPrice, FinalState: StateDoneLimit}, nil
	}

	// CANCEL_AND_REVALIDATE
	recordTransition(StateCancelAndRevalidate)
	log.WithField("state", StateCancelAndRevalidate).Debug("limit order timed out, cancelling")
	if err := o.retry.CancelOrderWithRetry(ctx, intent.Symbol, order.OrderID); err != nil {
		log.WithError(err).Warn("failed to cancel timed-out limit order")
	}

	currentMark := ds.MarkPrice
	stillValid, err := strat.Revalidate(ctx, intent, currentMark, botCfg)
	if err != nil {
		return Result{FinalState: StateError}, fmt.Errorf("revalidate strategy: %w", err)
	}

	intendedEntry, _ := intent.LimitPrice.Float64()
	slippagePct := 0.0
	if intendedEntry != 0 {
		slippagePct = absF(currentMark-intendedEntry) / intendedEntry * 100
	}
	if !stillValid {
		recordTransition(StateAborted)
		return Result{Aborted: true, Reason: AbortSlippage, SlippagePct: slippagePct, FinalState: StateAborted}, nil
	}

	return o.marketFallback(ctx, intent, botCfg, market, alloc, ensureProtection, log)
}

func (o *Ops) marketFallback(
	ctx context.Context,
	intent models.OrderIntent,
	botCfg models.BotConfig,
	market models.Market,
	alloc *orderid.Allocator,
	ensureProtection EnsureProtectionFunc,
	log *logrus.Entry,
) (Result, error) {
	if !o.cfg.EnableMarketFallback {
		recordTransition(StateAborted)
		return Result{Aborted: true, Reason: AbortFallbackDisabled, FinalState: StateAborted}, nil
	}

	clientID, err := alloc.Next(models.PurposeEntry)
	if err != nil {
		return Result{}, fmt.Errorf("allocate fallback client id: %w", err)
	}
	qty := market.RoundQuantity(intent.Quantity)

	recordTransition(StateMarketFallback)
	log.WithField("state", StateMarketFallback).Debug("submitting IOC market order")
	order, err := o.retry.PlaceOrderWithRetry(ctx, exchange.PlaceOrderRequest{
		Symbol:   intent.Symbol,
		ClientID: clientID,
		Side:     intent.Side,
		Type:        models.OrderTypeMarket,
		Quantity:    qty.String(),
		TimeInForce: "IOC",
	})
	if err != nil {
		return Result{FinalState: StateError}, fmt.Errorf("place market fallback order: %w", err)
	}

	if err := o.settleAndProtect(ctx, intent.Symbol, ensureProtection); err != nil {
		log.WithError(err).Warn("post-fill protection failed, next tick will retry")
	}

	execPrice := order.Price
	recordTransition(StateDoneMarket)
	return Result{Success: true, Type: models.OrderTypeMarket, ExecPrice: execPrice, FinalState: StateDoneMarket}, nil
}

// monitor polls open orders for orderID until it fills, the timeout
// elapses, or ctx is cancelled.
func (o *Ops) monitor(ctx context.Context, symbol, orderID string, timeout time.Duration) (filled bool, err error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		orders, err := o.exchange.GetOpenOrders(ctx, symbol)
		if err == nil {
			found := false
			for _, ord := range orders {
				if ord.OrderID == orderID {
					found = true
					if ord.Status == models.OrderStatusFilled {
						return true, nil
					}
				}
			}
			if !found {
				// no longer open: either filled-and-settled or cancelled elsewhere
				return true, nil
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Ops) settleAndProtect(ctx context.Context, symbol string, ensureProtection EnsureProtectionFunc) error {
	if ensureProtection == nil {
		return nil
	}
	select {
	case <-time.After(o.cfg.PostFillSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return ensureProtection(ctx, symbol)
}

// recordTransition increments the entry-state-transition counter for state,
// used at every state the machine enters so the dashboard's /metrics route
// reflects where entries spend their time.
func recordTransition(state EntryState) {
	metrics.EntryStateTransitionsTotal.WithLabelValues(string(state)).Inc()
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
