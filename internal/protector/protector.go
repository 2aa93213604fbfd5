// Package protector implements PositionProtector and OrphanReaper: the two
// components responsible for making sure every open position carries the
// protective orders its bot's config demands, and that no protective order
// survives after its position is gone.
package protector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/metrics"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/orderid"
	"github.com/perpfleet/engine/internal/retry"
	"github.com/perpfleet/engine/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	existenceCacheTTL = 30 * time.Second
	minWidenPct       = 0.001 // 0.1%, both the "too close to mark" guard and the widen target
	dedupCoverageFrac = 0.95
	atrPeriod         = 14
	candleLimit       = 60
)

// Config tunes PositionProtector's ATR lookback and retry behavior.
type Config struct {
	Timeframe string
	Retry     retry.Config
}

type cacheKey struct {
	symbol string
	kind   models.ProtectionKind
}

type cacheEntry struct {
	exists    bool
	expiresAt time.Time
}

// Protector maintains exactly one stop-loss (always) and one take-profit
// (unless the bot trails) per open position, per spec.md's PositionProtector
// contract.
type Protector struct {
	exchange exchange.Client
	retry    *retry.Client
	cfg      Config
	log      *logrus.Entry

	lockMu                sync.Mutex
	stopLossInProgress    map[string]bool
	takeProfitInProgress  map[string]bool

	cacheMu sync.Mutex
	cache   map[cacheKey]cacheEntry
}

func New(ex exchange.Client, cfg Config, log *logrus.Entry) *Protector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	return &Protector{
		exchange:             ex,
		retry:                retry.NewClient(ex, log, cfg.Retry),
		cfg:                  cfg,
		log:                  log.WithField("component", "position_protector"),
		stopLossInProgress:   make(map[string]bool),
		takeProfitInProgress: make(map[string]bool),
		cache:                make(map[cacheKey]cacheEntry),
	}
}

// tryLock acquires the per-symbol lock for kind, returning false immediately
// on contention rather than blocking — spec.md requires "on contention
// return immediately" so a slow tick never piles up behind another.
func (p *Protector) tryLock(kind models.ProtectionKind, symbol string) bool {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	set := p.setFor(kind)
	if set[symbol] {
		return false
	}
	set[symbol] = true
	return true
}

func (p *Protector) unlock(kind models.ProtectionKind, symbol string) {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	delete(p.setFor(kind), symbol)
}

func (p *Protector) setFor(kind models.ProtectionKind) map[string]bool {
	if kind == models.ProtectionStopLoss {
		return p.stopLossInProgress
	}
	return p.takeProfitInProgress
}

func (p *Protector) cached(symbol string, kind models.ProtectionKind) (bool, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	e, ok := p.cache[cacheKey{symbol, kind}]
	if !ok || time.Now().After(e.expiresAt) {
		return false, false
	}
	return e.exists, true
}

func (p *Protector) setCached(symbol string, kind models.ProtectionKind, exists bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache[cacheKey{symbol, kind}] = cacheEntry{exists: exists, expiresAt: time.Now().Add(existenceCacheTTL)}
}

func (p *Protector) invalidate(symbol string, kind models.ProtectionKind) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	delete(p.cache, cacheKey{symbol, kind})
}

// EnsureProtection is idempotent: it is safe to call on every tick for
// every owned position, and it only ever places an order when one is
// genuinely missing.
func (p *Protector) EnsureProtection(ctx context.Context, position models.OpenPosition, botCfg models.BotConfig, alloc *orderid.Allocator) error {
	owned, err := p.ownsPosition(ctx, position.Symbol, botCfg.BotClientOrderIDPrefix)
	if err != nil {
		return fmt.Errorf("check position ownership: %w", err)
	}
	if !owned {
		p.log.WithField("symbol", position.Symbol).Debug("position not opened by this bot, skipping protection")
		return nil
	}

	var errs []error
	if err := p.ensureStopLoss(ctx, position, botCfg, alloc); err != nil {
		errs = append(errs, err)
	}
	if !botCfg.EnableTrailingStop {
		if err := p.ensureTakeProfit(ctx, position, botCfg, alloc); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ensure protection: %v", errs)
	}
	return nil
}

// ownsPosition checks whether any historical fill on symbol carries this
// bot's client-order-id prefix. Manually-opened positions are observed but
// never modified.
func (p *Protector) ownsPosition(ctx context.Context, symbol, prefix string) (bool, error) {
	if prefix == "" {
		return false, nil
	}
	fills, err := p.exchange.GetFillHistory(ctx, symbol, 50)
	if err != nil {
		return false, err
	}
	for _, f := range fills {
		id, ok := orderid.Parse(f.ClientID)
		if ok && id.Prefix == prefix {
			return true, nil
		}
	}
	return false, nil
}

func (p *Protector) ensureStopLoss(ctx context.Context, pos models.OpenPosition, botCfg models.BotConfig, alloc *orderid.Allocator) error {
	if !p.tryLock(models.ProtectionStopLoss, pos.Symbol) {
		return nil
	}
	defer p.unlock(models.ProtectionStopLoss, pos.Symbol)

	if exists, ok := p.cached(pos.Symbol, models.ProtectionStopLoss); ok && exists {
		return nil
	}

	orders, err := p.exchange.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if hasProtection(orders, models.ProtectionStopLoss) {
		p.setCached(pos.Symbol, models.ProtectionStopLoss, true)
		return nil
	}

	stopPrice, err := p.computeStopLossPrice(ctx, pos, botCfg)
	if err != nil {
		return err
	}

	clientID, err := alloc.Next(models.PurposeStopLoss)
	if err != nil {
		return fmt.Errorf("allocate stop loss client id: %w", err)
	}
	closeSide := closingSide(pos.Side)
	_, err = p.retry.PlaceOrderWithRetry(ctx, exchange.PlaceOrderRequest{
		Symbol:     pos.Symbol,
		ClientID:   clientID,
		Side:       closeSide,
		Type:       models.OrderTypeStopMarket,
		Quantity:   pos.Quantity.Abs().String(),
		StopPrice:  stopPrice.String(),
		ReduceOnly: true,
	})
	if err != nil {
		p.log.WithError(err).WithField("symbol", pos.Symbol).Warn("failed to place stop loss, will retry next tick")
		return err
	}
	p.setCached(pos.Symbol, models.ProtectionStopLoss, true)
	metrics.ProtectionOrdersCreatedTotal.WithLabelValues(string(models.ProtectionStopLoss)).Inc()
	return nil
}

// computeStopLossPrice applies spec.md's failsafe/tactical stop rules: the
// failsafe stop is always computed; a tactical ATR stop is added only under
// enableHybridStopStrategy, and the tighter (more protective) of the two
// wins. The result is then widened if it sits within 0.1% of the current
// mark, and rounded to the market's tick size (to 8 decimal places when
// the symbol's market cannot be fetched).
func (p *Protector) computeStopLossPrice(ctx context.Context, pos models.OpenPosition, botCfg models.BotConfig) (decimal.Decimal, error) {
	entry, _ := pos.EntryPrice.Float64()
	mark, _ := pos.MarkPrice.Float64()
	leverage := botCfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	slPct := absF(botCfg.MaxNegativePnlStopPct)

	var failsafe float64
	if pos.Side == models.SideLong {
		failsafe = entry * (1 - slPct/float64(leverage)/100)
	} else {
		failsafe = entry * (1 + slPct/float64(leverage)/100)
	}

	stop := failsafe
	if botCfg.EnableHybridStopStrategy {
		candles, err := p.exchange.GetKLines(ctx, pos.Symbol, p.cfg.Timeframe, candleLimit)
		if err == nil && len(candles) > 0 {
			atr := util.ATR(candles, atrPeriod)
			if atr > 0 {
				var tactical float64
				if pos.Side == models.SideLong {
					tactical = mark - atr*botCfg.StopAtrMultiplier
					if tactical > stop { // tighter = closer to price = higher for a long's stop
						stop = tactical
					}
				} else {
					tactical = mark + atr*botCfg.StopAtrMultiplier
					if tactical < stop { // tighter = lower for a short's stop
						stop = tactical
					}
				}
			}
		}
	}

	stop = widenIfTooClose(stop, mark, pos.Side)
	price := decimal.NewFromFloat(stop).Round(8)
	if markets, err := p.exchange.GetMarkets(ctx); err == nil {
		for _, m := range markets {
			if m.Symbol == pos.Symbol && !m.TickSize.IsZero() {
				return m.RoundPrice(price, 0), nil
			}
		}
	}
	return price, nil
}

func widenIfTooClose(stop, mark float64, side models.Side) float64 {
	if mark == 0 {
		return stop
	}
	minDistance := mark * minWidenPct
	if side == models.SideLong {
		if mark-stop < minDistance {
			return mark - minDistance
		}
	} else {
		if stop-mark < minDistance {
			return mark + minDistance
		}
	}
	return stop
}

func (p *Protector) ensureTakeProfit(ctx context.Context, pos models.OpenPosition, botCfg models.BotConfig, alloc *orderid.Allocator) error {
	if !p.tryLock(models.ProtectionTakeProfit, pos.Symbol) {
		return nil
	}
	defer p.unlock(models.ProtectionTakeProfit, pos.Symbol)

	if exists, ok := p.cached(pos.Symbol, models.ProtectionTakeProfit); ok && exists {
		return nil
	}

	orders, err := p.exchange.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	qty, price, err := p.computeTakeProfit(ctx, pos, botCfg)
	if err != nil {
		return err
	}
	if dedupCovers(orders, qty) {
		p.setCached(pos.Symbol, models.ProtectionTakeProfit, true)
		return nil
	}

	clientID, err := alloc.Next(models.PurposeTakeProfit)
	if err != nil {
		return fmt.Errorf("allocate take profit client id: %w", err)
	}
	_, err = p.retry.PlaceOrderWithRetry(ctx, exchange.PlaceOrderRequest{
		Symbol:     pos.Symbol,
		ClientID:   clientID,
		Side:       closingSide(pos.Side),
		Type:       models.OrderTypeTakeProfitMarket,
		Quantity:   qty.String(),
		StopPrice:  price.String(),
		ReduceOnly: true,
	})
	if err != nil {
		p.log.WithError(err).WithField("symbol", pos.Symbol).Warn("failed to place take profit, will retry next tick")
		return err
	}
	p.setCached(pos.Symbol, models.ProtectionTakeProfit, true)
	metrics.ProtectionOrdersCreatedTotal.WithLabelValues(string(models.ProtectionTakeProfit)).Inc()
	return nil
}

// computeTakeProfit returns the quantity and trigger price for a new
// take-profit order: a partial TP sized off ATR under the hybrid stop
// strategy, or a full-size TP at a fixed profit percentage otherwise.
func (p *Protector) computeTakeProfit(ctx context.Context, pos models.OpenPosition, botCfg models.BotConfig) (decimal.Decimal, decimal.Decimal, error) {
	entry, _ := pos.EntryPrice.Float64()
	leverage := botCfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	if botCfg.EnableHybridStopStrategy {
		candles, err := p.exchange.GetKLines(ctx, pos.Symbol, p.cfg.Timeframe, candleLimit)
		if err == nil && len(candles) > 0 {
			atr := util.ATR(candles, atrPeriod)
			if atr > 0 {
				qty := pos.Quantity.Abs().Mul(decimal.NewFromFloat(botCfg.PartialTakeProfitPct / 100))
				var price float64
				if pos.Side == models.SideLong {
					price = entry + atr*botCfg.TakeProfitAtrMultiplier
				} else {
					price = entry - atr*botCfg.TakeProfitAtrMultiplier
				}
				return qty, decimal.NewFromFloat(price).Round(8), nil
			}
		}
	}

	var price float64
	if pos.Side == models.SideLong {
		price = entry * (1 + (botCfg.MinProfitPercentage/float64(leverage))/100)
	} else {
		price = entry * (1 - (botCfg.MinProfitPercentage/float64(leverage))/100)
	}
	return pos.Quantity.Abs(), decimal.NewFromFloat(price).Round(8), nil
}

// CancelProtection cancels any live protective orders on symbol, used when
// a position is force-closed outside the normal exit path.
func (p *Protector) CancelProtection(ctx context.Context, symbol string) error {
	orders, err := p.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	var lastErr error
	for _, o := range orders {
		if o.IsStopLossShaped() || o.IsTakeProfitShaped() {
			if err := p.retry.CancelOrderWithRetry(ctx, symbol, o.OrderID); err != nil {
				lastErr = err
			}
		}
	}
	p.invalidate(symbol, models.ProtectionStopLoss)
	p.invalidate(symbol, models.ProtectionTakeProfit)
	return lastErr
}

func hasProtection(orders []models.OpenOrder, kind models.ProtectionKind) bool {
	for _, o := range orders {
		if kind == models.ProtectionStopLoss && o.IsStopLossShaped() {
			return true
		}
		if kind == models.ProtectionTakeProfit && o.IsTakeProfitShaped() {
			return true
		}
	}
	return false
}

// dedupCovers reports whether an existing reduce-only order already covers
// at least 95% of intendedQty, per spec.md's take-profit dedup rule.
func dedupCovers(orders []models.OpenOrder, intendedQty decimal.Decimal) bool {
	threshold := intendedQty.Mul(decimal.NewFromFloat(dedupCoverageFrac))
	for _, o := range orders {
		if o.IsTakeProfitShaped() && o.Quantity.GreaterThanOrEqual(threshold) {
			return true
		}
	}
	return false
}

func closingSide(positionSide models.Side) models.Side {
	if positionSide == models.SideLong {
		return models.SideShort
	}
	return models.SideLong
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
