package strategy

import (
	"context"
	"fmt"

	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/util"
	"github.com/shopspring/decimal"
)

func init() {
	Register("atr_breakout", newATRBreakout)
}

// atrBreakout is a reference strategy shipped so the engine is runnable
// end to end: it goes long when the mark price breaks above the N-period SMA
// by more than a configurable multiple of ATR, and short on the symmetric
// breakdown. It is not part of the engine's own testable surface — the
// core only ever calls it through the Strategy interface.
type atrBreakout struct {
	smaPeriod       int
	atrPeriod       int
	breakoutAtrMult float64
}

func newATRBreakout(cfg Config) (Strategy, error) {
	s := &atrBreakout{smaPeriod: 20, atrPeriod: 14, breakoutAtrMult: 1.5}
	if v, ok := cfg["smaPeriod"].(int); ok && v > 0 {
		s.smaPeriod = v
	}
	if v, ok := cfg["atrPeriod"].(int); ok && v > 0 {
		s.atrPeriod = v
	}
	if v, ok := cfg["breakoutAtrMultiple"].(float64); ok && v > 0 {
		s.breakoutAtrMult = v
	}
	return s, nil
}

func (s *atrBreakout) Analyze(ctx context.Context, ds Dataset, botCfg models.BotConfig) ([]models.OrderIntent, error) {
	sma := util.SMA(ds.Candles, s.smaPeriod)
	atr := util.ATR(ds.Candles, s.atrPeriod)
	if sma == 0 || atr == 0 {
		return nil, nil
	}

	deviation := ds.MarkPrice - sma
	threshold := atr * s.breakoutAtrMult

	var side models.Side
	switch {
	case deviation > threshold:
		side = models.SideLong
	case deviation < -threshold:
		side = models.SideShort
	default:
		return nil, nil
	}

	if ds.CapitalAvailable <= 0 || ds.MarkPrice <= 0 {
		return nil, nil
	}
	notional := ds.CapitalAvailable * botCfg.CapitalPercentage
	qty := decimal.NewFromFloat(notional / ds.MarkPrice)
	limitPrice := decimal.NewFromFloat(ds.MarkPrice)

	stopDistance := atr * botCfg.StopAtrMultiplier
	tpDistance := atr * botCfg.TakeProfitAtrMultiplier
	var stop, tp decimal.Decimal
	if side == models.SideLong {
		stop = decimal.NewFromFloat(ds.MarkPrice - stopDistance)
		tp = decimal.NewFromFloat(ds.MarkPrice + tpDistance)
	} else {
		stop = decimal.NewFromFloat(ds.MarkPrice + stopDistance)
		tp = decimal.NewFromFloat(ds.MarkPrice - tpDistance)
	}

	intent := models.OrderIntent{
		Symbol:          ds.Symbol,
		Side:            side,
		Quantity:        qty,
		LimitPrice:      limitPrice,
		StopLossPrice:   stop,
		TakeProfitPrice: tp,
		Reason:          fmt.Sprintf("breakout: deviation %.4f vs threshold %.4f", deviation, threshold),
		Score:           abs(deviation) / atr,
	}
	return []models.OrderIntent{intent}, nil
}

func (s *atrBreakout) Revalidate(ctx context.Context, intent models.OrderIntent, currentMark float64, botCfg models.BotConfig) (bool, error) {
	limit, _ := intent.LimitPrice.Float64()
	if limit == 0 {
		return true, nil
	}
	slippage := abs(currentMark-limit) / limit * 100
	return slippage <= botCfg.MaxSlippagePct, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
