package protector

import (
	"context"
	"fmt"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/metrics"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/retry"
	"github.com/sirupsen/logrus"
)

// OrphanReaper cancels protective orders left behind after their position
// closed through some path other than the normal fill-then-cancel flow (a
// manual close on the exchange, a liquidation, a race between two ticks).
// It is deliberately conservative: it only acts on a symbol once it has
// observed zero open quantity there.
type OrphanReaper struct {
	exchange exchange.Client
	retry    *retry.Client
	log      *logrus.Entry
}

func NewOrphanReaper(ex exchange.Client, cfg Config, log *logrus.Entry) *OrphanReaper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OrphanReaper{exchange: ex, retry: retry.NewClient(ex, log, cfg.Retry), log: log.WithField("component", "orphan_reaper")}
}

// Reap checks every symbol in authorizedSymbols and cancels any reduce-only
// stop/take-profit-shaped order whose symbol has no open position with
// nonzero quantity.
func (r *OrphanReaper) Reap(ctx context.Context, authorizedSymbols []string) error {
	positions, err := r.exchange.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	openQty := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !p.Quantity.IsZero() {
			openQty[p.Symbol] = true
		}
	}

	var errs []error
	for _, symbol := range authorizedSymbols {
		if openQty[symbol] {
			continue
		}
		orders, err := r.exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, o := range orders {
			if !o.IsStopLossShaped() && !o.IsTakeProfitShaped() {
				continue
			}
			r.log.WithFields(logrus.Fields{"symbol": symbol, "order_id": o.OrderID}).
				Info("cancelling orphaned protective order")
			if err := r.retry.CancelOrderWithRetry(ctx, symbol, o.OrderID); err != nil {
				errs = append(errs, err)
				continue
			}
			metrics.OrphansCancelledTotal.Inc()
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("orphan reap encountered %d error(s): %v", len(errs), errs)
	}
	return nil
}
