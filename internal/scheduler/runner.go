// Package scheduler implements BotRunner, the per-bot tick loop, and
// BotSupervisor, the process-wide registry that starts, stops, restarts and
// maintenance-gates every running BotRunner.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perpfleet/engine/internal/accounts"
	"github.com/perpfleet/engine/internal/cache"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/orderid"
	"github.com/perpfleet/engine/internal/orders"
	"github.com/perpfleet/engine/internal/retry"
	"github.com/perpfleet/engine/internal/storage"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/sirupsen/logrus"
)

// MaintenanceChecker is the subset of BotSupervisor a BotRunner depends on,
// kept narrow so tests can fake it without constructing a real supervisor.
type MaintenanceChecker interface {
	InMaintenance() bool
}

// Deps bundles the shared, process-wide collaborators every BotRunner
// needs. AccountFor resolves the per-apiKey exchange client,
// protector and reaper a given bot should use — spec.md §2's account
// model, not a single process-wide exchange connection — while AccountGet,
// Store and the retry tuning remain genuinely process-wide singletons.
type Deps struct {
	AccountFor  accounts.Resolver
	AccountGet  *cache.AccountCache
	Store       storage.Store
	Maintenance MaintenanceChecker
	Retry       retry.Config // process-wide retry tuning, applied to every BotRunner's Ops
	Log         *logrus.Entry
}

// BotRunner drives a single bot's tick loop: schedule -> snapshot -> build
// datasets -> run strategy -> sequential entries -> protect -> reap.
type BotRunner struct {
	cfg     models.BotConfig
	deps    Deps
	account accounts.Set
	ops     *orders.Ops
	strat   strategy.Strategy
	alloc   *orderid.Allocator

	state *models.StateMachine

	stop    chan struct{}
	done    chan struct{}
	ticking sync.Mutex

	log *logrus.Entry
}

// NewBotRunner builds a runner for cfg. strat must already be constructed
// (via strategy.New(cfg.StrategyName, ...)) since strategy-specific config
// parsing lives outside the scheduler.
func NewBotRunner(cfg models.BotConfig, deps Deps, strat strategy.Strategy) (*BotRunner, error) {
	account := deps.AccountFor(cfg)

	alloc, err := orderid.NewAllocator(cfg.BotID, cfg.BotClientOrderIDPrefix, deps.Store)
	if err != nil {
		return nil, fmt.Errorf("build order id allocator for bot %s: %w", cfg.BotID, err)
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"bot_id": cfg.BotID, "component": "bot_runner"})
	alloc = alloc.WithLogger(log)

	opsCfg := orders.DefaultConfig()
	opsCfg.EnableMarketFallback = cfg.EnableMarketFallback
	opsCfg.Retry = deps.Retry
	if cfg.OrderExecutionTimeoutS > 0 {
		opsCfg.OrderExecutionTimeout = time.Duration(cfg.OrderExecutionTimeoutS) * time.Second
	}

	return &BotRunner{
		cfg:     cfg,
		deps:    deps,
		account: account,
		ops:     orders.NewOps(account.Client, opsCfg, log),
		strat:   strat,
		alloc:   alloc,
		state:   models.NewStateMachine(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}, nil
}

// Run executes the runner's scheduling loop until ctx is cancelled or Stop
// is called. It runs one tick immediately on start, then reschedules after
// each tick completes — a slow tick never triggers a catch-up storm, since
// the next wait is always computed from "now" at the point the tick ends.
func (r *BotRunner) Run(ctx context.Context) {
	defer close(r.done)

	if err := r.state.Transition(models.StateRunning, "start_requested"); err != nil {
		r.log.WithError(err).Error("cannot start: invalid lifecycle transition")
		return
	}

	r.tick(ctx)
	for {
		wait := r.nextInterval()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stop:
			timer.Stop()
			return
		case <-timer.C:
			r.tick(ctx)
		}
	}
}

// Stop signals the run loop to exit after its current tick finishes, and
// blocks until it has. The transition goes through StateStopping while the
// in-flight tick drains, matching spec.md's "restart is graceful: current
// tick finishes, then the runner is torn down" requirement.
func (r *BotRunner) Stop() {
	if r.state.CurrentState() == models.StateRunning {
		if err := r.state.Transition(models.StateStopping, "stop_requested"); err != nil {
			r.log.WithError(err).Warn("unexpected state on stop")
		}
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
	if r.state.CurrentState() == models.StateStopping {
		if err := r.state.Transition(models.StateStopped, "drain_complete"); err != nil {
			r.log.WithError(err).Warn("failed to record stopped state")
		}
	}
}

// nextInterval computes how long to wait before the next tick, per the
// bot's ExecutionMode.
func (r *BotRunner) nextInterval() time.Duration {
	if r.cfg.ExecutionMode == models.ExecutionOnCandleClose {
		period := timeframeDuration(r.cfg.Timeframe)
		if period <= 0 {
			period = time.Minute
		}
		now := time.Now()
		next := now.Truncate(period).Add(period)
		settle := 2 * time.Second
		return next.Add(settle).Sub(now)
	}
	return 60 * time.Second
}

// tick runs exactly one pass of the 10-step procedure described in
// spec.md's BotRunner contract. nextValidationAt is computed and persisted
// before analysis begins, so the dashboard's countdown reflects the
// upcoming tick even while this one is still running.
func (r *BotRunner) tick(ctx context.Context) {
	r.ticking.Lock()
	defer r.ticking.Unlock()

	next := time.Now().Add(r.nextInterval())
	if err := r.deps.Store.UpdateNextValidationAt(r.cfg.BotID, next); err != nil {
		r.log.WithError(err).Warn("failed to persist next validation time")
	}

	// Step 1: maintenance / lifecycle short-circuit.
	if r.deps.Maintenance != nil && r.deps.Maintenance.InMaintenance() {
		r.log.Debug("maintenance mode active, skipping tick")
		return
	}
	if r.state.CurrentState() != models.StateRunning {
		return
	}

	if err := r.runTick(ctx); err != nil {
		if models.KindOf(err) == models.KindAuth {
			r.log.WithError(err).Error("authentication failure, halting bot immediately")
			if stErr := r.state.RecordAuthFailure(); stErr != nil {
				r.log.WithError(stErr).Warn("failed to record auth-fatal transition")
			}
			return
		}
		r.log.WithError(err).Warn("tick failed")
		if halted, _ := r.state.RecordTickError(); halted {
			r.log.Error("consecutive tick error budget exhausted, halting bot")
		}
		return
	}
	r.state.RecordTickSuccess()
}

func (r *BotRunner) runTick(ctx context.Context) error {
	// Step 2: account snapshot (cached), keyed by (strategy, apiKey) per
	// spec.md §2/§4.1.
	snapshot, err := r.deps.AccountGet.Get(ctx, cache.Request{
		BotKey:   accounts.BotKey(r.cfg.StrategyName, r.account.APIKey),
		Client:   r.account.Client,
		Leverage: r.cfg.Leverage,
	})
	if err != nil {
		return fmt.Errorf("get account snapshot: %w", err)
	}
	capitalAvailable, _ := snapshot.CapitalAvailable.Float64()

	// Step 3: fresh positions/orders (never cached — stale data here risks
	// double-entering or mis-protecting a position).
	positions, err := r.account.Client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("get open positions: %w", err)
	}
	openOrders, err := r.account.Client.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("get open orders: %w", err)
	}

	// Step 4: blocked symbols.
	blocked := make(map[string]bool)
	for _, p := range positions {
		if !p.Quantity.IsZero() {
			blocked[p.Symbol] = true
		}
	}
	for _, o := range openOrders {
		if o.Type == models.OrderTypeLimit || o.Type == models.OrderTypeMarket {
			blocked[o.Symbol] = true
		}
	}

	markets, err := r.account.Client.GetMarkets(ctx)
	if err != nil {
		return fmt.Errorf("get markets: %w", err)
	}
	marketBySymbol := make(map[string]models.Market, len(markets))
	for _, m := range markets {
		marketBySymbol[m.Symbol] = m
	}

	// Step 6: datasets for authorized ∩ ¬blocked, capped at maxTokensPerBot.
	maxTokens := r.cfg.MaxTokensPerBot
	if maxTokens <= 0 {
		maxTokens = 12
	}
	var candidates []string
	for _, sym := range r.cfg.Symbols {
		if blocked[sym] {
			continue
		}
		candidates = append(candidates, sym)
		if len(candidates) >= maxTokens {
			break
		}
	}

	var intents []models.OrderIntent
	datasetFor := make(map[string]strategy.Dataset, len(candidates))
	for _, sym := range candidates {
		candles, err := r.account.Client.GetKLines(ctx, sym, r.cfg.Timeframe, 100)
		if err != nil {
			r.log.WithError(err).WithField("symbol", sym).Warn("failed to fetch candles, skipping symbol this tick")
			continue
		}
		prices, err := r.account.Client.GetAllMarkPrices(ctx)
		if err != nil {
			r.log.WithError(err).Warn("failed to fetch mark prices, skipping remaining symbols")
			break
		}
		ds := strategy.Dataset{Symbol: sym, Candles: candles, MarkPrice: prices[sym], CapitalAvailable: capitalAvailable}
		datasetFor[sym] = ds

		produced, err := r.strat.Analyze(ctx, ds, r.cfg)
		if err != nil {
			r.log.WithError(err).WithField("symbol", sym).Warn("strategy analysis failed")
			continue
		}
		intents = append(intents, produced...)
	}

	// Step 7: sort by expected PnL (Score) descending.
	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Score > intents[j].Score })

	// Step 8: sequential entries.
	openOrderCount := len(openOrders)
	openPositionCount := 0
	for _, p := range positions {
		if !p.Quantity.IsZero() {
			openPositionCount++
		}
	}
	for _, intent := range intents {
		if r.state.CurrentState() != models.StateRunning {
			break
		}
		if r.cfg.MaxOpenOrders > 0 && openOrderCount >= r.cfg.MaxOpenOrders {
			r.log.Debug("max open orders reached, stopping entry submission this tick")
			break
		}
		if r.cfg.MaxOpenPositions > 0 && openPositionCount >= r.cfg.MaxOpenPositions {
			r.log.Debug("max open positions reached, stopping entry submission this tick")
			break
		}
		market, ok := marketBySymbol[intent.Symbol]
		if !ok {
			continue
		}
		ds := datasetFor[intent.Symbol]
		res, err := r.ops.OpenEntry(ctx, intent, r.cfg, market, r.alloc, r.strat, ds, r.ensureProtectionFor)
		if err != nil {
			r.log.WithError(err).WithField("symbol", intent.Symbol).Warn("entry failed")
			continue
		}
		if res.Success {
			openOrderCount++
		}
	}

	// Step 9: ensure protection for every owned position (covers manual
	// gaps and recreates protection the exchange dropped).
	for _, pos := range positions {
		if pos.Quantity.IsZero() {
			continue
		}
		if err := r.account.Protector.EnsureProtection(ctx, pos, r.cfg, r.alloc); err != nil {
			r.log.WithError(err).WithField("symbol", pos.Symbol).Warn("ensure protection failed")
		}
	}

	// Step 10: orphan reap.
	if r.cfg.EnableOrphanOrderMonitor && r.account.Reaper != nil {
		if err := r.account.Reaper.Reap(ctx, r.cfg.Symbols); err != nil {
			r.log.WithError(err).Warn("orphan reap encountered errors")
		}
	}

	return nil
}

// ensureProtectionFor is OrderOps' POST_FILL callback: it re-fetches the
// fresh position for symbol and hands it to PositionProtector.
func (r *BotRunner) ensureProtectionFor(ctx context.Context, symbol string) error {
	positions, err := r.account.Client.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Symbol == symbol && !p.Quantity.IsZero() {
			return r.account.Protector.EnsureProtection(ctx, p, r.cfg, r.alloc)
		}
	}
	return nil
}

// timeframeDuration parses a bot's candle timeframe ("1m", "15m", "1h",
// "4h", "1d") into a time.Duration. Unrecognized input returns 0 so callers
// can fall back to a safe default.
func timeframeDuration(tf string) time.Duration {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if tf == "" {
		return 0
	}
	unit := tf[len(tf)-1]
	numPart := tf[:len(tf)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return 0
	}
}
