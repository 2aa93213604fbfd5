// Package cache provides AccountCache, the single-flight, rate-limited,
// TTL-cached view of account state every other component reads instead of
// hitting the exchange directly.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/metrics"
	"github.com/perpfleet/engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const defaultTTL = 55 * time.Second

// realCapitalFraction is spec.md §3's realCapital = netEquityAvailable * 0.95.
const realCapitalFraction = 0.95

// Request carries the per-call inputs a refresh needs: which account to
// refresh (botKey = "<strategyName>|<apiKey>", see accounts.BotKey), the
// client to refresh it through, and the bot's configured leverage (used to
// derive capitalAvailable). Two bots sharing an apiKey but running
// different strategies get independent cache entries, matching spec.md
// §2/§4.1's "one source of truth per (strategy, apiKey) key" contract.
type Request struct {
	BotKey   string
	Client   exchange.Client
	Leverage int
}

// AccountCache serves AccountSnapshots to every bot in the fleet from a
// single refresh path per botKey: concurrent callers within the TTL window
// get the cached snapshot, concurrent callers during a refresh of the same
// botKey are coalesced onto one in-flight request via singleflight, and
// every refresh (regardless of botKey) is spaced apart by one shared
// rate.Limiter so the fleet never exceeds the exchange's account-endpoint
// budget no matter how many distinct accounts are configured.
type AccountCache struct {
	limiter *rate.Limiter
	group   singleflight.Group
	ttl     time.Duration
	log     *logrus.Entry

	mu      sync.RWMutex
	entries map[string]*models.AccountSnapshot

	logMu        sync.Mutex
	lastErrLogAt map[string]time.Time
}

// NewAccountCache builds a cache with the default 55s TTL and a global
// minimum inter-refresh interval of minInterval, shared across every botKey.
func NewAccountCache(minInterval time.Duration, log *logrus.Entry) *AccountCache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AccountCache{
		limiter:      rate.NewLimiter(rate.Every(minInterval), 1),
		ttl:          defaultTTL,
		log:          log.WithField("component", "account_cache"),
		entries:      make(map[string]*models.AccountSnapshot),
		lastErrLogAt: make(map[string]time.Time),
	}
}

// WithTTL overrides the cache TTL, used by tests.
func (c *AccountCache) WithTTL(ttl time.Duration) *AccountCache {
	c.ttl = ttl
	return c
}

// Get returns req.BotKey's current AccountSnapshot, refreshing it if the
// cached value is older than the TTL. On refresh failure, the previous
// snapshot for that botKey is returned with Stale set to true rather than
// propagating the error, so a transient exchange outage never blocks the
// whole fleet's tick — callers that need to know about the failure check
// Stale.
func (c *AccountCache) Get(ctx context.Context, req Request) (*models.AccountSnapshot, error) {
	c.mu.RLock()
	cur := c.entries[req.BotKey]
	fresh := cur != nil && time.Since(cur.FetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		metrics.AccountCacheHitsTotal.Inc()
		return cur, nil
	}
	metrics.AccountCacheMissesTotal.Inc()

	v, err, _ := c.group.Do(req.BotKey, func() (interface{}, error) {
		return c.refresh(ctx, req)
	})
	if err != nil {
		c.mu.RLock()
		stale := c.entries[req.BotKey]
		c.mu.RUnlock()
		if stale != nil {
			c.logRefreshFailure(req.BotKey, err)
			cp := *stale
			cp.Stale = true
			return &cp, nil
		}
		return nil, err
	}
	return v.(*models.AccountSnapshot), nil
}

// ForceRefresh bypasses the TTL — the shared rate limiter wait is still
// honored, so callers (e.g. an explicit force-sync control-surface
// request) get a genuinely fresh snapshot, but the fleet-wide minimum
// interval still applies so a force-sync storm can't evade the rate gate.
func (c *AccountCache) ForceRefresh(ctx context.Context, req Request) (*models.AccountSnapshot, error) {
	v, err, _ := c.group.Do(req.BotKey, func() (interface{}, error) {
		return c.refresh(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AccountSnapshot), nil
}

func (c *AccountCache) refresh(ctx context.Context, req Request) (*models.AccountSnapshot, error) {
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	metrics.RateLimitWaitSeconds.Observe(time.Since(waitStart).Seconds())

	snap, err := req.Client.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	snap.Leverage = leverage

	if markets, merr := req.Client.GetMarkets(ctx); merr == nil {
		bySymbol := make(map[string]models.Market, len(markets))
		for _, m := range markets {
			bySymbol[m.Symbol] = m
		}
		snap.Markets = bySymbol
	} else {
		c.log.WithError(merr).Warn("failed to refresh markets for account snapshot")
	}

	// Derived capital figures, spec.md §3: realCapital = netEquityAvailable
	// * 0.95, capitalAvailable = realCapital * leverage. These are the only
	// capital figures a Strategy should size entries against.
	snap.RealCapital = snap.NetEquityAvailable.Mul(decimal.NewFromFloat(realCapitalFraction))
	snap.CapitalAvailable = snap.RealCapital.Mul(decimal.NewFromInt(int64(leverage)))

	c.mu.Lock()
	c.entries[req.BotKey] = snap
	c.mu.Unlock()
	return snap, nil
}

// logRefreshFailure logs at most once per 30s per (botKey, error kind) so a
// persistent outage doesn't storm the log with an identical error on every
// tick across the whole fleet.
func (c *AccountCache) logRefreshFailure(botKey string, err error) {
	const window = 30 * time.Second
	key := botKey + "|" + string(models.KindOf(err))
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if time.Since(c.lastErrLogAt[key]) < window {
		return
	}
	c.lastErrLogAt[key] = time.Now()
	c.log.WithError(err).WithField("bot_key", botKey).Warn("account refresh failed, serving stale snapshot")
}
