// Package retry wraps exchange operations that are safe to retry (order
// cancellation, a MARKET fallback placement during a timeout) with
// exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/sirupsen/logrus"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client wraps an exchange.Client with retry logic for operations that are
// safe to repeat (the client-order-id scheme guarantees the exchange
// treats a retried placement as a duplicate, not a second order).
type Client struct {
	exchange exchange.Client
	log      *logrus.Entry
	config   Config
}

// NewClient creates a retry wrapper with the given exchange client and an
// optional config override.
func NewClient(ex exchange.Client, log *logrus.Entry, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Client{exchange: ex, log: log.WithField("component", "retry"), config: cfg}
}

// PlaceOrderWithRetry places req, retrying on transient failures with
// exponential backoff and jitter. The caller's client-order-id (already
// allocated by orderid.Allocator) makes every retry idempotent from the
// exchange's point of view.
func (c *Client) PlaceOrderWithRetry(ctx context.Context, req exchange.PlaceOrderRequest) (*models.OpenOrder, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return nil, fmt.Errorf("place order timed out after %v: %w", c.config.Timeout, err)
		}

		c.log.WithFields(logrus.Fields{
			"client_id": req.ClientID, "attempt": attempt + 1, "of": c.config.MaxRetries + 1,
		}).Debug("placing order")

		order, err := c.exchange.PlaceOrder(opCtx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err

		if !c.isTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}

		c.log.WithError(err).WithField("backoff", backoff).Debug("transient error, retrying")
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return nil, fmt.Errorf("place order timed out during backoff: %w", opCtx.Err())
		}
	}

	return nil, fmt.Errorf("place order failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// CancelOrderWithRetry cancels an order, retrying transient failures.
// A NotFound error (the order was already filled or cancelled) is treated
// as success, not a failure, since the caller's goal — the order no
// longer being live — is already satisfied.
func (c *Client) CancelOrderWithRetry(ctx context.Context, symbol, orderID string) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("cancel order timed out after %v: %w", c.config.Timeout, err)
		}

		err := c.exchange.CancelOrder(opCtx, symbol, orderID)
		if err == nil {
			return nil
		}
		if models.KindOf(err) == models.KindNotFound {
			return nil
		}
		lastErr = err

		if !c.isTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("cancel order timed out during backoff: %w", opCtx.Err())
		}
	}
	return fmt.Errorf("cancel order failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.log.WithError(err).Warn("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	switch models.KindOf(err) {
	case models.KindTransient, models.KindRateLimited:
		return true
	case models.KindValidation, models.KindAuth, models.KindNotFound, models.KindWouldMatch:
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout", "i/o timeout", "connection refused", "connection reset",
		"temporary failure", "temporarily unavailable", "server error",
		"rate limit", "429", "502", "503", "504", "network", "dns", "tcp",
		"no such host", "deadline exceeded", "tls handshake", "broken pipe", "eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
