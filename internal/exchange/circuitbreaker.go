package exchange

import (
	"context"
	"time"

	"github.com/perpfleet/engine/internal/models"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the breaker guarding a Client. Zero
// value means "use DefaultCircuitBreakerSettings".
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips after half of at least 5 requests in
// a 60s window fail, and probes again after 30s half-open.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  1,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.5,
}

// CircuitBreakerClient wraps a Client with a gobreaker.CircuitBreaker so a
// misbehaving or rate-limiting exchange can't be hammered by every bot in
// the fleet at once. Every method shares one breaker instance per client,
// since a single exchange connection backs every symbol.
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerClient wraps client with DefaultCircuitBreakerSettings.
func NewCircuitBreakerClient(client Client) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerClientWithSettings wraps client with explicit settings,
// used by tests that need a fast-tripping breaker.
func NewCircuitBreakerClientWithSettings(client Client, s CircuitBreakerSettings) *CircuitBreakerClient {
	st := gobreaker.Settings{
		Name:        "exchange-client",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= s.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
	}
	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

func execute[T any](cb *CircuitBreakerClient, fn func() (T, error)) (T, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, models.NewExchangeError("circuitBreaker", models.KindTransient, err)
		}
		return zero, err
	}
	return result.(T), nil
}

func (cb *CircuitBreakerClient) GetMarkets(ctx context.Context) ([]models.Market, error) {
	return execute(cb, func() ([]models.Market, error) { return cb.client.GetMarkets(ctx) })
}

func (cb *CircuitBreakerClient) GetAllMarkPrices(ctx context.Context) (map[string]float64, error) {
	return execute(cb, func() (map[string]float64, error) { return cb.client.GetAllMarkPrices(ctx) })
}

func (cb *CircuitBreakerClient) GetKLines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return execute(cb, func() ([]Candle, error) { return cb.client.GetKLines(ctx, symbol, timeframe, limit) })
}

func (cb *CircuitBreakerClient) GetAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	return execute(cb, func() (*models.AccountSnapshot, error) { return cb.client.GetAccount(ctx) })
}

func (cb *CircuitBreakerClient) GetCollateral(ctx context.Context) (float64, error) {
	return execute(cb, func() (float64, error) { return cb.client.GetCollateral(ctx) })
}

func (cb *CircuitBreakerClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	return execute(cb, func() ([]models.OpenOrder, error) { return cb.client.GetOpenOrders(ctx, symbol) })
}

func (cb *CircuitBreakerClient) GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	return execute(cb, func() ([]models.OpenPosition, error) { return cb.client.GetOpenPositions(ctx) })
}

func (cb *CircuitBreakerClient) GetFillHistory(ctx context.Context, symbol string, limit int) ([]models.Fill, error) {
	return execute(cb, func() ([]models.Fill, error) { return cb.client.GetFillHistory(ctx, symbol, limit) })
}

func (cb *CircuitBreakerClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.OpenOrder, error) {
	return execute(cb, func() (*models.OpenOrder, error) { return cb.client.PlaceOrder(ctx, req) })
}

func (cb *CircuitBreakerClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.client.CancelOrder(ctx, symbol, orderID) })
	return err
}

var _ Client = (*CircuitBreakerClient)(nil)
