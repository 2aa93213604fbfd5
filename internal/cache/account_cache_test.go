package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClient struct {
	*exchange.MockClient
	calls int
	mu    sync.Mutex
}

func newCountingClient() *countingClient {
	return &countingClient{MockClient: exchange.NewMockClient()}
}

func (c *countingClient) GetAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.MockClient.GetAccount(ctx)
}

func testRequest(client exchange.Client) Request {
	return Request{BotKey: "atr_breakout|key1", Client: client, Leverage: 3}
}

func TestAccountCache_ServesCachedWithinTTL(t *testing.T) {
	client := newCountingClient()
	ac := NewAccountCache(time.Millisecond, nil).WithTTL(50 * time.Millisecond)

	_, err := ac.Get(context.Background(), testRequest(client))
	require.NoError(t, err)
	_, err = ac.Get(context.Background(), testRequest(client))
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls)
}

func TestAccountCache_RefreshesAfterTTL(t *testing.T) {
	client := newCountingClient()
	ac := NewAccountCache(time.Millisecond, nil).WithTTL(5 * time.Millisecond)

	_, err := ac.Get(context.Background(), testRequest(client))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = ac.Get(context.Background(), testRequest(client))
	require.NoError(t, err)

	assert.Equal(t, 2, client.calls)
}

func TestAccountCache_CoalescesConcurrentRefreshes(t *testing.T) {
	client := newCountingClient()
	ac := NewAccountCache(time.Millisecond, nil).WithTTL(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ac.Get(context.Background(), testRequest(client))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, client.calls, 2)
}

func TestAccountCache_ServesStaleOnRefreshFailure(t *testing.T) {
	client := newCountingClient()
	ac := NewAccountCache(time.Millisecond, nil).WithTTL(5 * time.Millisecond)

	_, err := ac.Get(context.Background(), testRequest(client))
	require.NoError(t, err)

	client.MockClient.ShouldFail = true
	client.MockClient.FailAfter = 0
	time.Sleep(10 * time.Millisecond)

	snap, err := ac.Get(context.Background(), testRequest(client))
	require.NoError(t, err)
	assert.True(t, snap.Stale)
}

func TestAccountCache_KeepsDistinctEntriesPerBotKey(t *testing.T) {
	client := newCountingClient()
	ac := NewAccountCache(time.Millisecond, nil).WithTTL(time.Hour)

	_, err := ac.Get(context.Background(), Request{BotKey: "atr_breakout|key1", Client: client, Leverage: 1})
	require.NoError(t, err)
	_, err = ac.Get(context.Background(), Request{BotKey: "atr_breakout|key2", Client: client, Leverage: 1})
	require.NoError(t, err)

	// Distinct botKeys never coalesce onto the same singleflight call or
	// share a cached snapshot, even when routed through the same client.
	assert.Equal(t, 2, client.calls)
}

func TestAccountCache_DerivesCapitalAvailableFromLeverage(t *testing.T) {
	client := exchange.NewMockClient()
	client.Account = &models.AccountSnapshot{NetEquityAvailable: decimal.NewFromFloat(1000)}
	ac := NewAccountCache(time.Millisecond, nil).WithTTL(time.Hour)

	snap, err := ac.Get(context.Background(), Request{BotKey: "atr_breakout|key1", Client: client, Leverage: 4})
	require.NoError(t, err)

	realCapital, _ := snap.RealCapital.Float64()
	capitalAvailable, _ := snap.CapitalAvailable.Float64()
	assert.InDelta(t, 950, realCapital, 0.001)
	assert.InDelta(t, 3800, capitalAvailable, 0.001)
}
