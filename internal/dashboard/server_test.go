package dashboard

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/perpfleet/engine/internal/accounts"
	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/protector"
	"github.com/perpfleet/engine/internal/storage"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor is a hand-written double for scheduler.BotSupervisor so
// dashboard tests never need a real exchange, strategy registry, or store.
type fakeSupervisor struct {
	states      map[string]models.BotLifecycleState
	running     map[string]bool
	maintenance bool
	startErr    error
	stopErr     error
	restartErr  error
	starts      []string
	stops       []string
	restarts    []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		states:  make(map[string]models.BotLifecycleState),
		running: make(map[string]bool),
	}
}

func (f *fakeSupervisor) Start(ctx context.Context, cfg models.BotConfig, strat strategy.Strategy) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, cfg.BotID)
	f.states[cfg.BotID] = models.StateRunning
	f.running[cfg.BotID] = true
	return nil
}

func (f *fakeSupervisor) Stop(botID string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops = append(f.stops, botID)
	f.states[botID] = models.StateStopped
	f.running[botID] = false
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context, botID string, strat strategy.Strategy) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarts = append(f.restarts, botID)
	f.states[botID] = models.StateRunning
	f.running[botID] = true
	return nil
}

func (f *fakeSupervisor) Running(botID string) bool { return f.running[botID] }

func (f *fakeSupervisor) RunningIDs() []string {
	var ids []string
	for id, ok := range f.running {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeSupervisor) State(botID string) (models.BotLifecycleState, bool) {
	s, ok := f.states[botID]
	return s, ok
}

func (f *fakeSupervisor) SetMaintenance(on bool) { f.maintenance = on }
func (f *fakeSupervisor) InMaintenance() bool     { return f.maintenance }

func testBotConfig(id string) models.BotConfig {
	return models.BotConfig{
		BotID:                  id,
		BotName:                "test bot",
		StrategyName:           "atr_breakout",
		BotClientOrderIDPrefix: "tb",
		Symbols:                []string{"BTC-PERP"},
		Timeframe:              "1h",
		ExecutionMode:          models.ExecutionOnCandleClose,
		CapitalPercentage:      0.1,
		MaxOpenOrders:          3,
		MaxOpenPositions:       3,
		MaxSlippagePct:         1,
		Leverage:               1,
		Enabled:                true,
	}
}

func testAccountFor(ex exchange.Client) accounts.Resolver {
	set := accounts.Set{
		APIKey:    "test-key",
		Client:    ex,
		Protector: protector.New(ex, protector.Config{}, nil),
		Reaper:    protector.NewOrphanReaper(ex, protector.Config{}, nil),
	}
	return func(models.BotConfig) accounts.Set { return set }
}

func newTestServer(t *testing.T, sup *fakeSupervisor, store storage.Store, ex exchange.Client) *Server {
	t.Helper()
	deps := Deps{
		Supervisor: sup,
		Store:      store,
		AccountFor: testAccountFor(ex),
		StrategyFor: func(cfg models.BotConfig) (strategy.Strategy, error) {
			return strategy.New(cfg.StrategyName, strategy.Config{})
		},
	}
	return NewServer(Config{Port: 0, AuthToken: ""}, deps)
}

func TestHandleListBots(t *testing.T) {
	store := storage.NewMockStore()
	require.NoError(t, store.UpsertBotConfig(ptr(testBotConfig("bot1"))))
	sup := newFakeSupervisor()
	sup.states["bot1"] = models.StateRunning
	sup.running["bot1"] = true

	srv := newTestServer(t, sup, store, exchange.NewMockClient())

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bot1")
	assert.Contains(t, rec.Body.String(), "running")
}

func TestHandleStartStopRestart(t *testing.T) {
	store := storage.NewMockStore()
	require.NoError(t, store.UpsertBotConfig(ptr(testBotConfig("bot1"))))
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, store, exchange.NewMockClient())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bots/bot1/start", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bot1"}, sup.starts)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bots/bot1/restart", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bot1"}, sup.restarts)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bots/bot1/stop", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bot1"}, sup.stops)
}

func TestHandleStart_UnknownBot(t *testing.T) {
	store := storage.NewMockStore()
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, store, exchange.NewMockClient())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bots/missing/start", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMaintenance(t *testing.T) {
	store := storage.NewMockStore()
	sup := newFakeSupervisor()
	srv := newTestServer(t, sup, store, exchange.NewMockClient())

	body := bytes.NewBufferString(`{"on": true}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/maintenance", body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sup.maintenance)
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	store := storage.NewMockStore()
	sup := newFakeSupervisor()
	srv := NewServer(Config{Port: 0, AuthToken: "secret-token"}, Deps{
		Supervisor: sup,
		Store:      store,
		AccountFor: testAccountFor(exchange.NewMockClient()),
		StrategyFor: func(cfg models.BotConfig) (strategy.Strategy, error) {
			return strategy.New(cfg.StrategyName, strategy.Config{})
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bots", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("X-Auth-Token", "secret-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_NeverRequiresAuth(t *testing.T) {
	store := storage.NewMockStore()
	sup := newFakeSupervisor()
	srv := NewServer(Config{Port: 0, AuthToken: "secret-token"}, Deps{
		Supervisor: sup,
		Store:      store,
		AccountFor: testAccountFor(exchange.NewMockClient()),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleForceSync(t *testing.T) {
	store := storage.NewMockStore()
	cfg := testBotConfig("bot1")
	require.NoError(t, store.UpsertBotConfig(&cfg))
	sup := newFakeSupervisor()
	ex := exchange.NewMockClient()
	srv := newTestServer(t, sup, store, ex)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bots/bot1/force-sync", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func ptr(cfg models.BotConfig) *models.BotConfig { return &cfg }
