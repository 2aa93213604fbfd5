// Package dashboard exposes the engine's control surface: a small JSON API
// for listing and operating bots, toggling process-wide maintenance, and a
// Prometheus /metrics route — everything an operator needs without
// reaching into the process directly.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/perpfleet/engine/internal/accounts"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/orderid"
	"github.com/perpfleet/engine/internal/storage"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Supervisor is the subset of BotSupervisor the dashboard depends on, kept
// narrow so tests can fake it without constructing a real scheduler.
type Supervisor interface {
	Start(ctx context.Context, cfg models.BotConfig, strat strategy.Strategy) error
	Stop(botID string) error
	Restart(ctx context.Context, botID string, strat strategy.Strategy) error
	Running(botID string) bool
	RunningIDs() []string
	State(botID string) (models.BotLifecycleState, bool)
	SetMaintenance(on bool)
	InMaintenance() bool
}

// Config tunes the dashboard's HTTP surface.
type Config struct {
	Port      int
	AuthToken string // empty disables auth, used only by tests
}

// BotView is the JSON shape returned for each bot by GET /api/bots.
type BotView struct {
	BotID            string    `json:"botId"`
	BotName          string    `json:"botName"`
	Symbols          []string  `json:"symbols"`
	Status           string    `json:"status"`
	Running          bool      `json:"running"`
	Restarting       bool      `json:"restarting"`
	NextValidationAt time.Time `json:"nextValidationAt,omitempty"`
}

// Server is the dashboard's HTTP surface: bot control, maintenance toggle,
// force-sync, and Prometheus metrics.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	port       int
	authToken  string

	supervisor  Supervisor
	store       storage.Store
	accountFor  accounts.Resolver
	strategyFor func(cfg models.BotConfig) (strategy.Strategy, error)

	log *logrus.Entry
}

// Deps bundles the collaborators the dashboard's handlers call into.
// AccountFor resolves the per-apiKey exchange client, protector
// and reaper a bot's force-sync should use, matching BotRunner's own
// account resolution (internal/scheduler). StrategyFor builds (or looks
// up) the Strategy instance for a bot's configured strategyName, used when
// a handler needs to (re)start a bot.
type Deps struct {
	Supervisor  Supervisor
	Store       storage.Store
	AccountFor  accounts.Resolver
	StrategyFor func(cfg models.BotConfig) (strategy.Strategy, error)
	Log         *logrus.Entry
}

// NewServer builds a dashboard Server and wires its routes.
func NewServer(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		router:      chi.NewRouter(),
		port:        cfg.Port,
		authToken:   cfg.AuthToken,
		supervisor:  deps.Supervisor,
		store:       deps.Store,
		accountFor:  deps.AccountFor,
		strategyFor: deps.StrategyFor,
		log:         log.WithField("component", "dashboard"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/bots", s.handleListBots)
		r.Post("/bots/{id}/start", s.handleStart)
		r.Post("/bots/{id}/stop", s.handleStop)
		r.Post("/bots/{id}/restart", s.handleRestart)
		r.Post("/bots/{id}/force-sync", s.handleForceSync)
		r.Post("/maintenance", s.handleMaintenance)
	})
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loggedURL := redactTokenFromURL(r.URL)
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"url":      loggedURL.String(),
			"status":   wrapped.Status(),
			"duration": time.Since(start),
		}).Info("dashboard request")
	})
}

func redactTokenFromURL(original *url.URL) *url.URL {
	cp := *original
	if cp.RawQuery != "" {
		values := cp.Query()
		if values.Has("token") {
			values.Set("token", "[REDACTED]")
		}
		cp.RawQuery = values.Encode()
	}
	return &cp
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			if bearer := r.Header.Get("Authorization"); len(bearer) > 7 && bearer[:7] == "Bearer " {
				token = bearer[7:]
			}
		}
		if !s.isValidToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// Start begins serving HTTP requests and blocks until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithField("port", s.port).Info("starting dashboard server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the underlying router, used by tests via httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, map[string]any{"status": "healthy", "timestamp": time.Now().Unix()})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	rows := s.store.ListBotConfigs()
	views := make([]BotView, 0, len(rows))
	for _, cfg := range rows {
		state, known := s.supervisor.State(cfg.BotID)
		views = append(views, BotView{
			BotID:            cfg.BotID,
			BotName:          cfg.BotName,
			Symbols:          cfg.Symbols,
			Status:           string(state),
			Running:          known && state == models.StateRunning,
			Restarting:       known && state == models.StateRestarting,
			NextValidationAt: cfg.NextValidationAt,
		})
	}
	writeJSON(w, s.log, views)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg := s.store.GetBotConfig(id)
	if cfg == nil {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	strat, err := s.strategyFor(*cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.supervisor.Start(r.Context(), *cfg, strat); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.log, map[string]any{"botId": id, "running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.supervisor.Stop(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, s.log, map[string]any{"botId": id, "running": false})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg := s.store.GetBotConfig(id)
	if cfg == nil {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	strat, err := s.strategyFor(*cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.supervisor.Restart(r.Context(), id, strat); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.log, map[string]any{"botId": id, "running": true})
}

// handleForceSync runs the same work a tick's Step 9/10 does for one bot,
// on demand: ensure protection on every currently-owned position, then
// reap any orphaned protective order across the bot's authorized symbols.
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg := s.store.GetBotConfig(id)
	if cfg == nil {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	ctx := r.Context()
	alloc, err := orderid.NewAllocator(cfg.BotID, cfg.BotClientOrderIDPrefix, s.store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	account := s.accountFor(*cfg)
	positions, err := account.Client.GetOpenPositions(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	owned := make(map[string]bool, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		owned[sym] = true
	}
	var errs []error
	for _, pos := range positions {
		if pos.Quantity.IsZero() || !owned[pos.Symbol] {
			continue
		}
		if err := account.Protector.EnsureProtection(ctx, pos, *cfg, alloc); err != nil {
			errs = append(errs, err)
		}
	}
	if account.Reaper != nil {
		if err := account.Reaper.Reap(ctx, cfg.Symbols); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		http.Error(w, fmt.Sprintf("force-sync completed with errors: %v", errs), http.StatusMultiStatus)
		return
	}
	writeJSON(w, s.log, map[string]any{"botId": id, "synced": true})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.supervisor.SetMaintenance(body.On)
	writeJSON(w, s.log, map[string]any{"maintenance": body.On})
}

func writeJSON(w http.ResponseWriter, log *logrus.Entry, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}
