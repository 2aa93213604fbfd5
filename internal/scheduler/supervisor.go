package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/sirupsen/logrus"
)

// runnerEntry pairs a live BotRunner with what's needed to rebuild a fresh
// one on restart (the lifecycle state machine is not reusable across a
// stop/start cycle once its StateStopped terminal transition has fired).
type runnerEntry struct {
	runner *BotRunner
	cfg    models.BotConfig
	cancel context.CancelFunc
}

// BotSupervisor owns every running BotRunner in the process: it starts,
// stops and restarts them, and holds the process-wide maintenance flag
// every BotRunner checks before touching the exchange.
type BotSupervisor struct {
	mu      sync.Mutex
	runners map[string]*runnerEntry
	deps    Deps

	maintenance int32 // atomic bool
	log         *logrus.Entry
}

func NewBotSupervisor(deps Deps) *BotSupervisor {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BotSupervisor{
		runners: make(map[string]*runnerEntry),
		deps:    deps,
		log:     log.WithField("component", "bot_supervisor"),
	}
}

// InMaintenance reports whether the process-wide maintenance flag is set.
// While set, every BotRunner short-circuits before any exchange call.
func (s *BotSupervisor) InMaintenance() bool {
	return atomic.LoadInt32(&s.maintenance) == 1
}

// SetMaintenance toggles the process-wide maintenance flag.
func (s *BotSupervisor) SetMaintenance(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&s.maintenance, v)
	s.log.WithField("maintenance", on).Info("maintenance flag updated")
}

// Start registers and launches a BotRunner for cfg using strat. Starting an
// already-running bot is a no-op.
func (s *BotSupervisor) Start(ctx context.Context, cfg models.BotConfig, strat strategy.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runners[cfg.BotID]; exists {
		return nil
	}
	return s.startLocked(ctx, cfg, strat)
}

func (s *BotSupervisor) startLocked(ctx context.Context, cfg models.BotConfig, strat strategy.Strategy) error {
	deps := s.deps
	deps.Maintenance = s
	runner, err := NewBotRunner(cfg, deps, strat)
	if err != nil {
		return fmt.Errorf("start bot %s: %w", cfg.BotID, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runners[cfg.BotID] = &runnerEntry{runner: runner, cfg: cfg, cancel: cancel}
	go runner.Run(runCtx)
	s.log.WithField("bot_id", cfg.BotID).Info("bot started")
	return nil
}

// Stop gracefully stops the named bot: its current tick finishes, then the
// runner loop exits.
func (s *BotSupervisor) Stop(botID string) error {
	s.mu.Lock()
	entry, ok := s.runners[botID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("bot %s is not running", botID)
	}
	delete(s.runners, botID)
	s.mu.Unlock()

	entry.runner.Stop()
	entry.cancel()
	s.log.WithField("bot_id", botID).Info("bot stopped")
	return nil
}

// Restart stops the named bot and starts a fresh BotRunner for the same
// configuration and strategy, once the current tick has drained.
func (s *BotSupervisor) Restart(ctx context.Context, botID string, strat strategy.Strategy) error {
	s.mu.Lock()
	entry, ok := s.runners[botID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("bot %s is not running", botID)
	}
	cfg := entry.cfg
	delete(s.runners, botID)
	s.mu.Unlock()

	entry.runner.Stop()
	entry.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, cfg, strat)
}

// Running reports whether botID currently has a live runner.
func (s *BotSupervisor) Running(botID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[botID]
	return ok
}

// State reports the lifecycle state of botID and whether it is currently
// registered with the supervisor at all.
func (s *BotSupervisor) State(botID string) (models.BotLifecycleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.runners[botID]
	if !ok {
		return "", false
	}
	return entry.runner.state.CurrentState(), true
}

// NextValidationAt reports the runner's next scheduled tick time, if known.
func (s *BotSupervisor) NextValidationAt(botID string) (time.Time, bool) {
	s.mu.Lock()
	entry, ok := s.runners[botID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	cfg := s.deps.Store.GetBotConfig(entry.cfg.BotID)
	if cfg == nil {
		return time.Time{}, false
	}
	return cfg.NextValidationAt, true
}

// RunningIDs returns the bot ids currently registered with the supervisor.
func (s *BotSupervisor) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runners))
	for id := range s.runners {
		out = append(out, id)
	}
	return out
}

// StopAll gracefully stops every registered bot, used on process shutdown.
func (s *BotSupervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(id); err != nil {
				s.log.WithError(err).WithField("bot_id", id).Warn("error stopping bot during shutdown")
			}
		}(id)
	}
	wg.Wait()
}
