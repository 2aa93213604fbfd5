// Package strategy defines the pure-function contract every trading
// strategy implements and a name-to-constructor registry BotRunner uses to
// instantiate the strategy named in a bot's configuration. Strategies are
// the engine's dynamic-dispatch boundary: the core calls Analyze and never
// inspects a strategy's internals.
package strategy

import (
	"context"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
)

// Dataset is the market data a strategy needs to produce intents: recent
// candles per symbol plus the current mark price.
type Dataset struct {
	Symbol     string
	Candles    []exchange.Candle
	MarkPrice  float64

	// CapitalAvailable is AccountCache's derived capitalAvailable figure
	// (spec.md §3: realCapital * leverage) for the bot this dataset was
	// built for. Strategies size entries against this, never against raw
	// collateral or a hardcoded percentage of mark price.
	CapitalAvailable float64
}

// Config is strategy-specific tuning, decoded from the bot's YAML config
// under strategyParams and handed to the registry constructor unparsed.
type Config map[string]interface{}

// Strategy is the capability-set interface every strategy implements.
// Revalidate is optional: strategies that don't need to re-check slippage
// gates before a MARKET fallback can leave it returning (true, nil).
type Strategy interface {
	// Analyze inspects a dataset and returns zero or more proposed entries.
	Analyze(ctx context.Context, ds Dataset, botCfg models.BotConfig) ([]models.OrderIntent, error)
	// Revalidate decides whether a previously proposed intent is still
	// worth taking at the current mark price, used by OrderOps before a
	// MARKET fallback once a LIMIT order has gone unfilled too long.
	Revalidate(ctx context.Context, intent models.OrderIntent, currentMark float64, botCfg models.BotConfig) (bool, error)
}

// Constructor builds a Strategy from its bot-supplied config.
type Constructor func(cfg Config) (Strategy, error)

var registry = map[string]Constructor{}

// Register adds name to the registry. Called from each strategy
// implementation's init().
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New builds the strategy named by name, per spec.md's "strategy registry
// maps names to constructors" design note.
func New(name string, cfg Config) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, ErrUnknownStrategy{Name: name}
	}
	return ctor(cfg)
}

// ErrUnknownStrategy is returned by New for an unregistered strategy name.
type ErrUnknownStrategy struct{ Name string }

func (e ErrUnknownStrategy) Error() string {
	return "unknown strategy: " + e.Name
}
