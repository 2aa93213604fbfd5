// Package accounts resolves the exchange client, position protector, and
// orphan reaper a bot should use, memoizing one Set per distinct apiKey so
// bots sharing credentials share a connection and its protective-order
// bookkeeping instead of each opening its own, per spec.md §2's
// one-account-per-apiKey model.
package accounts

import (
	"sync"

	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/protector"
)

// Set bundles the collaborators that belong to one exchange account.
type Set struct {
	APIKey    string
	Client    exchange.Client
	Protector *protector.Protector
	Reaper    *protector.OrphanReaper
}

// Resolver returns the Set botCfg should use. Implementations memoize by
// apiKey so the same bot (or two bots sharing credentials) always gets
// back the same Client/Protector/Reaper instances.
type Resolver func(botCfg models.BotConfig) Set

// Factory builds a fresh Set for an apiKey/apiSecret pair seen for the
// first time.
type Factory func(apiKey, apiSecret string) Set

// NewResolver returns a Resolver that memoizes Sets by apiKey, building a
// new one via build only the first time a given apiKey is seen. A bot with
// no per-bot APIKey/APISecret set falls back to the process-wide
// defaultAPIKey/defaultAPISecret (the common single-account case).
func NewResolver(defaultAPIKey, defaultAPISecret string, build Factory) Resolver {
	var mu sync.Mutex
	sets := make(map[string]Set)
	return func(botCfg models.BotConfig) Set {
		apiKey, apiSecret := botCfg.APIKey, botCfg.APISecret
		if apiKey == "" {
			apiKey, apiSecret = defaultAPIKey, defaultAPISecret
		}

		mu.Lock()
		defer mu.Unlock()
		if s, ok := sets[apiKey]; ok {
			return s
		}
		s := build(apiKey, apiSecret)
		sets[apiKey] = s
		return s
	}
}

// BotKey derives AccountCache's cache key: one snapshot per (strategyName,
// apiKey) pair, per spec.md §2/§4.1, so two bots sharing an apiKey but
// running different strategies never clobber each other's cached snapshot.
func BotKey(strategyName, apiKey string) string {
	return strategyName + "|" + apiKey
}
