// Package orderid implements the per-bot client-order-id allocation scheme:
// monotonic, purpose-namespaced ids of the form "<prefix>-<purpose>-<seq>"
// that let every other component attribute an order or fill back to the
// bot and role that created it without a side-channel lookup.
package orderid

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/perpfleet/engine/internal/models"
	"github.com/sirupsen/logrus"
)

// Counters is the minimal persistence contract the Allocator needs: load
// the last-used sequence per purpose at startup, and persist increments so
// a restart never reuses an id. Implemented by storage.Store.
type Counters interface {
	LoadOrderIDCounters(botID string) (map[models.ClientOrderIDPurpose]uint64, error)
	SaveOrderIDCounter(botID string, purpose models.ClientOrderIDPurpose, seq uint64) error
}

// Allocator hands out monotonic client order ids for one bot, namespaced
// by purpose so a stop-loss id can never collide with an entry id even if
// both counters happen to reach the same sequence number.
type Allocator struct {
	botID  string
	prefix string
	store  Counters
	log    *logrus.Entry

	mu       sync.Mutex
	counters map[models.ClientOrderIDPurpose]*uint64
}

// NewAllocator loads persisted counters for botID (starting all at zero if
// none exist) and returns a ready-to-use Allocator.
func NewAllocator(botID, prefix string, store Counters) (*Allocator, error) {
	loaded, err := store.LoadOrderIDCounters(botID)
	if err != nil {
		return nil, fmt.Errorf("load order id counters: %w", err)
	}
	a := &Allocator{
		botID:    botID,
		prefix:   prefix,
		store:    store,
		log:      logrus.NewEntry(logrus.StandardLogger()).WithField("component", "order_id_allocator"),
		counters: make(map[models.ClientOrderIDPurpose]*uint64),
	}
	for _, p := range []models.ClientOrderIDPurpose{
		models.PurposeEntry, models.PurposeStopLoss, models.PurposeTakeProfit, models.PurposeFailsafe,
	} {
		v := loaded[p]
		a.counters[p] = &v
	}
	return a, nil
}

// WithLogger overrides the allocator's logger, used by callers that want
// EmergencyID fallback warnings attributed to their own component fields.
func (a *Allocator) WithLogger(log *logrus.Entry) *Allocator {
	if log != nil {
		a.log = log
	}
	return a
}

// Next returns the next client order id for purpose. A SaveOrderIDCounter
// failure never aborts order placement (spec.md §4.2's mandatory emergency
// fallback): it logs a warning and hands back an EmergencyID instead of
// this bot's normal persisted sequence.
func (a *Allocator) Next(purpose models.ClientOrderIDPurpose) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	counter, ok := a.counters[purpose]
	if !ok {
		var zero uint64
		counter = &zero
		a.counters[purpose] = counter
	}
	seq := atomic.AddUint64(counter, 1)
	if err := a.store.SaveOrderIDCounter(a.botID, purpose, seq); err != nil {
		a.log.WithError(err).WithField("purpose", purpose).Warn("failed to persist order id counter, falling back to emergency id")
		return EmergencyID(a.prefix, purpose), nil
	}
	return formatID(a.prefix, purpose, seq), nil
}

func formatID(prefix string, purpose models.ClientOrderIDPurpose, seq uint64) string {
	return fmt.Sprintf("%s-%s-%05d", prefix, purpose, seq)
}

// Parse splits a client order id back into its prefix, purpose and
// sequence. It returns ok=false for ids that don't match this engine's
// scheme (e.g. ids placed manually outside the bot).
func Parse(clientID string) (id models.ClientOrderID, ok bool) {
	var seq uint64
	var prefix, purpose string

	lastDash := lastIndexByte(clientID, '-')
	if lastDash < 0 {
		return models.ClientOrderID{}, false
	}
	seqPart := clientID[lastDash+1:]
	rest := clientID[:lastDash]
	midDash := lastIndexByte(rest, '-')
	if midDash < 0 {
		return models.ClientOrderID{}, false
	}
	prefix = rest[:midDash]
	purpose = rest[midDash+1:]

	if _, err := fmt.Sscanf(seqPart, "%d", &seq); err != nil {
		return models.ClientOrderID{}, false
	}
	return models.ClientOrderID{
		Prefix:  prefix,
		Purpose: models.ClientOrderIDPurpose(purpose),
		Seq:     seq,
	}, true
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// EmergencyID is the fallback identifier used when persistence is
// unavailable and the caller has decided the order must go out anyway
// (e.g. a failsafe stop-loss). It is never reused: the fallback field
// folds in a monotonic in-process counter so two emergency ids issued in
// the same process never collide, even though they are not persisted.
var emergencyCounter uint64

func EmergencyID(prefix string, purpose models.ClientOrderIDPurpose) string {
	seq := atomic.AddUint64(&emergencyCounter, 1)
	return fmt.Sprintf("%s-%s-emrg%d", prefix, purpose, seq)
}
