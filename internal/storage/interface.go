package storage

import (
	"time"

	"github.com/perpfleet/engine/internal/models"
)

// Store is the persistence contract BotSupervisor and Allocator depend on.
// JSONStore is the only production implementation; tests use MockStore.
type Store interface {
	GetBotConfig(botID string) *models.BotConfig
	ListBotConfigs() []*models.BotConfig
	UpsertBotConfig(cfg *models.BotConfig) error
	UpdateNextValidationAt(botID string, next time.Time) error

	LoadOrderIDCounters(botID string) (map[models.ClientOrderIDPurpose]uint64, error)
	SaveOrderIDCounter(botID string, purpose models.ClientOrderIDPurpose, seq uint64) error
}

// NewStore creates the JSON-file-backed Store implementation. Kept as a
// constructor function (rather than calling NewJSONStore directly) so a
// future alternate backend can be swapped in behind this interface.
func NewStore(filePath string) (Store, error) {
	return NewJSONStore(filePath)
}

var _ Store = (*JSONStore)(nil)
