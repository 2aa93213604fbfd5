package storage

import (
	"sync"
	"time"

	"github.com/perpfleet/engine/internal/models"
)

// MockStore is an in-memory Store used by unit tests across the engine,
// following the fleet's preference for hand-written fakes over generated
// mocks.
type MockStore struct {
	mu          sync.Mutex
	bots        map[string]*models.BotConfig
	orderIDSeqs map[string]map[models.ClientOrderIDPurpose]uint64
	SaveErr     error
}

func NewMockStore() *MockStore {
	return &MockStore{
		bots:        make(map[string]*models.BotConfig),
		orderIDSeqs: make(map[string]map[models.ClientOrderIDPurpose]uint64),
	}
}

func (m *MockStore) GetBotConfig(botID string) *models.BotConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bots[botID]
}

func (m *MockStore) ListBotConfigs() []*models.BotConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.BotConfig, 0, len(m.bots))
	for _, c := range m.bots {
		out = append(out, c)
	}
	return out
}

func (m *MockStore) UpsertBotConfig(cfg *models.BotConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.bots[cfg.BotID] = cfg
	return nil
}

func (m *MockStore) UpdateNextValidationAt(botID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cfg, ok := m.bots[botID]
	if !ok {
		return ErrBotNotFound
	}
	cfg.NextValidationAt = next
	return nil
}

func (m *MockStore) LoadOrderIDCounters(botID string) (map[models.ClientOrderIDPurpose]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderIDSeqs[botID], nil
}

func (m *MockStore) SaveOrderIDCounter(botID string, purpose models.ClientOrderIDPurpose, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.orderIDSeqs[botID] == nil {
		m.orderIDSeqs[botID] = make(map[models.ClientOrderIDPurpose]uint64)
	}
	m.orderIDSeqs[botID][purpose] = seq
	return nil
}

var _ Store = (*MockStore)(nil)
