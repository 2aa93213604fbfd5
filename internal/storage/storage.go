// Package storage provides durable, atomic JSON-file persistence for bot
// configuration rows and their per-purpose order-id counters — the only
// state that must survive a process restart.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/perpfleet/engine/internal/models"
)

// Data is the complete on-disk document.
type Data struct {
	LastUpdated time.Time                      `json:"last_updated"`
	Bots        map[string]*models.BotConfig    `json:"bots"`
	OrderIDSeqs map[string]map[string]uint64    `json:"order_id_seqs"` // botID -> purpose -> seq
}

// JSONStore implements Store using a single JSON file with the fleet's
// usual atomic-write discipline: write to a temp file in the same
// directory, fsync it, rename atomically over the target, fsync the
// parent directory, with an EXDEV fallback for cross-device renames.
type JSONStore struct {
	data     *Data
	filepath string
	mu       sync.RWMutex
}

// NewJSONStore opens (or initializes) the store at filePath.
func NewJSONStore(filePath string) (*JSONStore, error) {
	s := &JSONStore{
		filepath: filePath,
		data: &Data{
			Bots:        make(map[string]*models.BotConfig),
			OrderIDSeqs: make(map[string]map[string]uint64),
		},
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if _, err := os.Stat(filePath); err == nil {
		if loadErr := s.Load(); loadErr != nil {
			return nil, fmt.Errorf("loading storage: %w", loadErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat storage file: %w", err)
	}
	return s, nil
}

// Load reads the JSON document from disk, replacing in-memory state.
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	var loaded Data
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return err
	}
	if loaded.Bots == nil {
		loaded.Bots = make(map[string]*models.BotConfig)
	}
	if loaded.OrderIDSeqs == nil {
		loaded.OrderIDSeqs = make(map[string]map[string]uint64)
	}
	s.data = &loaded
	return nil
}

// Save persists the current in-memory state to disk atomically.
func (s *JSONStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveUnsafe()
}

func (s *JSONStore) saveUnsafe() error {
	s.data.LastUpdated = time.Now().UTC()

	dir := filepath.Dir(s.filepath)
	f, err := os.CreateTemp(dir, ".storage-*")
	if err != nil {
		return err
	}
	tmpFile := f.Name()

	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	defer func() {
		if f != nil {
			_ = f.Close()
		}
		if tmpFile != "" {
			_ = os.Remove(tmpFile)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		f = nil
		return err
	}
	f = nil

	dirSynced := false
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if copyErr := copyFile(tmpFile, s.filepath); copyErr != nil {
				return fmt.Errorf("copy temp file across devices: %w", copyErr)
			}
			dirSynced = true
		} else {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	tmpFile = ""

	if !dirSynced {
		if err := syncDir(dir); err != nil {
			return fmt.Errorf("sync parent directory: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src) // #nosec G304 - src is our own temp file
	if err != nil {
		return err
	}
	defer func() { _ = srcFile.Close() }()

	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	dstDir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dstDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in destination dir: %w", err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(info.Mode()); err != nil {
		return fmt.Errorf("set temp file permissions: %w", err)
	}
	if _, err := io.Copy(tmp, srcFile); err != nil {
		return fmt.Errorf("copy to temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	closed = true

	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename temp file to destination: %w", err)
	}
	tmpName = ""
	return syncDir(dstDir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 - dir is our own storage directory
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

// GetBotConfig returns the persisted config for botID, or nil if absent.
func (s *JSONStore) GetBotConfig(botID string) *models.BotConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Bots[botID]
}

// ListBotConfigs returns every persisted bot config.
func (s *JSONStore) ListBotConfigs() []*models.BotConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BotConfig, 0, len(s.data.Bots))
	for _, cfg := range s.data.Bots {
		out = append(out, cfg)
	}
	return out
}

// UpsertBotConfig saves or replaces a bot config and persists immediately.
func (s *JSONStore) UpsertBotConfig(cfg *models.BotConfig) error {
	s.mu.Lock()
	s.data.Bots[cfg.BotID] = cfg
	defer s.mu.Unlock()
	return s.saveUnsafe()
}

// UpdateNextValidationAt persists the one field a BotRunner normally
// mutates every tick, without requiring callers to round-trip a whole
// BotConfig through the store.
func (s *JSONStore) UpdateNextValidationAt(botID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.data.Bots[botID]
	if !ok {
		return fmt.Errorf("bot %s not found", botID)
	}
	cfg.NextValidationAt = next
	return s.saveUnsafe()
}

// LoadOrderIDCounters implements orderid.Counters.
func (s *JSONStore) LoadOrderIDCounters(botID string) (map[models.ClientOrderIDPurpose]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data.OrderIDSeqs[botID]
	if !ok {
		return nil, nil
	}
	out := make(map[models.ClientOrderIDPurpose]uint64, len(raw))
	for k, v := range raw {
		out[models.ClientOrderIDPurpose(k)] = v
	}
	return out, nil
}

// SaveOrderIDCounter implements orderid.Counters.
func (s *JSONStore) SaveOrderIDCounter(botID string, purpose models.ClientOrderIDPurpose, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.OrderIDSeqs[botID] == nil {
		s.data.OrderIDSeqs[botID] = make(map[string]uint64)
	}
	s.data.OrderIDSeqs[botID][string(purpose)] = seq
	return s.saveUnsafe()
}
