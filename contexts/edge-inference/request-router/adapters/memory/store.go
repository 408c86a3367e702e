package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

// Store is an in-memory queue store for the memory durability level and
// for tests. It also supplies the system clock and uuid request ids.
// Entries do not survive the process, but do survive a Module being
// rebuilt over the same Store, which is how restarts are simulated.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entities.QueueEntry
	keys    map[entities.OrderingKey]string
	logger  *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{
		entries: make(map[string]entities.QueueEntry),
		keys:    make(map[entities.OrderingKey]string),
		logger:  application.ResolveLogger(logger),
	}
}

func (s *Store) SaveEntry(_ context.Context, entry entities.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := persistedKey(entry)
	if owner, taken := s.keys[key]; taken && owner != entry.Request.ID {
		return domainerrors.ErrRepositoryInvariantBroke
	}
	if previous, ok := s.entries[entry.Request.ID]; ok {
		delete(s.keys, persistedKey(previous))
	}
	s.entries[entry.Request.ID] = cloneEntry(entry)
	s.keys[key] = entry.Request.ID
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.entries[requestID]; ok {
		delete(s.keys, persistedKey(previous))
		delete(s.entries, requestID)
	}
	return nil
}

func (s *Store) LoadEntries(_ context.Context) ([]entities.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]entities.QueueEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		items = append(items, cloneEntry(entry))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key.Less(items[j].Key)
	})
	return items, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

// persistedKey is the row identity (priority, sequence); the effective
// timestamp is data, not identity.
func persistedKey(entry entities.QueueEntry) entities.OrderingKey {
	return entities.OrderingKey{Rank: entry.Key.Rank, Sequence: entry.Key.Sequence}
}

func cloneEntry(entry entities.QueueEntry) entities.QueueEntry {
	payload := make([]byte, len(entry.Request.Payload))
	copy(payload, entry.Request.Payload)
	entry.Request.Payload = payload
	return entry
}
