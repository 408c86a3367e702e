package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

// Status is the last known state of one request.
type Status struct {
	Request    entities.Request
	Backend    string
	Completion *entities.Completion
	ReplayedAs string
}

type Config struct {
	// Retention is how long delivered and expired requests stay queryable.
	Retention time.Duration
	// DeadLetterRetention bounds dead letters separately. Zero keeps them
	// until they are replayed and the replay is pruned.
	DeadLetterRetention time.Duration
	// MaxTerminal caps terminal rows regardless of age.
	MaxTerminal int
}

func DefaultConfig() Config {
	return Config{
		Retention:   15 * time.Minute,
		MaxTerminal: 10000,
	}
}

type keyRecord struct {
	requestID   string
	requestHash string
	// pending is set between ClaimKey and the routing outcome, while the
	// request may not be tracked yet.
	pending bool
}

// Tracker is the in-process status registry behind the request lookup,
// dead-letter listing and idempotency-key replay.
type Tracker struct {
	mu       sync.RWMutex
	cfg      Config
	statuses map[string]Status
	terminal []string
	keys     map[string]keyRecord
}

func New(cfg Config) *Tracker {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Tracker{
		cfg:      cfg,
		statuses: make(map[string]Status),
		keys:     make(map[string]keyRecord),
	}
}

// Track records a non-terminal state. An empty backend keeps the one
// recorded earlier.
func (t *Tracker) Track(req entities.Request, backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.statuses[req.ID]
	current.Request = req
	if backend != "" {
		current.Backend = backend
	}
	t.statuses[req.ID] = current
}

// Finish records a terminal state. Payloads are dropped except for dead
// letters, which keep theirs for replay.
func (t *Tracker) Finish(req entities.Request, backend string, completion *entities.Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req.State != entities.StateDeadLettered {
		req.Payload = nil
	}
	current := t.statuses[req.ID]
	wasTerminal := current.Request.State.Terminal()
	current.Request = req
	if backend != "" {
		current.Backend = backend
	}
	current.Completion = completion
	t.statuses[req.ID] = current

	if !wasTerminal {
		t.terminal = append(t.terminal, req.ID)
	}
	t.enforceCapLocked()
}

// Forget drops a request that never entered the lifecycle, for example one
// rejected before it was queued.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Tracker) Get(id string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.statuses[id]
	return status, ok
}

// ClaimKey binds an idempotency key to requestID unless a live request
// already holds it. The check and the write happen under one lock, so of
// two concurrent submissions with the same key exactly one claims it; the
// other gets the holder's id and claimed=false. A key reused with a
// different request hash is a conflict.
func (t *Tracker) ClaimKey(key string, requestHash string, requestID string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if record, ok := t.keys[key]; ok {
		if record.requestHash != requestHash {
			return "", false, domainerrors.ErrIdempotencyKeyConflict
		}
		if _, tracked := t.statuses[record.requestID]; tracked || record.pending {
			return record.requestID, false, nil
		}
	}
	t.keys[key] = keyRecord{requestID: requestID, requestHash: requestHash, pending: true}
	return requestID, true, nil
}

// ConfirmKey ends the pending phase of a claim once its request is tracked.
func (t *Tracker) ConfirmKey(key string, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.keys[key]; ok && record.requestID == requestID {
		record.pending = false
		t.keys[key] = record
	}
}

// ReleaseKey drops a claim whose request was rejected, so the caller may
// resubmit under the same key.
func (t *Tracker) ReleaseKey(key string, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.keys[key]; ok && record.requestID == requestID {
		delete(t.keys, key)
	}
}

// BeginReplay marks a dead letter as being replayed under newID. A dead
// letter is replayed at most once unless the replay is aborted.
func (t *Tracker) BeginReplay(id string, newID string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.statuses[id]
	if !ok {
		return Status{}, domainerrors.ErrRequestNotFound
	}
	if status.Request.State != entities.StateDeadLettered {
		return Status{}, domainerrors.ErrNotDeadLettered
	}
	if status.ReplayedAs != "" {
		return Status{}, fmt.Errorf("%w: already replayed as %s", domainerrors.ErrNotDeadLettered, status.ReplayedAs)
	}
	status.ReplayedAs = newID
	t.statuses[id] = status
	return status, nil
}

func (t *Tracker) AbortReplay(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status, ok := t.statuses[id]; ok {
		status.ReplayedAs = ""
		t.statuses[id] = status
	}
}

// DeadLetters lists dead-lettered requests, most recent first.
func (t *Tracker) DeadLetters(limit int) []Status {
	t.mu.RLock()
	items := make([]Status, 0)
	for _, status := range t.statuses {
		if status.Request.State == entities.StateDeadLettered {
			items = append(items, status)
		}
	}
	t.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Request.UpdatedAt.Equal(items[j].Request.UpdatedAt) {
			return items[i].Request.UpdatedAt.After(items[j].Request.UpdatedAt)
		}
		return items[i].Request.ID < items[j].Request.ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (t *Tracker) Counts() map[entities.RequestState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[entities.RequestState]int)
	for _, status := range t.statuses {
		out[status.Request.State]++
	}
	return out
}

// Prune removes terminal rows older than their retention and returns how
// many were dropped.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.terminal[:0]
	removed := 0
	for _, id := range t.terminal {
		status, ok := t.statuses[id]
		if !ok || !status.Request.State.Terminal() {
			continue
		}
		if t.expiredLocked(status, now) {
			t.removeLocked(id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.terminal = kept
	return removed
}

func (t *Tracker) expiredLocked(status Status, now time.Time) bool {
	retention := t.cfg.Retention
	if status.Request.State == entities.StateDeadLettered && status.ReplayedAs == "" {
		if t.cfg.DeadLetterRetention <= 0 {
			return false
		}
		retention = t.cfg.DeadLetterRetention
	}
	return !now.Before(status.Request.UpdatedAt.Add(retention))
}

// enforceCapLocked drops the oldest terminal rows beyond MaxTerminal.
// Dead letters awaiting replay do not count and are never dropped here;
// only their own retention removes them.
func (t *Tracker) enforceCapLocked() {
	if t.cfg.MaxTerminal <= 0 {
		return
	}
	excess := -t.cfg.MaxTerminal
	for _, id := range t.terminal {
		if !t.awaitingReplayLocked(id) {
			excess++
		}
	}
	if excess <= 0 {
		return
	}
	kept := t.terminal[:0]
	for _, id := range t.terminal {
		if excess > 0 && !t.awaitingReplayLocked(id) {
			t.removeLocked(id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.terminal = kept
}

func (t *Tracker) awaitingReplayLocked(id string) bool {
	status, ok := t.statuses[id]
	return ok && status.Request.State == entities.StateDeadLettered && status.ReplayedAs == ""
}

func (t *Tracker) removeLocked(id string) {
	delete(t.statuses, id)
	for key, record := range t.keys {
		if record.requestID == id {
			delete(t.keys, key)
		}
	}
}
