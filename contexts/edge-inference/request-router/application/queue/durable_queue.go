package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
	"edgeway/contexts/edge-inference/request-router/domain/services"
	"edgeway/contexts/edge-inference/request-router/ports"
)

type Config struct {
	// MaxEntries bounds queued plus leased entries. Zero leaves the memory
	// budget as the only bound.
	MaxEntries int
}

type Stats struct {
	Queued           int
	Leased           int
	ByPriority       map[entities.Priority]int
	OldestPendingAge time.Duration
	MaxEntries       int
}

// DurableQueue holds requests waiting for a backend, ordered by priority,
// effective time and sequence. Every held entry owns a memory reservation
// on the resource monitor. With a store attached, entries survive restarts.
type DurableQueue struct {
	cfg     Config
	monitor *services.ResourceMonitor
	store   ports.QueueStore
	tracker *tracker.Tracker
	clock   ports.Clock
	metrics ports.MetricsRecorder
	logger  *slog.Logger

	mu       sync.Mutex
	items    entryHeap
	index    map[string]*item
	leased   map[string]entities.QueueEntry
	reserved int
	stored   map[string]struct{}
	sequence uint64
}

type Dependencies struct {
	Config  Config
	Monitor *services.ResourceMonitor
	Store   ports.QueueStore
	Tracker *tracker.Tracker
	Clock   ports.Clock
	Metrics ports.MetricsRecorder
	Logger  *slog.Logger
}

func New(deps Dependencies) *DurableQueue {
	t := deps.Tracker
	if t == nil {
		t = tracker.New(tracker.DefaultConfig())
	}
	return &DurableQueue{
		cfg:     deps.Config,
		monitor: deps.Monitor,
		store:   deps.Store,
		tracker: t,
		clock:   deps.Clock,
		metrics: application.ResolveMetrics(deps.Metrics),
		logger:  application.ResolveLogger(deps.Logger),
		index:   make(map[string]*item),
		leased:  make(map[string]entities.QueueEntry),
		stored:  make(map[string]struct{}),
	}
}

// Enqueue inserts a pending request. When the queue or the memory budget is
// full, strictly lower-priority entries are evicted to make room; if that is
// not enough ErrQueueFull is returned and nothing is evicted.
//
// On error the caller still owns the request's memory reservation.
func (q *DurableQueue) Enqueue(ctx context.Context, req entities.Request) error {
	return q.insert(ctx, req, 0)
}

// Requeue puts back a request whose dispatch failed, shifting its sort key
// by backoff. A leased entry keeps its slot and sequence; any other request
// is inserted like Enqueue.
func (q *DurableQueue) Requeue(ctx context.Context, req entities.Request, backoff time.Duration) error {
	now := application.Now(q.clock)

	q.mu.Lock()
	lease, leased := q.leased[req.ID]
	if !leased {
		q.mu.Unlock()
		return q.insert(ctx, req, backoff)
	}
	delete(q.leased, req.ID)
	if req.ExpiredAt(now) {
		q.mu.Unlock()
		q.expire(ctx, []entities.QueueEntry{{Request: req, Key: lease.Key}}, entities.ReasonDeadlineExceeded, now)
		return domainerrors.ErrDeadlineExpired
	}
	next, err := req.Transition(entities.StateQueued, now)
	if err != nil {
		q.leased[req.ID] = lease
		q.mu.Unlock()
		return err
	}
	entry := entities.NewQueueEntry(next, lease.Key.Sequence, backoff, now)
	q.reserved++
	q.mu.Unlock()

	if err := q.persist(ctx, entry); err != nil {
		// The entry is still held in memory; only its durable copy is stale.
		q.logger.Error("requeue persist failed",
			"event", "edge_router_requeue_persist_failed",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", req.ID,
			"error", err.Error(),
		)
	}

	q.mu.Lock()
	q.reserved--
	q.pushLocked(entry)
	q.mu.Unlock()

	q.tracker.Track(next, "")
	return nil
}

func (q *DurableQueue) insert(ctx context.Context, req entities.Request, backoff time.Duration) error {
	now := application.Now(q.clock)
	if req.ExpiredAt(now) {
		return domainerrors.ErrDeadlineExpired
	}
	next, err := req.Transition(entities.StateQueued, now)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if _, exists := q.index[req.ID]; exists {
		q.mu.Unlock()
		return nil
	}
	victims, ok := q.makeRoomLocked(next)
	if !ok {
		q.mu.Unlock()
		return domainerrors.ErrQueueFull
	}
	q.sequence++
	entry := entities.NewQueueEntry(next, q.sequence, backoff, now)
	q.reserved++
	q.mu.Unlock()

	q.evict(ctx, victims, now)

	if err := q.persist(ctx, entry); err != nil {
		q.mu.Lock()
		q.reserved--
		q.mu.Unlock()
		return fmt.Errorf("persist queue entry: %w", err)
	}

	q.mu.Lock()
	q.reserved--
	q.pushLocked(entry)
	q.mu.Unlock()

	q.tracker.Track(next, "")
	q.logger.Debug("request queued",
		"event", "edge_router_request_queued",
		"module", application.ModuleName,
		"layer", "application",
		"request_id", req.ID,
		"priority", string(req.Priority),
		"attempt_count", req.AttemptCount,
	)
	return nil
}

// DequeueBatch leases up to n entries in ordering-key order. Entries whose
// deadline has passed are expired instead of returned, and failed entries
// still inside their retry delay are skipped. Leased entries stay in the
// store until they reach a terminal state.
func (q *DurableQueue) DequeueBatch(ctx context.Context, n int) []entities.QueueEntry {
	if n <= 0 {
		return nil
	}
	now := application.Now(q.clock)

	q.mu.Lock()
	out := make([]entities.QueueEntry, 0, n)
	var expired, waiting []entities.QueueEntry
	for len(out) < n && q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*item)
		delete(q.index, it.entry.Request.ID)
		entry := it.entry
		if entry.Request.ExpiredAt(now) {
			expired = append(expired, entry)
			continue
		}
		if entry.BackingOff(now) {
			waiting = append(waiting, entry)
			continue
		}
		next, err := entry.Request.Transition(entities.StateInFlight, now)
		if err != nil {
			q.pushLocked(entry)
			break
		}
		entry.Request = next
		q.leased[next.ID] = entry
		out = append(out, entry)
	}
	for _, entry := range waiting {
		q.pushLocked(entry)
	}
	q.mu.Unlock()

	q.expire(ctx, expired, entities.ReasonDeadlineExceeded, now)
	return out
}

// PutBack returns leased entries untouched: same key, no attempt consumed.
// Used when no backend could take them.
func (q *DurableQueue) PutBack(ctx context.Context, entries []entities.QueueEntry) {
	if len(entries) == 0 {
		return
	}
	now := application.Now(q.clock)

	q.mu.Lock()
	var expired []entities.QueueEntry
	for _, entry := range entries {
		lease, ok := q.leased[entry.Request.ID]
		if !ok {
			continue
		}
		delete(q.leased, entry.Request.ID)
		if lease.Request.ExpiredAt(now) {
			expired = append(expired, lease)
			continue
		}
		lease.Request.State = entities.StateQueued
		q.pushLocked(lease)
	}
	q.mu.Unlock()

	q.expire(ctx, expired, entities.ReasonDeadlineExceeded, now)
}

// Finalize settles a request that reached a terminal state: the lease and
// durable copy are dropped, its memory is released and the tracker records
// the result.
func (q *DurableQueue) Finalize(ctx context.Context, req entities.Request, backend string, completion *entities.Completion) error {
	if !req.State.Terminal() {
		return fmt.Errorf("%w: finalize in state %s", domainerrors.ErrInvalidStateTransition, req.State)
	}

	q.mu.Lock()
	delete(q.leased, req.ID)
	if it, ok := q.index[req.ID]; ok {
		heap.Remove(&q.items, it.index)
		delete(q.index, req.ID)
	}
	q.mu.Unlock()

	q.unpersist(ctx, req.ID)
	releaseErr := q.release(req.ID)
	q.tracker.Finish(req, backend, completion)

	switch req.State {
	case entities.StateDelivered:
		q.metrics.Delivered(req.Priority)
	case entities.StateDeadLettered:
		q.metrics.DeadLettered(req.Priority)
	case entities.StateExpired:
		q.metrics.Expired(req.TerminalReason)
	}
	return releaseErr
}

// Reclaim evicts strictly lower-priority entries until size more bytes fit
// in the memory budget. It reports whether the bytes fit afterwards.
func (q *DurableQueue) Reclaim(ctx context.Context, incoming entities.Priority, size int64) bool {
	if q.monitor == nil {
		return false
	}
	now := application.Now(q.clock)

	q.mu.Lock()
	if q.monitor.Tripped() {
		q.mu.Unlock()
		return false
	}
	if q.monitor.Fits(size) {
		q.mu.Unlock()
		return true
	}
	victims := q.planEvictionLocked(incoming, 0, size-q.monitor.Available())
	if victims == nil {
		q.mu.Unlock()
		return false
	}
	q.removeVictimsLocked(victims)
	q.mu.Unlock()

	q.evict(ctx, victims, now)
	return q.monitor.Fits(size)
}

// Sweep expires every queued entry whose deadline has passed.
func (q *DurableQueue) Sweep(ctx context.Context) int {
	now := application.Now(q.clock)

	q.mu.Lock()
	var expired []entities.QueueEntry
	for _, it := range q.items {
		if it.entry.Request.ExpiredAt(now) {
			expired = append(expired, it.entry)
		}
	}
	for _, entry := range expired {
		heap.Remove(&q.items, q.index[entry.Request.ID].index)
		delete(q.index, entry.Request.ID)
	}
	q.mu.Unlock()

	q.expire(ctx, expired, entities.ReasonDeadlineExceeded, now)
	return len(expired)
}

// Restore reloads persisted entries after a restart. Entries past their
// deadline, or beyond what the budget now admits, are expired.
func (q *DurableQueue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	entries, err := q.store.LoadEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queue entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Less(entries[j].Key)
	})
	now := application.Now(q.clock)

	var expired, overflow []entities.QueueEntry
	restored := 0
	q.mu.Lock()
	for _, entry := range entries {
		id := entry.Request.ID
		q.stored[id] = struct{}{}
		if entry.Key.Sequence > q.sequence {
			q.sequence = entry.Key.Sequence
		}
		if _, held := q.index[id]; held {
			continue
		}
		if _, held := q.leased[id]; held {
			continue
		}
		entry.Request.State = entities.StateQueued
		if entry.Request.ExpiredAt(now) {
			expired = append(expired, entry)
			continue
		}
		if q.cfg.MaxEntries > 0 && q.occupancyLocked() >= q.cfg.MaxEntries {
			overflow = append(overflow, entry)
			continue
		}
		if q.monitor != nil && !q.monitor.Admit(id, entry.Request.EstimatedSize) {
			overflow = append(overflow, entry)
			continue
		}
		q.pushLocked(entry)
		restored++
	}
	q.mu.Unlock()

	for _, entry := range expired {
		q.dropRestored(ctx, entry, entities.ReasonDeadlineExceeded, now)
	}
	for _, entry := range overflow {
		q.dropRestored(ctx, entry, entities.ReasonEvictedCapacity, now)
	}

	q.mu.Lock()
	for _, it := range q.items {
		q.tracker.Track(it.entry.Request, "")
	}
	q.mu.Unlock()

	q.logger.Info("queue restored",
		"event", "edge_router_queue_restored",
		"module", application.ModuleName,
		"layer", "application",
		"restored_count", restored,
		"expired_count", len(expired),
		"dropped_count", len(overflow),
	)
	return restored, nil
}

func (q *DurableQueue) Stats() Stats {
	now := application.Now(q.clock)

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Queued:     q.items.Len(),
		Leased:     len(q.leased),
		ByPriority: make(map[entities.Priority]int, len(entities.Priorities)),
		MaxEntries: q.cfg.MaxEntries,
	}
	for _, priority := range entities.Priorities {
		stats.ByPriority[priority] = 0
	}
	var oldest time.Time
	for _, it := range q.items {
		req := it.entry.Request
		stats.ByPriority[req.Priority]++
		if oldest.IsZero() || req.CreatedAt.Before(oldest) {
			oldest = req.CreatedAt
		}
	}
	if !oldest.IsZero() && now.After(oldest) {
		stats.OldestPendingAge = now.Sub(oldest)
	}
	return stats
}

func (q *DurableQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Contains reports whether id is queued or leased.
func (q *DurableQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[id]; ok {
		return true
	}
	_, ok := q.leased[id]
	return ok
}

func (q *DurableQueue) occupancyLocked() int {
	return q.items.Len() + len(q.leased) + q.reserved
}

func (q *DurableQueue) pushLocked(entry entities.QueueEntry) {
	it := &item{entry: entry}
	heap.Push(&q.items, it)
	q.index[entry.Request.ID] = it
}

// makeRoomLocked admits req against both bounds, choosing victims when one
// of them is exceeded. Victims are already removed and released when it
// returns true.
func (q *DurableQueue) makeRoomLocked(req entities.Request) ([]entities.QueueEntry, bool) {
	admitted := true
	if q.monitor != nil {
		if q.monitor.Tripped() {
			return nil, false
		}
		admitted = q.monitor.Admit(req.ID, req.EstimatedSize)
	}

	slotsShort := 0
	if q.cfg.MaxEntries > 0 {
		slotsShort = q.occupancyLocked() + 1 - q.cfg.MaxEntries
	}
	var bytesShort int64
	if !admitted {
		bytesShort = req.EstimatedSize - q.monitor.Available()
	}
	if slotsShort <= 0 && admitted {
		return nil, true
	}

	victims := q.planEvictionLocked(req.Priority, slotsShort, bytesShort)
	if victims == nil {
		return nil, false
	}
	q.removeVictimsLocked(victims)
	if !admitted && !q.monitor.Admit(req.ID, req.EstimatedSize) {
		q.reinstateLocked(victims)
		return nil, false
	}
	return victims, true
}

// planEvictionLocked picks the lowest-priority, oldest entries strictly below
// incoming until both shortfalls are covered. It returns nil when they
// cannot be.
func (q *DurableQueue) planEvictionLocked(incoming entities.Priority, slots int, bytes int64) []entities.QueueEntry {
	candidates := make([]entities.QueueEntry, 0)
	for _, it := range q.items {
		if incoming.Outranks(it.entry.Request.Priority) {
			candidates = append(candidates, it.entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Key.Rank != b.Key.Rank {
			return a.Key.Rank > b.Key.Rank
		}
		if !a.Request.CreatedAt.Equal(b.Request.CreatedAt) {
			return a.Request.CreatedAt.Before(b.Request.CreatedAt)
		}
		return a.Key.Sequence < b.Key.Sequence
	})

	var victims []entities.QueueEntry
	for _, candidate := range candidates {
		if slots <= 0 && bytes <= 0 {
			break
		}
		victims = append(victims, candidate)
		slots--
		bytes -= candidate.Request.EstimatedSize
	}
	if slots > 0 || bytes > 0 {
		return nil
	}
	return victims
}

func (q *DurableQueue) removeVictimsLocked(victims []entities.QueueEntry) {
	for _, victim := range victims {
		if it, ok := q.index[victim.Request.ID]; ok {
			heap.Remove(&q.items, it.index)
			delete(q.index, victim.Request.ID)
		}
		_ = q.release(victim.Request.ID)
	}
}

func (q *DurableQueue) reinstateLocked(victims []entities.QueueEntry) {
	for _, victim := range victims {
		if q.monitor != nil {
			q.monitor.Admit(victim.Request.ID, victim.Request.EstimatedSize)
		}
		q.pushLocked(victim)
	}
}

func (q *DurableQueue) evict(ctx context.Context, victims []entities.QueueEntry, now time.Time) {
	for _, victim := range victims {
		req, err := victim.Request.Terminate(entities.StateExpired, entities.ReasonEvictedCapacity, now)
		if err != nil {
			req = victim.Request
		}
		q.unpersist(ctx, req.ID)
		q.tracker.Finish(req, "", nil)
		q.metrics.Evicted(req.Priority)
		q.metrics.Expired(entities.ReasonEvictedCapacity)
		q.logger.Info("queued request evicted for capacity",
			"event", "edge_router_request_evicted",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", req.ID,
			"priority", string(req.Priority),
		)
	}
}

func (q *DurableQueue) expire(ctx context.Context, entries []entities.QueueEntry, reason string, now time.Time) {
	for _, entry := range entries {
		req, err := entry.Request.Terminate(entities.StateExpired, reason, now)
		if err != nil {
			req = entry.Request
		}
		q.unpersist(ctx, req.ID)
		_ = q.release(req.ID)
		q.tracker.Finish(req, "", nil)
		q.metrics.Expired(reason)
		q.logger.Info("queued request expired",
			"event", "edge_router_request_expired",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", req.ID,
			"priority", string(req.Priority),
			"reason", reason,
		)
	}
}

// dropRestored settles a persisted entry that was never admitted in this
// process, so no reservation is released.
func (q *DurableQueue) dropRestored(ctx context.Context, entry entities.QueueEntry, reason string, now time.Time) {
	req, err := entry.Request.Terminate(entities.StateExpired, reason, now)
	if err != nil {
		req = entry.Request
	}
	q.unpersist(ctx, req.ID)
	q.tracker.Finish(req, "", nil)
	q.metrics.Expired(reason)
}

func (q *DurableQueue) release(id string) error {
	if q.monitor == nil {
		return nil
	}
	if err := q.monitor.Release(id); err != nil {
		q.logger.Error("memory release failed",
			"event", "edge_router_accounting_violation",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", id,
			"error", err.Error(),
		)
		return err
	}
	return nil
}

func (q *DurableQueue) persist(ctx context.Context, entry entities.QueueEntry) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.SaveEntry(ctx, entry); err != nil {
		return err
	}
	q.mu.Lock()
	q.stored[entry.Request.ID] = struct{}{}
	q.mu.Unlock()
	return nil
}

func (q *DurableQueue) unpersist(ctx context.Context, id string) {
	if q.store == nil {
		return
	}
	q.mu.Lock()
	_, ok := q.stored[id]
	delete(q.stored, id)
	q.mu.Unlock()
	if !ok {
		return
	}
	if err := q.store.DeleteEntry(ctx, id); err != nil {
		q.logger.Error("queue entry delete failed",
			"event", "edge_router_queue_delete_failed",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", id,
			"error", err.Error(),
		)
	}
}
