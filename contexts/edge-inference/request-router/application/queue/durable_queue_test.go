package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
	"edgeway/contexts/edge-inference/request-router/domain/services"
)

var epoch = time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mapStore struct {
	mu      sync.Mutex
	entries map[string]entities.QueueEntry
	failOn  string
}

func newMapStore() *mapStore {
	return &mapStore{entries: make(map[string]entities.QueueEntry)}
}

func (s *mapStore) SaveEntry(_ context.Context, entry entities.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Request.ID == s.failOn {
		return errors.New("disk full")
	}
	s.entries[entry.Request.ID] = entry
	return nil
}

func (s *mapStore) DeleteEntry(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, requestID)
	return nil
}

func (s *mapStore) LoadEntries(_ context.Context) ([]entities.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.QueueEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (s *mapStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *mapStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fixture struct {
	queue   *DurableQueue
	monitor *services.ResourceMonitor
	tracker *tracker.Tracker
	clock   *manualClock
	store   *mapStore
}

func newFixture(t *testing.T, maxEntries int, budget int64, store *mapStore) fixture {
	t.Helper()
	clock := &manualClock{now: epoch}
	monitor := services.NewResourceMonitor(budget)
	track := tracker.New(tracker.DefaultConfig())
	q := New(Dependencies{
		Config:  Config{MaxEntries: maxEntries},
		Monitor: monitor,
		Store:   store,
		Tracker: track,
		Clock:   clock,
	})
	return fixture{queue: q, monitor: monitor, tracker: track, clock: clock, store: store}
}

func mustRequest(t *testing.T, id string, priority entities.Priority, createdAt time.Time, deadline time.Time) entities.Request {
	t.Helper()
	req, err := entities.NewRequest(id, []byte(`{"messages":[]}`), priority, "", createdAt, deadline)
	if err != nil {
		t.Fatalf("new request %s: %v", id, err)
	}
	return req
}

func ids(entries []entities.QueueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Request.ID)
	}
	return out
}

func TestDequeueFollowsPriorityThenAgeThenSequence(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	ctx := context.Background()

	submissions := []struct {
		id       string
		priority entities.Priority
		offset   time.Duration
	}{
		{"low-old", entities.PriorityLow, 0},
		{"normal-late", entities.PriorityNormal, 2 * time.Second},
		{"critical", entities.PriorityCritical, 3 * time.Second},
		{"normal-early", entities.PriorityNormal, time.Second},
		{"normal-tie", entities.PriorityNormal, 2 * time.Second},
	}
	for _, s := range submissions {
		if err := f.queue.Enqueue(ctx, mustRequest(t, s.id, s.priority, epoch.Add(s.offset), time.Time{})); err != nil {
			t.Fatalf("enqueue %s: %v", s.id, err)
		}
	}

	got := ids(f.queue.DequeueBatch(ctx, 10))
	want := []string{"critical", "normal-early", "normal-late", "normal-tie", "low-old"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
	for _, entry := range got {
		if !f.queue.Contains(entry) {
			t.Fatalf("expected %s to stay leased", entry)
		}
	}
	if f.queue.Len() != 0 {
		t.Fatalf("expected nothing left queued, got %d", f.queue.Len())
	}
}

func TestRequeueBackoffShiftsOnlyTheOrderingKey(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	ctx := context.Background()

	first := mustRequest(t, "first", entities.PriorityNormal, epoch, time.Time{})
	second := mustRequest(t, "second", entities.PriorityNormal, epoch.Add(time.Second), time.Time{})
	_ = f.queue.Enqueue(ctx, first)
	_ = f.queue.Enqueue(ctx, second)

	leased := f.queue.DequeueBatch(ctx, 1)
	if len(leased) != 1 || leased[0].Request.ID != "first" {
		t.Fatalf("expected first leased, got %v", ids(leased))
	}
	failed := leased[0].Request.RecordFailure("boom", f.clock.Now())
	if err := f.queue.Requeue(ctx, failed, 10*time.Second); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	f.clock.Advance(10 * time.Second)
	got := ids(f.queue.DequeueBatch(ctx, 2))
	if fmt.Sprint(got) != "[second first]" {
		t.Fatalf("expected backoff to move first behind second, got %v", got)
	}
	status, ok := f.tracker.Get("first")
	if !ok || !status.Request.CreatedAt.Equal(epoch) || status.Request.AttemptCount != 1 {
		t.Fatalf("expected created_at kept and one attempt, got %+v", status.Request)
	}
}

func TestRequeuedEntryWaitsOutItsBackoff(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	ctx := context.Background()

	// Created long ago, so the shifted sort key alone is already in the past.
	old := mustRequest(t, "old", entities.PriorityCritical, epoch.Add(-time.Hour), time.Time{})
	_ = f.queue.Enqueue(ctx, old)
	leased := f.queue.DequeueBatch(ctx, 1)
	if len(leased) != 1 {
		t.Fatalf("expected old leased, got %v", ids(leased))
	}
	failed := leased[0].Request.RecordFailure("boom", f.clock.Now())
	if err := f.queue.Requeue(ctx, failed, 4*time.Second); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	_ = f.queue.Enqueue(ctx, mustRequest(t, "fresh", entities.PriorityLow, epoch, time.Time{}))

	got := ids(f.queue.DequeueBatch(ctx, 5))
	if fmt.Sprint(got) != "[fresh]" {
		t.Fatalf("expected only the fresh entry while old backs off, got %v", got)
	}
	if !f.queue.Contains("old") || f.queue.Len() != 1 {
		t.Fatalf("expected old still queued, len=%d", f.queue.Len())
	}

	f.clock.Advance(3 * time.Second)
	if got := f.queue.DequeueBatch(ctx, 5); len(got) != 0 {
		t.Fatalf("expected nothing before the delay elapses, got %v", ids(got))
	}

	f.clock.Advance(time.Second)
	got = ids(f.queue.DequeueBatch(ctx, 5))
	if fmt.Sprint(got) != "[old]" {
		t.Fatalf("expected old released after its delay, got %v", got)
	}
}

func TestFreshEntriesIgnoreRetryDelay(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	ctx := context.Background()

	// A client clock ahead of ours must not hold back a first attempt.
	ahead := mustRequest(t, "ahead", entities.PriorityNormal, epoch.Add(time.Minute), time.Time{})
	_ = f.queue.Enqueue(ctx, ahead)
	if got := ids(f.queue.DequeueBatch(ctx, 1)); fmt.Sprint(got) != "[ahead]" {
		t.Fatalf("expected fresh entry leased, got %v", got)
	}
}

func TestHigherPriorityEvictsOldestLowestWhenFull(t *testing.T) {
	f := newFixture(t, 2, 1<<20, nil)
	ctx := context.Background()

	_ = f.queue.Enqueue(ctx, mustRequest(t, "low-a", entities.PriorityLow, epoch, time.Time{}))
	_ = f.queue.Enqueue(ctx, mustRequest(t, "low-b", entities.PriorityLow, epoch.Add(time.Second), time.Time{}))

	if err := f.queue.Enqueue(ctx, mustRequest(t, "critical", entities.PriorityCritical, epoch.Add(2*time.Second), time.Time{})); err != nil {
		t.Fatalf("expected critical to displace a low entry, got %v", err)
	}
	status, ok := f.tracker.Get("low-a")
	if !ok || status.Request.State != entities.StateExpired || status.Request.TerminalReason != entities.ReasonEvictedCapacity {
		t.Fatalf("expected low-a evicted, got %+v", status.Request)
	}
	if f.monitor.Holds("low-a") {
		t.Fatalf("expected evicted entry's memory released")
	}
	if !f.queue.Contains("low-b") || !f.queue.Contains("critical") {
		t.Fatalf("expected low-b and critical queued")
	}

	err := f.queue.Enqueue(ctx, mustRequest(t, "low-c", entities.PriorityLow, epoch.Add(3*time.Second), time.Time{}))
	if !errors.Is(err, domainerrors.ErrQueueFull) {
		t.Fatalf("expected queue full for equal priority, got %v", err)
	}
	if !f.queue.Contains("low-b") {
		t.Fatalf("expected no eviction on a refused enqueue")
	}
}

func TestCriticalEvictsOldestNormalFromFullBudget(t *testing.T) {
	sample := mustRequest(t, "nrm-1", entities.PriorityNormal, epoch, time.Time{})
	size := sample.EstimatedSize
	f := newFixture(t, 0, 3*size, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("nrm-%d", i)
		if err := f.queue.Enqueue(ctx, mustRequest(t, id, entities.PriorityNormal, epoch.Add(time.Duration(i)*time.Second), time.Time{})); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if f.monitor.Used() != 3*size {
		t.Fatalf("expected budget filled, used=%d", f.monitor.Used())
	}

	err := f.queue.Enqueue(ctx, mustRequest(t, "nrm-4", entities.PriorityNormal, epoch.Add(4*time.Second), time.Time{}))
	if !errors.Is(err, domainerrors.ErrQueueFull) {
		t.Fatalf("expected queue full for a fourth normal request, got %v", err)
	}
	if f.queue.Len() != 3 {
		t.Fatalf("expected three queued, got %d", f.queue.Len())
	}

	if err := f.queue.Enqueue(ctx, mustRequest(t, "crt-1", entities.PriorityCritical, epoch.Add(5*time.Second), time.Time{})); err != nil {
		t.Fatalf("expected critical admitted, got %v", err)
	}
	status, ok := f.tracker.Get("nrm-1")
	if !ok || status.Request.State != entities.StateExpired || status.Request.TerminalReason != entities.ReasonEvictedCapacity {
		t.Fatalf("expected nrm-1 evicted for capacity, got %+v", status.Request)
	}
	if status.Request.TerminalReason != "evicted for capacity" {
		t.Fatalf("expected reason %q, got %q", "evicted for capacity", status.Request.TerminalReason)
	}
	for _, id := range []string{"nrm-2", "nrm-3", "crt-1"} {
		if !f.queue.Contains(id) {
			t.Fatalf("expected %s queued", id)
		}
	}
	if f.monitor.Used() != 3*size {
		t.Fatalf("expected budget still full, used=%d", f.monitor.Used())
	}
}

func TestMemoryBudgetEvictionIsAllOrNothing(t *testing.T) {
	// Equal-length ids keep every small request the same estimated size.
	sample := mustRequest(t, "low-1", entities.PriorityLow, epoch, time.Time{})
	size := sample.EstimatedSize
	f := newFixture(t, 0, 2*size, nil)
	ctx := context.Background()

	_ = f.queue.Enqueue(ctx, mustRequest(t, "low-1", entities.PriorityLow, epoch, time.Time{}))
	_ = f.queue.Enqueue(ctx, mustRequest(t, "nrm-1", entities.PriorityNormal, epoch, time.Time{}))
	if f.monitor.Used() != 2*size {
		t.Fatalf("expected budget filled, used=%d", f.monitor.Used())
	}

	big, _ := entities.NewRequest("nrm-2", make([]byte, 3*size), entities.PriorityNormal, "", epoch, time.Time{})
	if err := f.queue.Enqueue(ctx, big); !errors.Is(err, domainerrors.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if !f.queue.Contains("low-1") || f.monitor.Used() != 2*size {
		t.Fatalf("expected state untouched, used=%d", f.monitor.Used())
	}

	if err := f.queue.Enqueue(ctx, mustRequest(t, "crt-1", entities.PriorityCritical, epoch, time.Time{})); err != nil {
		t.Fatalf("expected critical admitted by evicting low, got %v", err)
	}
	if f.queue.Contains("low-1") || !f.queue.Contains("nrm-1") {
		t.Fatalf("expected only low-1 evicted")
	}
	if err := f.monitor.Verify(); err != nil {
		t.Fatalf("expected consistent accounting, got %v", err)
	}
}

func TestExpiredEntriesAreNeverLeased(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	ctx := context.Background()

	_ = f.queue.Enqueue(ctx, mustRequest(t, "short", entities.PriorityCritical, epoch, epoch.Add(time.Second)))
	_ = f.queue.Enqueue(ctx, mustRequest(t, "long", entities.PriorityLow, epoch, epoch.Add(time.Hour)))
	f.clock.Advance(time.Second)

	got := ids(f.queue.DequeueBatch(ctx, 5))
	if fmt.Sprint(got) != "[long]" {
		t.Fatalf("expected only long leased, got %v", got)
	}
	status, _ := f.tracker.Get("short")
	if status.Request.State != entities.StateExpired || status.Request.TerminalReason != entities.ReasonDeadlineExceeded {
		t.Fatalf("expected short expired, got %+v", status.Request)
	}
	if f.monitor.Holds("short") {
		t.Fatalf("expected expired memory released")
	}
}

func TestEnqueueRejectsExpiredRequest(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	req := mustRequest(t, "late", entities.PriorityNormal, epoch.Add(-time.Minute), epoch)
	if err := f.queue.Enqueue(context.Background(), req); !errors.Is(err, domainerrors.ErrDeadlineExpired) {
		t.Fatalf("expected deadline expired, got %v", err)
	}
	if f.queue.Len() != 0 || f.monitor.Used() != 0 {
		t.Fatalf("expected no side effects")
	}
}

func TestSweepExpiresQueuedEntries(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = f.queue.Enqueue(ctx, mustRequest(t, fmt.Sprintf("soon-%d", i), entities.PriorityNormal, epoch, epoch.Add(time.Second)))
	}
	_ = f.queue.Enqueue(ctx, mustRequest(t, "never", entities.PriorityNormal, epoch, time.Time{}))

	if n := f.queue.Sweep(ctx); n != 0 {
		t.Fatalf("expected nothing swept yet, got %d", n)
	}
	f.clock.Advance(2 * time.Second)
	if n := f.queue.Sweep(ctx); n != 3 {
		t.Fatalf("expected 3 swept, got %d", n)
	}
	if f.queue.Len() != 1 || f.monitor.Reservations() != 1 {
		t.Fatalf("expected one entry and one reservation left, got %d/%d", f.queue.Len(), f.monitor.Reservations())
	}
}

func TestPutBackKeepsPosition(t *testing.T) {
	f := newFixture(t, 0, 1<<20, nil)
	ctx := context.Background()
	_ = f.queue.Enqueue(ctx, mustRequest(t, "a", entities.PriorityNormal, epoch, time.Time{}))
	_ = f.queue.Enqueue(ctx, mustRequest(t, "b", entities.PriorityNormal, epoch.Add(time.Second), time.Time{}))

	leased := f.queue.DequeueBatch(ctx, 2)
	f.queue.PutBack(ctx, leased)
	got := f.queue.DequeueBatch(ctx, 2)
	if fmt.Sprint(ids(got)) != "[a b]" {
		t.Fatalf("expected original order, got %v", ids(got))
	}
	if got[0].Request.AttemptCount != 0 {
		t.Fatalf("expected no attempt consumed")
	}
}

func TestFinalizeReleasesAndUnpersists(t *testing.T) {
	store := newMapStore()
	f := newFixture(t, 0, 1<<20, store)
	ctx := context.Background()

	_ = f.queue.Enqueue(ctx, mustRequest(t, "req", entities.PriorityNormal, epoch, time.Time{}))
	leased := f.queue.DequeueBatch(ctx, 1)
	if !store.has("req") {
		t.Fatalf("expected leased entry to stay persisted")
	}

	delivered, err := leased[0].Request.Terminate(entities.StateDelivered, "", f.clock.Now())
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	completion := &entities.Completion{RequestID: "req", Backend: "local", Body: []byte(`{"ok":true}`)}
	if err := f.queue.Finalize(ctx, delivered, "local", completion); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if store.has("req") || f.queue.Contains("req") || f.monitor.Used() != 0 {
		t.Fatalf("expected entry fully settled")
	}
	status, _ := f.tracker.Get("req")
	if status.Backend != "local" || status.Completion == nil {
		t.Fatalf("expected delivered status with completion, got %+v", status)
	}

	if err := f.queue.Finalize(ctx, leased[0].Request, "", nil); !errors.Is(err, domainerrors.ErrInvalidStateTransition) {
		t.Fatalf("expected non-terminal finalize rejected, got %v", err)
	}
}

func TestPersistFailureLeavesNothingQueued(t *testing.T) {
	store := newMapStore()
	store.failOn = "doomed"
	f := newFixture(t, 0, 1<<20, store)

	err := f.queue.Enqueue(context.Background(), mustRequest(t, "doomed", entities.PriorityNormal, epoch, time.Time{}))
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if f.queue.Contains("doomed") {
		t.Fatalf("expected entry not queued after persist failure")
	}
}

func TestRestoreAfterRestartKeepsOrderAndDropsExpired(t *testing.T) {
	store := newMapStore()
	before := newFixture(t, 0, 1<<20, store)
	ctx := context.Background()

	_ = before.queue.Enqueue(ctx, mustRequest(t, "low", entities.PriorityLow, epoch, time.Time{}))
	_ = before.queue.Enqueue(ctx, mustRequest(t, "critical", entities.PriorityCritical, epoch.Add(time.Second), time.Time{}))
	_ = before.queue.Enqueue(ctx, mustRequest(t, "doomed", entities.PriorityNormal, epoch, epoch.Add(time.Minute)))
	_ = before.queue.Enqueue(ctx, mustRequest(t, "normal", entities.PriorityNormal, epoch.Add(2*time.Second), time.Time{}))
	before.queue.DequeueBatch(ctx, 1)
	if store.len() != 4 {
		t.Fatalf("expected 4 persisted rows, got %d", store.len())
	}

	after := newFixture(t, 0, 1<<20, store)
	after.clock.Advance(time.Hour)
	restored, err := after.queue.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 3 {
		t.Fatalf("expected 3 restored, got %d", restored)
	}
	if store.has("doomed") {
		t.Fatalf("expected expired row deleted")
	}
	status, _ := after.tracker.Get("doomed")
	if status.Request.State != entities.StateExpired {
		t.Fatalf("expected doomed expired, got %s", status.Request.State)
	}

	got := ids(after.queue.DequeueBatch(ctx, 5))
	if fmt.Sprint(got) != "[critical normal low]" {
		t.Fatalf("expected restored order, got %v", got)
	}
	if after.monitor.Reservations() != 3 {
		t.Fatalf("expected 3 reservations after restore, got %d", after.monitor.Reservations())
	}

	if err := after.queue.Enqueue(ctx, mustRequest(t, "fresh", entities.PriorityLow, epoch.Add(time.Hour), time.Time{})); err != nil {
		t.Fatalf("enqueue after restore: %v", err)
	}
	rows, _ := store.LoadEntries(ctx)
	seen := make(map[uint64]string)
	for _, row := range rows {
		if owner, dup := seen[row.Key.Sequence]; dup {
			t.Fatalf("expected unique sequences, %s and %s share %d", owner, row.Request.ID, row.Key.Sequence)
		}
		seen[row.Key.Sequence] = row.Request.ID
	}
}

func TestConcurrentTrafficConservesMemory(t *testing.T) {
	f := newFixture(t, 64, 1<<20, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			priorities := entities.Priorities
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", worker, i)
				req, err := entities.NewRequest(id, []byte("{}"), priorities[i%len(priorities)], "", epoch, time.Time{})
				if err != nil {
					t.Errorf("new request: %v", err)
					return
				}
				// A refused enqueue leaves the reservation with the caller.
				if err := f.queue.Enqueue(ctx, req); err != nil && f.monitor.Holds(id) {
					_ = f.monitor.Release(id)
				}
				for _, entry := range f.queue.DequeueBatch(ctx, 1) {
					done, err := entry.Request.Terminate(entities.StateDelivered, "", f.clock.Now())
					if err != nil {
						t.Errorf("terminate: %v", err)
						continue
					}
					_ = f.queue.Finalize(ctx, done, "local", nil)
				}
			}
		}(worker)
	}
	wg.Wait()

	for _, entry := range f.queue.DequeueBatch(ctx, 1000) {
		done, _ := entry.Request.Terminate(entities.StateDelivered, "", f.clock.Now())
		_ = f.queue.Finalize(ctx, done, "local", nil)
	}
	if f.monitor.Used() != 0 || f.monitor.Reservations() != 0 {
		t.Fatalf("expected all memory released, used=%d reservations=%d", f.monitor.Used(), f.monitor.Reservations())
	}
	if f.monitor.Tripped() {
		t.Fatalf("expected accounting intact")
	}
	stats := f.queue.Stats()
	if stats.Queued != 0 || stats.Leased != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
}
