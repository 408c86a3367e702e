package services

import (
	"fmt"
	"sync"

	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

// ResourceMonitor enforces the platform memory budget. Every admitted request
// holds one reservation keyed by its id until it reaches a terminal state.
type ResourceMonitor struct {
	mu           sync.Mutex
	budget       int64
	used         int64
	reservations map[string]int64
	tripped      bool
}

func NewResourceMonitor(budgetBytes int64) *ResourceMonitor {
	if budgetBytes < 0 {
		budgetBytes = 0
	}
	return &ResourceMonitor{
		budget:       budgetBytes,
		reservations: make(map[string]int64),
	}
}

// Admit reserves size bytes for id when the budget allows it. An id that
// already holds a reservation is admitted again without being counted twice.
// Denial is a normal outcome, not an error.
func (m *ResourceMonitor) Admit(id string, size int64) bool {
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tripped {
		return false
	}
	if _, held := m.reservations[id]; held {
		return true
	}
	if m.used+size > m.budget {
		return false
	}
	m.reservations[id] = size
	m.used += size
	return true
}

// Fits reports whether size more bytes would fit right now.
func (m *ResourceMonitor) Fits(size int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.tripped && m.used+size <= m.budget
}

// Release frees the reservation held by id. Releasing something that was
// never admitted means the books are wrong: the monitor trips and stops
// admitting work.
func (m *ResourceMonitor) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, held := m.reservations[id]
	if !held {
		m.tripped = true
		return fmt.Errorf("%w: release without reservation for %s", domainerrors.ErrAccountingInvariant, id)
	}
	delete(m.reservations, id)
	m.used -= size
	if m.used < 0 {
		m.tripped = true
		return fmt.Errorf("%w: usage underflow to %d", domainerrors.ErrAccountingInvariant, m.used)
	}
	return nil
}

func (m *ResourceMonitor) Holds(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.reservations[id]
	return held
}

// Verify checks the conservation invariant: tracked usage equals the sum
// of outstanding reservations.
func (m *ResourceMonitor) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, size := range m.reservations {
		sum += size
	}
	if sum != m.used {
		m.tripped = true
		return fmt.Errorf("%w: used=%d reserved=%d", domainerrors.ErrAccountingInvariant, m.used, sum)
	}
	return nil
}

func (m *ResourceMonitor) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *ResourceMonitor) Budget() int64 {
	return m.budget
}

func (m *ResourceMonitor) Available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget - m.used
}

func (m *ResourceMonitor) Reservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}

func (m *ResourceMonitor) Tripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripped
}
