package backend

import (
	"context"
	"sync"
)

type memUnit struct {
	unit    Unit
	status  Status
	submits int
}

// Memory is an in-process backend. It never completes work on its own;
// tests and local runs drive outcomes with Complete, Fail and Forget.
type Memory struct {
	mu          sync.RWMutex
	units       map[UnitRef]*memUnit
	unavailable bool
}

func NewMemory() *Memory {
	return &Memory{units: make(map[UnitRef]*memUnit)}
}

// SetUnavailable makes every call fail with ErrUnavailable until cleared,
// simulating an unreachable backend.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *Memory) Submit(_ context.Context, unit Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return ErrUnavailable
	}

	ref := unit.Ref()
	existing, ok := m.units[ref]
	if ok {
		existing.submits++
		// Idempotent replay: an active unit is left alone. A finished unit
		// is restarted with the new payload, so a fresh task for the same
		// identity cannot inherit a stale terminal result.
		if existing.status.State == StateSucceeded || existing.status.State == StateFailed {
			existing.unit = unit
			existing.status = Status{State: StateActive}
		}
		return nil
	}

	m.units[ref] = &memUnit{
		unit:    unit,
		status:  Status{State: StateActive},
		submits: 1,
	}
	return nil
}

func (m *Memory) Poll(_ context.Context, ref UnitRef) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.unavailable {
		return Status{}, ErrUnavailable
	}
	u, ok := m.units[ref]
	if !ok {
		return Status{State: StateMissing}, nil
	}
	return u.status, nil
}

func (m *Memory) ListActive(_ context.Context) ([]UnitRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.unavailable {
		return nil, ErrUnavailable
	}
	var refs []UnitRef
	for ref, u := range m.units {
		if u.status.State == StateActive {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (m *Memory) Remove(_ context.Context, ref UnitRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return ErrUnavailable
	}
	delete(m.units, ref)
	return nil
}

// Complete marks a unit succeeded.
func (m *Memory) Complete(ref UnitRef) {
	m.setStatus(ref, Status{State: StateSucceeded})
}

// Fail marks a unit failed with a message.
func (m *Memory) Fail(ref UnitRef, msg string) {
	m.setStatus(ref, Status{State: StateFailed, Message: msg})
}

// Forget drops a unit without a trace, simulating a lost backend record.
func (m *Memory) Forget(ref UnitRef) {
	m.mu.Lock()
	delete(m.units, ref)
	m.mu.Unlock()
}

// Submissions reports how many times a unit was submitted.
func (m *Memory) Submissions(ref UnitRef) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.units[ref]; ok {
		return u.submits
	}
	return 0
}

// Payload returns the raw dossier handed over with the unit.
func (m *Memory) Payload(ref UnitRef) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.units[ref]; ok {
		return u.unit.Payload
	}
	return nil
}

func (m *Memory) setStatus(ref UnitRef, st Status) {
	m.mu.Lock()
	if u, ok := m.units[ref]; ok {
		u.status = st
	}
	m.mu.Unlock()
}
