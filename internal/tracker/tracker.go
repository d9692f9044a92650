package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mi6-platform/moneypenny/internal/dossier"
)

// State of a provisioning task.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StateRunning, StateSucceeded, StateFailed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown task state %q", s)
}

// ReasonRecordMissing tags failures where the backend lost the unit entirely,
// so operators can tell them apart from ordinary provisioning failures.
const ReasonRecordMissing = "backend record missing"

// Identity uniquely names a task: one action applied to one user.
type Identity struct {
	Action   dossier.Action
	Username string
}

func (id Identity) String() string {
	return string(id.Action) + "/" + id.Username
}

// Outcome is a terminal result reported for a task.
type Outcome struct {
	Succeeded bool
	Reason    string
}

// Snapshot is a point-in-time copy of a task. Callers never see live records.
type Snapshot struct {
	ID        string
	Identity  Identity
	UID       int
	Groups    []dossier.Group
	State     State
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type task struct {
	id        string
	identity  Identity
	dossier   *dossier.Dossier
	state     State
	attempts  int
	lastError string
	createdAt time.Time
	updatedAt time.Time
}

var (
	ErrNotFound = errors.New("task not found")
	ErrInFlight = errors.New("task already in flight for identity")
	ErrBadState = errors.New("task is not in a state that allows this transition")
)

// Tracker owns all task state. Every mutation goes through its methods under
// one lock, which serializes writers per identity; reads hand out snapshots.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[Identity]*task
}

func New() *Tracker {
	return &Tracker{tasks: make(map[Identity]*task)}
}

// Begin creates a PENDING task for the identity. At most one non-terminal
// task may exist per identity; a second request while one is in flight gets
// ErrInFlight. A prior terminal record for the identity is replaced.
func (t *Tracker) Begin(id Identity, d *dossier.Dossier) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.tasks[id]; ok && !existing.state.Terminal() {
		return Snapshot{}, ErrInFlight
	}

	now := time.Now()
	tk := &task{
		id:        uuid.NewString(),
		identity:  id,
		dossier:   d,
		state:     StatePending,
		attempts:  1,
		createdAt: now,
		updatedAt: now,
	}
	t.tasks[id] = tk
	slog.Info("Task created", "task", id.String(), "task_id", tk.id)
	return snapshotOf(tk), nil
}

// MarkRunning records a successful hand-off to the execution backend.
func (t *Tracker) MarkRunning(id Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if tk.state != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrBadState, id, tk.state)
	}
	tk.state = StateRunning
	tk.updatedAt = time.Now()
	return nil
}

// RecordResult moves a non-terminal task to SUCCEEDED or FAILED. A result
// for an already-terminal task is idempotently ignored, so duplicate or
// out-of-order backend reports are harmless.
func (t *Tracker) RecordResult(id Identity, outcome Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if tk.state.Terminal() {
		slog.Debug("Ignoring duplicate result for terminal task",
			"task", id.String(), "state", tk.state)
		return nil
	}

	if outcome.Succeeded {
		tk.state = StateSucceeded
		tk.lastError = ""
	} else {
		tk.state = StateFailed
		tk.lastError = outcome.Reason
	}
	tk.updatedAt = time.Now()
	slog.Info("Task finished", "task", id.String(), "state", tk.state,
		"attempts", tk.attempts, "error", tk.lastError)
	return nil
}

// PrepareRetry moves a FAILED task back to PENDING for resubmission, if the
// attempt count is still below maxAttempts. The caller owns dispatching.
func (t *Tracker) PrepareRetry(id Identity, maxAttempts int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if tk.state != StateFailed {
		return fmt.Errorf("%w: %s is %s", ErrBadState, id, tk.state)
	}
	if tk.attempts >= maxAttempts {
		return fmt.Errorf("%w: %s exhausted %d attempts", ErrBadState, id, tk.attempts)
	}
	tk.attempts++
	tk.state = StatePending
	tk.updatedAt = time.Now()
	slog.Info("Task queued for retry", "task", id.String(), "attempt", tk.attempts)
	return nil
}

// Get returns a snapshot for the identity.
func (t *Tracker) Get(id Identity) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tk, ok := t.tasks[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snapshotOf(tk), nil
}

// GetUser returns the most recently updated task for a username, regardless
// of action.
func (t *Tracker) GetUser(username string) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var latest *task
	for _, tk := range t.tasks {
		if tk.identity.Username != username {
			continue
		}
		if latest == nil || tk.updatedAt.After(latest.updatedAt) {
			latest = tk
		}
	}
	if latest == nil {
		return Snapshot{}, ErrNotFound
	}
	return snapshotOf(latest), nil
}

// Dossier returns the dossier a task was created from. The dispatcher needs
// it to rebuild the backend unit on retry.
func (t *Tracker) Dossier(id Identity) (*dossier.Dossier, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tk, ok := t.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tk.dossier, nil
}

// List returns snapshots, optionally filtered by action and state, ordered
// by creation time.
func (t *Tracker) List(action *dossier.Action, state *State) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []Snapshot
	for _, tk := range t.tasks {
		if action != nil && tk.identity.Action != *action {
			continue
		}
		if state != nil && tk.state != *state {
			continue
		}
		result = append(result, snapshotOf(tk))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Evict removes terminal tasks whose last update is older than the retention
// window and returns what was removed, so the caller can archive and tidy up
// backend objects.
func (t *Tracker) Evict(retention time.Duration) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var evicted []Snapshot
	for id, tk := range t.tasks {
		if tk.state.Terminal() && tk.updatedAt.Before(cutoff) {
			evicted = append(evicted, snapshotOf(tk))
			delete(t.tasks, id)
		}
	}
	if len(evicted) > 0 {
		slog.Debug("Evicted terminal tasks", "count", len(evicted))
	}
	return evicted
}

func snapshotOf(tk *task) Snapshot {
	s := Snapshot{
		ID:        tk.id,
		Identity:  tk.identity,
		State:     tk.state,
		Attempts:  tk.attempts,
		LastError: tk.lastError,
		CreatedAt: tk.createdAt,
		UpdatedAt: tk.updatedAt,
	}
	if tk.dossier != nil {
		s.UID = tk.dossier.UID
		s.Groups = append([]dossier.Group(nil), tk.dossier.Groups...)
	}
	return s
}
