// Package backend defines the execution backend contract: an idempotent
// description of provisioning work and the operations the dispatcher and
// reconciler need against whatever runs it.
package backend

import (
	"context"
	"errors"

	"github.com/mi6-platform/moneypenny/internal/dossier"
)

// ErrUnavailable marks transient backend failures. Callers leave the task in
// its current state and let the reconciliation loop try again.
var ErrUnavailable = errors.New("execution backend unavailable")

// UnitRef identifies a unit of work in the backend.
type UnitRef struct {
	Action   dossier.Action
	Username string
}

func (r UnitRef) String() string {
	return r.Username + "-" + string(r.Action)
}

// Unit is an idempotent description of provisioning work for one user.
// Payload carries the raw dossier exactly as submitted; the backend passes it
// through to the provisioning containers without interpreting it.
type Unit struct {
	Action   dossier.Action
	Username string
	UID      int
	Groups   []dossier.Group
	Payload  []byte
}

func (u Unit) Ref() UnitRef {
	return UnitRef{Action: u.Action, Username: u.Username}
}

// State of a unit as observed in the backend.
type State string

const (
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateMissing   State = "missing"
)

// Status is the backend-observed truth for one unit.
type Status struct {
	State   State
	Message string
}

// Backend executes provisioning units. Submit must be idempotent: replaying
// a unit that already ran (or is running) has no effect beyond the first
// successful run, except that a failed unit is restarted.
type Backend interface {
	Submit(ctx context.Context, unit Unit) error
	Poll(ctx context.Context, ref UnitRef) (Status, error)
	ListActive(ctx context.Context) ([]UnitRef, error)
	Remove(ctx context.Context, ref UnitRef) error
}
