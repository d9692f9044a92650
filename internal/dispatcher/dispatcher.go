// Package dispatcher turns accepted dossiers into tracked backend work.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mi6-platform/moneypenny/internal/backend"
	"github.com/mi6-platform/moneypenny/internal/dossier"
	"github.com/mi6-platform/moneypenny/internal/orders"
	"github.com/mi6-platform/moneypenny/internal/tracker"
)

// ErrConflict means a non-terminal task already owns the identity. Payloads
// may differ between calls, so the second request is rejected, not merged.
var ErrConflict = errors.New("provisioning already in flight for user")

type Dispatcher struct {
	tracker *tracker.Tracker
	backend backend.Backend
	orders  *orders.M
}

// New builds a dispatcher. orders may be nil, in which case every action is
// assumed to have a backend unit (the memory backend needs no orders).
func New(tr *tracker.Tracker, be backend.Backend, m *orders.M) *Dispatcher {
	return &Dispatcher{tracker: tr, backend: be, orders: m}
}

// Submit validates that the action is serviceable, claims the identity and
// hands the unit to the backend. A hand-off failure is not surfaced to the
// caller: the task stays PENDING and the reconciliation loop redispatches it.
func (d *Dispatcher) Submit(ctx context.Context, action dossier.Action, doc *dossier.Dossier) (tracker.Snapshot, error) {
	if d.orders != nil && !d.orders.Has(action) {
		return tracker.Snapshot{}, fmt.Errorf("%w: %q", orders.ErrNoOrders, action)
	}

	id := tracker.Identity{Action: action, Username: doc.Username}
	snap, err := d.tracker.Begin(id, doc)
	if err != nil {
		if errors.Is(err, tracker.ErrInFlight) {
			return tracker.Snapshot{}, fmt.Errorf("%w: %s", ErrConflict, id)
		}
		return tracker.Snapshot{}, err
	}

	if err := d.dispatch(ctx, id, doc); err != nil {
		slog.Warn("Backend hand-off failed, task stays pending",
			"task", id.String(), "error", err)
		return snap, nil
	}

	snap, err = d.tracker.Get(id)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	return snap, nil
}

// Redispatch pushes an already-tracked PENDING task to the backend. The
// reconciliation loop uses it for tasks whose initial hand-off failed and
// for retries it has reset to PENDING; the conflict check does not apply
// because the task already owns the identity.
func (d *Dispatcher) Redispatch(ctx context.Context, id tracker.Identity) error {
	doc, err := d.tracker.Dossier(id)
	if err != nil {
		return err
	}
	return d.dispatch(ctx, id, doc)
}

func (d *Dispatcher) dispatch(ctx context.Context, id tracker.Identity, doc *dossier.Dossier) error {
	unit := backend.Unit{
		Action:   id.Action,
		Username: doc.Username,
		UID:      doc.UID,
		Groups:   doc.Groups,
		Payload:  doc.Raw,
	}
	if err := d.backend.Submit(ctx, unit); err != nil {
		return fmt.Errorf("submit unit %s: %w", unit.Ref(), err)
	}
	if err := d.tracker.MarkRunning(id); err != nil {
		return fmt.Errorf("mark %s running: %w", id, err)
	}
	slog.Info("Unit dispatched", "task", id.String())
	return nil
}
