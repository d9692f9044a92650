// Package reconciler periodically squares tracked task state with the
// execution backend: it redispatches pending work, applies backend results,
// retries bounded failures and garbage-collects terminal records.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mi6-platform/moneypenny/internal/backend"
	"github.com/mi6-platform/moneypenny/internal/dispatcher"
	"github.com/mi6-platform/moneypenny/internal/ledger"
	"github.com/mi6-platform/moneypenny/internal/tracker"
)

type Config struct {
	Interval       time.Duration `mapstructure:"interval"`
	RunningTimeout time.Duration `mapstructure:"running_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Retention      time.Duration `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		RunningTimeout: 5 * time.Minute,
		MaxAttempts:    3,
		Retention:      time.Hour,
	}
}

type Reconciler struct {
	cfg        Config
	tracker    *tracker.Tracker
	dispatcher *dispatcher.Dispatcher
	backend    backend.Backend
	ledger     *ledger.Ledger
}

// New builds a reconciler. ledger may be nil when no archive is configured.
func New(cfg Config, tr *tracker.Tracker, d *dispatcher.Dispatcher, be backend.Backend, lg *ledger.Ledger) *Reconciler {
	return &Reconciler{cfg: cfg, tracker: tr, dispatcher: d, backend: be, ledger: lg}
}

// Run executes reconciliation passes on the configured interval until the
// context is cancelled. A pass in flight finishes before Run returns.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("Reconciliation loop started", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconciliation loop stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				slog.Error("Reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one reconciliation pass. Failures against individual
// tasks are logged and skipped so one bad task cannot stall the rest; a
// returned error means the backend looked unreachable during the pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	var unavailable error

	pending := tracker.StatePending
	for _, snap := range r.tracker.List(nil, &pending) {
		if err := r.dispatcher.Redispatch(ctx, snap.Identity); err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				unavailable = err
			}
			slog.Warn("Redispatch failed", "task", snap.Identity.String(), "error", err)
		}
	}

	running := tracker.StateRunning
	for _, snap := range r.tracker.List(nil, &running) {
		if err := r.observe(ctx, snap); err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				unavailable = err
			}
			slog.Warn("Observation failed", "task", snap.Identity.String(), "error", err)
		}
	}

	failed := tracker.StateFailed
	for _, snap := range r.tracker.List(nil, &failed) {
		if snap.Attempts >= r.cfg.MaxAttempts {
			continue
		}
		if err := r.tracker.PrepareRetry(snap.Identity, r.cfg.MaxAttempts); err != nil {
			slog.Warn("Retry preparation failed", "task", snap.Identity.String(), "error", err)
			continue
		}
		if err := r.dispatcher.Redispatch(ctx, snap.Identity); err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				unavailable = err
			}
			// Stays PENDING; the next pass picks it up.
			slog.Warn("Retry dispatch failed", "task", snap.Identity.String(), "error", err)
		}
	}

	// Units the backend reports active that nothing tracks. Task state does
	// not survive a restart, and the dossier goes with it, so these cannot be
	// re-adopted; flag them for the operator instead of silently leaking.
	if refs, err := r.backend.ListActive(ctx); err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			unavailable = err
		}
		slog.Warn("Active unit listing failed", "error", err)
	} else {
		for _, ref := range refs {
			id := tracker.Identity{Action: ref.Action, Username: ref.Username}
			if _, err := r.tracker.Get(id); errors.Is(err, tracker.ErrNotFound) {
				slog.Warn("Backend unit has no tracked task", "unit", ref.String())
			}
		}
	}

	for _, snap := range r.tracker.Evict(r.cfg.Retention) {
		r.archive(ctx, snap)
		ref := backend.UnitRef{Action: snap.Identity.Action, Username: snap.Identity.Username}
		if err := r.backend.Remove(ctx, ref); err != nil {
			slog.Warn("Backend cleanup failed", "unit", ref.String(), "error", err)
		}
	}

	return unavailable
}

// observe applies the backend-reported state of one RUNNING task. Once a
// terminal result is recorded the unit's backend objects come down with it,
// so the identity is immediately free for fresh work; a later order for the
// same user must never be absorbed by a finished unit's leftovers.
func (r *Reconciler) observe(ctx context.Context, snap tracker.Snapshot) error {
	ref := backend.UnitRef{Action: snap.Identity.Action, Username: snap.Identity.Username}
	status, err := r.backend.Poll(ctx, ref)
	if err != nil {
		return err
	}

	switch status.State {
	case backend.StateSucceeded:
		if err := r.tracker.RecordResult(snap.Identity, tracker.Outcome{Succeeded: true}); err != nil {
			return err
		}
		return r.backend.Remove(ctx, ref)
	case backend.StateFailed:
		if err := r.tracker.RecordResult(snap.Identity, tracker.Outcome{Reason: status.Message}); err != nil {
			return err
		}
		return r.backend.Remove(ctx, ref)
	case backend.StateMissing:
		// Give a freshly dispatched unit time to show up before declaring
		// it lost.
		if time.Since(snap.UpdatedAt) >= r.cfg.RunningTimeout {
			return r.tracker.RecordResult(snap.Identity, tracker.Outcome{Reason: tracker.ReasonRecordMissing})
		}
	case backend.StateActive:
		// Still working; nothing to do.
	}
	return nil
}

func (r *Reconciler) archive(ctx context.Context, snap tracker.Snapshot) {
	if r.ledger == nil {
		return
	}
	entry := ledger.Entry{
		TaskID:      snap.ID,
		Action:      string(snap.Identity.Action),
		Username:    snap.Identity.Username,
		UID:         snap.UID,
		State:       string(snap.State),
		Attempts:    snap.Attempts,
		LastError:   snap.LastError,
		CreatedAt:   snap.CreatedAt,
		CompletedAt: snap.UpdatedAt,
	}
	if err := r.ledger.Record(ctx, entry); err != nil {
		slog.Warn("Ledger write failed", "task", snap.Identity.String(), "error", err)
	}
}
