package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mi6-platform/moneypenny/internal/backend"
	"github.com/mi6-platform/moneypenny/internal/dispatcher"
	"github.com/mi6-platform/moneypenny/internal/dossier"
	"github.com/mi6-platform/moneypenny/internal/tracker"
)

type fixture struct {
	tracker    *tracker.Tracker
	backend    *backend.Memory
	dispatcher *dispatcher.Dispatcher
	reconciler *Reconciler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	tr := tracker.New()
	be := backend.NewMemory()
	d := dispatcher.New(tr, be, nil)
	return &fixture{
		tracker:    tr,
		backend:    be,
		dispatcher: d,
		reconciler: New(cfg, tr, d, be, nil),
	}
}

func submit(t *testing.T, f *fixture, username string) tracker.Identity {
	t.Helper()
	doc, err := dossier.Parse([]byte(`{"username":"` + username + `","uid":1007,"groups":[{"name":"staff","id":200}]}`))
	require.NoError(t, err)
	_, err = f.dispatcher.Submit(context.Background(), dossier.ActionCommission, doc)
	require.NoError(t, err)
	return tracker.Identity{Action: dossier.ActionCommission, Username: username}
}

func ref(id tracker.Identity) backend.UnitRef {
	return backend.UnitRef{Action: id.Action, Username: id.Username}
}

func TestRunOnceAppliesSuccess(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := submit(t, f, "jb007")

	f.backend.Complete(ref(id))
	require.NoError(t, f.reconciler.RunOnce(context.Background()))

	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateSucceeded, snap.State)

	// The finished unit's backend objects come down with the result.
	st, err := f.backend.Poll(context.Background(), ref(id))
	require.NoError(t, err)
	assert.Equal(t, backend.StateMissing, st.State)
}

func TestRunOnceAppliesFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	f := newFixture(t, cfg)
	id := submit(t, f, "jb007")

	f.backend.Fail(ref(id), "homedir quota exceeded")
	require.NoError(t, f.reconciler.RunOnce(context.Background()))

	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateFailed, snap.State)
	assert.Equal(t, "homedir quota exceeded", snap.LastError)
}

func TestRunOnceRetriesFailedTask(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := submit(t, f, "jb007")
	ctx := context.Background()

	f.backend.Fail(ref(id), "transient")
	require.NoError(t, f.reconciler.RunOnce(ctx))

	// The failure was recorded; the next pass resubmits.
	require.NoError(t, f.reconciler.RunOnce(ctx))
	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateRunning, snap.State)
	assert.Equal(t, 2, snap.Attempts)

	f.backend.Complete(ref(id))
	require.NoError(t, f.reconciler.RunOnce(ctx))
	snap, err = f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateSucceeded, snap.State)
}

func TestRunOnceRespectsAttemptBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	id := submit(t, f, "jb007")
	ctx := context.Background()

	// Fail, retry, fail again: two attempts used, so no third.
	f.backend.Fail(ref(id), "attempt 1")
	require.NoError(t, f.reconciler.RunOnce(ctx))
	require.NoError(t, f.reconciler.RunOnce(ctx))
	f.backend.Fail(ref(id), "attempt 2")
	require.NoError(t, f.reconciler.RunOnce(ctx))
	require.NoError(t, f.reconciler.RunOnce(ctx))

	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateFailed, snap.State)
	assert.Equal(t, 2, snap.Attempts)
	assert.Equal(t, "attempt 2", snap.LastError)
}

func TestRunOnceFailsLostUnit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunningTimeout = 0
	cfg.MaxAttempts = 1
	f := newFixture(t, cfg)
	id := submit(t, f, "jb007")

	f.backend.Forget(ref(id))
	require.NoError(t, f.reconciler.RunOnce(context.Background()))

	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateFailed, snap.State)
	assert.Equal(t, tracker.ReasonRecordMissing, snap.LastError)
}

func TestRunOnceGraceForFreshMissingUnit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunningTimeout = time.Hour
	f := newFixture(t, cfg)
	id := submit(t, f, "jb007")

	f.backend.Forget(ref(id))
	require.NoError(t, f.reconciler.RunOnce(context.Background()))

	// Within the timeout the task keeps waiting.
	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateRunning, snap.State)
}

func TestRunOnceDispatchesPendingTask(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.backend.SetUnavailable(true)
	id := submit(t, f, "jb007")
	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	require.Equal(t, tracker.StatePending, snap.State)

	// While the backend is down the pass reports it and leaves state alone.
	err = f.reconciler.RunOnce(ctx)
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	snap, err = f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StatePending, snap.State)

	f.backend.SetUnavailable(false)
	require.NoError(t, f.reconciler.RunOnce(ctx))
	snap, err = f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateRunning, snap.State)
}

func TestRunOnceEvictsTerminalTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 0
	f := newFixture(t, cfg)
	id := submit(t, f, "jb007")
	ctx := context.Background()

	f.backend.Complete(ref(id))
	require.NoError(t, f.reconciler.RunOnce(ctx))
	require.NoError(t, f.reconciler.RunOnce(ctx))

	_, err := f.tracker.Get(id)
	assert.ErrorIs(t, err, tracker.ErrNotFound)

	// Backend objects are tidied up with the record.
	st, err := f.backend.Poll(ctx, ref(id))
	require.NoError(t, err)
	assert.Equal(t, backend.StateMissing, st.State)
}

func TestRecommissionRunsFreshWork(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// Commission jb007 and let it finish.
	id := submit(t, f, "jb007")
	f.backend.Complete(ref(id))
	require.NoError(t, f.reconciler.RunOnce(ctx))

	// Retire jb007 and let that finish too.
	doc, err := dossier.Parse([]byte(`{"username":"jb007","uid":1007,"groups":[{"name":"staff","id":200}]}`))
	require.NoError(t, err)
	_, err = f.dispatcher.Submit(ctx, dossier.ActionRetire, doc)
	require.NoError(t, err)
	retireID := tracker.Identity{Action: dossier.ActionRetire, Username: "jb007"}
	f.backend.Complete(ref(retireID))
	require.NoError(t, f.reconciler.RunOnce(ctx))

	// Re-commission within the retention window. The backend never reports
	// completion for the new task, so it must stay RUNNING: the old task's
	// result must not bleed into the new one.
	id = submit(t, f, "jb007")
	require.NoError(t, f.reconciler.RunOnce(ctx))

	snap, err := f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateRunning, snap.State)
	st, err := f.backend.Poll(ctx, ref(id))
	require.NoError(t, err)
	assert.Equal(t, backend.StateActive, st.State)

	// Only once the backend finishes the fresh unit does the task succeed.
	f.backend.Complete(ref(id))
	require.NoError(t, f.reconciler.RunOnce(ctx))
	snap, err = f.tracker.Get(id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StateSucceeded, snap.State)
}

func TestRunOnceIgnoresOrphanedUnits(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// A unit left over from a previous process: active in the backend, but
	// no task tracks it. The pass flags it and leaves it alone.
	orphan := backend.Unit{Action: dossier.ActionCommission, Username: "trevelyan", UID: 1006}
	require.NoError(t, f.backend.Submit(ctx, orphan))

	require.NoError(t, f.reconciler.RunOnce(ctx))

	st, err := f.backend.Poll(ctx, orphan.Ref())
	require.NoError(t, err)
	assert.Equal(t, backend.StateActive, st.State)
	assert.Empty(t, f.tracker.List(nil, nil))
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx)
		close(done)
	}()

	id := submit(t, f, "jb007")
	f.backend.Complete(ref(id))

	require.Eventually(t, func() bool {
		snap, err := f.tracker.Get(id)
		return err == nil && snap.State == tracker.StateSucceeded
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancellation")
	}
}
