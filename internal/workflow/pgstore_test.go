package workflow

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SidU/durable-support-agent/model"
)

func newPgTestStore(t *testing.T) *PgInstanceStore {
	t.Helper()
	dsn := os.Getenv("APPROVALD_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("APPROVALD_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewPgInstanceStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema error: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}
	return store
}

func pgInstanceID(t *testing.T, store *PgInstanceStore) string {
	t.Helper()
	id := "wf-test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		for _, q := range []string{
			"DELETE FROM workflow_inbox WHERE instance_id = $1",
			"DELETE FROM workflow_history WHERE instance_id = $1",
			"DELETE FROM workflow_instances WHERE id = $1",
		} {
			if _, err := store.pool.Exec(ctx, q, id); err != nil {
				t.Logf("cleanup: %v", err)
			}
		}
	})
	return id
}

func TestPgInstanceStore_CreateGet(t *testing.T) {
	store := newPgTestStore(t)
	ctx := context.Background()
	id := pgInstanceID(t, store)

	if err := store.Create(ctx, testInstance(id)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := store.Create(ctx, testInstance(id)); !model.IsConflict(err) {
		t.Errorf("duplicate Create = %v, want CONFLICT", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Program != "prog" || got.Version != 1 || got.RunStatus != model.RunStatusRunning {
		t.Errorf("Get = %+v", got)
	}

	if _, err := store.Get(ctx, id+"-missing"); model.ErrorCode(err) != model.ErrInstanceNotFound {
		t.Errorf("Get(missing) = %v, want INSTANCE_NOT_FOUND", err)
	}
}

func TestPgInstanceStore_Commit(t *testing.T) {
	store := newPgTestStore(t)
	ctx := context.Background()
	id := pgInstanceID(t, store)
	_ = store.Create(ctx, testInstance(id))
	_ = store.EnqueueEvent(ctx, InboxEvent{ID: uuid.NewString(), InstanceID: id, Name: "Other", ReceivedAt: t0})

	inst, _ := store.Get(ctx, id)
	events, _ := store.PendingEvents(ctx, id)
	evID := uuid.NewString()
	_ = store.EnqueueEvent(ctx, InboxEvent{ID: evID, InstanceID: id, Name: "Approval", Payload: []byte(`{"approved":true}`), ReceivedAt: t0.Add(time.Second)})

	inst.WakeAt = nil
	inst.UpdatedAt = t0.Add(time.Minute)
	err := store.Commit(ctx, Commit{
		Instance:  inst,
		Records:   []HistoryRecord{{Seq: 0, StepID: 0, Kind: RecordEventReceived, Name: "Other", LogicalTime: t0}},
		Consumed:  []string{events[0].ID},
		SeenInbox: []string{events[0].ID},
	})
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	hist, _ := store.History(ctx, id)
	if len(hist) != 1 || hist[0].Kind != RecordEventReceived {
		t.Errorf("History = %+v", hist)
	}
	pending, _ := store.PendingEvents(ctx, id)
	if len(pending) != 1 || pending[0].ID != evID {
		t.Errorf("PendingEvents = %+v, want [%s]", pending, evID)
	}
	got, _ := store.Get(ctx, id)
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	// The approval arrived after the pass read the inbox.
	if got.WakeAt == nil {
		t.Error("WakeAt cleared although an unseen event is buffered")
	}

	if err := store.Commit(ctx, Commit{Instance: inst}); !model.IsConflict(err) {
		t.Errorf("stale Commit = %v, want CONFLICT", err)
	}
}

func TestPgInstanceStore_LeaseAndRunnable(t *testing.T) {
	store := newPgTestStore(t)
	ctx := context.Background()
	id := pgInstanceID(t, store)
	_ = store.Create(ctx, testInstance(id))

	if err := store.AcquireLease(ctx, id, "node-a", t0, t0.Add(time.Minute)); err != nil {
		t.Fatalf("AcquireLease(node-a) error: %v", err)
	}
	if err := store.AcquireLease(ctx, id, "node-b", t0.Add(time.Second), t0.Add(time.Minute)); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("AcquireLease(node-b) = %v, want ErrLeaseHeld", err)
	}
	_ = store.ReleaseLease(ctx, id, "node-a")
	if err := store.AcquireLease(ctx, id, "node-b", t0.Add(time.Second), t0.Add(time.Minute)); err != nil {
		t.Errorf("AcquireLease after release error: %v", err)
	}

	ids, err := store.FindRunnable(ctx, t0.Add(time.Minute), 1000)
	if err != nil {
		t.Fatalf("FindRunnable error: %v", err)
	}
	found := false
	for _, got := range ids {
		if got == id {
			found = true
		}
	}
	if !found {
		t.Errorf("FindRunnable = %v, missing %s", ids, id)
	}
}

func TestPgInstanceStore_EngineRoundTrip(t *testing.T) {
	store := newPgTestStore(t)
	id := pgInstanceID(t, store)
	clock := &fakeClock{now: t0}
	rec := newRecorder()

	e := NewEngine(store, Options{Clock: clock, Owner: "pg-test"})
	e.RegisterProgram("gate", gateProgram)
	e.RegisterActivity("prepare", rec.fn("prepare"))
	e.RegisterActivity("finish", rec.fn("finish"))

	ctx := context.Background()
	if _, err := e.StartInstance(ctx, "gate", id, "alpha"); err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}
	if err := e.SignalEvent(ctx, id, "Go", map[string]bool{"ok": true}); err != nil {
		t.Fatalf("SignalEvent error: %v", err)
	}
	if got := outcomeOf(t, e, id); got != "go" {
		t.Errorf("outcome = %q, want go", got)
	}

	// A late timer sweep leaves the finished instance alone.
	clock.Advance(2 * time.Hour)
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if want := []string{`prepare:"alpha"`, `finish:"go"`}; !equalCalls(rec.Calls(), want) {
		t.Errorf("calls = %v, want %v", rec.Calls(), want)
	}
}
