package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SidU/durable-support-agent/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is a set of activities that log their calls.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]func() error
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[string]func() error)}
}

func (r *recorder) fn(name string) ActivityFunc {
	return func(_ context.Context, input json.RawMessage) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name+":"+string(input))
		if f := r.fail[name]; f != nil {
			if err := f(); err != nil {
				return nil, err
			}
		}
		return name + "-done", nil
	}
}

func (r *recorder) setFail(name string, f func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[name] = f
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// gateProgram prepares, then races a "Go" event against a one hour timer.
func gateProgram(c *Context, input json.RawMessage) (any, error) {
	var name string
	if err := json.Unmarshal(input, &name); err != nil {
		return nil, err
	}
	var prepared string
	if err := c.CallActivity("prepare", name, &prepared); err != nil {
		return nil, err
	}

	res, err := c.Race(Event("Go"), Timer(c.Now().Add(time.Hour)))
	if err != nil {
		return nil, err
	}
	outcome := "timeout"
	if res.Index == 0 {
		var p struct {
			OK bool `json:"ok"`
		}
		if err := res.Decode(&p); err != nil {
			return nil, err
		}
		outcome = "stop"
		if p.OK {
			outcome = "go"
		}
	}

	if err := c.CallActivity("finish", outcome, nil); err != nil {
		return nil, err
	}
	return map[string]string{"outcome": outcome, "prepared": prepared}, nil
}

func newTestEngine(t *testing.T, clock *fakeClock, rec *recorder) (*Engine, *MemoryInstanceStore) {
	t.Helper()
	store := NewMemoryInstanceStore()
	e := NewEngine(store, Options{
		Clock: clock,
		Retry: RetryPolicy{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Second},
		Owner: "test-node",
	})
	e.sleep = func(context.Context, time.Duration) error { return nil }
	e.RegisterProgram("gate", gateProgram)
	e.RegisterActivity("prepare", rec.fn("prepare"))
	e.RegisterActivity("finish", rec.fn("finish"))
	return e, store
}

func outcomeOf(t *testing.T, e *Engine, id string) string {
	t.Helper()
	st, err := e.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if st.RunStatus != model.RunStatusCompleted {
		t.Fatalf("RunStatus = %s (error %q), want Completed", st.RunStatus, st.Error)
	}
	var out map[string]string
	if err := json.Unmarshal(st.Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	return out["outcome"]
}

func equalCalls(got, want []string) bool {
	return strings.Join(got, "|") == strings.Join(want, "|")
}

// --- Start / block ---

func TestEngine_StartInstance_blocksOnRace(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)

	id, err := e.StartInstance(context.Background(), "gate", "wf-1", "alpha")
	if err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}
	if id != "wf-1" {
		t.Errorf("id = %q, want wf-1", id)
	}
	if want := []string{`prepare:"alpha"`}; !equalCalls(rec.Calls(), want) {
		t.Errorf("calls = %v, want %v", rec.Calls(), want)
	}

	inst, _ := store.Get(context.Background(), "wf-1")
	if inst.RunStatus != model.RunStatusRunning {
		t.Errorf("RunStatus = %s, want Running", inst.RunStatus)
	}
	if len(inst.PendingTimers) != 1 || !inst.PendingTimers[0].FireAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("PendingTimers = %+v", inst.PendingTimers)
	}
	if inst.WakeAt == nil || !inst.WakeAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("WakeAt = %v, want %v", inst.WakeAt, t0.Add(time.Hour))
	}
}

func TestEngine_StartInstance_generatesID(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	id, err := e.StartInstance(context.Background(), "gate", "", "alpha")
	if err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}
	if id == "" {
		t.Error("expected generated instance ID")
	}
}

func TestEngine_StartInstance_unknownProgram(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	_, err := e.StartInstance(context.Background(), "nope", "wf-1", nil)
	if code := model.ErrorCode(err); code != model.ErrBadRequest {
		t.Errorf("code = %q, want %q", code, model.ErrBadRequest)
	}
}

func TestEngine_StartInstance_duplicateID(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	_, _ = e.StartInstance(context.Background(), "gate", "wf-1", "alpha")
	_, err := e.StartInstance(context.Background(), "gate", "wf-1", "alpha")
	if !model.IsConflict(err) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}

// --- Events and timers ---

func TestEngine_SignalEvent_eventWins(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")

	clock.Advance(10 * time.Minute)
	if err := e.SignalEvent(ctx, "wf-1", "Go", map[string]bool{"ok": true}); err != nil {
		t.Fatalf("SignalEvent error: %v", err)
	}

	if got := outcomeOf(t, e, "wf-1"); got != "go" {
		t.Errorf("outcome = %q, want go", got)
	}
	want := []string{`prepare:"alpha"`, `finish:"go"`}
	if !equalCalls(rec.Calls(), want) {
		t.Errorf("calls = %v, want %v", rec.Calls(), want)
	}

	hist, _ := store.History(ctx, "wf-1")
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	if hist[1].Kind != RecordEventReceived || hist[1].StepID != 1 || hist[1].Branch != "0:event:Go" {
		t.Errorf("history[1] = %+v", hist[1])
	}
	if !hist[1].LogicalTime.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("LogicalTime = %v", hist[1].LogicalTime)
	}
	inst, _ := store.Get(ctx, "wf-1")
	if len(inst.PendingTimers) != 0 || inst.WakeAt != nil {
		t.Errorf("timer not cancelled: %+v %v", inst.PendingTimers, inst.WakeAt)
	}
}

func TestEngine_Tick_timerWins(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")

	clock.Advance(59 * time.Minute)
	_ = e.Tick(ctx)
	st, _ := e.GetStatus(ctx, "wf-1")
	if st.RunStatus != model.RunStatusRunning {
		t.Fatalf("RunStatus = %s before deadline, want Running", st.RunStatus)
	}

	clock.Advance(time.Minute)
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if got := outcomeOf(t, e, "wf-1"); got != "timeout" {
		t.Errorf("outcome = %q, want timeout", got)
	}
	hist, _ := store.History(ctx, "wf-1")
	if hist[1].Kind != RecordTimerFired || hist[1].Branch != "1:timer" {
		t.Errorf("history[1] = %+v", hist[1])
	}
}

func TestEngine_eventWinsTieWithDueTimer(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")

	clock.Advance(2 * time.Hour)
	// Buffer the event without running a pass, as if the node restarted.
	_ = store.EnqueueEvent(ctx, InboxEvent{
		ID: "ev-1", InstanceID: "wf-1", Name: "Go",
		Payload: []byte(`{"ok":false}`), ReceivedAt: clock.Now(),
	})
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if got := outcomeOf(t, e, "wf-1"); got != "stop" {
		t.Errorf("outcome = %q, want stop", got)
	}
}

func TestEngine_lateTimerRecordIgnored(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")

	// finish keeps failing so the pass stops right after the event is recorded.
	rec.setFail("finish", func() error { return Transient(errors.New("db down")) })
	if err := e.SignalEvent(ctx, "wf-1", "Go", map[string]bool{"ok": true}); err != nil {
		t.Fatalf("SignalEvent error: %v", err)
	}

	// A timer record for the already-resolved race lands afterwards.
	inst, _ := store.Get(ctx, "wf-1")
	hist, _ := store.History(ctx, "wf-1")
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	late := HistoryRecord{Seq: 2, StepID: 1, Kind: RecordTimerFired, Branch: "1:timer", LogicalTime: t0.Add(time.Hour)}
	if err := store.Commit(ctx, Commit{Instance: inst, Records: []HistoryRecord{late}}); err != nil {
		t.Fatalf("Commit late record error: %v", err)
	}

	rec.setFail("finish", nil)
	clock.Advance(time.Minute)
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if got := outcomeOf(t, e, "wf-1"); got != "go" {
		t.Errorf("outcome = %q, want go", got)
	}
	hist, _ = store.History(ctx, "wf-1")
	last := hist[len(hist)-1]
	if last.StepID != 2 || last.Name != "finish" || last.Seq != 3 {
		t.Errorf("last record = %+v", last)
	}
}

func TestEngine_eventBufferedBeforeWaiter(t *testing.T) {
	clock := &fakeClock{now: t0}
	e, _ := newTestEngine(t, clock, newRecorder())
	e.RegisterProgram("sleepy", func(c *Context, _ json.RawMessage) (any, error) {
		if err := c.CreateTimer(c.Now().Add(time.Minute)); err != nil {
			return nil, err
		}
		var p map[string]string
		if err := c.WaitForEvent("X", &p); err != nil {
			return nil, err
		}
		return map[string]string{"outcome": p["v"], "at": c.Now().Format(time.RFC3339)}, nil
	})
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "sleepy", "wf-1", nil)

	if err := e.SignalEvent(ctx, "wf-1", "X", map[string]string{"v": "early"}); err != nil {
		t.Fatalf("SignalEvent error: %v", err)
	}
	st, _ := e.GetStatus(ctx, "wf-1")
	if st.RunStatus != model.RunStatusRunning {
		t.Fatalf("RunStatus = %s, want Running while timer pending", st.RunStatus)
	}

	clock.Advance(time.Minute)
	_ = e.Tick(ctx)
	if got := outcomeOf(t, e, "wf-1"); got != "early" {
		t.Errorf("outcome = %q, want early", got)
	}
}

func TestEngine_SignalEvent_notFound(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	err := e.SignalEvent(context.Background(), "missing", "Go", nil)
	if code := model.ErrorCode(err); code != model.ErrInstanceNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrInstanceNotFound)
	}
}

func TestEngine_SignalEvent_notRunning(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")
	_ = e.SignalEvent(ctx, "wf-1", "Go", map[string]bool{"ok": true})

	err := e.SignalEvent(ctx, "wf-1", "Go", map[string]bool{"ok": true})
	if !model.IsNotFound(err) {
		t.Errorf("err = %v, want not-found class", err)
	}
	if code := model.ErrorCode(err); code != model.ErrInstanceNotRunning {
		t.Errorf("code = %q, want %q", code, model.ErrInstanceNotRunning)
	}
}

func TestEngine_SignalEvent_validatorRejects(t *testing.T) {
	e, store := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	e.RegisterEventValidator("Go", func(raw json.RawMessage) error {
		return model.NewBadRequestError("bad payload " + string(raw))
	})
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")

	err := e.SignalEvent(ctx, "wf-1", "Go", "nope")
	if code := model.ErrorCode(err); code != model.ErrBadRequest {
		t.Errorf("code = %q, want %q", code, model.ErrBadRequest)
	}
	events, _ := store.PendingEvents(ctx, "wf-1")
	if len(events) != 0 {
		t.Errorf("rejected event was enqueued: %+v", events)
	}
}

// --- Replay ---

func TestEngine_Advance_replayDoesNotRedispatch(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, _ := newTestEngine(t, clock, rec)
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")

	for range 3 {
		if err := e.Advance(ctx, "wf-1"); err != nil {
			t.Fatalf("Advance error: %v", err)
		}
	}
	_ = e.Recover(ctx)
	if n := len(rec.Calls()); n != 1 {
		t.Errorf("activity calls = %d, want 1", n)
	}
}

func TestEngine_Advance_completedIsNoop(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, _ := newTestEngine(t, clock, rec)
	ctx := context.Background()
	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")
	_ = e.SignalEvent(ctx, "wf-1", "Go", map[string]bool{"ok": true})

	_ = e.Advance(ctx, "wf-1")
	if n := len(rec.Calls()); n != 2 {
		t.Errorf("activity calls = %d, want 2", n)
	}
}

func TestEngine_Advance_leaseHeldElsewhere(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	ctx := context.Background()

	_ = store.Create(ctx, Instance{
		ID: "wf-1", Program: "gate", Input: []byte(`"alpha"`),
		RunStatus: model.RunStatusRunning, CreatedAt: t0, UpdatedAt: t0, Version: 1,
	})
	_ = store.AcquireLease(ctx, "wf-1", "other-node", t0, t0.Add(time.Minute))

	if err := e.Advance(ctx, "wf-1"); err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	if n := len(rec.Calls()); n != 0 {
		t.Errorf("activity calls = %d, want 0 while leased elsewhere", n)
	}
}

// --- Dispatch failures ---

func TestEngine_transientFailureRetried(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, _ := newTestEngine(t, clock, rec)
	failures := 2
	rec.fail["prepare"] = func() error {
		if failures > 0 {
			failures--
			return Transient(errors.New("timeout"))
		}
		return nil
	}

	_, _ = e.StartInstance(context.Background(), "gate", "wf-1", "alpha")
	if n := len(rec.Calls()); n != 3 {
		t.Errorf("prepare attempts = %d, want 3", n)
	}
	st, _ := e.GetStatus(context.Background(), "wf-1")
	if st.RunStatus != model.RunStatusRunning {
		t.Errorf("RunStatus = %s, want Running", st.RunStatus)
	}
}

func TestEngine_transientExhaustionDefers(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	rec.fail["prepare"] = func() error { return Transient(errors.New("unavailable")) }
	ctx := context.Background()

	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")
	inst, _ := store.Get(ctx, "wf-1")
	if inst.RunStatus != model.RunStatusRunning {
		t.Fatalf("RunStatus = %s, want Running", inst.RunStatus)
	}
	if inst.WakeAt == nil || !inst.WakeAt.Equal(t0.Add(5*time.Second)) {
		t.Errorf("WakeAt = %v, want now+BackoffMax", inst.WakeAt)
	}
	hist, _ := store.History(ctx, "wf-1")
	if len(hist) != 0 {
		t.Errorf("history = %+v, want empty", hist)
	}

	rec.setFail("prepare", nil)
	clock.Advance(5 * time.Second)
	_ = e.Tick(ctx)
	hist, _ = store.History(ctx, "wf-1")
	if len(hist) != 1 || hist[0].Error != "" {
		t.Errorf("history after recovery = %+v", hist)
	}
}

func TestEngine_transientExhaustionKeepsBackoffWithBufferedEvent(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	rec.fail["prepare"] = func() error { return Transient(errors.New("unavailable")) }
	ctx := context.Background()

	_ = store.Create(ctx, Instance{
		ID: "wf-1", Program: "gate", Input: []byte(`"alpha"`),
		RunStatus: model.RunStatusRunning, CreatedAt: t0, UpdatedAt: t0, Version: 1,
	})
	_ = store.EnqueueEvent(ctx, InboxEvent{ID: "ev-1", InstanceID: "wf-1", Name: "Go", Payload: []byte(`{"ok":true}`), ReceivedAt: t0})

	if err := e.Advance(ctx, "wf-1"); err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	inst, _ := store.Get(ctx, "wf-1")
	if inst.WakeAt == nil || !inst.WakeAt.Equal(t0.Add(5*time.Second)) {
		t.Errorf("WakeAt = %v, want now+BackoffMax", inst.WakeAt)
	}
	if pending, _ := store.PendingEvents(ctx, "wf-1"); len(pending) != 1 {
		t.Errorf("pending events = %d, want 1", len(pending))
	}
}

func TestEngine_applicationFailureFailsInstance(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, store := newTestEngine(t, clock, rec)
	rec.fail["prepare"] = func() error { return model.NewCaseNotFoundError("alpha") }
	ctx := context.Background()

	_, _ = e.StartInstance(ctx, "gate", "wf-1", "alpha")
	st, _ := e.GetStatus(ctx, "wf-1")
	if st.RunStatus != model.RunStatusFailed {
		t.Fatalf("RunStatus = %s, want Failed", st.RunStatus)
	}
	if !strings.Contains(st.Error, "CASE_NOT_FOUND") {
		t.Errorf("Error = %q", st.Error)
	}
	if n := len(rec.Calls()); n != 1 {
		t.Errorf("attempts = %d, want 1 (not retried)", n)
	}
	hist, _ := store.History(ctx, "wf-1")
	if len(hist) != 1 || hist[0].Error == "" {
		t.Errorf("history = %+v, want recorded failure", hist)
	}
}

func TestEngine_handledActivityFailure(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	e.RegisterActivity("explode", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("kaboom")
	})
	e.RegisterProgram("tolerant", func(c *Context, _ json.RawMessage) (any, error) {
		err := c.CallActivity("explode", nil, nil)
		var ae *ActivityError
		if errors.As(err, &ae) {
			return map[string]string{"outcome": "handled " + ae.Message}, nil
		}
		return nil, err
	})

	_, _ = e.StartInstance(context.Background(), "tolerant", "wf-1", nil)
	if got := outcomeOf(t, e, "wf-1"); got != "handled kaboom" {
		t.Errorf("outcome = %q", got)
	}
}

func TestEngine_programPanicFails(t *testing.T) {
	e, _ := newTestEngine(t, &fakeClock{now: t0}, newRecorder())
	e.RegisterProgram("panicky", func(*Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	_, _ = e.StartInstance(context.Background(), "panicky", "wf-1", nil)

	st, _ := e.GetStatus(context.Background(), "wf-1")
	if st.RunStatus != model.RunStatusFailed || !strings.Contains(st.Error, "boom") {
		t.Errorf("status = %+v", st)
	}
}

// --- Concurrency ---

func TestEngine_concurrentInstances(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e, _ := newTestEngine(t, clock, rec)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("wf-%d", i)
			if _, err := e.StartInstance(ctx, "gate", id, id); err != nil {
				t.Errorf("StartInstance(%s) error: %v", id, err)
				return
			}
			if err := e.SignalEvent(ctx, id, "Go", map[string]bool{"ok": i%2 == 0}); err != nil {
				t.Errorf("SignalEvent(%s) error: %v", id, err)
			}
		}()
	}
	wg.Wait()

	for i := range n {
		want := "stop"
		if i%2 == 0 {
			want = "go"
		}
		if got := outcomeOf(t, e, fmt.Sprintf("wf-%d", i)); got != want {
			t.Errorf("wf-%d outcome = %q, want %q", i, got, want)
		}
	}
	if got := len(rec.Calls()); got != 2*n {
		t.Errorf("activity calls = %d, want %d", got, 2*n)
	}
}

// --- Backoff ---

// --- Cancellation and leases ---

// cancelSensitiveStore fails commits on a cancelled context like the
// Postgres store does.
type cancelSensitiveStore struct {
	*MemoryInstanceStore
}

func (s cancelSensitiveStore) Commit(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryInstanceStore.Commit(ctx, c)
}

func newCancelTestEngine(clock *fakeClock, store InstanceStore) *Engine {
	e := NewEngine(store, Options{
		Clock:    clock,
		Retry:    RetryPolicy{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Second},
		LeaseTTL: 30 * time.Second,
		Owner:    "test-node",
	})
	e.sleep = func(context.Context, time.Duration) error { return nil }
	e.RegisterProgram("gate", gateProgram)
	return e
}

// cancelling wraps fn so that cancel runs once fn has done its work.
func cancelling(fn ActivityFunc, cancel context.CancelFunc) ActivityFunc {
	return func(ctx context.Context, input json.RawMessage) (any, error) {
		out, err := fn(ctx, input)
		cancel()
		return out, err
	}
}

func TestEngine_SignalEvent_cancelledCallerKeepsActivityResult(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	e := newCancelTestEngine(clock, cancelSensitiveStore{NewMemoryInstanceStore()})
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.RegisterActivity("prepare", rec.fn("prepare"))
	e.RegisterActivity("finish", cancelling(rec.fn("finish"), cancel))

	ctx := context.Background()
	if _, err := e.StartInstance(ctx, "gate", "wf-1", "alpha"); err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}
	if err := e.SignalEvent(reqCtx, "wf-1", "Go", map[string]bool{"ok": true}); err != nil {
		t.Fatalf("SignalEvent error: %v", err)
	}

	clock.Advance(time.Minute)
	_ = e.Tick(ctx)
	_ = e.Recover(ctx)

	if got := outcomeOf(t, e, "wf-1"); got != "go" {
		t.Errorf("outcome = %q, want go", got)
	}
	if want := []string{`prepare:"alpha"`, `finish:"go"`}; !equalCalls(rec.Calls(), want) {
		t.Errorf("calls = %v, want %v", rec.Calls(), want)
	}
}

func TestEngine_StartInstance_cancelledCallerKeepsActivityResult(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	store := cancelSensitiveStore{NewMemoryInstanceStore()}
	e := newCancelTestEngine(clock, store)
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.RegisterActivity("prepare", cancelling(rec.fn("prepare"), cancel))
	e.RegisterActivity("finish", rec.fn("finish"))

	if _, err := e.StartInstance(reqCtx, "gate", "wf-1", "alpha"); err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}
	hist, _ := store.History(context.Background(), "wf-1")
	if len(hist) != 1 || hist[0].Kind != RecordActivityResult {
		t.Fatalf("history = %+v, want the prepare result", hist)
	}

	_ = e.Recover(context.Background())
	if n := len(rec.Calls()); n != 1 {
		t.Errorf("prepare calls = %d, want 1", n)
	}
}

func TestEngine_Advance_cancelledSweepKeepsActivityResult(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	store := cancelSensitiveStore{NewMemoryInstanceStore()}
	e := newCancelTestEngine(clock, store)
	sweepCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.RegisterActivity("prepare", cancelling(rec.fn("prepare"), cancel))
	e.RegisterActivity("finish", rec.fn("finish"))

	ctx := context.Background()
	_ = store.Create(ctx, Instance{
		ID: "wf-1", Program: "gate", Input: []byte(`"alpha"`),
		RunStatus: model.RunStatusRunning, CreatedAt: t0, UpdatedAt: t0, Version: 1,
	})

	if err := e.Advance(sweepCtx, "wf-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Advance error = %v, want context.Canceled", err)
	}
	hist, _ := store.History(ctx, "wf-1")
	if len(hist) != 1 {
		t.Fatalf("history = %+v, want the prepare result", hist)
	}

	_ = e.Advance(ctx, "wf-1")
	if n := len(rec.Calls()); n != 1 {
		t.Errorf("prepare calls = %d, want 1", n)
	}
}

func TestEngine_Advance_lostLeaseStopsDispatch(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	store := NewMemoryInstanceStore()
	e := newCancelTestEngine(clock, store)
	e.RegisterProgram("pair", func(c *Context, _ json.RawMessage) (any, error) {
		if err := c.CallActivity("prepare", "a", nil); err != nil {
			return nil, err
		}
		return nil, c.CallActivity("finish", "b", nil)
	})
	prepare := rec.fn("prepare")
	e.RegisterActivity("prepare", func(ctx context.Context, input json.RawMessage) (any, error) {
		// A slow call outlives the lease and another node takes over.
		clock.Advance(time.Minute)
		if err := store.AcquireLease(ctx, "wf-1", "other-node", clock.Now(), clock.Now().Add(time.Hour)); err != nil {
			t.Errorf("takeover AcquireLease error: %v", err)
		}
		return prepare(ctx, input)
	})
	e.RegisterActivity("finish", rec.fn("finish"))

	if _, err := e.StartInstance(context.Background(), "pair", "wf-1", nil); err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}
	if want := []string{`prepare:"a"`}; !equalCalls(rec.Calls(), want) {
		t.Errorf("calls = %v, want %v", rec.Calls(), want)
	}
	hist, _ := store.History(context.Background(), "wf-1")
	if len(hist) != 1 {
		t.Errorf("history = %+v, want only the prepare result", hist)
	}
}

// --- Sweep ---

// flakyRunnableStore fails the first failures FindRunnable calls.
type flakyRunnableStore struct {
	*MemoryInstanceStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyRunnableStore) FindRunnable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.MemoryInstanceStore.FindRunnable(ctx, cutoff, limit)
}

func TestEngine_Sweep_retriesRecoveryThenTicks(t *testing.T) {
	clock := &fakeClock{now: t0}
	rec := newRecorder()
	store := &flakyRunnableStore{MemoryInstanceStore: NewMemoryInstanceStore(), failures: 2}
	e := newCancelTestEngine(clock, store)
	e.RegisterActivity("prepare", rec.fn("prepare"))
	e.RegisterActivity("finish", rec.fn("finish"))
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	ctx := context.Background()
	wake := t0
	_ = store.Create(ctx, Instance{
		ID: "wf-1", Program: "gate", Input: []byte(`"alpha"`),
		RunStatus: model.RunStatusRunning, WakeAt: &wake, CreatedAt: t0, UpdatedAt: t0, Version: 1,
	})

	sweepCtx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Sweep(sweepCtx, time.Millisecond, func() { close(ready) })
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("Sweep never reported recovery")
	}
	if len(slept) != 2 {
		t.Errorf("recovery backoffs = %v, want 2", slept)
	}
	if want := []string{`prepare:"alpha"`}; !equalCalls(rec.Calls(), want) {
		t.Errorf("calls = %v, want %v", rec.Calls(), want)
	}

	// The timer fires on a later tick.
	clock.Advance(2 * time.Hour)
	deadline := time.Now().Add(5 * time.Second)
	for len(rec.Calls()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if want := []string{`prepare:"alpha"`, `finish:"timeout"`}; !equalCalls(rec.Calls(), want) {
		t.Errorf("calls = %v, want %v", rec.Calls(), want)
	}
}

func TestRetryPolicy_backoff(t *testing.T) {
	p := RetryPolicy{BackoffInitial: 100 * time.Millisecond, BackoffMultiplier: 2, BackoffMax: 300 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{8, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"marked", Transient(errors.New("x")), true},
		{"wrapped marked", fmt.Errorf("call: %w", Transient(errors.New("x"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"backend unavailable", model.NewBackendUnavailableError(), true},
		{"not found", model.NewCaseNotFoundError("c"), false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) != nil")
	}
}
