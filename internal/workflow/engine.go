package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/observability"
	"github.com/SidU/durable-support-agent/model"
)

const (
	defaultLeaseTTL     = 30 * time.Second
	defaultTickInterval = 5 * time.Second
	defaultBatchSize    = 100
	defaultWorkers      = 4
	maxStepsPerPass     = 1000
	recoverHorizon      = 100 * 365 * 24 * time.Hour
	outcomeSuccess      = "success"
	outcomeAppFailure   = "app_failure"
	outcomeTransient    = "transient"
)

// Program is a deterministic orchestrator. It is re-executed from the start
// on every scheduling pass and must return ErrSuspended unchanged.
type Program func(ctx *Context, input json.RawMessage) (any, error)

// ActivityFunc performs a side effect. Returned errors are application
// failures unless wrapped with Transient.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// EventValidator checks an external event payload before it is enqueued.
type EventValidator func(payload json.RawMessage) error

// Observer receives engine lifecycle signals. observability.Metrics
// satisfies it.
type Observer interface {
	RecordInstanceStart(program string)
	RecordInstanceFinish(program, runStatus string)
	RecordActivityDispatch(activity, outcome string, duration time.Duration)
	RecordActivityRetry(activity string)
	RecordTimerFired(program string)
	RecordEventReceived(event string)
	RecordLateRecordsDiscarded(program string, n int)
}

type nopObserver struct{}

func (nopObserver) RecordInstanceStart(string)                           {}
func (nopObserver) RecordInstanceFinish(string, string)                  {}
func (nopObserver) RecordActivityDispatch(string, string, time.Duration) {}
func (nopObserver) RecordActivityRetry(string)                           {}
func (nopObserver) RecordTimerFired(string)                              {}
func (nopObserver) RecordEventReceived(string)                           {}
func (nopObserver) RecordLateRecordsDiscarded(string, int)               {}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Clock     Clock
	Logger    *zap.Logger
	Observer  Observer
	Retry     RetryPolicy
	LeaseTTL  time.Duration
	Owner     string
	BatchSize int
	Workers   int
}

// Engine runs programs durably against an InstanceStore.
type Engine struct {
	store    InstanceStore
	clock    Clock
	logger   *zap.Logger
	observer Observer
	retry    RetryPolicy
	leaseTTL time.Duration
	owner    string
	batch    int
	workers  int

	sleep func(ctx context.Context, d time.Duration) error
	locks *keyedMutex

	mu         sync.RWMutex
	programs   map[string]Program
	activities map[string]ActivityFunc
	validators map[string]EventValidator
}

// NewEngine creates an engine over store.
func NewEngine(store InstanceStore, opts Options) *Engine {
	e := &Engine{
		store:      store,
		clock:      opts.Clock,
		logger:     opts.Logger,
		observer:   opts.Observer,
		retry:      opts.Retry.normalized(),
		leaseTTL:   opts.LeaseTTL,
		owner:      opts.Owner,
		batch:      opts.BatchSize,
		workers:    opts.Workers,
		sleep:      sleepContext,
		locks:      newKeyedMutex(),
		programs:   make(map[string]Program),
		activities: make(map[string]ActivityFunc),
		validators: make(map[string]EventValidator),
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = defaultLeaseTTL
	}
	if e.owner == "" {
		e.owner = uuid.NewString()
	}
	if e.batch <= 0 {
		e.batch = defaultBatchSize
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	return e
}

// RegisterProgram makes a program startable by name.
func (e *Engine) RegisterProgram(name string, p Program) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs[name] = p
}

// RegisterActivity makes an activity dispatchable by name.
func (e *Engine) RegisterActivity(name string, fn ActivityFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = fn
}

// RegisterEventValidator installs a payload check for events named name.
func (e *Engine) RegisterEventValidator(name string, v EventValidator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators[name] = v
}

func (e *Engine) program(name string) (Program, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.programs[name]
	return p, ok
}

func (e *Engine) activity(name string) (ActivityFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.activities[name]
	return fn, ok
}

// StartInstance persists a new Running instance and runs its first pass.
// An empty instanceID is replaced by a generated one. Pass failures are
// logged; the sweeper resumes the instance. The pass ignores cancellation of
// ctx so an activity that already ran always gets its result recorded.
func (e *Engine) StartInstance(ctx context.Context, program, instanceID string, input any) (_ string, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrProgram.String(program),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if _, ok := e.program(program); !ok {
		return "", model.NewBadRequestError(fmt.Sprintf("program %q is not registered", program))
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal instance input: %w", err)
	}

	now := e.clock.Now()
	inst := Instance{
		ID:        instanceID,
		Program:   program,
		Input:     raw,
		RunStatus: model.RunStatusRunning,
		WakeAt:    &now,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := e.store.Create(ctx, inst); err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}
	e.observer.RecordInstanceStart(program)
	e.logger.Info("workflow instance started",
		zap.String("instance_id", instanceID),
		zap.String("program", program),
	)

	if err := e.Advance(context.WithoutCancel(ctx), instanceID); err != nil {
		e.logger.Warn("initial scheduling pass failed",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
	}
	return instanceID, nil
}

// SignalEvent delivers an external event to a running instance and runs a
// pass detached from ctx cancellation. The event is durable once SignalEvent
// returns nil.
func (e *Engine) SignalEvent(ctx context.Context, instanceID, name string, payload any) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.signal",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrEvent.String(name),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if name == "" {
		return model.NewBadRequestError("event name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.NewBadRequestError(fmt.Sprintf("event payload is not JSON: %v", err))
	}
	e.mu.RLock()
	validate := e.validators[name]
	e.mu.RUnlock()
	if validate != nil {
		if err := validate(raw); err != nil {
			return err
		}
	}

	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.RunStatus != model.RunStatusRunning {
		return model.NewInstanceNotRunningError(instanceID, inst.RunStatus)
	}

	ev := InboxEvent{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Name:       name,
		Payload:    raw,
		ReceivedAt: e.clock.Now(),
	}
	if err := e.store.EnqueueEvent(ctx, ev); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	e.logger.Info("workflow event received",
		zap.String("instance_id", instanceID),
		zap.String("event", name),
	)

	if err := e.Advance(context.WithoutCancel(ctx), instanceID); err != nil {
		e.logger.Warn("scheduling pass after event failed",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
	}
	return nil
}

// GetStatus returns the externally visible state of an instance.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (model.InstanceStatus, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.InstanceStatus{}, err
	}
	return model.InstanceStatus{
		InstanceID: inst.ID,
		Program:    inst.Program,
		RunStatus:  inst.RunStatus,
		Output:     inst.Output,
		Error:      inst.Error,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}, nil
}

// Advance runs one scheduling pass: it replays the program and performs
// scheduling actions until the instance finishes or blocks. A lease held by
// another owner makes Advance a no-op.
func (e *Engine) Advance(ctx context.Context, instanceID string) (err error) {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	now := e.clock.Now()
	if err := e.store.AcquireLease(ctx, instanceID, e.owner, now, now.Add(e.leaseTTL)); err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			e.logger.Debug("instance leased elsewhere", zap.String("instance_id", instanceID))
			return nil
		}
		return err
	}
	defer func() {
		if rerr := e.store.ReleaseLease(context.WithoutCancel(ctx), instanceID, e.owner); rerr != nil {
			e.logger.Warn("release lease failed", zap.String("instance_id", instanceID), zap.Error(rerr))
		}
	}()

	ctx, span := observability.StartSpan(ctx, "workflow.advance",
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	for range maxStepsPerPass {
		done, err := e.step(ctx, instanceID)
		if err != nil || done {
			return err
		}
	}
	e.logger.Warn("scheduling pass step limit reached", zap.String("instance_id", instanceID))
	return nil
}

// step replays once and performs at most one scheduling action. It reports
// whether the pass is over.
func (e *Engine) step(ctx context.Context, instanceID string) (bool, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return true, err
	}
	if inst.RunStatus != model.RunStatusRunning {
		return true, nil
	}
	history, err := e.store.History(ctx, instanceID)
	if err != nil {
		return true, fmt.Errorf("load history: %w", err)
	}
	program, ok := e.program(inst.Program)
	if !ok {
		return true, fmt.Errorf("instance %s: program %q is not registered", instanceID, inst.Program)
	}

	wctx := newContext(inst, history, e.logger)
	out, runErr := runProgram(program, wctx, inst.Input)
	if wctx.discarded > 0 {
		e.observer.RecordLateRecordsDiscarded(inst.Program, wctx.discarded)
	}

	if wctx.pending != nil {
		return e.schedule(ctx, inst, history, *wctx.pending)
	}
	if errors.Is(runErr, ErrSuspended) {
		runErr = errors.New("program suspended without a pending step")
	}
	return true, e.finish(ctx, inst, out, runErr)
}

func runProgram(p Program, c *Context, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("program panic: %v", r)
		}
	}()
	return p(c, input)
}

// finish commits a terminal status.
func (e *Engine) finish(ctx context.Context, inst Instance, out any, runErr error) error {
	now := e.clock.Now()
	inst.UpdatedAt = now
	inst.WakeAt = nil
	inst.PendingTimers = nil

	if runErr != nil {
		inst.RunStatus = model.RunStatusFailed
		inst.Error = runErr.Error()
	} else {
		raw, err := json.Marshal(out)
		if err != nil {
			inst.RunStatus = model.RunStatusFailed
			inst.Error = fmt.Sprintf("marshal output: %v", err)
		} else {
			inst.RunStatus = model.RunStatusCompleted
			inst.Output = raw
		}
	}

	if err := e.store.Commit(ctx, Commit{Instance: inst}); err != nil {
		return fmt.Errorf("commit terminal status: %w", err)
	}
	e.observer.RecordInstanceFinish(inst.Program, inst.RunStatus)

	fields := []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("program", inst.Program),
		zap.String("run_status", inst.RunStatus),
	}
	if inst.RunStatus == model.RunStatusFailed {
		e.logger.Error("workflow instance failed", append(fields, zap.String("error", inst.Error))...)
	} else {
		e.logger.Info("workflow instance completed", fields...)
	}
	return nil
}

// schedule performs the action for the pending descriptor. It reports true
// when the instance is blocked and the pass should stop.
func (e *Engine) schedule(ctx context.Context, inst Instance, history []HistoryRecord, d Descriptor) (bool, error) {
	if d.Kind == DescriptorActivityCall {
		return e.dispatch(ctx, inst, history, d)
	}

	inbox, err := e.store.PendingEvents(ctx, inst.ID)
	if err != nil {
		return true, fmt.Errorf("load inbox: %w", err)
	}
	seen := make([]string, len(inbox))
	for i, ev := range inbox {
		seen[i] = ev.ID
	}

	now := e.clock.Now()
	rec := HistoryRecord{Seq: len(history), StepID: d.StepID, LogicalTime: now}
	var consumed []string

	// Events are considered before timers so an event wins a tie.
	leaves := d.leaves()
	found := false
	for _, leaf := range leaves {
		if leaf.Kind != DescriptorEventWait {
			continue
		}
		for _, ev := range inbox {
			if ev.Name == leaf.Name {
				rec.Kind = RecordEventReceived
				rec.Name = ev.Name
				rec.Branch = leaf.Branch
				rec.Payload = ev.Payload
				consumed = []string{ev.ID}
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		for _, leaf := range leaves {
			if leaf.Kind == DescriptorTimer && !leaf.FireAt.After(now) {
				rec.Kind = RecordTimerFired
				rec.Branch = leaf.Branch
				found = true
				break
			}
		}
	}

	inst.UpdatedAt = now
	if !found {
		inst.PendingTimers = nil
		inst.WakeAt = nil
		for _, leaf := range leaves {
			if leaf.Kind != DescriptorTimer {
				continue
			}
			inst.PendingTimers = append(inst.PendingTimers, PendingTimer{
				StepID: leaf.StepID,
				Branch: leaf.Branch,
				FireAt: leaf.FireAt,
			})
			if inst.WakeAt == nil || leaf.FireAt.Before(*inst.WakeAt) {
				at := leaf.FireAt
				inst.WakeAt = &at
			}
		}
		if err := e.store.Commit(ctx, Commit{Instance: inst, SeenInbox: seen}); err != nil {
			return true, fmt.Errorf("commit blocked state: %w", err)
		}
		e.logger.Debug("workflow instance blocked",
			zap.String("instance_id", inst.ID),
			zap.Stringer("descriptor", d),
		)
		return true, nil
	}

	inst.PendingTimers = nil
	inst.WakeAt = &now
	if err := e.store.Commit(ctx, Commit{
		Instance:  inst,
		Records:   []HistoryRecord{rec},
		Consumed:  consumed,
		SeenInbox: seen,
	}); err != nil {
		return true, fmt.Errorf("commit %s: %w", rec.Kind, err)
	}

	switch rec.Kind {
	case RecordEventReceived:
		e.observer.RecordEventReceived(rec.Name)
	case RecordTimerFired:
		e.observer.RecordTimerFired(inst.Program)
	}
	e.logger.Info("workflow step resolved",
		zap.String("instance_id", inst.ID),
		zap.Int("step_id", rec.StepID),
		zap.String("kind", string(rec.Kind)),
		zap.String("branch", rec.Branch),
	)
	return false, nil
}

// dispatch runs an activity with bounded retry and records its outcome.
func (e *Engine) dispatch(ctx context.Context, inst Instance, history []HistoryRecord, d Descriptor) (bool, error) {
	fn, ok := e.activity(d.Name)
	rec := HistoryRecord{Seq: len(history), StepID: d.StepID, Kind: RecordActivityResult, Name: d.Name}

	if !ok {
		rec.Error = fmt.Sprintf("activity %q is not registered", d.Name)
	} else {
		held, err := e.renewLease(ctx, inst.ID)
		if err != nil || !held {
			return true, err
		}
		result, appErr, err := e.invoke(ctx, inst.ID, d, fn)
		if err != nil {
			return true, e.postpone(ctx, inst, d, err)
		}
		if appErr != nil {
			rec.Error = appErr.Error()
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				rec.Error = fmt.Sprintf("marshal result: %v", err)
			} else {
				rec.Payload = raw
			}
		}
	}

	now := e.clock.Now()
	rec.LogicalTime = now
	inst.UpdatedAt = now
	inst.PendingTimers = nil
	inst.WakeAt = &now
	// The side effect has happened; losing its record would repeat it.
	if err := e.store.Commit(context.WithoutCancel(ctx), Commit{Instance: inst, Records: []HistoryRecord{rec}}); err != nil {
		return true, fmt.Errorf("commit activity result: %w", err)
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	return false, nil
}

// renewLease extends this engine's lease before a dispatch. It reports false
// when another owner took the instance over.
func (e *Engine) renewLease(ctx context.Context, instanceID string) (bool, error) {
	now := e.clock.Now()
	err := e.store.AcquireLease(ctx, instanceID, e.owner, now, now.Add(e.leaseTTL))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrLeaseHeld):
		e.logger.Warn("lease lost before dispatch, ending pass", zap.String("instance_id", instanceID))
		return false, nil
	default:
		return false, fmt.Errorf("renew lease: %w", err)
	}
}

// invoke calls fn until it succeeds, fails with an application error, or
// the retry policy is exhausted. The third result is set only when the call
// could not be completed.
func (e *Engine) invoke(ctx context.Context, instanceID string, d Descriptor, fn ActivityFunc) (any, error, error) {
	var lastErr error
	for attempt := range e.retry.MaxAttempts {
		if attempt > 0 {
			e.observer.RecordActivityRetry(d.Name)
			if err := e.sleep(ctx, e.retry.backoff(attempt)); err != nil {
				return nil, nil, err
			}
		}

		start := time.Now()
		actx, span := observability.StartSpan(ctx, "workflow.activity",
			observability.AttrInstanceID.String(instanceID),
			observability.AttrActivity.String(d.Name),
			attribute.Int("workflow.step_id", d.StepID),
			attribute.Int("workflow.attempt", attempt+1),
		)
		result, err := callActivity(actx, fn, d.Input)
		observability.EndSpanWithError(span, err)

		switch {
		case err == nil:
			e.observer.RecordActivityDispatch(d.Name, outcomeSuccess, time.Since(start))
			return result, nil, nil
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case IsTransient(err):
			e.observer.RecordActivityDispatch(d.Name, outcomeTransient, time.Since(start))
			e.logger.Warn("activity dispatch failed, retrying",
				zap.String("instance_id", instanceID),
				zap.String("activity", d.Name),
				zap.Int("attempt", attempt+1),
				zap.Int("max", e.retry.MaxAttempts),
				zap.Error(err),
			)
			lastErr = err
		default:
			e.observer.RecordActivityDispatch(d.Name, outcomeAppFailure, time.Since(start))
			e.logger.Warn("activity failed",
				zap.String("instance_id", instanceID),
				zap.String("activity", d.Name),
				zap.Error(err),
			)
			return nil, err, nil
		}
	}
	return nil, nil, fmt.Errorf("activity %s: retries exhausted: %w", d.Name, lastErr)
}

func callActivity(ctx context.Context, fn ActivityFunc, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(ctx, input)
}

// postpone leaves the instance Running and schedules a later retry.
func (e *Engine) postpone(ctx context.Context, inst Instance, d Descriptor, cause error) error {
	e.logger.Warn("activity dispatch deferred",
		zap.String("instance_id", inst.ID),
		zap.Stringer("descriptor", d),
		zap.Error(cause),
	)
	if ctx.Err() != nil {
		return nil
	}
	inbox, err := e.store.PendingEvents(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("load inbox: %w", err)
	}
	seen := make([]string, len(inbox))
	for i, ev := range inbox {
		seen[i] = ev.ID
	}

	now := e.clock.Now()
	wake := now.Add(e.retry.BackoffMax)
	inst.UpdatedAt = now
	inst.WakeAt = &wake
	if err := e.store.Commit(ctx, Commit{Instance: inst, SeenInbox: seen}); err != nil {
		return fmt.Errorf("commit retry wake-up: %w", err)
	}
	return nil
}

// Tick advances every running instance whose wake-up time has passed.
func (e *Engine) Tick(ctx context.Context) error {
	return e.advanceRunnable(ctx, e.clock.Now())
}

// Recover advances every running instance with a wake-up time, due or not,
// re-arming timers after a restart.
func (e *Engine) Recover(ctx context.Context) error {
	return e.advanceRunnable(ctx, e.clock.Now().Add(recoverHorizon))
}

// Sweep runs Recover until it succeeds, backing off between failures,
// calls ready once, then runs Tick every interval until ctx is done.
func (e *Engine) Sweep(ctx context.Context, interval time.Duration, ready func()) {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	for attempt := 1; ; attempt++ {
		err := e.Recover(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		delay := e.retry.backoff(attempt)
		e.logger.Error("instance recovery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return
		}
	}
	e.logger.Info("instance recovery complete")
	if ready != nil {
		ready()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("workflow tick failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) advanceRunnable(ctx context.Context, cutoff time.Time) error {
	ids, err := e.store.FindRunnable(ctx, cutoff, e.batch)
	if err != nil {
		return fmt.Errorf("find runnable instances: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	work := make(chan string)
	var wg sync.WaitGroup
	for range min(e.workers, len(ids)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				if err := e.Advance(ctx, id); err != nil {
					e.logger.Error("scheduling pass failed",
						zap.String("instance_id", id),
						zap.Error(err),
					)
				}
			}
		}()
	}
	for _, id := range ids {
		select {
		case work <- id:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()

	e.logger.Debug("sweep complete", zap.Int("instances", len(ids)))
	return ctx.Err()
}
