package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrSuspended is returned by every step that has no recorded resolution
// yet. Programs must return it unchanged so the engine can schedule the
// pending step.
var ErrSuspended = errors.New("workflow suspended")

// ErrNondeterministic reports a recorded history that does not match the
// step the program issued at the same position.
var ErrNondeterministic = errors.New("workflow history does not match program")

// ActivityError is an application failure recorded for an activity call.
// It is deterministic: replays surface the same error.
type ActivityError struct {
	Activity string
	Message  string
}

// Error implements the error interface.
func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.Activity, e.Message)
}

// Awaitable is an unissued timer or event wait. It becomes a step when it is
// passed to Await or Race.
type Awaitable struct {
	kind   DescriptorKind
	name   string
	fireAt time.Time
}

// Timer returns an awaitable that fires at fireAt.
func Timer(fireAt time.Time) Awaitable {
	return Awaitable{kind: DescriptorTimer, fireAt: fireAt}
}

// Event returns an awaitable resolved by the next external event named name.
func Event(name string) Awaitable {
	return Awaitable{kind: DescriptorEventWait, name: name}
}

// RaceResult identifies the winning branch of a race.
type RaceResult struct {
	Index   int
	Kind    RecordKind
	Payload json.RawMessage
}

// Decode unmarshals the winning branch payload into out.
func (r RaceResult) Decode(out any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("race branch %d carried no payload", r.Index)
	}
	return json.Unmarshal(r.Payload, out)
}

// Context is handed to a program on every replay. Steps are numbered in
// issue order; step N is resolved by the first history record whose StepID
// is N. A step with no record suspends the program.
type Context struct {
	instanceID string
	byStep     map[int][]HistoryRecord
	lastStep   int
	nextStep   int
	now        time.Time
	logger     *zap.Logger

	pending   *Descriptor
	discarded int
}

func newContext(inst Instance, history []HistoryRecord, logger *zap.Logger) *Context {
	c := &Context{
		instanceID: inst.ID,
		byStep:     make(map[int][]HistoryRecord),
		lastStep:   -1,
		now:        inst.CreatedAt,
		logger:     logger.With(zap.String("instance_id", inst.ID)),
	}
	for _, rec := range history {
		c.byStep[rec.StepID] = append(c.byStep[rec.StepID], rec)
		if rec.StepID > c.lastStep {
			c.lastStep = rec.StepID
		}
	}
	return c
}

// InstanceID returns the ID of the running instance.
func (c *Context) InstanceID() string { return c.instanceID }

// Now returns the logical time of the instance: its creation time, advanced
// to the stamp of each resolved step as the program replays.
func (c *Context) Now() time.Time { return c.now }

// IsReplaying reports whether the current step was already resolved in an
// earlier pass.
func (c *Context) IsReplaying() bool { return c.nextStep <= c.lastStep }

// Logger returns a logger that is silent while replaying.
func (c *Context) Logger() *zap.Logger {
	if c.IsReplaying() {
		return zap.NewNop()
	}
	return c.logger
}

// CallActivity schedules the named activity with input and decodes its
// result into out, which may be nil. A recorded application failure is
// returned as *ActivityError.
func (c *Context) CallActivity(name string, input any, out any) error {
	step, recs, err := c.issue()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		raw, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("marshal %s input: %w", name, err)
		}
		return c.suspend(Descriptor{StepID: step, Kind: DescriptorActivityCall, Name: name, Input: raw})
	}

	rec := c.resolve(recs)
	if rec.Kind != RecordActivityResult || rec.Name != name {
		return fmt.Errorf("%w: step %d is %s(%s), program called activity %s",
			ErrNondeterministic, step, rec.Kind, rec.Name, name)
	}
	if rec.Error != "" {
		return &ActivityError{Activity: name, Message: rec.Error}
	}
	if out != nil && len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, out); err != nil {
			return fmt.Errorf("decode %s result: %w", name, err)
		}
	}
	return nil
}

// CreateTimer suspends until fireAt.
func (c *Context) CreateTimer(fireAt time.Time) error {
	return c.Await(Timer(fireAt), nil)
}

// WaitForEvent suspends until an event named name arrives and decodes its
// payload into out, which may be nil.
func (c *Context) WaitForEvent(name string, out any) error {
	return c.Await(Event(name), out)
}

// Await issues a single awaitable as one step.
func (c *Context) Await(a Awaitable, out any) error {
	step, recs, err := c.issue()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return c.suspend(Descriptor{StepID: step, Kind: a.kind, Name: a.name, FireAt: a.fireAt})
	}

	rec := c.resolve(recs)
	if want := recordKindFor(a.kind); rec.Kind != want || rec.Name != a.name {
		return fmt.Errorf("%w: step %d is %s(%s), program awaited %s(%s)",
			ErrNondeterministic, step, rec.Kind, rec.Name, want, a.name)
	}
	if out != nil && len(rec.Payload) > 0 {
		return json.Unmarshal(rec.Payload, out)
	}
	return nil
}

// Race issues the branches as one step. The first recorded branch wins;
// records for the other branches are ignored on every replay.
func (c *Context) Race(branches ...Awaitable) (RaceResult, error) {
	if len(branches) == 0 {
		return RaceResult{}, errors.New("race requires at least one branch")
	}
	step, recs, err := c.issue()
	if err != nil {
		return RaceResult{}, err
	}

	tags := make([]string, len(branches))
	for i, b := range branches {
		tags[i] = branchTag(i, b.kind, b.name)
	}

	if len(recs) == 0 {
		race := Descriptor{StepID: step, Kind: DescriptorRace}
		for i, b := range branches {
			race.Branches = append(race.Branches, Descriptor{
				StepID: step,
				Kind:   b.kind,
				Name:   b.name,
				Branch: tags[i],
				FireAt: b.fireAt,
			})
		}
		return RaceResult{}, c.suspend(race)
	}

	rec := c.resolve(recs)
	for i, tag := range tags {
		if rec.Branch == tag {
			return RaceResult{Index: i, Kind: rec.Kind, Payload: rec.Payload}, nil
		}
	}
	return RaceResult{}, fmt.Errorf("%w: step %d resolved by unknown branch %q",
		ErrNondeterministic, step, rec.Branch)
}

// issue allocates the next step ID and returns its records.
func (c *Context) issue() (int, []HistoryRecord, error) {
	if c.pending != nil {
		return 0, nil, ErrSuspended
	}
	step := c.nextStep
	c.nextStep++
	return step, c.byStep[step], nil
}

// resolve picks the winning record of a step and advances logical time.
func (c *Context) resolve(recs []HistoryRecord) HistoryRecord {
	rec := recs[0]
	c.discarded += len(recs) - 1
	if rec.LogicalTime.After(c.now) {
		c.now = rec.LogicalTime
	}
	return rec
}

func (c *Context) suspend(d Descriptor) error {
	c.pending = &d
	return ErrSuspended
}

func recordKindFor(kind DescriptorKind) RecordKind {
	switch kind {
	case DescriptorTimer:
		return RecordTimerFired
	case DescriptorEventWait:
		return RecordEventReceived
	default:
		return RecordActivityResult
	}
}
