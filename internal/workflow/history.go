package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordKind identifies what resolved a suspension point.
type RecordKind string

// History record kinds.
const (
	RecordActivityResult RecordKind = "ActivityResult"
	RecordTimerFired     RecordKind = "TimerFired"
	RecordEventReceived  RecordKind = "EventReceived"
)

// HistoryRecord is one resolved suspension point of an instance. Records are
// append-only; Seq is dense from zero. StepID is the index of the program
// step the record resolves, Branch tags the race branch that produced it.
type HistoryRecord struct {
	Seq         int             `json:"seq"`
	StepID      int             `json:"step_id"`
	Kind        RecordKind      `json:"kind"`
	Name        string          `json:"name,omitempty"`
	Branch      string          `json:"branch,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	LogicalTime time.Time       `json:"logical_time"`
}

// DescriptorKind identifies a suspension point awaiting resolution.
type DescriptorKind string

// Suspension descriptor kinds.
const (
	DescriptorActivityCall DescriptorKind = "ActivityCall"
	DescriptorTimer        DescriptorKind = "Timer"
	DescriptorEventWait    DescriptorKind = "EventWait"
	DescriptorRace         DescriptorKind = "RaceOf"
)

// Descriptor describes the step a program is suspended on. A race carries
// its branches; every branch shares the race StepID and is told apart by
// its Branch tag.
type Descriptor struct {
	StepID   int
	Kind     DescriptorKind
	Name     string
	Branch   string
	Input    json.RawMessage
	FireAt   time.Time
	Branches []Descriptor
}

// leaves returns the descriptors that need a scheduling action: the branches
// of a race, or the descriptor itself.
func (d Descriptor) leaves() []Descriptor {
	if d.Kind == DescriptorRace {
		return d.Branches
	}
	return []Descriptor{d}
}

// String renders the descriptor for logs and errors.
func (d Descriptor) String() string {
	switch d.Kind {
	case DescriptorRace:
		return fmt.Sprintf("%s(%d)@%d", d.Kind, len(d.Branches), d.StepID)
	case DescriptorTimer:
		return fmt.Sprintf("%s(%s)@%d", d.Kind, d.FireAt.Format(time.RFC3339), d.StepID)
	default:
		return fmt.Sprintf("%s(%s)@%d", d.Kind, d.Name, d.StepID)
	}
}

// PendingTimer is an armed timer persisted with its instance.
type PendingTimer struct {
	StepID int       `json:"step_id"`
	Branch string    `json:"branch,omitempty"`
	FireAt time.Time `json:"fire_at"`
}

// InboxEvent is an external event delivered to an instance and not yet
// consumed by a waiting step.
type InboxEvent struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Instance is the persisted state of one workflow instance, excluding its
// history and inbox.
type Instance struct {
	ID            string          `json:"id"`
	Program       string          `json:"program"`
	Input         json.RawMessage `json:"input,omitempty"`
	RunStatus     string          `json:"run_status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	PendingTimers []PendingTimer  `json:"pending_timers,omitempty"`
	WakeAt        *time.Time      `json:"wake_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

func branchTag(index int, kind DescriptorKind, name string) string {
	if kind == DescriptorTimer {
		return fmt.Sprintf("%d:timer", index)
	}
	return fmt.Sprintf("%d:event:%s", index, name)
}
