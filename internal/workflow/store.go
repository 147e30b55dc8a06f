package workflow

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned by AcquireLease when another owner holds an
// unexpired lease on the instance.
var ErrLeaseHeld = errors.New("workflow instance lease held by another owner")

// InstanceStore persists workflow instances, their history and their event
// inbox.
type InstanceStore interface {
	// Create persists a new instance. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, inst Instance) error

	// Get retrieves an instance by ID. Returns INSTANCE_NOT_FOUND if absent.
	Get(ctx context.Context, instanceID string) (Instance, error)

	// History returns the instance history ordered by Seq.
	History(ctx context.Context, instanceID string) ([]HistoryRecord, error)

	// Commit atomically appends records, removes consumed inbox events and
	// replaces the instance row. The instance version must match the stored
	// version and the first record must continue the stored sequence;
	// otherwise CONFLICT is returned.
	Commit(ctx context.Context, c Commit) error

	// EnqueueEvent appends an event to the instance inbox and marks the
	// instance runnable at the event's ReceivedAt.
	EnqueueEvent(ctx context.Context, ev InboxEvent) error

	// PendingEvents returns unconsumed inbox events ordered by ReceivedAt.
	PendingEvents(ctx context.Context, instanceID string) ([]InboxEvent, error)

	// AcquireLease takes or renews the scheduling lease for owner. Returns
	// ErrLeaseHeld if another owner's lease is still valid at now.
	AcquireLease(ctx context.Context, instanceID, owner string, now, until time.Time) error

	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, instanceID, owner string) error

	// FindRunnable returns IDs of running instances whose wake time is at or
	// before cutoff, oldest first.
	FindRunnable(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Commit is one atomic state transition of an instance.
type Commit struct {
	Instance Instance
	Records  []HistoryRecord
	// Consumed lists inbox event IDs resolved by Records.
	Consumed []string
	// SeenInbox lists inbox event IDs the scheduling pass observed. Events
	// outside this set arrived mid-pass and keep the instance runnable.
	SeenInbox []string
}
