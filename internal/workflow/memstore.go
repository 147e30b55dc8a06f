package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/SidU/durable-support-agent/model"
)

type lease struct {
	owner string
	until time.Time
}

// MemoryInstanceStore is an in-memory InstanceStore for tests and
// single-process development.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]Instance
	history   map[string][]HistoryRecord
	inbox     map[string][]InboxEvent
	leases    map[string]lease
}

// NewMemoryInstanceStore creates an empty in-memory store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]Instance),
		history:   make(map[string][]HistoryRecord),
		inbox:     make(map[string][]InboxEvent),
		leases:    make(map[string]lease),
	}
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves an instance by ID.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return Instance{}, model.NewInstanceNotFoundError(instanceID)
	}
	return cloneInstance(inst), nil
}

// History returns a copy of the instance history.
func (s *MemoryInstanceStore) History(_ context.Context, instanceID string) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewInstanceNotFoundError(instanceID)
	}
	return slices.Clone(s.history[instanceID]), nil
}

// Commit applies one state transition under optimistic locking.
func (s *MemoryInstanceStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := c.Instance
	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewInstanceNotFoundError(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}
	hist := s.history[inst.ID]
	if len(c.Records) > 0 && c.Records[0].Seq != len(hist) {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q history conflict (next seq %d, got %d)", inst.ID, len(hist), c.Records[0].Seq),
		)
	}

	s.history[inst.ID] = append(hist, c.Records...)

	var remaining []InboxEvent
	arrived := false
	for _, ev := range s.inbox[inst.ID] {
		if slices.Contains(c.Consumed, ev.ID) {
			continue
		}
		if !slices.Contains(c.SeenInbox, ev.ID) {
			arrived = true
		}
		remaining = append(remaining, ev)
	}
	s.inbox[inst.ID] = remaining

	if arrived && inst.RunStatus == model.RunStatusRunning {
		at := inst.UpdatedAt
		inst.WakeAt = &at
	}
	inst.Version++
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// EnqueueEvent buffers an event and marks the instance runnable.
func (s *MemoryInstanceStore) EnqueueEvent(_ context.Context, ev InboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[ev.InstanceID]
	if !exists {
		return model.NewInstanceNotFoundError(ev.InstanceID)
	}
	s.inbox[ev.InstanceID] = append(s.inbox[ev.InstanceID], ev)
	at := ev.ReceivedAt
	inst.WakeAt = &at
	s.instances[ev.InstanceID] = inst
	return nil
}

// PendingEvents returns unconsumed events oldest first.
func (s *MemoryInstanceStore) PendingEvents(_ context.Context, instanceID string) ([]InboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := slices.Clone(s.inbox[instanceID])
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
	return events, nil
}

// AcquireLease takes or renews the scheduling lease.
func (s *MemoryInstanceStore) AcquireLease(_ context.Context, instanceID, owner string, now, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instanceID]; !exists {
		return model.NewInstanceNotFoundError(instanceID)
	}
	if l, held := s.leases[instanceID]; held && l.owner != owner && l.until.After(now) {
		return ErrLeaseHeld
	}
	s.leases[instanceID] = lease{owner: owner, until: until}
	return nil
}

// ReleaseLease drops the lease if owner holds it.
func (s *MemoryInstanceStore) ReleaseLease(_ context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.leases[instanceID]; held && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

// FindRunnable returns running instances due at or before cutoff.
func (s *MemoryInstanceStore) FindRunnable(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Instance
	for _, inst := range s.instances {
		if inst.RunStatus != model.RunStatusRunning || inst.WakeAt == nil {
			continue
		}
		if !inst.WakeAt.After(cutoff) {
			due = append(due, inst)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].WakeAt.Before(*due[j].WakeAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, len(due))
	for i, inst := range due {
		ids[i] = inst.ID
	}
	return ids, nil
}

func cloneInstance(inst Instance) Instance {
	inst.PendingTimers = slices.Clone(inst.PendingTimers)
	if inst.WakeAt != nil {
		at := *inst.WakeAt
		inst.WakeAt = &at
	}
	return inst
}
