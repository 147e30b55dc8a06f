// Package cases persists support case records.
package cases

import (
	"context"
	"fmt"

	"github.com/SidU/durable-support-agent/model"
)

// Store persists support cases.
type Store interface {
	// Create persists a new case. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, c model.Case) error

	// Get retrieves a case by ID. Returns CASE_NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.Case, error)

	// Update atomically applies the set fields of patch, stamps UpdatedAt
	// and increments Version. A status change must be a valid transition
	// from the stored status, otherwise INVALID_TRANSITION is returned.
	Update(ctx context.Context, id string, patch model.CasePatch) (model.Case, error)

	// QueryByStatus returns cases in status, newest first.
	QueryByStatus(ctx context.Context, status string) ([]model.Case, error)
}

// checkTransition validates the status change carried by patch.
func checkTransition(current model.Case, patch model.CasePatch) error {
	if patch.Status == nil {
		return nil
	}
	if !model.ValidTransition(current.Status, *patch.Status) {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("case %q cannot move from %s to %s", current.ID, current.Status, *patch.Status),
		)
	}
	return nil
}
