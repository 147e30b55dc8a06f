package model

import (
	"encoding/json"
	"time"
)

// Workflow instance run states.
const (
	RunStatusRunning   = "Running"
	RunStatusCompleted = "Completed"
	RunStatusFailed    = "Failed"
)

// InstanceStatus is the externally visible state of a workflow instance.
type InstanceStatus struct {
	InstanceID string          `json:"instance_id"`
	Program    string          `json:"program"`
	RunStatus  string          `json:"run_status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CaseView pairs a case with the status of its approval workflow.
type CaseView struct {
	Case     Case            `json:"case"`
	Workflow *InstanceStatus `json:"workflow,omitempty"`
}
