package model

import "time"

// Case actions.
const (
	ActionRefund     = "refund"
	ActionEscalation = "escalation"
)

// Case status constants.
const (
	CaseStatusPendingApproval = "pending_approval"
	CaseStatusApproved        = "approved"
	CaseStatusRejected        = "rejected"
	CaseStatusCompleted       = "completed"
)

// Case is a support case awaiting or past supervisor approval. The ID doubles
// as the workflow instance ID of the approval orchestration.
type Case struct {
	ID                 string    `json:"id"`
	ConversationID     string    `json:"conversationId"`
	UserID             string    `json:"userId"`
	UserName           string    `json:"userName"`
	OrderID            string    `json:"orderId"`
	CustomerEmail      string    `json:"customerEmail"`
	IssueDescription   string    `json:"issueDescription"`
	Action             string    `json:"action"`
	RefundAmount       *float64  `json:"refundAmount,omitempty"`
	Status             string    `json:"status"`
	WorkflowInstanceID string    `json:"workflowInstanceId"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	Resolution         string    `json:"resolution,omitempty"`
	Version            int       `json:"version"`
}

// CasePatch is a partial update. Nil fields are left untouched. The
// workflow instance ID is fixed at creation and has no patch field.
type CasePatch struct {
	Status     *string
	Resolution *string
}

// Apply copies the set fields of p onto c.
func (p CasePatch) Apply(c *Case) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.Resolution != nil {
		c.Resolution = *p.Resolution
	}
}

// caseTransitions lists the statuses reachable from each status.
var caseTransitions = map[string][]string{
	CaseStatusPendingApproval: {CaseStatusApproved, CaseStatusRejected},
	CaseStatusApproved:        {CaseStatusCompleted},
}

// ValidTransition reports whether a case may move from one status to another.
// Re-applying the current status is always allowed.
func ValidTransition(from, to string) bool {
	if from == to {
		return IsCaseStatus(to)
	}
	for _, next := range caseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsCaseStatus reports whether s is a known case status.
func IsCaseStatus(s string) bool {
	switch s {
	case CaseStatusPendingApproval, CaseStatusApproved, CaseStatusRejected, CaseStatusCompleted:
		return true
	}
	return false
}

// IsTerminalCaseStatus reports whether no further transition leaves s.
func IsTerminalCaseStatus(s string) bool {
	return s == CaseStatusRejected || s == CaseStatusCompleted
}

// IsCaseAction reports whether a is a known case action.
func IsCaseAction(a string) bool {
	return a == ActionRefund || a == ActionEscalation
}
