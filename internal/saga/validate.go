package saga

import (
	"math"
	"net/mail"
	"strings"

	"github.com/SidU/durable-support-agent/model"
)

// Escalation priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// NewCaseRequest is the payload submitted by the support agent when it
// needs supervisor approval.
type NewCaseRequest struct {
	ConversationID   string   `json:"conversationId"`
	UserID           string   `json:"userId"`
	UserName         string   `json:"userName,omitempty"`
	Action           string   `json:"action"`
	OrderID          string   `json:"orderId,omitempty"`
	CustomerEmail    string   `json:"customerEmail,omitempty"`
	IssueDescription string   `json:"issueDescription"`
	RefundAmount     *float64 `json:"refundAmount,omitempty"`
	Priority         string   `json:"priority,omitempty"`
}

// Validate checks the request and returns a VALIDATION_ERROR listing every
// offending field.
func (r NewCaseRequest) Validate() error {
	var errs []model.FieldError
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, model.FieldError{Field: field, Code: "REQUIRED", Message: field + " is required"})
		}
	}

	required("conversationId", r.ConversationID)
	required("userId", r.UserID)
	required("issueDescription", r.IssueDescription)

	switch r.Action {
	case model.ActionRefund:
		required("orderId", r.OrderID)
		required("customerEmail", r.CustomerEmail)
		if r.CustomerEmail != "" {
			if _, err := mail.ParseAddress(r.CustomerEmail); err != nil {
				errs = append(errs, model.FieldError{Field: "customerEmail", Code: "INVALID_FORMAT", Message: "customerEmail is not a valid address"})
			}
		}
		switch {
		case r.RefundAmount == nil:
			errs = append(errs, model.FieldError{Field: "refundAmount", Code: "REQUIRED", Message: "refundAmount is required for refunds"})
		case *r.RefundAmount <= 0 || math.IsInf(*r.RefundAmount, 0) || math.IsNaN(*r.RefundAmount):
			errs = append(errs, model.FieldError{Field: "refundAmount", Code: "OUT_OF_RANGE", Message: "refundAmount must be greater than zero"})
		}
		if r.Priority != "" {
			errs = append(errs, model.FieldError{Field: "priority", Code: "NOT_ALLOWED", Message: "priority applies to escalations only"})
		}
	case model.ActionEscalation:
		if r.RefundAmount != nil {
			errs = append(errs, model.FieldError{Field: "refundAmount", Code: "NOT_ALLOWED", Message: "refundAmount applies to refunds only"})
		}
		switch r.Priority {
		case PriorityLow, PriorityMedium, PriorityHigh:
		case "":
			errs = append(errs, model.FieldError{Field: "priority", Code: "REQUIRED", Message: "priority is required for escalations"})
		default:
			errs = append(errs, model.FieldError{Field: "priority", Code: "INVALID_VALUE", Message: "priority must be low, medium or high"})
		}
	case "":
		errs = append(errs, model.FieldError{Field: "action", Code: "REQUIRED", Message: "action is required"})
	default:
		errs = append(errs, model.FieldError{Field: "action", Code: "INVALID_VALUE", Message: "action must be refund or escalation"})
	}

	if len(errs) > 0 {
		return model.NewValidationError(errs)
	}
	return nil
}

// description returns the issue description stored on the case. Escalations
// are prefixed with their priority, e.g. "[HIGH] ...".
func (r NewCaseRequest) description() string {
	if r.Action == model.ActionEscalation && r.Priority != "" {
		return "[" + strings.ToUpper(r.Priority) + "] " + r.IssueDescription
	}
	return r.IssueDescription
}
