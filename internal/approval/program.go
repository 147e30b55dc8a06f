// Package approval defines the durable program that carries a support case
// from pending approval to its terminal status.
package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/activities"
	"github.com/SidU/durable-support-agent/internal/workflow"
	"github.com/SidU/durable-support-agent/model"
)

// ProgramName is the name the orchestrator is registered under.
const ProgramName = "supportCaseOrchestrator"

// EventApproval is the external event carrying a supervisor decision.
const EventApproval = "Approval"

// DefaultTimeout is how long a case waits for a supervisor decision.
const DefaultTimeout = 7 * 24 * time.Hour

// Outcomes reported in Result.
const (
	ResultApproved = "approved"
	ResultRejected = "rejected"
)

// Resolutions recorded on terminal cases.
const (
	ResolutionRefundApproved     = "Refund approved and processed by supervisor"
	ResolutionEscalationApproved = "Escalation approved and handled by supervisor"
	ResolutionRejected           = "Rejected by supervisor"
	ResolutionTimedOut           = "Auto-rejected: approval timed out"
	ResolutionMalformed          = "Rejected: approval decision was malformed"
)

// Input starts an approval instance.
type Input struct {
	CaseID string `json:"caseId"`
	Action string `json:"action"`
}

// Validate checks the input before an instance is started.
func (in Input) Validate() error {
	if in.CaseID == "" {
		return errors.New("caseId is required")
	}
	if !model.IsCaseAction(in.Action) {
		return fmt.Errorf("action %q must be refund or escalation", in.Action)
	}
	return nil
}

// Decision is the payload of an Approval event.
type Decision struct {
	Approved *bool  `json:"approved"`
	Actor    string `json:"actor,omitempty"`
}

// Result is the output of a finished instance.
type Result struct {
	CaseID string `json:"caseId"`
	Result string `json:"result"`
}

// Program runs the case approval state machine.
type Program struct {
	timeout time.Duration
}

// NewProgram creates the orchestrator. A non-positive timeout selects
// DefaultTimeout.
func NewProgram(timeout time.Duration) *Program {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Program{timeout: timeout}
}

// Register adds the program, its activities and the Approval payload check
// to the engine.
func Register(e *workflow.Engine, x *activities.Executor, timeout time.Duration) {
	x.Register(e)
	e.RegisterProgram(ProgramName, NewProgram(timeout).Run)
	e.RegisterEventValidator(EventApproval, ValidateDecision)
}

// ValidateDecision rejects Approval payloads that are not a JSON object.
// Objects with a missing or mistyped "approved" field are still accepted and
// resolve as a rejection.
func ValidateDecision(payload json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return model.NewBadRequestError("approval payload must be a JSON object")
	}
	return nil
}

// Run is the workflow.Program body.
func (p *Program) Run(ctx *workflow.Context, raw json.RawMessage) (any, error) {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	deadline := ctx.Now().Add(p.timeout)
	ctx.Logger().Info("approval started",
		zap.String("case_id", in.CaseID),
		zap.String("action", in.Action),
		zap.Time("deadline", deadline),
	)

	if err := p.updateCase(ctx, in.CaseID, model.CaseStatusPendingApproval, ""); err != nil {
		return nil, err
	}

	won, err := ctx.Race(workflow.Event(EventApproval), workflow.Timer(deadline))
	if err != nil {
		return nil, err
	}

	approved, resolution := decide(won)
	if !approved {
		return p.reject(ctx, in.CaseID, resolution)
	}
	return p.approve(ctx, in)
}

// decide maps the race winner to an outcome. The resolution is set only for
// rejections.
func decide(won workflow.RaceResult) (bool, string) {
	if won.Kind == workflow.RecordTimerFired {
		return false, ResolutionTimedOut
	}
	d, err := decodeDecision(won.Payload)
	if err != nil {
		return false, ResolutionMalformed
	}
	if !*d.Approved {
		return false, ResolutionRejected
	}
	return true, ""
}

func decodeDecision(payload json.RawMessage) (Decision, error) {
	var d Decision
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&d); err != nil {
		return Decision{}, err
	}
	if d.Approved == nil {
		return Decision{}, errors.New("approved is required")
	}
	return d, nil
}

func (p *Program) approve(ctx *workflow.Context, in Input) (any, error) {
	if err := p.updateCase(ctx, in.CaseID, model.CaseStatusApproved, ""); err != nil {
		return nil, err
	}

	resolution := ResolutionEscalationApproved
	message := fmt.Sprintf("Your support case %s has been approved. A supervisor is now handling your escalation and will follow up with you directly.", in.CaseID)
	if in.Action == model.ActionRefund {
		if err := ctx.CallActivity(activities.IssueRefund, activities.IssueRefundInput{CaseID: in.CaseID}, nil); err != nil {
			return nil, err
		}
		resolution = ResolutionRefundApproved
		message = fmt.Sprintf("Your support case %s has been approved and processed. The refund will appear on your account within 5-7 business days.", in.CaseID)
	}

	if err := p.updateCase(ctx, in.CaseID, model.CaseStatusCompleted, resolution); err != nil {
		return nil, err
	}
	if err := p.notify(ctx, in.CaseID, message); err != nil {
		return nil, err
	}

	ctx.Logger().Info("case approved", zap.String("case_id", in.CaseID))
	return Result{CaseID: in.CaseID, Result: ResultApproved}, nil
}

func (p *Program) reject(ctx *workflow.Context, caseID, resolution string) (any, error) {
	if err := p.updateCase(ctx, caseID, model.CaseStatusRejected, resolution); err != nil {
		return nil, err
	}
	message := fmt.Sprintf("Your support case %s has been reviewed and was not approved. Please contact support for more information.", caseID)
	if err := p.notify(ctx, caseID, message); err != nil {
		return nil, err
	}

	ctx.Logger().Info("case rejected",
		zap.String("case_id", caseID),
		zap.String("resolution", resolution),
	)
	return Result{CaseID: caseID, Result: ResultRejected}, nil
}

func (p *Program) updateCase(ctx *workflow.Context, caseID, status, resolution string) error {
	return ctx.CallActivity(activities.UpdateCase, activities.UpdateCaseInput{
		CaseID:     caseID,
		Status:     status,
		Resolution: resolution,
	}, nil)
}

func (p *Program) notify(ctx *workflow.Context, caseID, message string) error {
	return ctx.CallActivity(activities.NotifyBot, activities.NotifyBotInput{CaseID: caseID, Message: message}, nil)
}
