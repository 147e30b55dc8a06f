// Package saga coordinates the case store with the approval workflow: it
// creates cases, starts their workflow instances and routes supervisor
// decisions to them.
package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/approval"
	"github.com/SidU/durable-support-agent/internal/cases"
	"github.com/SidU/durable-support-agent/internal/observability"
	"github.com/SidU/durable-support-agent/model"
)

const (
	caseIDAttempts     = 3
	defaultIdemTTL     = 24 * time.Hour
	defaultPendingTTL  = time.Minute
	caseIDPrefix       = "case-"
	caseIDRandomLength = 8
)

// Engine is the subset of the workflow engine the coordinator drives.
type Engine interface {
	StartInstance(ctx context.Context, program, instanceID string, input any) (string, error)
	SignalEvent(ctx context.Context, instanceID, name string, payload any) error
	GetStatus(ctx context.Context, instanceID string) (model.InstanceStatus, error)
}

// CreateCaseResult is returned to the caller of CreateCase.
type CreateCaseResult struct {
	CaseID  string `json:"caseId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Options configures a Coordinator.
type Options struct {
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	// PendingTTL bounds how long an unfinished request holds its key.
	PendingTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Coordinator implements the case lifecycle entry points.
type Coordinator struct {
	cases   cases.Store
	engine  Engine
	idem    IdempotencyStore
	idemTTL time.Duration
	pendTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store cases.Store, engine Engine, opts Options) *Coordinator {
	c := &Coordinator{
		cases:   store,
		engine:  engine,
		idem:    opts.Idempotency,
		idemTTL: opts.IdempotencyTTL,
		pendTTL: opts.PendingTTL,
		logger:  opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if c.idemTTL <= 0 {
		c.idemTTL = defaultIdemTTL
	}
	if c.pendTTL <= 0 {
		c.pendTTL = defaultPendingTTL
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = NewCaseID
	}
	return c
}

// NewCaseID returns "case-" followed by eight random hex digits.
func NewCaseID() string {
	return caseIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:caseIDRandomLength]
}

// CreateCase persists a pending case and starts its approval instance under
// the same ID. When idempotencyKey is set, a repeated request returns the
// first result, a concurrent duplicate is a CONFLICT until the first finishes,
// and a different request under the same key is a CONFLICT.
func (c *Coordinator) CreateCase(ctx context.Context, req NewCaseRequest, idempotencyKey string) (_ CreateCaseResult, err error) {
	ctx, span := observability.StartSpan(ctx, "saga.create_case",
		observability.AttrCaseAction.String(req.Action),
		observability.AttrConversationID.String(req.ConversationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := req.Validate(); err != nil {
		return CreateCaseResult{}, err
	}

	var idemKey, hash string
	if idempotencyKey != "" && c.idem != nil {
		idemKey = FormatIdempotencyKey(idempotencyKey)
		hash = hashRequest(req)
		cached, err := c.idem.Reserve(ctx, idemKey, hash, c.pendTTL)
		if err != nil {
			return CreateCaseResult{}, err
		}
		if cached != nil {
			return *cached, nil
		}
		defer func() {
			if err == nil {
				return
			}
			if rerr := c.idem.Release(context.WithoutCancel(ctx), idemKey, hash); rerr != nil {
				c.logger.Warn("idempotency release failed", zap.String("key", idemKey), zap.Error(rerr))
			}
		}()
	}

	rec, err := c.persist(ctx, req)
	if err != nil {
		return CreateCaseResult{}, err
	}
	span.SetAttributes(observability.AttrCaseID.String(rec.ID))
	log := observability.CaseLogger(ctx, c.logger, rec.ID, rec.WorkflowInstanceID).With(zap.String("action", rec.Action))

	// The case must be stored before the instance starts: its first
	// activity reads it.
	input := approval.Input{CaseID: rec.ID, Action: rec.Action}
	if _, err := c.engine.StartInstance(ctx, approval.ProgramName, rec.ID, input); err != nil {
		log.Error("approval workflow start failed", zap.Error(err))
		return CreateCaseResult{}, fmt.Errorf("start approval workflow for %s: %w", rec.ID, err)
	}

	result := CreateCaseResult{
		CaseID:  rec.ID,
		Status:  model.CaseStatusPendingApproval,
		Message: submittedMessage(req, rec.ID),
	}
	if idemKey != "" {
		if err := c.idem.Store(ctx, idemKey, hash, result, c.idemTTL); err != nil {
			log.Warn("idempotency store failed", zap.Error(err))
		}
	}

	log.Info("case created")
	return result, nil
}

// persist stores a new pending case, drawing a fresh ID on collision.
func (c *Coordinator) persist(ctx context.Context, req NewCaseRequest) (model.Case, error) {
	now := c.now()
	rec := model.Case{
		ConversationID:   req.ConversationID,
		UserID:           req.UserID,
		UserName:         req.UserName,
		OrderID:          req.OrderID,
		CustomerEmail:    req.CustomerEmail,
		IssueDescription: req.description(),
		Action:           req.Action,
		RefundAmount:     req.RefundAmount,
		Status:           model.CaseStatusPendingApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var err error
	for range caseIDAttempts {
		rec.ID = c.newID()
		rec.WorkflowInstanceID = rec.ID
		err = c.cases.Create(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !model.IsConflict(err) {
			return model.Case{}, fmt.Errorf("create case: %w", err)
		}
		c.logger.Warn("case id collision, retrying", zap.String("case_id", rec.ID))
	}
	return model.Case{}, fmt.Errorf("create case: %w", err)
}

// Approve signals a supervisor approval to the case's workflow.
func (c *Coordinator) Approve(ctx context.Context, caseID, actor string) error {
	return c.decide(ctx, caseID, true, actor)
}

// Reject signals a supervisor rejection to the case's workflow.
func (c *Coordinator) Reject(ctx context.Context, caseID, actor string) error {
	return c.decide(ctx, caseID, false, actor)
}

func (c *Coordinator) decide(ctx context.Context, caseID string, approved bool, actor string) (err error) {
	ctx, span := observability.StartSpan(ctx, "saga.decide",
		observability.AttrCaseID.String(caseID),
		observability.AttrSubjectID.String(actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	rec, err := c.cases.Get(ctx, caseID)
	if err != nil {
		return err
	}
	decision := approval.Decision{Approved: &approved, Actor: actor}
	if err := c.engine.SignalEvent(ctx, rec.WorkflowInstanceID, approval.EventApproval, decision); err != nil {
		return err
	}
	observability.CaseLogger(ctx, c.logger, caseID, rec.WorkflowInstanceID).Info("supervisor decision recorded",
		zap.Bool("approved", approved),
		zap.String("actor", actor),
	)
	return nil
}

// Get returns a case with the status of its workflow instance. Workflow is
// nil when the instance does not exist.
func (c *Coordinator) Get(ctx context.Context, caseID string) (model.CaseView, error) {
	rec, err := c.cases.Get(ctx, caseID)
	if err != nil {
		return model.CaseView{}, err
	}
	view := model.CaseView{Case: rec}
	st, err := c.engine.GetStatus(ctx, rec.WorkflowInstanceID)
	switch {
	case err == nil:
		view.Workflow = &st
	case model.IsNotFound(err):
	default:
		return model.CaseView{}, fmt.Errorf("workflow status for %s: %w", caseID, err)
	}
	return view, nil
}

// ListByStatus returns the cases in status, newest first. An empty status
// lists pending cases.
func (c *Coordinator) ListByStatus(ctx context.Context, status string) ([]model.Case, error) {
	if status == "" {
		status = model.CaseStatusPendingApproval
	}
	if !model.IsCaseStatus(status) {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "status",
			Code:    "INVALID_VALUE",
			Message: fmt.Sprintf("unknown case status %q", status),
		}})
	}
	return c.cases.QueryByStatus(ctx, status)
}

func submittedMessage(req NewCaseRequest, caseID string) string {
	if req.Action == model.ActionRefund {
		return fmt.Sprintf("Refund of $%.2f for order #%s has been submitted for supervisor approval.", *req.RefundAmount, req.OrderID)
	}
	return fmt.Sprintf("Issue has been escalated to a human supervisor with %s priority. Case: %s", req.Priority, caseID)
}
