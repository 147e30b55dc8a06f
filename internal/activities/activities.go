// Package activities implements the side-effecting steps of the case
// approval program: case status updates, refunds and bot notifications.
package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/cases"
	"github.com/SidU/durable-support-agent/internal/notify"
	"github.com/SidU/durable-support-agent/internal/workflow"
	"github.com/SidU/durable-support-agent/model"
)

// Activity names as registered with the engine.
const (
	UpdateCase  = "updateCase"
	IssueRefund = "issueRefund"
	NotifyBot   = "notifyBot"
)

// UpdateCaseInput is the input of the updateCase activity.
type UpdateCaseInput struct {
	CaseID     string `json:"caseId"`
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
}

// IssueRefundInput is the input of the issueRefund activity.
type IssueRefundInput struct {
	CaseID string `json:"caseId"`
}

// NotifyBotInput is the input of the notifyBot activity.
type NotifyBotInput struct {
	CaseID  string `json:"caseId"`
	Message string `json:"message"`
}

// Executor runs activities against the injected collaborators.
type Executor struct {
	cases    cases.Store
	refunder Refunder
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewExecutor creates an Executor. A nil refunder logs refunds, a nil
// notifier drops notifications.
func NewExecutor(store cases.Store, refunder Refunder, notifier notify.Notifier, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refunder == nil {
		refunder = NewLogRefunder(logger)
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Executor{cases: store, refunder: refunder, notifier: notifier, logger: logger}
}

// Register adds every activity to the engine.
func (x *Executor) Register(e *workflow.Engine) {
	e.RegisterActivity(UpdateCase, x.updateCaseActivity)
	e.RegisterActivity(IssueRefund, x.issueRefundActivity)
	e.RegisterActivity(NotifyBot, x.notifyBotActivity)
}

// UpdateCase moves a case to in.Status, setting the resolution when given.
// A missing case or a disallowed transition is an application failure;
// any other store error is retried.
func (x *Executor) UpdateCase(ctx context.Context, in UpdateCaseInput) error {
	if in.CaseID == "" {
		return errors.New("caseId is required")
	}
	if !model.IsCaseStatus(in.Status) {
		return fmt.Errorf("unknown case status %q", in.Status)
	}

	x.logger.Info("updating case",
		zap.String("case_id", in.CaseID),
		zap.String("status", in.Status),
	)

	patch := model.CasePatch{Status: &in.Status}
	if in.Resolution != "" {
		patch.Resolution = &in.Resolution
	}
	if _, err := x.cases.Update(ctx, in.CaseID, patch); err != nil {
		if model.IsNotFound(err) || model.ErrorCode(err) == model.ErrInvalidTransition {
			return err
		}
		return workflow.Transient(fmt.Errorf("update case %s: %w", in.CaseID, err))
	}
	return nil
}

// IssueRefund refunds the amount recorded on the case.
func (x *Executor) IssueRefund(ctx context.Context, in IssueRefundInput) error {
	c, err := x.loadCase(ctx, in.CaseID)
	if err != nil {
		return err
	}
	if c.RefundAmount == nil {
		return fmt.Errorf("case %s has no refund amount", c.ID)
	}
	if err := x.refunder.Refund(ctx, c); err != nil {
		return fmt.Errorf("refund case %s: %w", c.ID, err)
	}
	return nil
}

// NotifyBot relays message to the conversation the case came from.
// Notification is best effort: failures are logged and never returned.
func (x *Executor) NotifyBot(ctx context.Context, in NotifyBotInput) {
	log := x.logger.With(zap.String("case_id", in.CaseID))

	c, err := x.loadCase(ctx, in.CaseID)
	if err != nil {
		log.Warn("bot notification skipped", zap.Error(err))
		return
	}
	if err := x.notifier.Notify(ctx, c.ConversationID, c.UserID, in.Message); err != nil {
		log.Warn("bot notification failed",
			zap.String("conversation_id", c.ConversationID),
			zap.Error(err),
		)
		return
	}
	log.Info("bot notified", zap.String("conversation_id", c.ConversationID))
}

func (x *Executor) loadCase(ctx context.Context, caseID string) (model.Case, error) {
	c, err := x.cases.Get(ctx, caseID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.Case{}, err
		}
		return model.Case{}, workflow.Transient(fmt.Errorf("load case %s: %w", caseID, err))
	}
	return c, nil
}

func (x *Executor) updateCaseActivity(ctx context.Context, raw json.RawMessage) (any, error) {
	var in UpdateCaseInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	return nil, x.UpdateCase(ctx, in)
}

func (x *Executor) issueRefundActivity(ctx context.Context, raw json.RawMessage) (any, error) {
	var in IssueRefundInput
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	return nil, x.IssueRefund(ctx, in)
}

func (x *Executor) notifyBotActivity(ctx context.Context, raw json.RawMessage) (any, error) {
	var in NotifyBotInput
	if err := decode(raw, &in); err != nil {
		x.logger.Warn("bot notification skipped", zap.Error(err))
		return nil, nil
	}
	x.NotifyBot(ctx, in)
	return nil, nil
}

func decode(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode activity input: %w", err)
	}
	return nil
}
