package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/observability"
	"github.com/SidU/durable-support-agent/internal/saga"
	"github.com/SidU/durable-support-agent/model"
)

// CaseService is the case lifecycle the HTTP surface drives.
type CaseService interface {
	CreateCase(ctx context.Context, req saga.NewCaseRequest, idempotencyKey string) (saga.CreateCaseResult, error)
	Approve(ctx context.Context, caseID, actor string) error
	Reject(ctx context.Context, caseID, actor string) error
	Get(ctx context.Context, caseID string) (model.CaseView, error)
	ListByStatus(ctx context.Context, status string) ([]model.Case, error)
}

// InstanceReader reports the status of a workflow instance.
type InstanceReader interface {
	GetStatus(ctx context.Context, instanceID string) (model.InstanceStatus, error)
}

// decisionResponse is returned by the approve and reject routes.
type decisionResponse struct {
	OK     bool   `json:"ok"`
	CaseID string `json:"caseId"`
	Action string `json:"action"`
}

func handleCaseCreate(svc CaseService, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saga.NewCaseRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}

		log := observability.RequestLogger(r.Context(), logger)
		if log.Core().Enabled(zap.DebugLevel) {
			var body map[string]any
			if raw, err := json.Marshal(req); err == nil && json.Unmarshal(raw, &body) == nil {
				log.Debug("create case request", zap.Any("body", observability.RedactPII(body)))
			}
		}

		result, err := svc.CreateCase(r.Context(), req, r.Header.Get("X-Idempotency-Key"))
		if err != nil {
			if model.ErrorCode(err) == "" {
				log.Error("create case failed", zap.Error(err))
			}
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordCaseCreated(req.Action)
		}
		WriteJSON(w, http.StatusCreated, result)
	}
}

func handleCaseList(svc CaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cs, err := svc.ListByStatus(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if cs == nil {
			cs = []model.Case{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        cs,
			"total_count": len(cs),
		})
	}
}

func handleCaseGet(svc CaseService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")
		view, err := svc.Get(r.Context(), caseID)
		if err != nil {
			if model.ErrorCode(err) == "" {
				observability.CaseLogger(r.Context(), logger, caseID, "").Error("get case failed", zap.Error(err))
			}
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleCaseDecision(svc CaseService, approved bool, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	decide, action := svc.Reject, "rejected"
	if approved {
		decide, action = svc.Approve, "approved"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")
		actor := model.ActorFrom(r.Context())

		if err := decide(r.Context(), caseID, actor); err != nil {
			if model.ErrorCode(err) == "" {
				observability.CaseLogger(r.Context(), logger, caseID, "").Error("case decision failed", zap.Error(err))
			}
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordCaseDecision(action)
		}
		WriteJSON(w, http.StatusOK, decisionResponse{OK: true, CaseID: caseID, Action: action})
	}
}

func handleInstanceGet(instances InstanceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := instances.GetStatus(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}
