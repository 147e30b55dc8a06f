package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/SidU/durable-support-agent/model"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/health", "")
		h.AssertStatus(t, resp, http.StatusOK)

		var body map[string]string
		h.ParseJSON(resp, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp := h.GET("/ready", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestHarness_MetricsEndpoint(t *testing.T) {
	h := NewTestHarness(t)
	h.CreateCase(t, RefundFixture("ORD-1", 20))

	body := string(h.ReadBody(h.GET("/metrics", "")))

	for _, want := range []string{
		`approvald_workflow_starts_total{program="supportCaseOrchestrator"} 1`,
		`approvald_cases_created_total{action="refund"} 1`,
		`approvald_http_requests_total{method="POST",path_pattern="/api/cases",status="201"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHarness_SQLiteCaseStore(t *testing.T) {
	h := NewTestHarness(t, WithSQLiteCases())
	token := h.GenerateToken(SupervisorClaims())

	id := h.CreateCase(t, RefundFixture("ORD-SQL", 75.5))
	h.AssertStatus(t, h.POST("/api/cases/"+id+"/approve", nil, token), http.StatusOK)

	c, err := h.Cases.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Status != model.CaseStatusCompleted {
		t.Errorf("status = %q, want completed", c.Status)
	}
	if c.RefundAmount == nil || *c.RefundAmount != 75.5 {
		t.Errorf("refundAmount = %v, want 75.5", c.RefundAmount)
	}
}

func TestHarness_RedisIdempotency(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	headers := map[string]string{"X-Idempotency-Key": "submit-1"}

	var first, second struct {
		CaseID string `json:"caseId"`
	}
	h.AssertJSON(t, h.POSTWithHeaders("/api/cases", RefundFixture("ORD-R", 10), "", headers), http.StatusCreated, &first)
	h.AssertJSON(t, h.POSTWithHeaders("/api/cases", RefundFixture("ORD-R", 10), "", headers), http.StatusCreated, &second)

	if first.CaseID != second.CaseID {
		t.Errorf("replayed create returned %q, want %q", second.CaseID, first.CaseID)
	}
	if len(h.Redis.Keys()) == 0 {
		t.Error("no idempotency record stored in redis")
	}

	cs, err := h.Cases.QueryByStatus(context.Background(), model.CaseStatusPendingApproval)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(cs) != 1 {
		t.Errorf("pending cases = %d, want 1", len(cs))
	}
}

func TestHarness_IdentityDisabled(t *testing.T) {
	h := NewTestHarness(t, WithIdentityDisabled())
	id := h.CreateCase(t, EscalationFixture("high"))

	resp := h.POST("/api/cases/"+id+"/reject", nil, "")
	h.AssertStatus(t, resp, http.StatusOK)

	history, err := h.InstanceStore.History(context.Background(), id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	found := false
	for _, rec := range history {
		if strings.Contains(string(rec.Payload), `"actor":"`+model.AnonymousActor+`"`) {
			found = true
		}
	}
	if !found {
		t.Error("decision not recorded as anonymous")
	}
}
