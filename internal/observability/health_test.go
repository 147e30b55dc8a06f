package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

func recovered() bool { return true }

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_recoveredOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{EngineRecovered: recovered})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks count = %d, want 1 (only required checks)", len(resp.Checks))
	}
	if resp.Checks["workflow_engine"].Status != "ok" {
		t.Errorf("workflow_engine = %q, want ok", resp.Checks["workflow_engine"].Status)
	}
}

func TestHandleReady_recoveryPending(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		EngineRecovered: func() bool { return false },
		WorkflowStore:   &mockHealthChecker{},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["workflow_engine"].Error == "" {
		t.Error("workflow_engine should carry an error message")
	}
}

func TestHandleReady_nilRecoveryFunc(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["workflow_engine"].Status != "error" {
		t.Errorf("workflow_engine = %q, want error", resp.Checks["workflow_engine"].Status)
	}
}

func TestHandleReady_withOptionalChecks_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		EngineRecovered:  recovered,
		WorkflowStore:    &mockHealthChecker{},
		CaseStore:        &mockHealthChecker{},
		IdempotencyStore: &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, should be >= 0", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_storeDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		key    string
		errMsg string
	}{
		{
			name:   "workflow store",
			checks: ReadinessChecks{EngineRecovered: recovered, WorkflowStore: &mockHealthChecker{err: errors.New("connection refused")}},
			key:    "workflow_store",
			errMsg: "connection refused",
		},
		{
			name:   "case store",
			checks: ReadinessChecks{EngineRecovered: recovered, CaseStore: &mockHealthChecker{err: errors.New("database is locked")}},
			key:    "case_store",
			errMsg: "database is locked",
		},
		{
			name:   "idempotency store",
			checks: ReadinessChecks{EngineRecovered: recovered, IdempotencyStore: &mockHealthChecker{err: errors.New("redis timeout")}},
			key:    "idempotency_store",
			errMsg: "redis timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Checks[tt.key].Status != "error" {
				t.Errorf("%s = %q, want error", tt.key, resp.Checks[tt.key].Status)
			}
			if resp.Checks[tt.key].Error != tt.errMsg {
				t.Errorf("%s error = %q, want %q", tt.key, resp.Checks[tt.key].Error, tt.errMsg)
			}
		})
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		EngineRecovered: func() bool { return false },
		WorkflowStore:   &mockHealthChecker{err: errors.New("pg down")},
		CaseStore:       &mockHealthChecker{err: errors.New("pg down")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}

	failCount := 0
	for _, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
	}
	if failCount != 3 {
		t.Errorf("failed checks = %d, want 3", failCount)
	}
}
