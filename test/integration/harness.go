// Package integration provides a reusable test harness for end-to-end
// integration testing of the approvald server. It starts a full HTTP server
// with a mock bot endpoint, in-memory or embedded stores, a controllable
// clock, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/SidU/durable-support-agent/internal/activities"
	"github.com/SidU/durable-support-agent/internal/approval"
	"github.com/SidU/durable-support-agent/internal/cases"
	"github.com/SidU/durable-support-agent/internal/config"
	"github.com/SidU/durable-support-agent/internal/notify"
	"github.com/SidU/durable-support-agent/internal/observability"
	"github.com/SidU/durable-support-agent/internal/saga"
	"github.com/SidU/durable-support-agent/internal/transport"
	"github.com/SidU/durable-support-agent/internal/workflow"
)

// TestHarness encapsulates a fully wired approvald instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Clock         *ManualClock
	Bot           *MockBot
	Cases         cases.Store
	InstanceStore *workflow.MemoryInstanceStore
	Engine        *workflow.Engine
	Coordinator   *saga.Coordinator
	Notifier      *notify.HTTPNotifier
	Metrics       *observability.Metrics
	Registry      *prometheus.Registry
	Redis         *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	sqliteCases      bool
	redisIdempotency bool
	identityDisabled bool
	approvalTimeout  time.Duration
	handlerTimeout   time.Duration
	breaker          config.CircuitBreakerConfig
}

// WithSQLiteCases stores cases in an embedded SQLite database under the
// test's temp directory.
func WithSQLiteCases() HarnessOption {
	return func(c *harnessConfig) {
		c.sqliteCases = true
	}
}

// WithRedisIdempotency stores idempotency records in an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redisIdempotency = true
	}
}

// WithIdentityDisabled serves the supervisor routes without authentication.
func WithIdentityDisabled() HarnessOption {
	return func(c *harnessConfig) {
		c.identityDisabled = true
	}
}

// WithApprovalTimeout sets how long cases wait for a decision.
func WithApprovalTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.approvalTimeout = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCircuitBreaker sets the bot notifier's circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// NewTestHarness creates and starts a full approvald test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		approvalTimeout: 24 * time.Hour,
		handlerTimeout:  10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	h := &TestHarness{
		t:     t,
		Clock: NewManualClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)),
		Bot:   newMockBot(t),
	}

	// Step 1: Build stores.
	if hc.sqliteCases {
		store, err := cases.NewGormStore(filepath.Join(t.TempDir(), "cases.db"))
		if err != nil {
			t.Fatalf("open sqlite case store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		h.Cases = store
	} else {
		h.Cases = cases.NewMemoryStore()
	}
	h.InstanceStore = workflow.NewMemoryInstanceStore()

	var idem saga.IdempotencyStore = saga.NewMemoryIdempotencyStore()
	if hc.redisIdempotency {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		idem = saga.NewRedisIdempotencyStore(client)
	}

	// Step 2: Build telemetry.
	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)
	h.Metrics = metrics

	// Step 3: Build the notifier, engine, and coordinator.
	h.Notifier = notify.NewHTTPNotifier(config.NotifyConfig{
		Enabled:        true,
		URL:            h.Bot.URL(),
		Timeout:        2 * time.Second,
		CircuitBreaker: hc.breaker,
	}, logger)
	h.Notifier.Breaker().OnStateChange(func(s notify.BreakerState) {
		metrics.SetNotifyCircuitBreakerState(float64(map[notify.BreakerState]int{
			notify.BreakerClosed:   0,
			notify.BreakerHalfOpen: 1,
			notify.BreakerOpen:     2,
		}[s]))
	})

	h.Engine = workflow.NewEngine(h.InstanceStore, workflow.Options{
		Clock:    h.Clock,
		Logger:   logger,
		Observer: metrics,
		Retry: workflow.RetryPolicy{
			MaxAttempts:    2,
			BackoffInitial: time.Millisecond,
			BackoffMax:     time.Millisecond,
		},
	})
	approval.Register(h.Engine, activities.NewExecutor(h.Cases, nil, h.Notifier, logger), hc.approvalTimeout)

	h.Coordinator = saga.NewCoordinator(h.Cases, h.Engine, saga.Options{
		Idempotency: idem,
		Logger:      logger,
		Now:         h.Clock.Now,
	})

	// Step 4: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Build config.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Enabled = !hc.identityDisabled
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Identity.SupervisorRole = "supervisor"
	cfg.Observability.Metrics.Enabled = true
	h.cfg = cfg

	// Step 6: Recover, then build the router with full middleware chain.
	if err := h.Engine.Recover(context.Background()); err != nil {
		t.Fatalf("recover instances: %v", err)
	}

	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Enabled {
		jwks := transport.NewJWKSCache(h.issuer.JWKSURL(), time.Hour, logger)
		authenticate = transport.SupervisorAuthenticator(cfg.Identity, jwks, logger)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Cases:        h.Coordinator,
		Instances:    h.Engine,
		Authenticate: authenticate,
		Metrics:      metrics,
		Gatherer:     h.Registry,
		Readiness: observability.ReadinessChecks{
			EngineRecovered: func() bool { return true },
		},
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Tick runs one timer sweep at the harness clock's current time.
func (h *TestHarness) Tick() {
	h.t.Helper()
	if err := h.Engine.Tick(context.Background()); err != nil {
		h.t.Fatalf("tick: %v", err)
	}
}

// --- HTTP client helpers ---

// GET performs a GET request, authenticated when token is non-empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Case helpers ---

// CreateCase submits body and returns the new case ID.
func (h *TestHarness) CreateCase(t *testing.T, body map[string]any) string {
	t.Helper()
	var res saga.CreateCaseResult
	h.AssertJSON(t, h.POST("/api/cases", body, ""), http.StatusCreated, &res)
	if res.CaseID == "" {
		t.Fatal("create case returned an empty caseId")
	}
	return res.CaseID
}

// --- Default test claims ---

// SupervisorClaims returns TestClaims for a support supervisor.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "supervisor-1",
		Email:     "supervisor@support.example.com",
		Roles:     []string{"supervisor"},
	}
}

// RefundFixture returns a valid refund request body.
func RefundFixture(orderID string, amount float64) map[string]any {
	return map[string]any{
		"conversationId":   "conv-" + orderID,
		"userId":           "user-42",
		"userName":         "Jordan",
		"action":           "refund",
		"orderId":          orderID,
		"customerEmail":    "jordan@example.com",
		"issueDescription": "Package arrived damaged",
		"refundAmount":     amount,
	}
}

// EscalationFixture returns a valid escalation request body.
func EscalationFixture(priority string) map[string]any {
	return map[string]any{
		"conversationId":   "conv-esc",
		"userId":           "user-7",
		"action":           "escalation",
		"issueDescription": "Account locked after password reset",
		"priority":         priority,
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// --- Clock ---

// ManualClock is a workflow clock that only moves when advanced.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
