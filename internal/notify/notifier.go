// Package notify delivers case outcome messages back to the conversational
// bot.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/config"
	"github.com/SidU/durable-support-agent/internal/observability"
	"github.com/SidU/durable-support-agent/model"
)

// Notifier sends a proactive message into a user's conversation.
type Notifier interface {
	Notify(ctx context.Context, conversationID, userID, message string) error
}

// NopNotifier discards every message.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(context.Context, string, string, string) error { return nil }

// Message is the JSON body posted to the bot notify endpoint.
type Message struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Message        string `json:"message"`
}

// HTTPNotifier posts messages to the bot's notify endpoint.
type HTTPNotifier struct {
	url     string
	client  *http.Client
	breaker *Breaker
	logger  *zap.Logger
}

// NewHTTPNotifier creates a notifier for cfg.URL guarded by a circuit
// breaker.
func NewHTTPNotifier(cfg config.NotifyConfig, logger *zap.Logger) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPNotifier{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		breaker: NewBreaker(cfg.CircuitBreaker),
		logger:  logger,
	}
}

// Breaker exposes the circuit breaker so callers can observe its state.
func (n *HTTPNotifier) Breaker() *Breaker { return n.breaker }

// Notify posts the message. Non-2xx responses are failures.
func (n *HTTPNotifier) Notify(ctx context.Context, conversationID, userID, message string) (err error) {
	if err := n.breaker.Allow(); err != nil {
		return err
	}
	defer func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			n.breaker.Failure()
		} else if err == nil {
			n.breaker.Success()
		}
	}()

	ctx, span := observability.StartSpan(ctx, "notify.bot",
		observability.AttrConversationID.String(conversationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	body, err := json.Marshal(Message{
		ConversationID: conversationID,
		UserID:         userID,
		Message:        message,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.NewBackendTimeoutError()
		}
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	n.logger.Debug("bot notify response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bot notify endpoint returned %d", resp.StatusCode)
	}
	return nil
}
