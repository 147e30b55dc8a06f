package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/SidU/durable-support-agent/internal/notify"
)

// MockBot is an HTTP test server standing in for the bot's notify endpoint.
// It records every message received and can be told to fail.
type MockBot struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	received []RecordedMessage
	status   int
	delay    time.Duration
}

// RecordedMessage captures a notification received by the mock bot.
type RecordedMessage struct {
	notify.Message
	Headers    http.Header
	ReceivedAt time.Time
}

func newMockBot(t *testing.T) *MockBot {
	t.Helper()

	mb := &MockBot{t: t, status: http.StatusOK}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.handle))
	t.Cleanup(mb.server.Close)
	return mb
}

func (mb *MockBot) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, _ := io.ReadAll(r.Body)

	var msg notify.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	mb.mu.Lock()
	status, delay := mb.status, mb.delay
	mb.received = append(mb.received, RecordedMessage{
		Message:    msg,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	})
	mb.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(status)
}

// URL returns the notify endpoint URL.
func (mb *MockBot) URL() string {
	return mb.server.URL + "/api/notify"
}

// RespondWith makes subsequent notifications return status.
func (mb *MockBot) RespondWith(status int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.status = status
}

// RespondAfter delays subsequent responses by d.
func (mb *MockBot) RespondAfter(d time.Duration) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.delay = d
}

// Messages returns a copy of every message received so far.
func (mb *MockBot) Messages() []RecordedMessage {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]RecordedMessage, len(mb.received))
	copy(out, mb.received)
	return out
}

// LastMessage returns the most recent message, or nil.
func (mb *MockBot) LastMessage() *RecordedMessage {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.received) == 0 {
		return nil
	}
	m := mb.received[len(mb.received)-1]
	return &m
}

// AssertReceived fails the test unless exactly n messages arrived.
func (mb *MockBot) AssertReceived(t *testing.T, n int) {
	t.Helper()
	if got := len(mb.Messages()); got != n {
		t.Errorf("bot received %d messages, want %d", got, n)
	}
}
