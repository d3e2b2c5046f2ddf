package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/xiaohuo/verifybot/internal/alert"
	"github.com/xiaohuo/verifybot/internal/bot"
	"github.com/xiaohuo/verifybot/internal/handler/health"
	"github.com/xiaohuo/verifybot/internal/lark"
	"github.com/xiaohuo/verifybot/internal/store"
)

const (
	testPath   = "/api/bot/event_callback"
	testSecret = "s3cret"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []bot.Envelope
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, env bot.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, env)
	return h.err
}

func (h *recordingHandler) Dispatch(env bot.Envelope) {
	h.HandleEvent(context.Background(), env)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func testDeps(t *testing.T, events *recordingHandler) Deps {
	t.Helper()
	if events == nil {
		events = &recordingHandler{}
	}
	return Deps{
		Logger:     slog.Default(),
		Events:     events,
		EventPath:  testPath,
		EncryptKey: testSecret,
		Alerts:     alert.NewBroker(),
		Checks:     map[string]health.Checker{},
	}
}

func postEvent(t *testing.T, h http.Handler, body string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signed {
		req.Header.Set(lark.HeaderTimestamp, "1700000000")
		req.Header.Set(lark.HeaderNonce, "n-1")
		req.Header.Set(lark.HeaderSignature, lark.Sign("1700000000", "n-1", testSecret, []byte(body)))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const messageBody = `{"header":{"event_id":"ev_1","event_type":"im.message.receive_v1"},"event":{}}`

func TestWebhookChallenge(t *testing.T) {
	events := &recordingHandler{}
	h := NewHandler(testDeps(t, events))

	rec := postEvent(t, h, `{"challenge":"ch-123","token":"x","type":"url_verification"}`, false)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got ChallengeResponse
	json.NewDecoder(rec.Body).Decode(&got)
	if got.Challenge != "ch-123" {
		t.Errorf("challenge = %q", got.Challenge)
	}
	if events.count() != 0 {
		t.Errorf("challenge reached the bot")
	}
}

func TestWebhookSignature(t *testing.T) {
	tests := []struct {
		name       string
		signed     bool
		tamper     bool
		wantStatus int
		wantEvents int
	}{
		{"signed", true, false, http.StatusOK, 1},
		{"unsigned", false, false, http.StatusUnauthorized, 0},
		{"tampered", true, true, http.StatusUnauthorized, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &recordingHandler{}
			h := NewHandler(testDeps(t, events))

			req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(messageBody))
			if tt.signed {
				req.Header.Set(lark.HeaderTimestamp, "1700000000")
				req.Header.Set(lark.HeaderNonce, "n-1")
				req.Header.Set(lark.HeaderSignature, lark.Sign("1700000000", "n-1", testSecret, []byte(messageBody)))
			}
			if tt.tamper {
				req.Header.Set(lark.HeaderNonce, "n-2")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if events.count() != tt.wantEvents {
				t.Errorf("events = %d, want %d", events.count(), tt.wantEvents)
			}
		})
	}
}

func TestWebhookInsecureMode(t *testing.T) {
	events := &recordingHandler{}
	d := testDeps(t, events)
	d.EncryptKey = ""
	h := NewHandler(d)

	rec := postEvent(t, h, messageBody, false)

	if rec.Code != http.StatusOK || events.count() != 1 {
		t.Errorf("status = %d, events = %d", rec.Code, events.count())
	}
}

func TestWebhookAck(t *testing.T) {
	events := &recordingHandler{}
	d := testDeps(t, events)
	d.Dispatcher = events
	h := NewHandler(d)

	rec := postEvent(t, h, `{"header":{"event_type":"im.chat.disbanded_v1"},"event":{}}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got EventAck
	json.NewDecoder(rec.Body).Decode(&got)
	if got != ack {
		t.Errorf("ack = %+v", got)
	}
}

func TestWebhookErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"malformed body", `{"header":`, nil, http.StatusBadRequest, "invalid event body"},
		{"store unavailable", messageBody, fmt.Errorf("loading session: %w", store.ErrUnavailable), http.StatusInternalServerError, "session store unavailable"},
		{"other failure", messageBody, fmt.Errorf("boom"), http.StatusInternalServerError, "event processing failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(testDeps(t, &recordingHandler{err: tt.err}))

			rec := postEvent(t, h, tt.body, true)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got ErrorResponse
			json.NewDecoder(rec.Body).Decode(&got)
			if got.Error != tt.wantError {
				t.Errorf("error = %q, want %q", got.Error, tt.wantError)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	d := testDeps(t, nil)
	d.Status = Status{Service: "verifybot", StoreBackend: "memory", LarkClient: "http"}
	h := NewHandler(d)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var got Status
	json.NewDecoder(rec.Body).Decode(&got)
	if rec.Code != http.StatusOK || got.StoreBackend != "memory" || got.LarkClient != "http" {
		t.Errorf("status %d body %+v", rec.Code, got)
	}
}

func TestOpsAlertsAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("ops-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("not mounted without hash", func(t *testing.T) {
		h := NewHandler(testDeps(t, nil))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/alerts", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	d := testDeps(t, nil)
	d.OpsTokenHash = string(hash)
	h := NewHandler(d)

	tests := []struct {
		name   string
		header string
		query  string
	}{
		{"no token", "", ""},
		{"wrong bearer", "Bearer nope", ""},
		{"wrong query", "", "?token=nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops/alerts"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	t.Run("valid token reaches websocket handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ops/alerts", nil)
		req.Header.Set("Authorization", "Bearer ops-token")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		// A plain GET is not an upgrade request, so the websocket
		// handler rejects it after auth passes.
		if rec.Code == http.StatusUnauthorized || rec.Code == http.StatusNotFound {
			t.Errorf("status = %d, want request to pass auth", rec.Code)
		}
	})
}
