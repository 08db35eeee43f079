package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neonforge/neonforge/internal/auth"
	"github.com/neonforge/neonforge/internal/metrics"
	"github.com/neonforge/neonforge/internal/ratelimit"
	"github.com/neonforge/neonforge/internal/upstream"
	"github.com/neonforge/neonforge/pkg/models"
	"github.com/neonforge/neonforge/pkg/protocol"
)

type fakeUpstream struct {
	mu       sync.Mutex
	calls    int
	messages []models.ChatMessage
	model    string

	body   []byte
	err    error
	bodyFn func(context.Context) io.ReadCloser
}

func (f *fakeUpstream) Stream(ctx context.Context, model string, messages []models.ChatMessage) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	if f.bodyFn != nil {
		return f.bodyFn(ctx), nil
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHistory struct {
	mu       sync.Mutex
	convID   string
	appended []models.ChatMessage
	done     chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{done: make(chan struct{})}
}

func (f *fakeHistory) EnsureConversation(ctx context.Context, userID int, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		id = "conv-new"
	}
	f.convID = id
	return id, nil
}

func (f *fakeHistory) AppendMessage(ctx context.Context, userID int, conversationID string, msg models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, msg)
	if len(f.appended) == 2 {
		close(f.done)
	}
	return nil
}

func testClaims() *auth.Claims {
	return &auth.Claims{UserID: 7, Username: "case"}
}

func newTestHandler(up Upstream, hist HistoryStore, max int) *Handler {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), max, time.Minute, nil)
	return NewHandler(limiter, up, hist, Options{}, nil)
}

func doChat(t *testing.T, h *Handler, claims *auth.Claims, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func chatBody(t *testing.T, msgs []models.ChatMessage, mode string) string {
	t.Helper()
	b, err := json.Marshal(protocol.ChatRequest{Messages: msgs, Mode: mode})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func userMsg(content string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: content}}
}

func TestUnauthenticatedNeverReachesUpstream(t *testing.T) {
	up := &fakeUpstream{body: []byte("data: {}\n\n")}
	h := newTestHandler(up, nil, 10)

	w := doChat(t, h, nil, chatBody(t, userMsg("hi"), ""))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if up.callCount() != 0 {
		t.Errorf("upstream called %d times, want 0", up.callCount())
	}
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error != "Authentication required" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestValidationRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty messages", chatBody(t, nil, "")},
		{"empty content", chatBody(t, []models.ChatMessage{{Role: models.RoleUser, Content: ""}}, "")},
		{"bad role", chatBody(t, []models.ChatMessage{{Role: "robot", Content: "hi"}}, "")},
		{"oversized content", chatBody(t, userMsg(strings.Repeat("x", 4001)), "")},
		{"not json", "{nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			h := newTestHandler(up, nil, 10)
			w := doChat(t, h, testClaims(), tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if up.callCount() != 0 {
				t.Errorf("upstream called on invalid request")
			}
		})
	}
}

func TestRateLimitHeadersAndDenial(t *testing.T) {
	up := &fakeUpstream{body: []byte("data: [DONE]\n\n")}
	h := newTestHandler(up, nil, 2)
	claims := testClaims()
	body := chatBody(t, userMsg("hi"), "")

	w := doChat(t, h, claims, body)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if got := w.Header().Get(protocol.HeaderRateLimitLimit); got != "2" {
		t.Errorf("limit header = %q", got)
	}
	if got := w.Header().Get(protocol.HeaderRateLimitRemaining); got != "1" {
		t.Errorf("remaining header = %q", got)
	}
	if _, err := time.Parse(time.RFC3339, w.Header().Get(protocol.HeaderRateLimitReset)); err != nil {
		t.Errorf("reset header not RFC3339: %v", err)
	}

	doChat(t, h, claims, body)
	w = doChat(t, h, claims, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", w.Code)
	}
	if got := w.Header().Get(protocol.HeaderRateLimitRemaining); got != "0" {
		t.Errorf("remaining header = %q, want 0", got)
	}
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if resp.ResetAt == nil {
		t.Fatal("429 body missing resetAt")
	}
	if resp.ResetAt.Before(time.Now().Add(-time.Second)) {
		t.Errorf("resetAt %v is in the past", resp.ResetAt)
	}
	if up.callCount() != 2 {
		t.Errorf("upstream called %d times, want 2", up.callCount())
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"gateway rate limited", upstream.ErrRateLimited, http.StatusTooManyRequests},
		{"quota exhausted", upstream.ErrQuotaExhausted, http.StatusPaymentRequired},
		{"server error", &upstream.StatusError{StatusCode: 500}, http.StatusInternalServerError},
		{"plain error", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{err: tt.err}
			h := newTestHandler(up, nil, 10)
			w := doChat(t, h, testClaims(), chatBody(t, userMsg("hi"), ""))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			// Upstream details must not reach the caller.
			if strings.Contains(w.Body.String(), "connection refused") {
				t.Errorf("upstream error leaked: %s", w.Body.String())
			}
		})
	}
}

func TestSystemPromptPrepended(t *testing.T) {
	up := &fakeUpstream{body: []byte("data: [DONE]\n\n")}
	h := newTestHandler(up, nil, 10)

	doChat(t, h, testClaims(), chatBody(t, userMsg("fix this bug"), "debug"))

	if len(up.messages) != 2 {
		t.Fatalf("forwarded %d messages, want 2", len(up.messages))
	}
	if up.messages[0].Role != models.RoleSystem {
		t.Errorf("first forwarded role = %q, want system", up.messages[0].Role)
	}
	if up.messages[1].Content != "fix this bug" {
		t.Errorf("user message = %q", up.messages[1].Content)
	}
}

func TestStreamPassThroughVerbatim(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	up := &fakeUpstream{body: []byte(raw)}
	h := newTestHandler(up, nil, 10)

	w := doChat(t, h, testClaims(), chatBody(t, userMsg("hi"), ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if w.Body.String() != raw {
		t.Errorf("relayed bytes differ from upstream:\ngot  %q\nwant %q", w.Body.String(), raw)
	}
	if !w.Flushed {
		t.Error("response was never flushed")
	}
}

func TestCompletedExchangeIsPersisted(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"neon \"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"city\"}}]}\n\n" +
		"data: [DONE]\n\n"
	up := &fakeUpstream{body: []byte(raw)}
	hist := newFakeHistory()
	h := newTestHandler(up, hist, 10)

	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Content: "older question"},
		{Role: models.RoleAssistant, Content: "older answer"},
		{Role: models.RoleUser, Content: "describe the city"},
	}
	w := doChat(t, h, testClaims(), chatBody(t, msgs, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case <-hist.done:
	case <-time.After(2 * time.Second):
		t.Fatal("history write did not happen")
	}

	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.appended) != 2 {
		t.Fatalf("appended %d messages, want 2", len(hist.appended))
	}
	if hist.appended[0].Role != models.RoleUser || hist.appended[0].Content != "describe the city" {
		t.Errorf("persisted user message = %+v", hist.appended[0])
	}
	if hist.appended[1].Role != models.RoleAssistant || hist.appended[1].Content != "neon city" {
		t.Errorf("persisted assistant message = %+v", hist.appended[1])
	}
}

func TestEmptyAssistantResponseIsNotPersisted(t *testing.T) {
	up := &fakeUpstream{body: []byte("data: [DONE]\n\n")}
	hist := newFakeHistory()
	h := newTestHandler(up, hist, 10)

	doChat(t, h, testClaims(), chatBody(t, userMsg("hi"), ""))

	select {
	case <-hist.done:
		t.Fatal("empty exchange should not be persisted")
	case <-time.After(100 * time.Millisecond):
	}
}

// stallingBody emits one chunk and then blocks until the stream context is
// canceled, like an upstream that stops sending without closing.
type stallingBody struct {
	ctx   context.Context
	first []byte
	sent  bool
}

func (b *stallingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, b.first), nil
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *stallingBody) Close() error { return nil }

// erroringBody emits its chunks and then fails with a transport error.
type erroringBody struct {
	chunks [][]byte
	err    error
	i      int
}

func (b *erroringBody) Read(p []byte) (int, error) {
	if b.i < len(b.chunks) {
		n := copy(p, b.chunks[b.i])
		b.i++
		return n, nil
	}
	return 0, b.err
}

func (b *erroringBody) Close() error { return nil }

func TestIdleUpstreamIsAborted(t *testing.T) {
	first := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n"
	up := &fakeUpstream{bodyFn: func(ctx context.Context) io.ReadCloser {
		return &stallingBody{ctx: ctx, first: []byte(first)}
	}}
	hist := newFakeHistory()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 10, time.Minute, nil)
	h := NewHandler(limiter, up, hist, Options{IdleReadTimeout: 50 * time.Millisecond}, nil)

	body := chatBody(t, userMsg("hi"), "")
	claims := testClaims()
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doChat(t, h, claims, body)
	}()

	var w *httptest.ResponseRecorder
	select {
	case w = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after idle timeout")
	}

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != first {
		t.Errorf("piped bytes = %q, want the chunk sent before the stall", w.Body.String())
	}
	select {
	case <-hist.done:
		t.Fatal("aborted stream must not be persisted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportErrorMidStreamKeepsPipedBytes(t *testing.T) {
	first := "data: {\"choices\":[{\"delta\":{\"content\":\"half an answ\"}}]}\n\n"
	up := &fakeUpstream{bodyFn: func(context.Context) io.ReadCloser {
		return &erroringBody{
			chunks: [][]byte{[]byte(first)},
			err:    errors.New("connection reset by peer"),
		}
	}}
	hist := newFakeHistory()
	h := newTestHandler(up, hist, 10)

	w := doChat(t, h, testClaims(), chatBody(t, userMsg("hi"), ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != first {
		t.Errorf("piped bytes = %q, want %q", w.Body.String(), first)
	}
	select {
	case <-hist.done:
		t.Fatal("interrupted stream must not be persisted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRateLimitedMetricUsesUnknownMode(t *testing.T) {
	up := &fakeUpstream{body: []byte("data: [DONE]\n\n")}
	h := newTestHandler(up, nil, 1)
	claims := testClaims()
	body := chatBody(t, userMsg("hi"), "debug")

	doChat(t, h, claims, body)
	w := doChat(t, h, claims, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	// The body is unread when the limiter rejects, so the mode label must
	// not claim a specific mode.
	if !strings.Contains(scrape.Body.String(),
		`neonforge_chat_requests_total{mode="unknown",outcome="rate_limited"}`) {
		t.Error("429 not recorded under the unknown mode label")
	}
	if strings.Contains(scrape.Body.String(),
		`neonforge_chat_requests_total{mode="debug",outcome="rate_limited"}`) {
		t.Error("429 recorded under a mode the handler never parsed")
	}
}

func TestUnknownModeFallsBackToChat(t *testing.T) {
	up := &fakeUpstream{body: []byte("data: [DONE]\n\n")}
	h := newTestHandler(up, nil, 10)

	w := doChat(t, h, testClaims(), chatBody(t, userMsg("hi"), "hack-the-planet"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(up.messages) == 0 || up.messages[0].Role != models.RoleSystem {
		t.Fatal("system prompt missing for unknown mode")
	}
}
