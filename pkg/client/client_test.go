package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/neonforge/neonforge/pkg/models"
	"github.com/neonforge/neonforge/pkg/protocol"
)

func TestChatStreamsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"neon", " rain"} {
			payload, _ := json.Marshal(map[string]interface{}{
				"choices": []map[string]interface{}{
					{"delta": map[string]string{"content": chunk}},
				},
			})
			w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AuthToken: "tok"})
	var deltas []string
	res, err := c.Chat(context.Background(), protocol.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if res.Content != "neon rain" {
		t.Errorf("content = %q", res.Content)
	}
	if !res.Done {
		t.Error("expected Done after [DONE] sentinel")
	}
	if res.Interrupted {
		t.Error("stream should not be interrupted")
	}
	if len(deltas) != 2 || deltas[0] != "neon" || deltas[1] != " rain" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestChatKeepsPartialContentOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"half an answ\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		// Kill the connection mid-stream.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Fatalf("hijack: %v", err)
		}
		conn.Close()
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	res, err := c.Chat(context.Background(), protocol.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if !res.Interrupted {
		t.Error("expected Interrupted")
	}
	if res.Done {
		t.Error("interrupted stream must not report Done")
	}
	if res.Content != "half an answ" {
		t.Errorf("partial content = %q", res.Content)
	}
}

func TestChatSurfacesRateLimit(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{
			Error:   "rate limit exceeded, please wait",
			Code:    429,
			ResetAt: &reset,
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), protocol.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	got, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !got.Equal(reset) {
		t.Errorf("resetAt = %v, want %v", got, reset)
	}
}

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			json.NewEncoder(w).Encode(protocol.LoginResponse{
				Token: "issued-token",
				User:  protocol.UserInfo{ID: 1, Username: "case"},
			})
		case "/api/v1/conversations":
			if r.Header.Get("Authorization") != "Bearer issued-token" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "Authentication required"})
				return
			}
			json.NewEncoder(w).Encode(protocol.ConversationListResponse{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp, err := c.Login(context.Background(), "case", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Token != "issued-token" {
		t.Errorf("token = %q", resp.Token)
	}
	if _, err := c.ListConversations(context.Background()); err != nil {
		t.Fatalf("ListConversations after login: %v", err)
	}
}

func TestAPIErrorDoesNotLeakBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<html>stack trace here</html>"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FetchTree(context.Background(), "p1")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "stack trace") {
		t.Errorf("error leaked response body: %v", err)
	}
}
