package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/neonforge/neonforge/internal/auth"
	"github.com/neonforge/neonforge/internal/history"
	"github.com/neonforge/neonforge/pkg/models"
)

func testServer() *Server {
	a := auth.New(nil, "test-secret", time.Hour)
	chat := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return NewServer(a, chat, nil, nil, nil)
}

func TestHealthIsPublic(t *testing.T) {
	w := httptest.NewRecorder()
	testServer().Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{}"))
	testServer().Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestChatAcceptsValidToken(t *testing.T) {
	s := testServer()
	token, _, err := s.auth.IssueToken(1, "case")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	testServer().Router().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing CORS headers on preflight")
	}
}

type stubHistory struct {
	listErr error
}

func (s *stubHistory) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	return nil, s.listErr
}

func (s *stubHistory) ListMessages(ctx context.Context, userID int, conversationID string) ([]models.StoredMessage, error) {
	return nil, s.listErr
}

func TestListMessagesDistinguishesMissingFromFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown conversation", history.ErrNotFound, http.StatusNotFound},
		{"database failure", errors.New("pq: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := auth.New(nil, "test-secret", time.Hour)
			s := NewServer(a, http.NotFoundHandler(), &stubHistory{listErr: tt.err}, nil, nil)
			token, _, err := a.IssueToken(1, "case")
			if err != nil {
				t.Fatal(err)
			}

			req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/messages", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			s.Router().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			// Store error text stays server-side.
			if strings.Contains(w.Body.String(), "connection refused") {
				t.Errorf("store error leaked: %s", w.Body.String())
			}
		})
	}
}

func TestLoginRejectsBadBody(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader("{nope"))
	testServer().Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
