package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testAuth() *Auth {
	return New(nil, "test-secret", time.Hour)
}

func TestIssueAndValidateToken(t *testing.T) {
	a := testAuth()

	token, expiresAt, err := a.IssueToken(42, "neo")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if time.Until(expiresAt) < 55*time.Minute {
		t.Errorf("expiry too soon: %s", expiresAt)
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "neo" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Identity() != "user:42" {
		t.Errorf("Identity() = %q", claims.Identity())
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, _, err := New(nil, "other-secret", time.Hour).IssueToken(1, "x")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := testAuth().ValidateToken(token); err == nil {
		t.Error("token signed with a different secret must not validate")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	token, _, err := New(nil, "test-secret", -time.Minute).IssueToken(1, "x")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := testAuth().ValidateToken(token); err == nil {
		t.Error("expired token must not validate")
	}
}

func TestMiddlewareMissingToken(t *testing.T) {
	a := testAuth()
	called := false
	h := a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Error("handler must not run without a token")
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "Authentication required" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestMiddlewarePassesClaims(t *testing.T) {
	a := testAuth()
	token, _, _ := a.IssueToken(7, "trinity")

	var got *Claims
	h := a.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = GetClaims(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got == nil || got.UserID != 7 || got.Username != "trinity" {
		t.Errorf("claims = %+v", got)
	}
}

func TestMiddlewareRejectsGarbageToken(t *testing.T) {
	a := testAuth()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec := httptest.NewRecorder()
	a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
