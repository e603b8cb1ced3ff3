package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/ContentForge/internal/middleware"
)

const testSecret = "test-secret-key-for-middleware"

func echoUser(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(middleware.UserID(r.Context())))
	})
}

func serve(h http.Handler, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth_Disabled_InjectsAnonymous(t *testing.T) {
	rec := serve(middleware.Auth("", false)(echoUser(t)), "/api/v1/jobs", "")
	if rec.Code != http.StatusOK || rec.Body.String() != middleware.AnonymousUser {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestAuth_Enabled(t *testing.T) {
	valid, err := middleware.IssueToken(testSecret, "user-42", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, _ := middleware.IssueToken(testSecret, "user-42", -time.Minute)
	foreign, _ := middleware.IssueToken("other-secret", "user-42", time.Hour)
	h := middleware.Auth(testSecret, true)(echoUser(t))

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode int
		wantUser string
	}{
		{"valid token", "/api/v1/jobs", "Bearer " + valid, http.StatusOK, "user-42"},
		{"no header", "/api/v1/jobs", "", http.StatusUnauthorized, ""},
		{"not bearer", "/api/v1/jobs", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage", "/api/v1/jobs", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"expired", "/api/v1/jobs", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong secret", "/api/v1/jobs", "Bearer " + foreign, http.StatusUnauthorized, ""},
		{"public health", "/health", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.path, tt.header)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK && rec.Body.String() != tt.wantUser {
				t.Fatalf("user = %q, want %q", rec.Body.String(), tt.wantUser)
			}
		})
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	tok, err := middleware.IssueToken(testSecret, "sub-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := middleware.ParseToken(testSecret, tok)
	if err != nil || sub != "sub-1" {
		t.Fatalf("sub = %q, err = %v", sub, err)
	}
	if _, err := middleware.IssueToken("", "sub-1", time.Minute); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
