package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	c, _ := ClaimsFromContext(r.Context())
	if c != nil {
		w.Write([]byte(c.Subject))
	}
}

func TestAuth(t *testing.T) {
	a := NewAuthenticator("0123456789abcdef0123", "marketcore")
	other := NewAuthenticator("another-secret-value!", "marketcore")

	good, err := a.Issue("alice", RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	forged, _ := other.Issue("alice", RoleUser, time.Hour)
	expired, _ := a.Issue("alice", RoleUser, -time.Minute)
	badRole, _ := a.Issue("alice", Role("root"), time.Hour)

	h := Auth(a, "/api/health")(http.HandlerFunc(okHandler))

	tests := []struct {
		name   string
		path   string
		token  string
		status int
		body   string
	}{
		{"public path", "/api/health", "", http.StatusOK, ""},
		{"missing token", "/api/auctions", "", http.StatusUnauthorized, ""},
		{"valid token", "/api/auctions", good, http.StatusOK, "alice"},
		{"wrong secret", "/api/auctions", forged, http.StatusUnauthorized, ""},
		{"expired", "/api/auctions", expired, http.StatusUnauthorized, ""},
		{"unknown role", "/api/auctions", badRole, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestWebsocketTokenFromQuery(t *testing.T) {
	a := NewAuthenticator("0123456789abcdef0123", "marketcore")
	tok, _ := a.Issue("bob", RoleUser, time.Hour)
	h := Auth(a)(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "bob" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}

	// Query tokens are ignored on plain requests.
	req = httptest.NewRequest(http.MethodGet, "/api/auctions?token="+tok, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(okHandler, RoleAdmin)

	for _, tt := range []struct {
		role   Role
		status int
	}{
		{RoleUser, http.StatusForbidden},
		{RoleService, http.StatusForbidden},
		{RoleAdmin, http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		c := &Claims{Role: tt.role}
		c.Subject = "x"
		req = req.WithContext(WithClaims(context.Background(), c))
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != tt.status {
			t.Errorf("role %s: status = %d, want %d", tt.role, rec.Code, tt.status)
		}
	}
}

type fixedLimiter struct {
	allow bool
	err   error
}

func (f fixedLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return f.allow, f.err
}

func TestRateLimit(t *testing.T) {
	for _, tt := range []struct {
		name    string
		limiter fixedLimiter
		status  int
	}{
		{"allowed", fixedLimiter{allow: true}, http.StatusOK},
		{"limited", fixedLimiter{allow: false}, http.StatusTooManyRequests},
		{"limiter down fails open", fixedLimiter{err: context.DeadlineExceeded}, http.StatusOK},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimit(tt.limiter, 10, time.Minute)(http.HandlerFunc(okHandler))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := extractClientIP(req); got != "10.0.0.1" {
		t.Fatalf("remote addr: got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := extractClientIP(req); got != "203.0.113.7" {
		t.Fatalf("forwarded: got %q", got)
	}
}
