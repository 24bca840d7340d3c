package mid

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentityRejectsAnonymous(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), Identity())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/search/vector", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestIdentityPopulatesCaller(t *testing.T) {
	var got Caller
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CallerFrom(r.Context())
	}), Identity())

	req := httptest.NewRequest("GET", "/api/search/vector", nil)
	req.Header.Set("X-User-ID", "u-7")
	req.Header.Set("X-User-Role", "admin")
	req.Header.Set("X-Tenants", "acme, otra")

	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.UserID != "u-7" || !got.IsAdmin() {
		t.Errorf("caller = %+v", got)
	}
	if len(got.Tenants) != 2 || got.Tenants[1] != "otra" {
		t.Errorf("tenants = %v", got.Tenants)
	}
}

func TestCallerTenantAccess(t *testing.T) {
	c := Caller{UserID: "u-1", Tenants: []string{"acme"}}
	if !c.CanAccess("acme") {
		t.Error("expected access to own tenant")
	}
	if c.CanAccess("otra") {
		t.Error("unexpected access to foreign tenant")
	}
	if !(Caller{Role: "admin"}).CanAccess("cualquiera") {
		t.Error("admin should access any tenant")
	}
}

func TestRateLimitBlocksAfterBurst(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), RateLimit(RateLimitOpts{RequestsPerWindow: 3, WindowSeconds: 60}))

	var last int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("GET", "/api/search/chat", nil)
		req.Header.Set("X-User-ID", "u-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("fourth request status = %d, want 429", last)
	}

	// A different caller has an independent bucket.
	req := httptest.NewRequest("GET", "/api/search/chat", nil)
	req.Header.Set("X-User-ID", "u-2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("independent caller status = %d, want 200", rec.Code)
	}
}
