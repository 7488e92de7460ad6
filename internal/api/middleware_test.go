package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// echoTenant replies with the tenant and trace seen by the handler.
var echoTenant = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Seen-Tenant", TenantID(r.Context()))
	w.Header().Set("X-Seen-Trace", TraceID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
})

func TestRequireTenant(t *testing.T) {
	cases := []struct {
		tenant string
		want   int
	}{
		{"tenant-001", http.StatusNoContent},
		{"acme.health_plan", http.StatusNoContent},
		{"", http.StatusBadRequest},
		{"_global", http.StatusBadRequest},
		{"has space", http.StatusBadRequest},
	}
	h := Trace(RequireTenant(echoTenant))
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		if tc.tenant != "" {
			req.Header.Set(TenantIDHeader, tc.tenant)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != tc.want {
			t.Errorf("tenant %q: status %d, want %d", tc.tenant, rr.Code, tc.want)
			continue
		}
		if tc.want == http.StatusNoContent && rr.Header().Get("X-Seen-Tenant") != tc.tenant {
			t.Errorf("tenant %q: handler saw %q", tc.tenant, rr.Header().Get("X-Seen-Tenant"))
		}
	}
}

func TestTraceContinuesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	req.Header.Set(RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	Trace(echoTenant).ServeHTTP(rr, req)

	if got := rr.Header().Get(TraceIDHeader); got != traceID {
		t.Errorf("trace id = %q, want %q", got, traceID)
	}
	if got := rr.Header().Get("X-Seen-Trace"); got != traceID {
		t.Errorf("handler trace id = %q, want %q", got, traceID)
	}
	if got := rr.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("request id = %q, want req-42", got)
	}
}

func TestTraceFallsBackToRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	Trace(echoTenant).ServeHTTP(rr, req)

	requestID := rr.Header().Get(RequestIDHeader)
	if requestID == "" {
		t.Fatal("expected a generated request id")
	}
	if rr.Header().Get(TraceIDHeader) != requestID {
		t.Errorf("without a tracer provider the trace id should be the request id")
	}
}

func TestRecover(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rr := httptest.NewRecorder()
	Recover(panicky).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := corsHandler([]string{"https://claims.example.com"})(echoTenant)

	req := httptest.NewRequest(http.MethodOptions, "/detect", nil)
	req.Header.Set("Origin", "https://claims.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", TenantIDHeader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://claims.example.com" {
		t.Errorf("allow origin = %q", got)
	}
	if rr.Header().Get("X-Seen-Tenant") != "" {
		t.Error("preflight must not reach the handler")
	}

	req = httptest.NewRequest(http.MethodOptions, "/detect", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin allowed: %q", got)
	}
}
