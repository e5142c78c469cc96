package control

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientLimiterPerClient(t *testing.T) {
	l := NewClientLimiter(0.001, 2)

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst should allow two requests")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("third request should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}
}

func TestClientLimiterEvictsWhenFull(t *testing.T) {
	l := NewClientLimiter(1, 1)
	l.maxClients = 10
	for i := 0; i < 25; i++ {
		l.Allow(string(rune('a' + i)))
	}
	l.mu.Lock()
	n := len(l.clients)
	l.mu.Unlock()
	if n > 10 {
		t.Fatalf("tracked %d clients, want at most 10", n)
	}
}

func TestClientLimiterMiddleware(t *testing.T) {
	l := NewClientLimiter(0.001, 1)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		remote     string
		wantStatus int
	}{
		{"first request", "192.0.2.1:1234", http.StatusNoContent},
		{"same ip other port", "192.0.2.1:5678", http.StatusTooManyRequests},
		{"different ip", "192.0.2.2:1234", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
