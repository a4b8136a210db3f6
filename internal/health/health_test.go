package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func get(t *testing.T, h http.Handler, path string) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, resp
}

func TestLive(t *testing.T) {
	c := New()
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	code, resp := get(t, c.LiveHandler(), "/live")
	if code != http.StatusOK || resp.Status != StatusUp {
		t.Fatalf("live = %d %s", code, resp.Status)
	}
	if resp.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("timestamp = %q", resp.Timestamp)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		readiness  error
		degraded   error
		wantCode   int
		wantStatus Status
	}{
		{"all healthy", nil, nil, http.StatusOK, StatusUp},
		{"degraded only", nil, errors.New("queue draining"), http.StatusOK, StatusDegraded},
		{"readiness failing", errors.New("store gone"), nil, http.StatusServiceUnavailable, StatusDown},
		{"both failing", errors.New("store gone"), errors.New("queue draining"), http.StatusServiceUnavailable, StatusDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			c.RegisterReadiness("offline_store", func() error { return tt.readiness })
			c.RegisterDegraded("queue", func() error { return tt.degraded })

			code, resp := get(t, c.ReadyHandler(), "/ready")
			if code != tt.wantCode || resp.Status != tt.wantStatus {
				t.Errorf("ready = %d %s, want %d %s", code, resp.Status, tt.wantCode, tt.wantStatus)
			}
			if len(resp.Components) != 2 {
				t.Errorf("components = %v", resp.Components)
			}
			if tt.readiness != nil && resp.Components["offline_store"].Message != tt.readiness.Error() {
				t.Errorf("offline_store message = %q", resp.Components["offline_store"].Message)
			}
		})
	}
}

func TestShuttingDown(t *testing.T) {
	c := New()
	c.RegisterReadiness("x", func() error { return nil })
	c.SetShuttingDown()

	mux := http.NewServeMux()
	c.Mount(mux)

	for _, path := range []string{"/live", "/ready"} {
		code, resp := get(t, mux, path)
		if code != http.StatusServiceUnavailable || resp.Status != StatusDown {
			t.Errorf("%s = %d %s, want 503 down", path, code, resp.Status)
		}
		if resp.Components["process"].Message != "shutting down" {
			t.Errorf("%s components = %v", path, resp.Components)
		}
	}
}
