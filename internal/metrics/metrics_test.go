package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	c := NewCollector()
	c.WorkerRestarts.WithLabelValues("echo").Inc()
	c.ObserveCallDuration("echo", "ping", 0.25)
	c.ActiveConnections.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"lootbox_worker_restarts_total",
		"lootbox_call_duration_seconds",
		"lootbox_active_connections 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %q:\n%s", want, body)
		}
	}
}
