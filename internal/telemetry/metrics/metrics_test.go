package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.IncEnqueued("g")
	r.IncPersisted("g")
	r.IncDropped("g")
	r.AddLogsSent("g", 3)
	r.AddLogsFailed("g", 1)
	r.IncBatches("g")
	r.IncSendOutcome("ok")
}

func TestCounters(t *testing.T) {
	r := &Registry{}
	r.IncEnqueued("analytics")
	r.IncEnqueued("analytics")
	r.IncEnqueued("crashes")
	r.AddLogsSent("analytics", 5)

	if got := r.Enqueued.Get("analytics"); got != 2 {
		t.Errorf("enqueued(analytics): got %d want 2", got)
	}
	if got := r.Enqueued.Get("crashes"); got != 1 {
		t.Errorf("enqueued(crashes): got %d want 1", got)
	}
	if got := r.LogsSent.Get("analytics"); got != 5 {
		t.Errorf("sent(analytics): got %d want 5", got)
	}
	if got := r.LogsSent.Get("missing"); got != 0 {
		t.Errorf("sent(missing): got %d want 0", got)
	}
}

func TestHandlerRendersPrometheusText(t *testing.T) {
	r := &Registry{}
	r.IncEnqueued("analytics")
	r.AddLogsSent("analytics", 4)
	r.IncSendOutcome("503")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type: got %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`telemetry_logs_enqueued_total{group="analytics"} 1`,
		`telemetry_logs_sent_total{group="analytics"} 4`,
		`telemetry_send_outcomes_total{status="503"} 1`,
		"# TYPE telemetry_logs_enqueued_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	// Empty families are omitted entirely.
	if strings.Contains(body, "telemetry_logs_dropped_total") {
		t.Error("empty family should be omitted")
	}
}
