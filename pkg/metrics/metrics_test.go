package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/evisions/canvas-ingest/pkg/orchestrator"
	_ "github.com/evisions/canvas-ingest/pkg/ratelimit"
)

func TestRegistry(t *testing.T) {
	if Registry == nil {
		t.Error("Registry should not be nil")
	}

	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

func TestHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	// Unlabelled collectors are exported before their first observation.
	for _, name := range []string{
		"canvas_ingest_ratelimit_remaining",
		"canvas_ingest_entities_in_flight",
		"canvas_ingest_run_duration_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}
