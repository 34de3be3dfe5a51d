package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestObservabilityEndpoints(t *testing.T) {
	hc := NewHealthChecker(NopLogger())
	hc.RegisterComponent(ComponentSync)
	hc.UpdateComponentHealth(ComponentSync, StatusHealthy, "")

	GetMetrics().SyncAttempts.Inc()

	metricsSrv := httptest.NewServer(MetricsMux())
	defer metricsSrv.Close()
	healthSrv := httptest.NewServer(hc.Mux())
	defer healthSrv.Close()

	t.Run("metrics endpoint", func(t *testing.T) {
		resp, err := http.Get(metricsSrv.URL + "/metrics")
		if err != nil {
			t.Fatalf("failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
		if !strings.Contains(string(body), "sitelock_sync_attempts_total") {
			t.Error("expected sitelock metrics in response")
		}
	})

	t.Run("health endpoint", func(t *testing.T) {
		resp, err := http.Get(healthSrv.URL + "/health")
		if err != nil {
			t.Fatalf("failed to get health: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	})

	t.Run("ready endpoint degraded", func(t *testing.T) {
		hc.UpdateComponentHealth(ComponentSync, StatusDegraded, "unauthenticated")

		resp, err := http.Get(healthSrv.URL + "/ready")
		if err != nil {
			t.Fatalf("failed to get ready: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected degraded to be ready, got %d", resp.StatusCode)
		}
	})
}
