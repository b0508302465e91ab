package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// swapRegistry gives a test its own component registry.
func swapRegistry(t *testing.T) {
	t.Helper()
	old := registry
	registry = newHealthRegistry()
	t.Cleanup(func() { registry = old })
}

func getReport(t *testing.T, h http.HandlerFunc, target string) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var rep healthReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("failed to decode %s body: %v", target, err)
	}
	return rec.Code, rep
}

func TestUpdateComponentUpserts(t *testing.T) {
	swapRegistry(t)

	RegisterComponent("vpn", true, "")
	UpdateComponent("vpn", false, "tunnel down")

	if n := len(registry.components); n != 1 {
		t.Fatalf("expected 1 component, got %d", n)
	}
	if c := registry.components["vpn"]; c.ok || c.detail != "tunnel down" {
		t.Errorf("unexpected component state: %+v", c)
	}
}

func TestHealthzReflectsWorstComponent(t *testing.T) {
	swapRegistry(t)

	RegisterComponent("runtime", true, "")

	code, rep := getReport(t, HealthHandler(), "/healthz")
	if code != http.StatusOK || rep.Status != "healthy" {
		t.Fatalf("expected healthy 200, got %d %q", code, rep.Status)
	}

	UpdateComponent("vpn", false, "tunnel down")

	code, rep = getReport(t, HealthHandler(), "/healthz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if rep.Status != "unhealthy" {
		t.Errorf("expected status unhealthy, got %q", rep.Status)
	}
	if got := rep.Components["vpn"]; got != "unhealthy: tunnel down" {
		t.Errorf("unexpected vpn entry: %q", got)
	}
	if got := rep.Components["runtime"]; got != "healthy" {
		t.Errorf("unexpected runtime entry: %q", got)
	}
}

func TestHealthzHealthyBeforeAnyRegistration(t *testing.T) {
	swapRegistry(t)

	code, rep := getReport(t, HealthHandler(), "/healthz")
	if code != http.StatusOK || rep.Status != "healthy" {
		t.Errorf("empty registry should report healthy 200, got %d %q", code, rep.Status)
	}
}

func TestReadinessWaitsForEveryGate(t *testing.T) {
	swapRegistry(t)

	code, rep := getReport(t, ReadyHandler(), "/ready")
	if code != http.StatusServiceUnavailable || rep.Status != "not_ready" {
		t.Fatalf("expected not_ready 503, got %d %q", code, rep.Status)
	}
	for _, gate := range readinessGates {
		if got := rep.Components[gate]; got != "not registered" {
			t.Errorf("gate %s: expected 'not registered', got %q", gate, got)
		}
	}
	if rep.Message == "" {
		t.Error("expected a waiting message")
	}

	RegisterComponent(ComponentRuntime, true, "")
	RegisterComponent(ComponentState, true, "")
	if code, _ := getReport(t, ReadyHandler(), "/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with one gate missing, got %d", code)
	}

	RegisterComponent(ComponentReconciler, true, "")
	code, rep = getReport(t, ReadyHandler(), "/ready")
	if code != http.StatusOK || rep.Status != "ready" {
		t.Errorf("expected ready 200, got %d %q", code, rep.Status)
	}
}

func TestReadinessGateReportingUnhealthy(t *testing.T) {
	swapRegistry(t)

	RegisterComponent(ComponentRuntime, false, "socket unavailable")
	RegisterComponent(ComponentState, true, "")
	RegisterComponent(ComponentReconciler, true, "")

	code, rep := getReport(t, ReadyHandler(), "/ready")
	if code != http.StatusServiceUnavailable || rep.Status != "not_ready" {
		t.Fatalf("expected not_ready 503, got %d %q", code, rep.Status)
	}
	if got := rep.Components[ComponentRuntime]; got != "not ready: socket unavailable" {
		t.Errorf("unexpected runtime entry: %q", got)
	}
}

func TestHealthReportStampsVersionAndUptime(t *testing.T) {
	swapRegistry(t)

	SetVersion("1.2.3")
	RegisterComponent("runtime", true, "")

	_, rep := getReport(t, HealthHandler(), "/healthz")
	if rep.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", rep.Version)
	}
	if rep.Uptime == "" {
		t.Error("expected uptime to be set")
	}
}
