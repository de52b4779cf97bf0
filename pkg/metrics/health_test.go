package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func registerCritical(t *testing.T) {
	t.Helper()
	resetHealthRegistry()
	t.Cleanup(resetHealthRegistry)
	for _, name := range criticalComponents {
		RegisterComponent(name, true, "up")
	}
}

func TestGetHealthAllHealthy(t *testing.T) {
	registerCritical(t)
	health := GetHealth()
	require.Equal(t, "healthy", health.Status)
	require.Len(t, health.Components, len(criticalComponents))
}

func TestGetHealthOneUnhealthy(t *testing.T) {
	registerCritical(t)
	UpdateComponent("dns", false, "bind failed")

	health := GetHealth()
	require.Equal(t, "unhealthy", health.Status)
	require.Contains(t, health.Components["dns"], "bind failed")
}

func TestGetReadinessAllReady(t *testing.T) {
	registerCritical(t)
	require.Equal(t, "ready", GetReadiness().Status)
}

func TestGetReadinessMissingCriticalComponent(t *testing.T) {
	resetHealthRegistry()
	t.Cleanup(resetHealthRegistry)
	RegisterComponent("containerd", true, "up")
	// api and dns never registered

	readiness := GetReadiness()
	require.Equal(t, "not_ready", readiness.Status)
	require.Contains(t, readiness.Message, "initialization")
}

func TestGetReadinessCriticalComponentUnhealthy(t *testing.T) {
	registerCritical(t)
	UpdateComponent("containerd", false, "socket gone")

	readiness := GetReadiness()
	require.Equal(t, "not_ready", readiness.Status)
	require.Contains(t, readiness.Components["containerd"], "socket gone")
}

func TestGetReadinessIgnoresNonCriticalComponents(t *testing.T) {
	registerCritical(t)
	RegisterComponent("vm", false, "limactl missing")

	// An unhealthy non-critical component degrades health but not
	// readiness.
	require.Equal(t, "unhealthy", GetHealth().Status)
	require.Equal(t, "ready", GetReadiness().Status)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	registerCritical(t)

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	UpdateComponent("api", false, "listener closed")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unhealthy", body.Status)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	registerCritical(t)

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resetHealthRegistry()
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetHealthRegistry()
	t.Cleanup(resetHealthRegistry)

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "alive", body["status"])
}
