package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// executeHealthCheck sends a request to the health endpoint and returns the recorder.
func executeHealthCheck(server *Server, method string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)
	return w
}

// decodeHealthStatus parses a HealthStatus from the response body.
func decodeHealthStatus(t *testing.T, w *httptest.ResponseRecorder) storage.HealthStatus {
	t.Helper()
	var health storage.HealthStatus
	if err := json.NewDecoder(w.Result().Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse health response: %v", err)
	}
	return health
}

func TestHealthEndpointWithErrors(t *testing.T) {
	server, _ := newTestServer(t)

	// Log some errors
	if server.errorLog != nil {
		server.errorLog.LogError("worker", "test error 1", 123, 7)
		server.errorLog.LogError("worker", "test error 2", 456, 7)
	}

	w := executeHealthCheck(server, "GET")
	health := decodeHealthStatus(t, w)

	if health.ErrorCount == 0 {
		t.Error("Expected error count > 0")
	}
	if len(health.RecentErrors) == 0 {
		t.Error("Expected recent errors to be returned")
	}

	// Check error details
	found := false
	for _, e := range health.RecentErrors {
		if e.Component == "worker" && e.JobID == 456 {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected to find logged error in recent errors")
	}
}

func TestHealthEndpointMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	w := executeHealthCheck(server, "POST")

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Result().StatusCode)
	}
}
