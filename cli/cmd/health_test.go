// ABOUTME: Tests for the health command
// ABOUTME: Verifies health check output formatting and exit codes

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebsterx/yandex-smart-home/cli/internal/client"
)

func TestFormatHealthHuman(t *testing.T) {
	resp := &client.HealthResponse{
		Status: "ok", FlowStore: "redis", AccountStore: "postgres",
		Checks: map[string]string{"redis": "ok", "postgres": "ok"},
	}

	output := formatHealthHuman("http://localhost:8080", resp)

	for _, want := range []string{"http://localhost:8080", "Flow store:    redis", "postgres:"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, output)
		}
	}
	if strings.Index(output, "postgres:") > strings.Index(output, "redis:") {
		t.Error("expected checks sorted by name")
	}
}

func TestFormatHealthJSON(t *testing.T) {
	resp := &client.HealthResponse{Status: "ok", FlowStore: "memory", AccountStore: "memory"}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(formatHealthJSON("http://localhost:8080", resp)), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if parsed["backend"] != "http://localhost:8080" || parsed["flow_store"] != "memory" {
		t.Errorf("got %v", parsed)
	}
}

func TestHealthCommand_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     client.HealthResponse
		wantCode int
		wantOut  string
	}{
		{"healthy", http.StatusOK, client.HealthResponse{Status: "ok", FlowStore: "redis"}, 0, "redis"},
		{"degraded", http.StatusServiceUnavailable, client.HealthResponse{Status: "degraded", Checks: map[string]string{"redis": "down"}}, 1, "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			apiURL = server.URL
			defer func() { apiURL = "" }()

			var buf bytes.Buffer
			if got := runHealth(context.Background(), &buf); got != tt.wantCode {
				t.Errorf("got exit code %d, want %d", got, tt.wantCode)
			}
			if !strings.Contains(buf.String(), tt.wantOut) {
				t.Errorf("expected %q in output, got:\n%s", tt.wantOut, buf.String())
			}
		})
	}
}

func TestHealthCommand_ConnectionError(t *testing.T) {
	apiURL = "http://localhost:99999"
	defer func() { apiURL = "" }()

	var buf bytes.Buffer
	if got := runHealth(context.Background(), &buf); got != 2 {
		t.Errorf("got exit code %d, want 2", got)
	}
	if !strings.Contains(buf.String(), "Error:") {
		t.Error("expected error message in output")
	}
}
