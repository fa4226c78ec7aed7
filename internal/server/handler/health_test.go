package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthCheck(t *testing.T) {
	startedAt := time.Now().UTC().Add(-90 * time.Second)
	h := NewHealthHandler("full", startedAt, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	h.HealthCheck(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Status        string `json:"status"`
		Mode          string `json:"mode"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Timestamp     string `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Mode != "full" {
		t.Errorf("mode = %q, want full", body.Mode)
	}
	if body.UptimeSeconds < 90 || body.UptimeSeconds > 120 {
		t.Errorf("uptime_seconds = %d, want about 90", body.UptimeSeconds)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", body.Timestamp, err)
	}
}
