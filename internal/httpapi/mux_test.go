package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz_OK(t *testing.T) {
	mux := NewMux(map[string]Check{
		"session_db": func(context.Context) error { return nil },
		"mqtt":       func(context.Context) error { return nil },
	}, nil)

	rec := get(t, mux, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body.status = %q, want ok", body["status"])
	}
}

func TestHealthz_FailingCheck(t *testing.T) {
	mux := NewMux(map[string]Check{
		"mqtt":       func(context.Context) error { return nil },
		"session_db": func(context.Context) error { return errors.New("database is closed") },
	}, nil)

	rec := get(t, mux, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "session_db unreachable" {
		t.Errorf("message = %q", body["message"])
	}
}

func TestHealthz_MethodNotAllowed(t *testing.T) {
	mux := NewMux(nil, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestStatus(t *testing.T) {
	mux := NewMux(nil, func() any {
		return map[string]any{"join_state": "joined", "uplink_counter": 3}
	})

	rec := get(t, mux, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["join_state"] != "joined" || body["uplink_counter"] != float64(3) {
		t.Errorf("body = %v", body)
	}
}

func TestStatus_NotRegisteredWithoutProvider(t *testing.T) {
	mux := NewMux(nil, nil)
	if rec := get(t, mux, "/status"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestNewServer_LogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := NewServer(":0", NewMux(nil, nil), logger)
	rec := get(t, srv.Handler, "/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "http request" || entry["path"] != "/missing" || entry["status"] != float64(404) {
		t.Errorf("log entry = %v", entry)
	}
	if entry["level"] != "DEBUG" || entry["component"] != "http" {
		t.Errorf("level/component = %v/%v, want DEBUG/http", entry["level"], entry["component"])
	}
	if n, _ := entry["bytes"].(float64); n <= 0 {
		t.Errorf("bytes = %v, want the body size", entry["bytes"])
	}
}

func TestNewServer_FailedRequestsLoggedAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	mux := NewMux(map[string]Check{
		"session_db": func(context.Context) error { return errors.New("disk I/O error") },
	}, nil)
	srv := NewServer(":0", mux, logger)

	if rec := get(t, srv.Handler, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "WARN" || entry["status"] != float64(503) {
		t.Errorf("log entry = %v", entry)
	}
}
