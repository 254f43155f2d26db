package utils

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

const jsonContentType = "application/json; charset=utf-8"

func TestWriteJSON(t *testing.T) {
	t.Run("headers and status", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteJSON(w, http.StatusOK, map[string]string{"join_state": "joined"})

		if got := w.Header().Get("Content-Type"); got != jsonContentType {
			t.Errorf("Content-Type = %q; want %q", got, jsonContentType)
		}
		if got := w.Header().Get("Cache-Control"); got != "no-store" {
			t.Errorf("Cache-Control = %q; want no-store", got)
		}
		if w.Code != http.StatusOK {
			t.Errorf("Code = %d; want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("body", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteJSON(w, http.StatusOK, struct {
			DevAddr string `json:"dev_addr"`
			FCnt    uint32 `json:"f_cnt"`
		}{"2601154B", 7})

		var got map[string]any
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("body is not valid JSON: %v", err)
		}
		if got["dev_addr"] != "2601154B" || got["f_cnt"] != float64(7) {
			t.Errorf("body = %v", got)
		}
	})

	t.Run("unencodable value", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteJSON(w, http.StatusOK, map[string]float64{"wind": math.NaN()})

		if w.Code != http.StatusInternalServerError {
			t.Errorf("Code = %d; want %d", w.Code, http.StatusInternalServerError)
		}
		if got := w.Header().Get("Content-Type"); got == jsonContentType {
			t.Errorf("Content-Type = %q on failed encode", got)
		}
	})
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusServiceUnavailable, "session_db unreachable")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Code = %d; want %d", w.Code, http.StatusServiceUnavailable)
	}

	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got["error"] != "Service Unavailable" || got["message"] != "session_db unreachable" {
		t.Errorf("body = %v", got)
	}
}
