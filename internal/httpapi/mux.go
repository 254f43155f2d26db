package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

// NewMux serves /healthz from checks and, when status is non-nil, /status.
func NewMux(checks map[string]Check, status StatusFunc) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, checks)
	if status != nil {
		registerStatus(mux, status)
	}
	return mux
}

// NewServer wraps h with request logging; a nil logger uses slog.Default().
func NewServer(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           accessLog(logger, h),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
