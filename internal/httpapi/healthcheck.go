package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"lorawan-node/internal/utils"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

const checkTimeout = 2 * time.Second

type healthchecker struct {
	names  []string
	checks map[string]Check
}

func newHealthchecker(checks map[string]Check) *healthchecker {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return &healthchecker{names: names, checks: checks}
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	for _, name := range h.names {
		if err := h.checks[name](ctx); err != nil {
			slog.Error("health check failed", "check", name, "error", err)
			utils.WriteError(w, http.StatusServiceUnavailable, name+" unreachable")
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, checks map[string]Check) {
	h := newHealthchecker(checks)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
