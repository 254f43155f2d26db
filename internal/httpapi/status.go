package httpapi

import (
	"net/http"

	"lorawan-node/internal/utils"
)

// StatusFunc returns the JSON-serialisable state served on /status.
type StatusFunc func() any

func registerStatus(mux *http.ServeMux, status StatusFunc) {
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		utils.WriteJSON(w, http.StatusOK, status())
	})
}
