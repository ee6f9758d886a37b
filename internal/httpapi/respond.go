package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/auditforge/auditforge/internal/model"
	"github.com/auditforge/auditforge/internal/observability"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates err to a response using model.StatusFor as the
// single error-to-status mapping, rather than per-handler status logic.
func writeError(w http.ResponseWriter, err error) {
	status := model.StatusFor(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func observeRequestDuration(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	observability.HTTPRequestDuration.
		WithLabelValues(route, method, strconv.Itoa(status)).
		Observe(d.Seconds())
}
