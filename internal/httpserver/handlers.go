package httpserver

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Realm         string `json:"realm"`
	Method        string `json:"method"`
}

// health reports liveness plus the gate's advertised terms so operators
// can confirm which realm and method this instance is serving.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(serverStartTime).Seconds()),
		Realm:         h.cfg.Gate.Realm,
		Method:        h.cfg.Gate.Method,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
