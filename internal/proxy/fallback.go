package proxy

import (
	"encoding/json"
	"net/http"
	"time"
)

type fallbackBody struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Service   string    `json:"service,omitempty"`
}

// Fallback serves GET /fallback/{service}; "general" names no service.
func Fallback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc := r.PathValue("service")
		if svc == "general" {
			svc = ""
		}
		writeFallback(w, svc)
	})
}

func writeFallback(w http.ResponseWriter, service string) {
	body := fallbackBody{
		Timestamp: time.Now().UTC(),
		Status:    http.StatusServiceUnavailable,
		Error:     "Service Unavailable",
		Message:   "The requested service is temporarily unavailable. Please try again later.",
		Service:   service,
	}
	if service != "" {
		body.Message = "The " + service + " service is temporarily unavailable. Please try again later."
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(body)
}
