package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/chatstack/llm-gateway/internal/executor"
)

// GetOrGenerateRequestID retrieves X-Request-ID or generates one.
func GetOrGenerateRequestID(r *http.Request) string {
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		return requestID
	}
	return "req-" + uuid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writeGatewayError maps the executor taxonomy onto HTTP. Unexpected
// errors are logged in full and returned as a generic message.
func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *executor.GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Code == executor.CodeRateLimited {
			seconds := int64(gwErr.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		}
		writeError(w, gwErr.Status, gwErr.Code, gwErr.Message)
		return
	}
	log.Printf("internal error on %s %s: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusInternalServerError, executor.CodeInternal, "internal server error")
}
