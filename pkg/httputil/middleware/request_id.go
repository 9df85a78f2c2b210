package middleware

import (
	"net/http"

	"github.com/edgeflare/scoot/pkg/httputil"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-Id"

	maxRequestIDLen = 64
)

// RequestID assigns each request an id and echoes it in the response
// header. An id already in the context wins, then a well-formed client
// header; otherwise a new uuid is generated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := httputil.RequestID(r)
		if reqID == "" && validRequestID(r.Header.Get(RequestIDHeader)) {
			reqID = r.Header.Get(RequestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(httputil.WithRequestID(r.Context(), reqID)))
	})
}

// validRequestID accepts short ids made of letters, digits, '-', '_' and
// '.', so client input never reaches logs unescaped.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
