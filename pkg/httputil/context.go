package httputil

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// WithRequestID returns a copy of ctx carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id stored in ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID returns the request id set by the RequestID middleware.
func RequestID(r *http.Request) string {
	return RequestIDFrom(r.Context())
}

// WithRequestLogger returns a copy of ctx carrying a request-scoped logger.
func WithRequestLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestLogger returns the logger stored in ctx.
func RequestLogger(ctx context.Context) (*zap.Logger, bool) {
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	return logger, ok
}

// JSON writes data as a JSON response. Encoding happens before the status
// line is sent, so an unencodable value yields a 500.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(append(b, '\n'))
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write([]byte(text))
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Error writes an ErrorResponse carrying the id of r, if any.
func Error(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{Message: message, Code: statusCode, RequestID: RequestID(r)})
}
