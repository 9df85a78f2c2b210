package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeflare/scoot/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResponseRecorder is a wrapper for http.ResponseWriter to capture status codes and durations.
type ResponseRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

func (rr *ResponseRecorder) WriteHeader(statusCode int) {
	rr.StatusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

// Logger returns the request-scoped logger installed by the logger
// middleware, or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := httputil.RequestLogger(ctx); ok {
		return logger
	}
	return zap.NewNop()
}

// LoggerOptions defines configuration for the logger middleware.
type LoggerOptions struct {
	Logger *zap.Logger
	Format func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field
}

func defaultFormat(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
	return []zap.Field{
		zap.String("req_id", reqID),
		zap.Int("status", rec.StatusCode),
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.String("route", r.Pattern),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.Duration("latency", latency),
	}
}

// LoggerWithOptions logs one "response" entry per request, at warn for 4xx
// and error for 5xx, and makes a logger tagged with the request id available
// through Logger.
func LoggerWithOptions(options *LoggerOptions) httputil.Middleware {
	opts := LoggerOptions{}
	if options != nil {
		opts = *options
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Format == nil {
		opts.Format = defaultFormat
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := httputil.RequestLogger(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			reqID := httputil.RequestID(r)
			if reqID == "" {
				reqID = uuid.Nil.String()
			}

			rec := NewResponseRecorder(w)
			r = r.WithContext(httputil.WithRequestLogger(r.Context(), opts.Logger.With(zap.String("req_id", reqID))))

			next.ServeHTTP(rec, r)

			fields := opts.Format(reqID, rec, r, time.Since(start))
			switch {
			case rec.StatusCode >= http.StatusInternalServerError:
				opts.Logger.Error("response", fields...)
			case rec.StatusCode >= http.StatusBadRequest:
				opts.Logger.Warn("response", fields...)
			default:
				opts.Logger.Info("response", fields...)
			}
		})
	}
}
