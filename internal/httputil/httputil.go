// Package httputil holds the router, middleware and response helpers shared by
// the HTTP entry points.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// Validator validates decoded request bodies via `validate` struct tags.
var Validator = validator.New(validator.WithRequiredStructEnabled())

// NewRouter creates a chi router with standard middleware (RequestID, RealIP, Timeout, Recoverer, Logger).
func NewRouter(log *slog.Logger, timeout time.Duration) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	r.Use(Recoverer(log))
	r.Use(RequestLogger(log))

	return r
}

// WriteJSON writes a JSON response with proper headers.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

// DecodeJSON decodes the request body into dst and validates it.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return Validator.Struct(dst)
}

// Check reports the health of one dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler reports ok when every check passes and 503 otherwise.
func HealthHandler(log *slog.Logger, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				log.Warn("health check failed", "check", c.Name, "err", err)
				status[c.Name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[c.Name] = "ok"
		}
		if len(checks) == 0 {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ok")); err != nil {
				log.Warn("healthz write failed", "err", err)
			}
			return
		}
		WriteJSON(w, code, status)
	}
}

// ServeHealth runs a /healthz-only server until ctx is done. Used by workers
// that have no other HTTP surface.
func ServeHealth(ctx context.Context, log *slog.Logger, port int, service string, checks ...Check) error {
	r := chi.NewRouter()
	r.Get("/healthz", HealthHandler(log, checks...))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return Serve(ctx, log, srv, service)
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, log *slog.Logger, srv *http.Server, service string) error {
	errc := make(chan error, 1)
	go func() {
		log.Info(service+" listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// RequestLogger is a lightweight HTTP logger that uses slog.
func RequestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Recoverer logs panics via slog while preserving chi's Recoverer behavior.
func Recoverer(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic recovered", "panic", rec, "path", r.URL.Path, "method", r.Method, "request_id", middleware.GetReqID(r.Context()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Fail writes an error response with consistent logging.
func Fail(log *slog.Logger, w http.ResponseWriter, message string, err error, status int) {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, "err", err)
	} else {
		log.Warn(message, "err", err)
	}
	WriteJSON(w, status, map[string]string{"error": message})
}

// ValidationError writes a 400 listing the failed field constraints.
func ValidationError(log *slog.Logger, w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		Fail(log, w, err.Error(), err, http.StatusBadRequest)
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields[fe.Field()] = fe.Tag() + "=" + fe.Param()
		} else {
			fields[fe.Field()] = fe.Tag()
		}
	}
	log.Warn("validation failed", "fields", fields)
	WriteJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}
