// Package api exposes the storage and admin services over HTTP/JSON.
//
// Every route takes and returns JSON; byte fields travel base64 encoded.
// Failures are written as cluster.ErrorResponse with the status the error
// class maps to.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrincipalHeader carries the identity an upstream layer verified. It is
// only used to annotate logs.
const PrincipalHeader = "X-Verified-Principal"

// maxBodyBytes bounds request bodies
const maxBodyBytes = 64 << 20

// NewRouter returns a router with the /health and /metrics routes and the
// logging middleware installed. Services add their routes to it.
func NewRouter(logger *zap.Logger, health http.Handler, reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Use(withPrincipal, logRequests(logging.OrNop(logger)))
	if health != nil {
		r.Handle("/health", health).Methods(http.MethodGet)
	}
	if reg != nil {
		r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	}
	return r
}

// withPrincipal copies the verified principal into the request context's
// log fields.
func withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.Header.Get(PrincipalHeader); p != "" {
			r = r.WithContext(logging.WithFields(r.Context(), zap.String("principal", p)))
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := append(logging.Fields(r.Context()),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("took", time.Since(started)))
			if rec.status >= http.StatusInternalServerError {
				logger.Warn("request failed", fields...)
			} else {
				logger.Debug("request", fields...)
			}
		})
	}
}

// decode reads a JSON request body into v
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid request body"), cluster.ErrBadRequest)
	}
	return nil
}

// rpc adapts a typed call to a JSON handler. A nil response writes 204.
func rpc[Req, Resp any](fn func(ctx context.Context, req Req) (*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := decode(r, &req); err != nil {
			cluster.WriteError(w, err)
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			cluster.WriteError(w, err)
			return
		}
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, resp)
	}
}

// query adapts a call without a request body
func query[Resp any](fn func(ctx context.Context) (*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(r.Context())
		if err != nil {
			cluster.WriteError(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, resp)
	}
}

type empty struct{}
