package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/acepool/acepool/pkg/metrics"
)

type ctxKey int

const requestIDKey ctxKey = iota

// requestID returns the request id stamped by withRequestID, or "".
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusWriter records the committed status code and byte count. Flush is
// forwarded so the streaming endpoint keeps per-chunk flushing through the
// wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestID honors an incoming X-Request-ID or generates one, echoes it
// on the response, and threads it through the context for logging.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// instrument counts and times every request by route pattern and writes one
// access log line per request. Probe endpoints log at debug so scrapes do
// not drown the log.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		timer := metrics.NewTimer()
		next.ServeHTTP(sw, r)
		elapsed := timer.Duration()

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		route := s.routePattern(r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		evt := s.logger.Info()
		switch r.URL.Path {
		case "/healthz", "/ready", "/metrics":
			evt = s.logger.Debug()
		}
		evt.Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int64("bytes", sw.bytes).
			Dur("duration", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// routePattern resolves the registered pattern for the request, keeping the
// metric label set bounded by the route table rather than by raw URLs.
func (s *Server) routePattern(r *http.Request) string {
	if s.mux == nil {
		return r.Method
	}
	_, pattern := s.mux.Handler(r)
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}

// requireAuth gates mutating methods behind the bearer token. Reads are
// open: the proxy and dashboards poll them, and they expose no control. An
// empty API_KEY disables the gate.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or missing bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// recoverPanics turns a handler panic into a 500 instead of tearing down the
// whole server. http.ErrAbortHandler passes through untouched.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			s.logger.Error().
				Interface("panic", v).
				Bytes("stack", debug.Stack()).
				Str("path", r.URL.Path).
				Msg("handler panicked")
			// Best effort; the response may already be committed.
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}
