package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/carpool-lifecycle/internal/observability"
)

type ctxKey int

const loggerKey ctxKey = 0

func (s *Server) registerMiddleware() {
	s.mux.Use(s.rideContext)
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.observe)
}

// rideContext tags the request with an id and a logger carrying the
// session labels (role, ride, viewer) taken from the route and headers.
func (s *Server) rideContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		attrs := []any{"request_id", reqID}
		role, rideID := sessionLabels(r)
		if role != "" {
			attrs = append(attrs, "role", role)
		}
		if rideID != "" {
			attrs = append(attrs, "ride_id", rideID)
		}
		if v := viewerHeader(role, r); v != "" {
			attrs = append(attrs, "viewer", v)
		}
		ctx := context.WithValue(r.Context(), loggerKey, s.logger.With(attrs...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := routeTemplate(r)
		role, _ := sessionLabels(r)
		if role != "driver" && role != "passenger" {
			role = "none"
		}
		status := strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, role, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, role, status).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		if ww.status >= 500 {
			level = slog.LevelError
		}
		loggerFrom(r.Context(), s.logger).Log(r.Context(), level, "http_request",
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"client_ip", clientIP(r),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				loggerFrom(r.Context(), s.logger).Error("panic recovered", "error", rec)
				writeError(w, http.StatusInternalServerError, "internal error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// sessionLabels reads the role and ride id from the matched route.
func sessionLabels(r *http.Request) (role, rideID string) {
	vars := mux.Vars(r)
	return vars["role"], vars["id"]
}

func viewerHeader(role string, r *http.Request) string {
	if role == "passenger" {
		return r.Header.Get("X-Passenger-Id")
	}
	return r.Header.Get("X-Driver-Id")
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
