package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeySubject   contextKey = "subject"

	headerRequestID = "X-Request-ID"
)

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 1 << 20

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID).(string) //nolint:errcheck // empty outside the middleware
	return id
}

// requestIDMiddleware echoes the client's X-Request-ID or assigns a new one.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// loggingMiddleware logs one line per request. The wrapped writer still
// supports Hijack for WebSocket upgrades.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(r),
		)
	})
}

// recoveryMiddleware turns a handler panic into a JSON 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered in HTTP handler",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID(r),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsPolicy is the CORS configuration resolved once per router.
type corsPolicy struct {
	any     bool // "*" listed
	origins map[string]bool
	methods string
	headers string
}

func (s *Server) corsPolicy() corsPolicy {
	p := corsPolicy{
		methods: "GET, POST, OPTIONS",
		headers: "Authorization, Content-Type, " + headerRequestID,
	}
	if m := s.cfg.CORS.AllowedMethods; len(m) > 0 {
		p.methods = strings.Join(m, ", ")
	}
	if h := s.cfg.CORS.AllowedHeaders; len(h) > 0 {
		p.headers = strings.Join(h, ", ")
	}
	p.origins = make(map[string]bool, len(s.cfg.CORS.AllowedOrigins))
	for _, origin := range s.cfg.CORS.AllowedOrigins {
		if origin == "*" {
			p.any = true
		}
		p.origins[origin] = true
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	return p.any || p.origins[origin]
}

// sameOrigin reports whether origin names the host the request was sent to.
func sameOrigin(origin string, r *http.Request) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

// corsMiddleware rejects cross-origin requests from origins that are not
// listed, sets CORS headers for listed ones and answers the remaining
// preflights with 204. Requests without an Origin header pass through.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	policy := s.corsPolicy()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !sameOrigin(origin, r) {
			if !policy.allows(origin) {
				s.logger.Warn("cross-origin request rejected",
					"origin", origin,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID(r),
				)
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", policy.methods)
			h.Set("Access-Control-Allow-Headers", policy.headers)
			h.Set("Access-Control-Max-Age", strconv.Itoa(int((24 * time.Hour).Seconds())))
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
