package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter mounts every route under /api/v1. Health and the WebSocket
// upgrade sit outside the bearer group; the upgrade checks its own ticket.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(
		s.requestIDMiddleware,
		s.loggingMiddleware,
		s.recoveryMiddleware,
		s.corsMiddleware,
		middleware.RequestSize(maxRequestBodySize),
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get(wsPath(s.wsCfg.Path), s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/metrics", s.handleMetrics)
			r.Get("/history", s.handleListHistory)
			r.Post("/discovery/restart", s.handleRestartDiscovery)

			r.Get("/catalog", s.handleGetCatalog)
			r.Post("/catalog/refresh", s.handleRefreshCatalog)

			r.Route("/monitor", func(r chi.Router) {
				r.Get("/", s.handleMonitorStatus)
				r.Post("/send", s.handleMonitorSend)
				r.Post("/disconnect", s.handleMonitorDisconnect)
			})

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/filtered", s.handleListFiltered)
				r.Post("/rescan", s.handleRescan)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Post("/flash", s.handleFlash)
					r.Post("/erase", s.handleErase)
					r.Post("/config", s.handlePushConfig)
					r.Post("/batch", s.handleBatchUpload)
					r.Post("/logging", s.handleEnableLogging)
					r.Post("/monitor", s.handleMonitorConnect)
				})
			})
		})
	})

	return r
}

// wsPath returns the configured WebSocket route, or /ws when it is unset
// or not absolute.
func wsPath(p string) string {
	if len(p) > 1 && p[0] == '/' {
		return p
	}
	return "/ws"
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
