// Package api exposes the engine's operational HTTP surface: manual tick
// trigger, scheduler status, pending reservations, the open-tracking
// pixel, and the signed unsubscribe link.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server wires handlers to their dependencies.
type Server struct {
	scheduler  *SchedulerHandler
	tracking   *TrackingHandler
	adminToken string
}

func NewServer(scheduler *SchedulerHandler, tracking *TrackingHandler, adminToken string, corsOrigins []string) http.Handler {
	s := &Server{scheduler: scheduler, tracking: tracking, adminToken: adminToken}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.handleHealth)

	// Public, token-signed URLs embedded in outgoing mail.
	r.Get("/t/open/{sendLogID}", s.tracking.HandleOpen)
	r.Get("/unsubscribe/{leadID}", s.tracking.HandleUnsubscribe)

	// Admin-only scheduler operations.
	r.Route("/scheduler", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/trigger", s.scheduler.HandleTrigger)
		r.Get("/status", s.scheduler.HandleStatus)
		r.Get("/pending", s.scheduler.HandlePending)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// requireAdmin checks the bearer token configured for ops access.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("Authorization") != "Bearer "+s.adminToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
