// Package controller exposes the scan engine over HTTP: message checks,
// liveness and metrics, behind recovery, timeout and rate-limit
// middleware; /checkv2 also checks a shared-secret password.
package controller

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sievemail/scan_engine/internal/engine"
	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/pkg/logger"
	"github.com/sievemail/scan_engine/pkg/metrics"
)

// Config holds controller configuration.
type Config struct {
	Engine   *engine.Engine
	Password string

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	RequestTimeout time.Duration

	Log *logger.Logger
}

// Server is the HTTP submission surface.
type Server struct {
	cfg    Config
	log    *logger.Logger
	router *mux.Router
}

// New creates the controller and registers its routes.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, log: cfg.Log, router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/ping", s.handlePing).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/checkv2", s.handleCheck).Methods("POST")
}

// Handler returns the middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.cfg.RateLimitEnabled {
		h = NewRateLimitMiddleware(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow).Handler(h)
	}
	h = NewTimeoutMiddleware(s.cfg.RequestTimeout).Handler(h)
	h = NewRecoveryMiddleware(s.log).Handler(h)
	h = observeMiddleware(h)
	return h
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong\n"))
}

// checkRequest is the submission wire format.
type checkRequest struct {
	Message struct {
		Subject string              `json:"subject"`
		From    string              `json:"from"`
		Headers map[string][]string `json:"headers"`
		Body    string              `json:"body"`
	} `json:"message"`
	Envelope   scan.Envelope   `json:"envelope"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	DeadlineMS int64           `json:"deadline_ms,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed submission: "+err.Error())
		return
	}

	sub := engine.Submission{
		Message: &scan.Message{
			Subject: req.Message.Subject,
			From:    req.Message.From,
			Headers: req.Message.Headers,
			Body:    []byte(req.Message.Body),
		},
		Envelope: req.Envelope,
		Settings: req.Settings,
	}
	if req.DeadlineMS > 0 {
		sub.Deadline = time.Duration(req.DeadlineMS) * time.Millisecond
	}

	reply, err := s.cfg.Engine.Check(r.Context(), sub)
	if err != nil {
		s.log.WithError(err).Error("scan failed")
		writeError(w, http.StatusServiceUnavailable, "scan failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.log.WithError(err).Error("reply encoding failed")
	}
}

// authorized checks the shared-secret Password header when configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Password == "" {
		return true
	}
	given := r.Header.Get("Password")
	return subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.Password)) == 1
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
