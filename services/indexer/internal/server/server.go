package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"carelink/internal/servicetoken"
	"carelink/internal/util"
	"carelink/services/indexer/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *servicetoken.Verifier
}

// Server exposes internal HTTP endpoints for the indexer service.
type Server struct {
	app      *app.App
	verifier *servicetoken.Verifier
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		verifier: cfg.TokenVerifier,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithRequestID(util.WithRequestLog("indexer", s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/internal/indexing/jobs", s.withInternal(s.handleJobs))
	s.mux.Handle("/internal/indexing/jobs/", s.withInternal(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withInternal requires a signed service token from another backend
// service. These routes are never reachable by end users.
func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		slog.Debug("internal request", "issuer", claims.Issuer, "path", r.URL.Path)
		next(w, r)
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req indexRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.FileID) == "" {
		writeError(w, http.StatusBadRequest, "fileId is required")
		return
	}
	job, err := s.app.Enqueue(r.Context(), req.FileID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/internal/indexing/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	job, ok := s.app.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type indexRequest struct {
	FileID string `json:"fileId"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
