package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"carelink/internal/usertoken"
	"carelink/internal/util"
	"carelink/pkg/domain"
	"carelink/services/library/internal/app"
	"carelink/services/library/internal/familyclient"
)

const maxMultipartMemory = 8 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Families      *familyclient.Client
	TokenVerifier *usertoken.Verifier
}

// Server exposes HTTP endpoints for the library service.
type Server struct {
	app           *app.App
	families      *familyclient.Client
	tokenVerifier *usertoken.Verifier
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		families:      cfg.Families,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("library", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/files", s.withMember(s.handleFiles))
	s.mux.Handle("/files/", s.withMember(s.handleFileByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type memberHandler func(http.ResponseWriter, *http.Request, string, string, domain.Capabilities)

// withMember authenticates the caller, resolves the target family from the
// request, and hands the handler the caller's capabilities within it.
func (s *Server) withMember(next memberHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		familyID := familyIDFromRequest(r)
		if familyID == "" {
			writeError(w, http.StatusBadRequest, "familyId is required")
			return
		}
		role, member, err := s.families.MemberRole(r.Context(), familyID, userID)
		if err != nil {
			writeMembershipError(w, err)
			return
		}
		if !member || !role.Capabilities().CanRead {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, userID, familyID, role.Capabilities())
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, userID, familyID string, caps domain.Capabilities) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, userID, familyID, caps)
	case http.MethodGet:
		files, err := s.app.ListFiles(familyID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list files failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID, familyID string, caps domain.Capabilities) {
	if !caps.CanUploadFiles {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	formFile, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer formFile.Close()
	data, err := io.ReadAll(formFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file failed")
		return
	}
	file, err := s.app.Ingest(r.Context(), familyID, userID, header.Filename, r.FormValue("category"), data)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, _, familyID string, caps domain.Capabilities) {
	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		file, err := s.app.GetFile(familyID, id)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, file)
	case sub == "" && r.Method == http.MethodDelete:
		if !caps.CanManageFiles {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if err := s.app.DeleteFile(r.Context(), familyID, id); err != nil {
			writeIngestError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case sub == "download" && r.Method == http.MethodGet:
		url, err := s.app.DownloadURL(r.Context(), familyID, id)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	default:
		methodNotAllowed(w)
	}
}

func familyIDFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("familyId")); v != "" {
		return v
	}
	if r.Method == http.MethodPost {
		// multipart field; ParseMultipartForm has not run yet for uploads,
		// so fall back to the form value after a bounded parse.
		if err := r.ParseMultipartForm(maxMultipartMemory); err == nil {
			return strings.TrimSpace(r.FormValue("familyId"))
		}
	}
	return ""
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeIngestError(w http.ResponseWriter, err error) {
	var dup *app.DuplicateContentError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":           "duplicate content",
			"conflictingFile": dup.Filename,
		})
	case errors.Is(err, app.ErrFileNotFound), errors.Is(err, app.ErrFamilyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeMembershipError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*familyclient.APIError); ok {
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "membership service unavailable")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
