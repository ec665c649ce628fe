package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"carelink/internal/ratelimit"
	"carelink/internal/usertoken"
	"carelink/internal/util"
	"carelink/pkg/domain"
	"carelink/services/chat/internal/app"
	"carelink/services/chat/internal/familyclient"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Families      *familyclient.Client
	TokenVerifier *usertoken.Verifier
	Limiter       *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app           *app.App
	families      *familyclient.Client
	tokenVerifier *usertoken.Verifier
	limiter       *ratelimit.FixedWindowLimiter
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		families:      cfg.Families,
		tokenVerifier: cfg.TokenVerifier,
		limiter:       cfg.Limiter,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("chat", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/chats", s.withMember(s.handleChats))
	s.mux.Handle("/conversations", s.withMember(s.handleConversations))
	s.mux.Handle("/conversations/", s.withMember(s.handleConversationByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type memberHandler func(http.ResponseWriter, *http.Request, string, string, domain.FamilyRole)

// withMember authenticates the caller and resolves their role within the
// target family before any handler runs.
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
		familyID := strings.TrimSpace(r.URL.Query().Get("familyId"))
		if familyID == "" && r.Method == http.MethodPost {
			familyID = familyIDFromBody(r)
		}
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
		next(w, r, userID, familyID, role)
	})
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, userID, familyID string, role domain.FamilyRole) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	result, err := s.app.AppendTurn(r.Context(), app.TurnInput{
		FamilyID:           familyID,
		ConversationID:     req.ConversationID,
		UserID:             userID,
		Role:               role,
		Content:            req.Message,
		RetrievalRequested: req.RetrievalRequested,
		ClientKey:          req.IdempotencyToken,
	})
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, _, familyID string, _ domain.FamilyRole) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.ListConversations(familyID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list conversations failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, userID, familyID string, _ domain.FamilyRole) {
	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case sub == "messages" && r.Method == http.MethodGet:
		items, err := s.app.ListMessages(familyID, id, 0)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
	case sub == "rename" && r.Method == http.MethodPost:
		var req renameRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.Rename(familyID, id, req.Title); err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
	case sub == "archive" && r.Method == http.MethodPost:
		if err := s.app.Archive(familyID, id, userID); err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
	default:
		methodNotAllowed(w)
	}
}

type chatRequest struct {
	FamilyID           string `json:"familyId"`
	ConversationID     string `json:"conversationId"`
	Message            string `json:"message"`
	RetrievalRequested bool   `json:"retrievalRequested"`
	IdempotencyToken   string `json:"idempotencyToken"`
}

type renameRequest struct {
	Title string `json:"title"`
}

// familyIDFromBody peeks the JSON body for familyId and restores the body
// for the handler's own decode.
func familyIDFromBody(r *http.Request) string {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(strings.NewReader(string(data)))
	var probe struct {
		FamilyID string `json:"familyId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.FamilyID)
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrConversationNotFound), errors.Is(err, app.ErrFamilyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrEmptyTitle):
		writeError(w, http.StatusBadRequest, err.Error())
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
