package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cowrite/internal/auth"
	"cowrite/internal/presence"
	"cowrite/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"redis":    map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingPresence(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		identity, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     identity.Token,
			"userId":    identity.UserID,
			"userName":  identity.UserName,
			"anonymous": identity.Anonymous,
			"expiresAt": identity.ExpiresAt,
		})
		return
	}

	// Share link validation is public: the caller does not have a session
	// membership yet.
	if r.Method == http.MethodPost && r.URL.Path == "/api/share/validate" {
		var body struct {
			Token    string `json:"token"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ValidateShareLink(r.Context(), body.Token, body.Password)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/share/revoke" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RevokeShareLink(r.Context(), body.Token, identity.UserID); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		var body CreateSessionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateSession(r.Context(), identity, body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/teams" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateTeam(r.Context(), identity, body.Name)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/teams" {
		payload, err := s.service.ListTeams(r.Context())
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"teams": payload})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/teams/{id}/members
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "teams" && parts[3] == "members" && r.Method == http.MethodPost {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.AddTeamMember(r.Context(), identity, parts[2], body.UserID); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// /api/documents/{id}/history
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "documents" && parts[3] == "history" && r.Method == http.MethodGet {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		payload, err := s.service.DocumentHistory(r.Context(), parts[2], identity.UserID, limit)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": payload})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions" {
		s.handleSession(w, r, identity, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSession routes /api/sessions/{id}[...]; parts starts with the
// session id.
func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, identity Identity, parts []string) {
	sessionID := parts[0]
	rest := parts[1:]
	ctx := r.Context()

	if len(rest) == 0 && r.Method == http.MethodGet {
		payload, err := s.service.GetSessionSnapshot(ctx, sessionID, identity.UserID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodPost {
		switch rest[0] {
		case "join":
			var body JoinCredential
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.JoinSession(ctx, sessionID, identity, body)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "leave":
			if err := s.service.LeaveSession(ctx, sessionID, identity.UserID); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case "pause":
			payload, err := s.service.PauseSession(ctx, sessionID, identity.UserID)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "resume":
			payload, err := s.service.ResumeSession(ctx, sessionID, identity.UserID)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "end":
			if err := s.service.EndSession(ctx, sessionID, identity.UserID); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case "role":
			var body struct {
				UserID string `json:"userId"`
				Role   string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.ChangeRole(ctx, sessionID, identity.UserID, body.UserID, body.Role)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "members":
			var body AddMemberInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.AddMember(ctx, sessionID, identity.UserID, body)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		case "presence":
			var body struct {
				Line             int                 `json:"line"`
				Column           int                 `json:"column"`
				Selection        *presence.Selection `json:"selection,omitempty"`
				IsTyping         bool                `json:"isTyping"`
				ConnectionStatus string              `json:"connectionStatus"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			err := s.service.UpdatePresence(ctx, sessionID, identity.UserID, presence.State{
				Line:             body.Line,
				Column:           body.Column,
				Selection:        body.Selection,
				IsTyping:         body.IsTyping,
				ConnectionStatus: body.ConnectionStatus,
			})
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
			return
		case "operations":
			var body OperationInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SubmitOperation(ctx, sessionID, identity.UserID, body)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "share":
			var body ShareLinkInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.GenerateShareLink(ctx, sessionID, identity.UserID, body)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		case "edit-mode":
			var body struct {
				EditMode string `json:"editMode"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SetEditMode(ctx, sessionID, identity.UserID, body.EditMode)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "conflict-resolution":
			var body struct {
				ConflictResolution string `json:"conflictResolution"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SetConflictResolution(ctx, sessionID, identity.UserID, body.ConflictResolution)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	if len(rest) == 1 && rest[0] == "presence" && r.Method == http.MethodGet {
		states, err := s.service.ListPresence(ctx, sessionID, identity.UserID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participants": states})
		return
	}

	if len(rest) == 2 && rest[0] == "turn" && r.Method == http.MethodPost {
		switch rest[1] {
		case "request":
			payload, err := s.service.RequestTurn(ctx, sessionID, identity.UserID)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "release":
			if err := s.service.ReleaseTurn(ctx, sessionID, identity.UserID); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	// /api/sessions/{id}/members/{uid}[/approve]
	if len(rest) == 2 && rest[0] == "members" && r.Method == http.MethodDelete {
		if err := s.service.RemoveParticipant(ctx, sessionID, identity.UserID, rest[1]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if len(rest) == 3 && rest[0] == "members" && rest[2] == "approve" && r.Method == http.MethodPost {
		payload, err := s.service.ApproveMember(ctx, sessionID, identity.UserID, rest[1])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Identity{}, false
	}
	identity, err := s.service.IdentityFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Identity{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Identity lookup failed", nil)
		return Identity{}, false
	}
	return identity, true
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
