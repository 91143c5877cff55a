package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cowrite/internal/auth"
	"cowrite/internal/roles"
	"cowrite/internal/store"
	"cowrite/internal/util"
)

type ShareLinkInput struct {
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	Password         string `json:"password"`
	SingleUse        bool   `json:"singleUse"`
	Role             string `json:"role"`
}

func hashShareToken(raw string) string {
	return auth.HashToken(raw)
}

// GenerateShareLink mints an opaque token bound to the session. Only the
// hash is persisted; the raw value appears once, in this response.
func (s *Service) GenerateShareLink(ctx context.Context, sessionID, byUser string, input ShareLinkInput) (map[string]any, error) {
	session, err := s.loadOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	actor, err := s.activeParticipant(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	if !roles.Can(roles.Normalize(actor.Role), roles.CapShare) {
		return nil, errPermissionDenied("Generating a share link requires the share capability")
	}

	role := input.Role
	if role == "" {
		role = session.Settings.DefaultRole
	}
	if !roles.Valid(role) || role == string(roles.RoleOwner) {
		return nil, validationError("role must be one of admin, editor, viewer, guest")
	}

	now := s.now()
	ttl := session.Settings.LinkExpiration
	if input.ExpiresInSeconds > 0 {
		ttl = time.Duration(input.ExpiresInSeconds) * time.Second
	}
	var expiresAt *time.Time
	if ttl > 0 {
		at := now.Add(ttl)
		expiresAt = &at
	}

	token := store.ShareToken{
		TokenHash:   "",
		SessionID:   sessionID,
		CreatedBy:   byUser,
		DefaultRole: role,
		ExpiresAt:   expiresAt,
		SingleUse:   input.SingleUse,
		CreatedAt:   now,
	}
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash share password: %w", err)
		}
		token.PasswordHash = string(hash)
	}

	raw := util.NewID("shr")
	token.TokenHash = hashShareToken(raw)
	if err := s.store.InsertShareToken(ctx, token); err != nil {
		return nil, err
	}

	response := map[string]any{
		"token":       raw,
		"url":         fmt.Sprintf("%s/%s", strings.TrimRight(s.cfg.ShareBaseURL, "/"), raw),
		"sessionId":   sessionID,
		"defaultRole": role,
		"singleUse":   input.SingleUse,
	}
	if expiresAt != nil {
		response["expiresAt"] = *expiresAt
	}
	return response, nil
}

// checkShareToken runs the shared validation chain without consuming the
// token.
func (s *Service) checkShareToken(ctx context.Context, raw, password string) (store.ShareToken, error) {
	token, err := s.store.GetShareToken(ctx, hashShareToken(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ShareToken{}, errInvalidShareLink(ShareNotFound)
		}
		return store.ShareToken{}, err
	}
	if token.Revoked {
		return store.ShareToken{}, errInvalidShareLink(ShareRevoked)
	}
	now := s.now()
	if token.ExpiresAt != nil && !now.Before(*token.ExpiresAt) {
		return store.ShareToken{}, errInvalidShareLink(ShareExpired)
	}
	if token.SingleUse && token.UsedAt != nil {
		return store.ShareToken{}, errInvalidShareLink(ShareExpired)
	}
	if token.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(token.PasswordHash), []byte(password)); err != nil {
			return store.ShareToken{}, errInvalidShareLink(ShareInvalidPassword)
		}
	}
	return token, nil
}

// ValidateShareLink is read-only; single-use tokens are consumed on join,
// not here, so a client can preview a link before committing.
func (s *Service) ValidateShareLink(ctx context.Context, raw, password string) (map[string]any, error) {
	token, err := s.checkShareToken(ctx, raw, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId":   token.SessionID,
		"defaultRole": token.DefaultRole,
		"singleUse":   token.SingleUse,
	}, nil
}

// shareTokenForJoin validates a presented token against the session being
// joined. It never consumes the token; join marks single-use tokens used
// only after the capacity check passes. Callers hold the session lock.
func (s *Service) shareTokenForJoin(ctx context.Context, sessionID, raw, password string) (store.ShareToken, error) {
	token, err := s.checkShareToken(ctx, raw, password)
	if err != nil {
		return store.ShareToken{}, err
	}
	if token.SessionID != sessionID {
		return store.ShareToken{}, errInvalidShareLink(ShareNotFound)
	}
	return token, nil
}

func (s *Service) RevokeShareLink(ctx context.Context, raw, byUser string) error {
	token, err := s.store.GetShareToken(ctx, hashShareToken(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errInvalidShareLink(ShareNotFound)
		}
		return err
	}
	if _, err := s.requireManage(ctx, token.SessionID, byUser); err != nil {
		return err
	}
	if err := s.store.RevokeShareToken(ctx, token.TokenHash); err != nil {
		return err
	}
	s.notify(token.SessionID, "share.revoked", byUser, nil)
	return nil
}
