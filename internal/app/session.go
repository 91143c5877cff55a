package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"cowrite/internal/presence"
	"cowrite/internal/roles"
	"cowrite/internal/store"
)

const defaultMaxParticipants = 10

type ShareSettingsInput struct {
	IsPublic              bool   `json:"isPublic"`
	AllowAnonymous        bool   `json:"allowAnonymous"`
	RequireApproval       bool   `json:"requireApproval"`
	MaxParticipants       int    `json:"maxParticipants"`
	LinkExpirationSeconds int    `json:"linkExpirationSeconds"`
	Password              string `json:"password"`
	DefaultRole           string `json:"defaultRole"`
}

type CreateSessionInput struct {
	DocumentID         string             `json:"documentId"`
	Name               string             `json:"name"`
	EditMode           string             `json:"editMode"`
	ConflictResolution string             `json:"conflictResolution"`
	Settings           ShareSettingsInput `json:"settings"`
}

type JoinCredential struct {
	ShareToken string `json:"shareToken"`
	Password   string `json:"password"`
}

func validEditMode(mode string) bool {
	switch mode {
	case store.EditCollaborative, store.EditTurnBased, store.EditLocked:
		return true
	default:
		return false
	}
}

func validConflictResolution(mode string) bool {
	switch mode {
	case store.ConflictManual, store.ConflictAutomatic, store.ConflictLastWriteWins:
		return true
	default:
		return false
	}
}

func (s *Service) CreateSession(ctx context.Context, identity Identity, input CreateSessionInput) (map[string]any, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, validationError("name is required")
	}
	if strings.TrimSpace(input.DocumentID) == "" {
		return nil, validationError("documentId is required")
	}

	editMode := input.EditMode
	if editMode == "" {
		editMode = store.EditCollaborative
	}
	if !validEditMode(editMode) {
		return nil, validationError("editMode must be one of collaborative, turn-based, locked")
	}
	conflictResolution := input.ConflictResolution
	if conflictResolution == "" {
		conflictResolution = store.ConflictManual
	}
	if !validConflictResolution(conflictResolution) {
		return nil, validationError("conflictResolution must be one of manual, automatic, last-write-wins")
	}

	settings := store.ShareSettings{
		IsPublic:        input.Settings.IsPublic,
		AllowAnonymous:  input.Settings.AllowAnonymous,
		RequireApproval: input.Settings.RequireApproval,
		MaxParticipants: input.Settings.MaxParticipants,
		DefaultRole:     input.Settings.DefaultRole,
	}
	if settings.MaxParticipants == 0 {
		settings.MaxParticipants = defaultMaxParticipants
	}
	if settings.MaxParticipants < 1 {
		return nil, validationError("maxParticipants must be at least 1")
	}
	if settings.DefaultRole == "" {
		settings.DefaultRole = string(roles.RoleEditor)
	}
	if !roles.Valid(settings.DefaultRole) || settings.DefaultRole == string(roles.RoleOwner) {
		return nil, validationError("defaultRole must be one of admin, editor, viewer, guest")
	}
	if input.Settings.LinkExpirationSeconds > 0 {
		settings.LinkExpiration = time.Duration(input.Settings.LinkExpirationSeconds) * time.Second
	} else {
		settings.LinkExpiration = s.cfg.ShareLinkTTL
	}
	if input.Settings.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Settings.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash session password: %w", err)
		}
		settings.PasswordProtected = true
		settings.PasswordHash = string(hash)
	}

	if existing, err := s.store.GetActiveSessionByDocument(ctx, input.DocumentID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, domainError(409, "SESSION_EXISTS", "Document already has an open session", map[string]any{
			"sessionId": existing.ID,
		})
	}

	now := s.now()
	session := store.Session{
		ID:                 uuid.NewString(),
		DocumentID:         input.DocumentID,
		Name:               strings.TrimSpace(input.Name),
		Status:             store.SessionRequested,
		CreatedBy:          identity.UserID,
		EditMode:           editMode,
		ConflictResolution: conflictResolution,
		Settings:           settings,
		CreatedAt:          now,
		LastActivity:       now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	// The creator is the owner from the first instant, keeping the
	// single-owner invariant over the whole session lifetime.
	if err := s.store.InsertParticipant(ctx, store.Participant{
		SessionID:   session.ID,
		UserID:      identity.UserID,
		DisplayName: identity.UserName,
		Role:        string(roles.RoleOwner),
		Status:      store.ParticipantActive,
		JoinedAt:    now,
		LastActive:  now,
	}); err != nil {
		return nil, err
	}

	if err := s.archive.EnsureRepo(session.DocumentID, identity.UserName); err != nil {
		log.Printf("history: ensure archive for %s: %v", session.DocumentID, err)
	}

	s.notify(session.ID, "session.created", identity.UserID, nil)
	return s.sessionSnapshot(ctx, session)
}

func (s *Service) JoinSession(ctx context.Context, sessionID string, identity Identity, credential JoinCredential) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.loadOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	participant, err := s.store.GetParticipant(ctx, sessionID, identity.UserID)
	switch {
	case err == nil:
		switch participant.Status {
		case store.ParticipantActive:
			// Reconnect resumes the existing record; presence is stale
			// until the next update.
			if err := s.store.TouchParticipant(ctx, sessionID, identity.UserID, now); err != nil {
				return nil, err
			}
		case store.ParticipantPending:
			return nil, errPermissionDenied("Membership is awaiting approval")
		case store.ParticipantSuspended:
			if err := s.admitActive(ctx, session); err != nil {
				return nil, err
			}
			if err := s.store.UpdateParticipantStatus(ctx, sessionID, identity.UserID, store.ParticipantActive, now); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, store.ErrNotFound):
		role, pending, token, admitErr := s.admissionRole(ctx, session, identity, credential)
		if admitErr != nil {
			return nil, admitErr
		}
		status := store.ParticipantActive
		if pending {
			status = store.ParticipantPending
		} else if err := s.admitActive(ctx, session); err != nil {
			return nil, err
		}
		// Consume only after admission is certain, so a full session does
		// not burn a single-use invite.
		if token != nil && token.SingleUse {
			if err := s.store.MarkShareTokenUsed(ctx, token.TokenHash, now); err != nil {
				return nil, err
			}
		}
		if err := s.store.InsertParticipant(ctx, store.Participant{
			SessionID:   sessionID,
			UserID:      identity.UserID,
			DisplayName: identity.UserName,
			Role:        role,
			Status:      status,
			JoinedAt:    now,
			LastActive:  now,
		}); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	joined, err := s.store.GetParticipant(ctx, sessionID, identity.UserID)
	if err != nil {
		return nil, err
	}

	if session.Status == store.SessionRequested && joined.Status == store.ParticipantActive {
		if err := s.store.UpdateSessionStatus(ctx, sessionID, store.SessionActive, now); err != nil {
			return nil, err
		}
		session.Status = store.SessionActive
		s.notify(sessionID, "session.activated", identity.UserID, nil)
	} else if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
		return nil, err
	}
	if joined.Status == store.ParticipantActive {
		if err := s.presence.SetConnectionStatus(ctx, sessionID, identity.UserID, presence.StatusConnecting); err != nil {
			log.Printf("presence: register %s in %s: %v", identity.UserID, sessionID, err)
		}
	}
	s.notify(sessionID, "participant.joined", identity.UserID, map[string]any{"role": joined.Role, "status": joined.Status})

	snapshot, err := s.sessionSnapshot(ctx, session)
	if err != nil {
		return nil, err
	}
	snapshot["you"] = participantView(joined)
	return snapshot, nil
}

// admissionRole decides the role a new joiner gets. A presented share token
// is validated but not consumed here; the caller marks single-use tokens
// used once admission succeeds. Private sessions admit nobody without a
// valid token, and anonymous identities need the session to opt in.
func (s *Service) admissionRole(ctx context.Context, session store.Session, identity Identity, credential JoinCredential) (role string, pending bool, token *store.ShareToken, err error) {
	if identity.Anonymous && !session.Settings.AllowAnonymous {
		return "", false, nil, errPermissionDenied("Session does not admit anonymous participants")
	}
	if credential.ShareToken != "" {
		grant, err := s.shareTokenForJoin(ctx, session.ID, credential.ShareToken, credential.Password)
		if err != nil {
			return "", false, nil, err
		}
		return grant.DefaultRole, session.Settings.RequireApproval, &grant, nil
	}
	if !session.Settings.IsPublic {
		return "", false, nil, errPermissionDenied("Session is private; a valid invite or share link is required")
	}
	if session.Settings.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(session.Settings.PasswordHash), []byte(credential.Password)) != nil {
			return "", false, nil, errPermissionDenied("Session password is incorrect")
		}
	}
	return session.Settings.DefaultRole, session.Settings.RequireApproval, nil, nil
}

// admitActive enforces the capacity invariant. Callers hold the session lock.
func (s *Service) admitActive(ctx context.Context, session store.Session) error {
	count, err := s.store.CountActiveParticipants(ctx, session.ID)
	if err != nil {
		return err
	}
	if count >= session.Settings.MaxParticipants {
		return errSessionFull(session.Settings.MaxParticipants)
	}
	return nil
}

func (s *Service) LeaveSession(ctx context.Context, sessionID, userID string) error {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return s.leaveLocked(ctx, state, sessionID, userID)
}

// leaveLocked removes a participant; callers hold the session lock. Double
// leave and leave-after-end are both no-ops.
func (s *Service) leaveLocked(ctx context.Context, state *sessionState, sessionID, userID string) error {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == store.SessionEnded {
		return nil
	}
	now := s.now()

	participant, err := s.store.GetParticipant(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if participant.Role == string(roles.RoleOwner) {
		successor, found, err := s.oldestActiveParticipant(ctx, sessionID, userID)
		if err != nil {
			return err
		}
		if found {
			if err := s.store.UpdateParticipantRole(ctx, sessionID, successor.UserID, string(roles.RoleOwner)); err != nil {
				return err
			}
			if err := s.store.DeleteParticipant(ctx, sessionID, userID); err != nil {
				return err
			}
			s.notify(sessionID, "ownership.transferred", successor.UserID, map[string]any{"from": userID})
		} else {
			// Last one out keeps the owner record, suspended, so the
			// single-owner invariant holds until the reaper ends the
			// session.
			if err := s.store.UpdateParticipantStatus(ctx, sessionID, userID, store.ParticipantSuspended, now); err != nil {
				return err
			}
		}
	} else if err := s.store.DeleteParticipant(ctx, sessionID, userID); err != nil {
		return err
	}

	if state.turnHolder == userID {
		state.turnHolder = ""
		state.turnSince = time.Time{}
	}
	if err := s.presence.Remove(ctx, sessionID, userID); err != nil {
		log.Printf("presence: remove %s from %s: %v", userID, sessionID, err)
	}
	if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
		return err
	}
	s.notify(sessionID, "participant.left", userID, nil)
	return nil
}

func (s *Service) oldestActiveParticipant(ctx context.Context, sessionID, excludeUserID string) (store.Participant, bool, error) {
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return store.Participant{}, false, err
	}
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	for _, p := range participants {
		if p.UserID == excludeUserID || p.Status != store.ParticipantActive {
			continue
		}
		return p, true, nil
	}
	return store.Participant{}, false, nil
}

func (s *Service) PauseSession(ctx context.Context, sessionID, byUser string) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.requireManage(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	if session.Status != store.SessionActive {
		return nil, invalidState("only an active session can be paused")
	}
	now := s.now()
	if err := s.store.UpdateSessionStatus(ctx, sessionID, store.SessionPaused, now); err != nil {
		return nil, err
	}
	session.Status = store.SessionPaused
	session.LastActivity = now
	s.notify(sessionID, "session.paused", byUser, nil)
	return s.sessionSnapshot(ctx, session)
}

func (s *Service) ResumeSession(ctx context.Context, sessionID, byUser string) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.requireManage(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	if session.Status != store.SessionPaused {
		return nil, invalidState("only a paused session can be resumed")
	}
	now := s.now()
	if err := s.store.UpdateSessionStatus(ctx, sessionID, store.SessionActive, now); err != nil {
		return nil, err
	}
	session.Status = store.SessionActive
	session.LastActivity = now
	s.notify(sessionID, "session.resumed", byUser, nil)
	return s.sessionSnapshot(ctx, session)
}

func (s *Service) EndSession(ctx context.Context, sessionID, byUser string) error {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == store.SessionEnded {
		// Idempotent under concurrent/duplicate invocation.
		return nil
	}
	actor, err := s.activeParticipant(ctx, sessionID, byUser)
	if err != nil {
		return err
	}
	if !roles.Can(roles.Normalize(actor.Role), roles.CapManage) {
		return errPermissionDenied("Ending a session requires the manage capability")
	}
	return s.endLocked(ctx, state, session, actor.DisplayName)
}

// endLocked performs the terminal transition. Callers hold the session lock
// and have already authorized the actor (the reaper acts as the system).
func (s *Service) endLocked(ctx context.Context, state *sessionState, session store.Session, actorName string) error {
	now := s.now()

	if snapshot, err := s.replication.Snapshot(ctx, session.DocumentID); err != nil {
		log.Printf("replication: snapshot %s on end: %v", session.DocumentID, err)
	} else if _, err := s.archive.CommitSnapshot(session.DocumentID, snapshot, actorName, fmt.Sprintf("End session %s", session.ID)); err != nil {
		log.Printf("history: archive snapshot for %s: %v", session.DocumentID, err)
	}

	if err := s.store.UpdateSessionStatus(ctx, session.ID, store.SessionEnded, now); err != nil {
		return err
	}
	if err := s.presence.Clear(ctx, session.ID); err != nil {
		log.Printf("presence: clear session %s: %v", session.ID, err)
	}

	state.turnHolder = ""
	state.turnSince = time.Time{}

	s.notify(session.ID, "session.ended", "", nil)
	s.closeObservers(session.ID)
	s.dropSessionLock(session.ID)
	return nil
}

func (s *Service) requireManage(ctx context.Context, sessionID, byUser string) (store.Session, error) {
	session, err := s.loadOpenSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	actor, err := s.activeParticipant(ctx, sessionID, byUser)
	if err != nil {
		return store.Session{}, err
	}
	if !roles.Can(roles.Normalize(actor.Role), roles.CapManage) {
		return store.Session{}, errPermissionDenied("Operation requires the manage capability")
	}
	return session, nil
}

func (s *Service) GetSessionSnapshot(ctx context.Context, sessionID, byUser string) (map[string]any, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetParticipant(ctx, sessionID, byUser); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errPermissionDenied("Only participants can view the session")
		}
		return nil, err
	}
	return s.sessionSnapshot(ctx, session)
}

func (s *Service) sessionSnapshot(ctx context.Context, session store.Session) (map[string]any, error) {
	participants, err := s.store.ListParticipants(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView(p))
	}
	return map[string]any{
		"id":                 session.ID,
		"documentId":         session.DocumentID,
		"name":               session.Name,
		"status":             session.Status,
		"createdBy":          session.CreatedBy,
		"editMode":           session.EditMode,
		"conflictResolution": session.ConflictResolution,
		"settings": map[string]any{
			"isPublic":          session.Settings.IsPublic,
			"allowAnonymous":    session.Settings.AllowAnonymous,
			"requireApproval":   session.Settings.RequireApproval,
			"maxParticipants":   session.Settings.MaxParticipants,
			"linkExpirationSec": int(session.Settings.LinkExpiration / time.Second),
			"passwordProtected": session.Settings.PasswordProtected,
			"defaultRole":       session.Settings.DefaultRole,
		},
		"createdAt":    session.CreatedAt,
		"lastActivity": session.LastActivity,
		"participants": views,
	}, nil
}

func participantView(p store.Participant) map[string]any {
	return map[string]any{
		"userId":       p.UserID,
		"displayName":  p.DisplayName,
		"role":         p.Role,
		"status":       p.Status,
		"joinedAt":     p.JoinedAt,
		"lastActive":   p.LastActive,
		"capabilities": roles.CapabilitiesFor(roles.Normalize(p.Role)),
	}
}
