package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cowrite/internal/replication"
	"cowrite/internal/roles"
	"cowrite/internal/store"
)

type OperationInput struct {
	Line    int             `json:"line"`
	Column  int             `json:"column"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Service) SetEditMode(ctx context.Context, sessionID, byUser, mode string) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.requireManage(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	if !validEditMode(mode) {
		return nil, validationError("editMode must be one of collaborative, turn-based, locked")
	}

	now := s.now()
	if err := s.store.UpdateSessionModes(ctx, sessionID, mode, session.ConflictResolution, now); err != nil {
		return nil, err
	}
	if mode != store.EditTurnBased {
		// The turn token only means something in turn-based mode.
		state.turnHolder = ""
		state.turnSince = time.Time{}
	}
	session.EditMode = mode
	session.LastActivity = now
	s.notify(sessionID, "mode.changed", byUser, map[string]any{"editMode": mode})
	return s.sessionSnapshot(ctx, session)
}

func (s *Service) SetConflictResolution(ctx context.Context, sessionID, byUser, mode string) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.requireManage(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	if !validConflictResolution(mode) {
		return nil, validationError("conflictResolution must be one of manual, automatic, last-write-wins")
	}

	now := s.now()
	if err := s.store.UpdateSessionModes(ctx, sessionID, session.EditMode, mode, now); err != nil {
		return nil, err
	}
	session.ConflictResolution = mode
	session.LastActivity = now
	s.notify(sessionID, "mode.changed", byUser, map[string]any{"conflictResolution": mode})
	return s.sessionSnapshot(ctx, session)
}

// RequestTurn acquires the exclusive write permit in turn-based mode. A
// token idle past the reclaim timeout is taken over; a live token is not.
func (s *Service) RequestTurn(ctx context.Context, sessionID, byUser string) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.loadOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.EditMode != store.EditTurnBased {
		return nil, invalidState("session is not in turn-based mode")
	}
	actor, err := s.activeParticipant(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	if !roles.Can(roles.Normalize(actor.Role), roles.CapWrite) {
		return nil, errPermissionDenied("Taking a turn requires the write capability")
	}

	now := s.now()
	if state.turnHolder != "" && state.turnHolder != byUser {
		if now.Sub(state.turnSince) < s.cfg.TurnIdleReclaim {
			return nil, domainError(http.StatusConflict, "TURN_HELD", "Turn is held by another participant", map[string]any{
				"holder": state.turnHolder,
			})
		}
		s.notify(sessionID, "turn.reclaimed", state.turnHolder, nil)
	}
	state.turnHolder = byUser
	state.turnSince = now
	s.notify(sessionID, "turn.granted", byUser, nil)
	return map[string]any{"holder": byUser, "since": now}, nil
}

// ReleaseTurn is idempotent for the holder; a manage-capable participant may
// force-release someone else's token.
func (s *Service) ReleaseTurn(ctx context.Context, sessionID, byUser string) error {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, err := s.loadOpenSession(ctx, sessionID); err != nil {
		return err
	}
	actor, err := s.activeParticipant(ctx, sessionID, byUser)
	if err != nil {
		return err
	}
	if state.turnHolder == "" {
		return nil
	}
	if state.turnHolder != byUser && !roles.Can(roles.Normalize(actor.Role), roles.CapManage) {
		return errPermissionDenied("Only the holder or a manager can release the turn")
	}
	released := state.turnHolder
	state.turnHolder = ""
	state.turnSince = time.Time{}
	s.notify(sessionID, "turn.released", released, map[string]any{"by": byUser})
	return nil
}

// SubmitOperation gates a document mutation through the edit-mode and
// conflict-resolution policy before delegating to the replication adapter.
// Admission is serialized per session; the adapter tolerates concurrency
// after admission.
func (s *Service) SubmitOperation(ctx context.Context, sessionID, byUser string, input OperationInput) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.loadOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == store.SessionPaused {
		return nil, errMutationRejected(RejectLocked)
	}
	actor, err := s.activeParticipant(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}

	role := roles.Normalize(actor.Role)
	if session.EditMode == store.EditLocked && role != roles.RoleOwner {
		// Locked overrides the assigned role for everyone but the owner.
		return nil, errMutationRejected(RejectLocked)
	}
	if !roles.Can(role, roles.CapWrite) {
		return nil, errMutationRejected(RejectInsufficientRole)
	}

	now := s.now()
	if session.EditMode == store.EditTurnBased {
		if state.turnHolder != byUser {
			return nil, errMutationRejected(RejectWrongTurn)
		}
		// Activity keeps the token from going idle.
		state.turnSince = now
	}

	op := replication.Operation{
		SessionID:   sessionID,
		DocumentID:  session.DocumentID,
		UserID:      byUser,
		Line:        input.Line,
		Column:      input.Column,
		Payload:     input.Payload,
		SubmittedAt: now,
	}
	result, err := s.replication.Submit(ctx, op)
	if err != nil {
		return nil, domainError(http.StatusServiceUnavailable, "REPLICATION_UNAVAILABLE", "Replication engine is unreachable", nil)
	}

	if err := s.store.TouchParticipant(ctx, sessionID, byUser, now); err != nil {
		return nil, err
	}
	if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
		return nil, err
	}

	response := map[string]any{"applied": result.Applied}
	switch session.ConflictResolution {
	case store.ConflictManual:
		// Ambiguity goes back to the submitter for user resolution.
		if len(result.Conflicts) > 0 {
			response["conflicts"] = result.Conflicts
		}
	case store.ConflictAutomatic, store.ConflictLastWriteWins:
		// Structural merge applies silently; last-write-wins additionally
		// relies on the SubmittedAt stamp to order competing operations.
	}
	s.notify(sessionID, "operation.applied", byUser, nil)
	return response, nil
}
