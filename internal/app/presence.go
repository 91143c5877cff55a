package app

import (
	"context"
	"errors"

	"cowrite/internal/presence"
	"cowrite/internal/store"
)

// UpdatePresence is the best-effort channel: malformed input is dropped by
// the broadcaster, and only transport failures reach the caller.
func (s *Service) UpdatePresence(ctx context.Context, sessionID, userID string, state presence.State) error {
	session, err := s.loadOpenSession(ctx, sessionID)
	if err != nil {
		return err
	}
	participant, err := s.store.GetParticipant(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errParticipantNotFound()
		}
		return err
	}
	if participant.Status != store.ParticipantActive {
		// Pending and suspended members are invisible.
		return errPermissionDenied("Membership is not active")
	}

	state.UserID = userID
	if err := s.presence.Update(ctx, session.ID, state); err != nil {
		return err
	}
	return s.store.TouchParticipant(ctx, sessionID, userID, s.now())
}

// ListPresence returns the visible participants: entries fresher than the
// fade timeout, typing flags already aged out where applicable.
func (s *Service) ListPresence(ctx context.Context, sessionID, byUser string) ([]presence.State, error) {
	if _, err := s.loadOpenSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetParticipant(ctx, sessionID, byUser); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errPermissionDenied("Only participants can view presence")
		}
		return nil, err
	}
	return s.presence.List(ctx, sessionID)
}

// SetReplicationStatus mirrors replication connectivity into every open
// session's presence view. Wired to the resubscriber's status hook.
func (s *Service) SetReplicationStatus(ctx context.Context, connected bool) {
	status := presence.StatusConnected
	if !connected {
		status = presence.StatusDisconnected
	}
	sessions, err := s.store.ListOpenSessions(ctx)
	if err != nil {
		return
	}
	for _, session := range sessions {
		states, err := s.presence.List(ctx, session.ID)
		if err != nil {
			continue
		}
		for _, state := range states {
			_ = s.presence.SetConnectionStatus(ctx, session.ID, state.UserID, status)
		}
	}
}
