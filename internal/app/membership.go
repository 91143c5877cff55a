package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"cowrite/internal/roles"
	"cowrite/internal/store"
	"cowrite/internal/util"
)

type AddMemberInput struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

func (s *Service) ChangeRole(ctx context.Context, sessionID, byUser, targetUser, newRole string) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, err := s.requireManage(ctx, sessionID, byUser); err != nil {
		return nil, err
	}
	if !roles.Valid(newRole) {
		return nil, validationError("role must be one of admin, editor, viewer, guest")
	}
	if newRole == string(roles.RoleOwner) {
		return nil, validationError("the owner role cannot be assigned; it transfers when the owner leaves")
	}

	target, err := s.store.GetParticipant(ctx, sessionID, targetUser)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errParticipantNotFound()
		}
		return nil, err
	}
	if target.Role == string(roles.RoleOwner) {
		return nil, errPermissionDenied("The owner's role cannot be changed")
	}

	if err := s.store.UpdateParticipantRole(ctx, sessionID, targetUser, newRole); err != nil {
		return nil, err
	}
	target.Role = newRole
	s.notify(sessionID, "role.changed", targetUser, map[string]any{"role": newRole, "by": byUser})
	return participantView(target), nil
}

// RemoveParticipant drops another participant. Removing someone who already
// left is a no-op; self-removal must go through LeaveSession.
func (s *Service) RemoveParticipant(ctx context.Context, sessionID, byUser, targetUser string) error {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, err := s.requireManage(ctx, sessionID, byUser); err != nil {
		return err
	}
	if byUser == targetUser {
		return validationError("use leave to remove yourself")
	}

	target, err := s.store.GetParticipant(ctx, sessionID, targetUser)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if target.Role == string(roles.RoleOwner) {
		return errPermissionDenied("The owner cannot be removed")
	}

	if err := s.store.DeleteParticipant(ctx, sessionID, targetUser); err != nil {
		return err
	}
	if state.turnHolder == targetUser {
		state.turnHolder = ""
	}
	if err := s.presence.Remove(ctx, sessionID, targetUser); err != nil {
		log.Printf("presence: remove %s from %s: %v", targetUser, sessionID, err)
	}
	if err := s.store.TouchSession(ctx, sessionID, s.now()); err != nil {
		return err
	}
	s.notify(sessionID, "participant.removed", targetUser, map[string]any{"by": byUser})
	return nil
}

// AddMember invites or directly adds a user. Inviting needs the share
// capability; with requireApproval set the member starts pending and stays
// out of the active count until approved.
func (s *Service) AddMember(ctx context.Context, sessionID, byUser string, input AddMemberInput) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.loadOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	actor, err := s.activeParticipant(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	actorRole := roles.Normalize(actor.Role)
	if !roles.Can(actorRole, roles.CapShare) && !roles.Can(actorRole, roles.CapManage) {
		return nil, errPermissionDenied("Adding members requires the share or manage capability")
	}

	role := input.Role
	if role == "" {
		role = session.Settings.DefaultRole
	}
	if !roles.Valid(role) || role == string(roles.RoleOwner) {
		return nil, validationError("role must be one of admin, editor, viewer, guest")
	}

	user, err := s.resolveUser(ctx, input)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetParticipant(ctx, sessionID, user.ID); err == nil {
		return nil, domainError(409, "ALREADY_MEMBER", "User is already a session member", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	status := store.ParticipantActive
	if session.Settings.RequireApproval {
		status = store.ParticipantPending
	} else if err := s.admitActive(ctx, session); err != nil {
		return nil, err
	}

	member := store.Participant{
		SessionID:   sessionID,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Role:        role,
		Status:      status,
		JoinedAt:    now,
		LastActive:  now,
	}
	if err := s.store.InsertParticipant(ctx, member); err != nil {
		return nil, err
	}
	if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
		return nil, err
	}
	s.notify(sessionID, "member.added", user.ID, map[string]any{"role": role, "status": status, "by": byUser})

	if input.Email != "" && s.mail.IsConfigured() {
		s.deliverInvite(ctx, session, actor, input.Email, role)
	}
	return participantView(member), nil
}

func (s *Service) resolveUser(ctx context.Context, input AddMemberInput) (store.User, error) {
	if input.UserID != "" {
		user, err := s.store.GetUserByID(ctx, input.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, validationError("unknown userId")
		}
		return user, err
	}
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		name = strings.TrimSpace(input.Email)
	}
	if name == "" {
		return store.User{}, validationError("userId, displayName, or email is required")
	}
	return s.store.EnsureUserByName(ctx, name)
}

// deliverInvite generates a single-use share link for the invitee and hands
// it to the delivery channel. Failures are logged; the membership record is
// already in place.
func (s *Service) deliverInvite(ctx context.Context, session store.Session, actor store.Participant, recipient, role string) {
	raw := util.NewID("shr")
	expiresAt := s.now().Add(session.Settings.LinkExpiration)
	token := store.ShareToken{
		TokenHash:   hashShareToken(raw),
		SessionID:   session.ID,
		CreatedBy:   actor.UserID,
		DefaultRole: role,
		ExpiresAt:   &expiresAt,
		SingleUse:   true,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertShareToken(ctx, token); err != nil {
		log.Printf("sharing: store invite token for %s: %v", session.ID, err)
		return
	}
	joinURL := fmt.Sprintf("%s/%s", strings.TrimRight(s.cfg.ShareBaseURL, "/"), raw)
	note := fmt.Sprintf("This link expires at %s.", expiresAt.Format("2006-01-02 15:04 MST"))
	if err := s.mail.SendInvite(recipient, actor.DisplayName, session.Name, role, joinURL, note); err != nil {
		log.Printf("email: deliver invite for %s to %s: %v", session.ID, recipient, err)
	}
}

func (s *Service) ApproveMember(ctx context.Context, sessionID, byUser, targetUser string) (map[string]any, error) {
	state := s.sessionLock(sessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	session, err := s.requireManage(ctx, sessionID, byUser)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetParticipant(ctx, sessionID, targetUser)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errParticipantNotFound()
		}
		return nil, err
	}
	if target.Status != store.ParticipantPending {
		return nil, invalidState("participant is not awaiting approval")
	}

	now := s.now()
	if err := s.admitActive(ctx, session); err != nil {
		return nil, err
	}
	if err := s.store.UpdateParticipantStatus(ctx, sessionID, targetUser, store.ParticipantActive, now); err != nil {
		return nil, err
	}
	target.Status = store.ParticipantActive
	target.LastActive = now
	s.notify(sessionID, "member.approved", targetUser, map[string]any{"by": byUser})
	return participantView(target), nil
}

// Teams are an organizational overlay; they grant no session capabilities.

func (s *Service) CreateTeam(ctx context.Context, identity Identity, name string) (map[string]any, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationError("name is required")
	}
	team := store.Team{
		ID:        util.NewID("team"),
		Name:      strings.TrimSpace(name),
		CreatedBy: identity.UserID,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	if err := s.store.AddTeamMember(ctx, team.ID, identity.UserID); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        team.ID,
		"name":      team.Name,
		"createdBy": team.CreatedBy,
		"createdAt": team.CreatedAt,
	}, nil
}

func (s *Service) AddTeamMember(ctx context.Context, identity Identity, teamID, userID string) error {
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	var team *store.Team
	for i := range teams {
		if teams[i].ID == teamID {
			team = &teams[i]
			break
		}
	}
	if team == nil {
		return domainError(404, "NOT_FOUND", "Team not found", nil)
	}
	if team.CreatedBy != identity.UserID {
		return errPermissionDenied("Only the team creator can add members")
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationError("unknown userId")
		}
		return err
	}
	return s.store.AddTeamMember(ctx, teamID, userID)
}

func (s *Service) ListTeams(ctx context.Context) ([]map[string]any, error) {
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(teams))
	for _, team := range teams {
		members, err := s.store.ListTeamMembers(ctx, team.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, map[string]any{
			"id":        team.ID,
			"name":      team.Name,
			"createdBy": team.CreatedBy,
			"members":   members,
		})
	}
	return items, nil
}
