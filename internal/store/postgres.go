package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.cowrite.dev'))
		RETURNING id, display_name, email, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by id: %w", err)
	}
	return user, nil
}

// Sessions

const sessionColumns = `id, document_id, name, status, created_by, edit_mode, conflict_resolution,
	is_public, allow_anonymous, require_approval, max_participants, link_expiration_seconds,
	password_protected, password_hash, default_role, created_at, last_activity`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var session Session
	var linkExpirationSeconds int64
	err := row.Scan(
		&session.ID, &session.DocumentID, &session.Name, &session.Status, &session.CreatedBy,
		&session.EditMode, &session.ConflictResolution,
		&session.Settings.IsPublic, &session.Settings.AllowAnonymous, &session.Settings.RequireApproval,
		&session.Settings.MaxParticipants, &linkExpirationSeconds,
		&session.Settings.PasswordProtected, &session.Settings.PasswordHash, &session.Settings.DefaultRole,
		&session.CreatedAt, &session.LastActivity,
	)
	if err != nil {
		return Session{}, err
	}
	session.Settings.LinkExpiration = time.Duration(linkExpirationSeconds) * time.Second
	return session, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session Session) error {
	const insert = `
		INSERT INTO sessions (id, document_id, name, status, created_by, edit_mode, conflict_resolution,
			is_public, allow_anonymous, require_approval, max_participants, link_expiration_seconds,
			password_protected, password_hash, default_role, created_at, last_activity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err := s.db.ExecContext(ctx, insert,
		session.ID, session.DocumentID, session.Name, session.Status, session.CreatedBy,
		session.EditMode, session.ConflictResolution,
		session.Settings.IsPublic, session.Settings.AllowAnonymous, session.Settings.RequireApproval,
		session.Settings.MaxParticipants, int64(session.Settings.LinkExpiration/time.Second),
		session.Settings.PasswordProtected, session.Settings.PasswordHash, session.Settings.DefaultRole,
		session.CreatedAt, session.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) GetActiveSessionByDocument(ctx context.Context, documentID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE document_id=$1 AND status != $2 ORDER BY created_at DESC LIMIT 1`,
		documentID, SessionEnded)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active session: %w", err)
	}
	return &session, nil
}

func (s *PostgresStore) ListOpenSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status != $1`, SessionEnded)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status=$2, last_activity=$3 WHERE id=$1`, sessionID, status, at)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSessionModes(ctx context.Context, sessionID, editMode, conflictResolution string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET edit_mode=$2, conflict_resolution=$3, last_activity=$4 WHERE id=$1`,
		sessionID, editMode, conflictResolution, at)
	if err != nil {
		return fmt.Errorf("update session modes: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity=$2 WHERE id=$1`, sessionID, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Participants

func (s *PostgresStore) InsertParticipant(ctx context.Context, participant Participant) error {
	const insert = `
		INSERT INTO participants (session_id, user_id, display_name, role, status, joined_at, last_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, user_id)
		DO UPDATE SET display_name=EXCLUDED.display_name, role=EXCLUDED.role,
			status=EXCLUDED.status, last_active=EXCLUDED.last_active
	`
	_, err := s.db.ExecContext(ctx, insert,
		participant.SessionID, participant.UserID, participant.DisplayName,
		participant.Role, participant.Status, participant.JoinedAt, participant.LastActive)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, sessionID, userID string) (Participant, error) {
	var participant Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, display_name, role, status, joined_at, last_active
		FROM participants WHERE session_id=$1 AND user_id=$2
	`, sessionID, userID).Scan(
		&participant.SessionID, &participant.UserID, &participant.DisplayName,
		&participant.Role, &participant.Status, &participant.JoinedAt, &participant.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	if err != nil {
		return Participant{}, fmt.Errorf("lookup participant: %w", err)
	}
	return participant, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, display_name, role, status, joined_at, last_active
		FROM participants WHERE session_id=$1 ORDER BY joined_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var participant Participant
		if err := rows.Scan(
			&participant.SessionID, &participant.UserID, &participant.DisplayName,
			&participant.Role, &participant.Status, &participant.JoinedAt, &participant.LastActive); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, participant)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) CountActiveParticipants(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE session_id=$1 AND status=$2`,
		sessionID, ParticipantActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active participants: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateParticipantRole(ctx context.Context, sessionID, userID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET role=$3 WHERE session_id=$1 AND user_id=$2`,
		sessionID, userID, role)
	if err != nil {
		return fmt.Errorf("update participant role: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateParticipantStatus(ctx context.Context, sessionID, userID, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET status=$3, last_active=$4 WHERE session_id=$1 AND user_id=$2`,
		sessionID, userID, status, at)
	if err != nil {
		return fmt.Errorf("update participant status: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchParticipant(ctx context.Context, sessionID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET last_active=$3 WHERE session_id=$1 AND user_id=$2`,
		sessionID, userID, at)
	if err != nil {
		return fmt.Errorf("touch participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE session_id=$1 AND user_id=$2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

// Share tokens

func (s *PostgresStore) InsertShareToken(ctx context.Context, token ShareToken) error {
	const insert = `
		INSERT INTO share_tokens (token_hash, session_id, created_by, default_role, expires_at,
			single_use, used_at, revoked, password_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := s.db.ExecContext(ctx, insert,
		token.TokenHash, token.SessionID, token.CreatedBy, token.DefaultRole, token.ExpiresAt,
		token.SingleUse, token.UsedAt, token.Revoked, token.PasswordHash, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert share token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShareToken(ctx context.Context, tokenHash string) (ShareToken, error) {
	var token ShareToken
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, session_id, created_by, default_role, expires_at,
			single_use, used_at, revoked, password_hash, created_at
		FROM share_tokens WHERE token_hash=$1
	`, tokenHash).Scan(
		&token.TokenHash, &token.SessionID, &token.CreatedBy, &token.DefaultRole, &token.ExpiresAt,
		&token.SingleUse, &token.UsedAt, &token.Revoked, &token.PasswordHash, &token.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ShareToken{}, ErrNotFound
	}
	if err != nil {
		return ShareToken{}, fmt.Errorf("lookup share token: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) RevokeShareToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE share_tokens SET revoked=TRUE WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke share token: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkShareTokenUsed(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE share_tokens SET used_at=$2 WHERE token_hash=$1 AND used_at IS NULL`, tokenHash, at)
	if err != nil {
		return fmt.Errorf("mark share token used: %w", err)
	}
	return nil
}

// Teams

func (s *PostgresStore) CreateTeam(ctx context.Context, team Team) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, name, created_by, created_at) VALUES ($1,$2,$3,$4)`,
		team.ID, team.Name, team.CreatedBy, team.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id) VALUES ($1,$2)
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, teamID, userID)
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_by, created_at FROM teams ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		var team Team
		if err := rows.Scan(&team.ID, &team.Name, &team.CreatedBy, &team.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

func (s *PostgresStore) ListTeamMembers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM team_members WHERE team_id=$1 ORDER BY user_id ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}
