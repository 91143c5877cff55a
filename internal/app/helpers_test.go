package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cowrite/internal/config"
	"cowrite/internal/history"
	"cowrite/internal/presence"
	"cowrite/internal/replication"
	"cowrite/internal/store"
	"cowrite/internal/util"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu           sync.Mutex
	users        map[string]store.User
	usersByName  map[string]string
	sessions     map[string]store.Session
	participants map[string]map[string]store.Participant
	tokens       map[string]store.ShareToken
	teams        map[string]store.Team
	teamMembers  map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]store.User),
		usersByName:  make(map[string]string),
		sessions:     make(map[string]store.Session),
		participants: make(map[string]map[string]store.Participant),
		tokens:       make(map[string]store.ShareToken),
		teams:        make(map[string]store.Team),
		teamMembers:  make(map[string][]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.usersByName[name]; ok {
		return f.users[id], nil
	}
	user := store.User{ID: util.NewID("usr"), DisplayName: name}
	f.users[user.ID] = user
	f.usersByName[name] = user.ID
	return user, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, session store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return session, nil
}

func (f *fakeStore) GetActiveSessionByDocument(ctx context.Context, documentID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.DocumentID == documentID && session.Status != store.SessionEnded {
			copied := session
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListOpenSessions(ctx context.Context) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []store.Session
	for _, session := range f.sessions {
		if session.Status != store.SessionEnded {
			open = append(open, session)
		}
	}
	return open, nil
}

func (f *fakeStore) UpdateSessionStatus(ctx context.Context, sessionID, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	session.Status = status
	session.LastActivity = at
	f.sessions[sessionID] = session
	return nil
}

func (f *fakeStore) UpdateSessionModes(ctx context.Context, sessionID, editMode, conflictResolution string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	session.EditMode = editMode
	session.ConflictResolution = conflictResolution
	session.LastActivity = at
	f.sessions[sessionID] = session
	return nil
}

func (f *fakeStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	session.LastActivity = at
	f.sessions[sessionID] = session
	return nil
}

func (f *fakeStore) InsertParticipant(ctx context.Context, participant store.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.participants[participant.SessionID] == nil {
		f.participants[participant.SessionID] = make(map[string]store.Participant)
	}
	f.participants[participant.SessionID][participant.UserID] = participant
	return nil
}

func (f *fakeStore) GetParticipant(ctx context.Context, sessionID, userID string) (store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[sessionID][userID]
	if !ok {
		return store.Participant{}, store.ErrNotFound
	}
	return participant, nil
}

func (f *fakeStore) ListParticipants(ctx context.Context, sessionID string) ([]store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []store.Participant
	for _, participant := range f.participants[sessionID] {
		list = append(list, participant)
	}
	return list, nil
}

func (f *fakeStore) CountActiveParticipants(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, participant := range f.participants[sessionID] {
		if participant.Status == store.ParticipantActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) UpdateParticipantRole(ctx context.Context, sessionID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[sessionID][userID]
	if !ok {
		return store.ErrNotFound
	}
	participant.Role = role
	f.participants[sessionID][userID] = participant
	return nil
}

func (f *fakeStore) UpdateParticipantStatus(ctx context.Context, sessionID, userID, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[sessionID][userID]
	if !ok {
		return store.ErrNotFound
	}
	participant.Status = status
	participant.LastActive = at
	f.participants[sessionID][userID] = participant
	return nil
}

func (f *fakeStore) TouchParticipant(ctx context.Context, sessionID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[sessionID][userID]
	if !ok {
		return store.ErrNotFound
	}
	participant.LastActive = at
	f.participants[sessionID][userID] = participant
	return nil
}

func (f *fakeStore) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.participants[sessionID], userID)
	return nil
}

func (f *fakeStore) InsertShareToken(ctx context.Context, token store.ShareToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token.TokenHash] = token
	return nil
}

func (f *fakeStore) GetShareToken(ctx context.Context, tokenHash string) (store.ShareToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[tokenHash]
	if !ok {
		return store.ShareToken{}, store.ErrNotFound
	}
	return token, nil
}

func (f *fakeStore) RevokeShareToken(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[tokenHash]
	if !ok {
		return store.ErrNotFound
	}
	token.Revoked = true
	f.tokens[tokenHash] = token
	return nil
}

func (f *fakeStore) MarkShareTokenUsed(ctx context.Context, tokenHash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[tokenHash]
	if !ok {
		return store.ErrNotFound
	}
	token.UsedAt = &at
	f.tokens[tokenHash] = token
	return nil
}

func (f *fakeStore) CreateTeam(ctx context.Context, team store.Team) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams[team.ID] = team
	return nil
}

func (f *fakeStore) AddTeamMember(ctx context.Context, teamID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.teamMembers[teamID] {
		if existing == userID {
			return nil
		}
	}
	f.teamMembers[teamID] = append(f.teamMembers[teamID], userID)
	return nil
}

func (f *fakeStore) ListTeams(ctx context.Context) ([]store.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []store.Team
	for _, team := range f.teams {
		list = append(list, team)
	}
	return list, nil
}

func (f *fakeStore) ListTeamMembers(ctx context.Context, teamID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.teamMembers[teamID]...), nil
}

type sentInvite struct {
	To      string
	Session string
	Role    string
	JoinURL string
}

type fakeMail struct {
	mu         sync.Mutex
	configured bool
	sent       []sentInvite
}

func (m *fakeMail) IsConfigured() bool { return m.configured }

func (m *fakeMail) SendInvite(to, inviterName, sessionName, role, joinURL, expiresNote string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentInvite{To: to, Session: sessionName, Role: role, JoinURL: joinURL})
	m.mu.Unlock()
	return nil
}

type testEnv struct {
	svc     *Service
	store   *fakeStore
	clock   *fakeClock
	mail    *fakeMail
	archive *history.Archive
	memory  *replication.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broadcaster := presence.NewBroadcasterWithClient(client, presence.Options{
		Fade:        5 * time.Second,
		TypingClear: 2 * time.Second,
		MinInterval: 100 * time.Millisecond,
		Now:         clock.Now,
	})

	fs := newFakeStore()
	mail := &fakeMail{configured: true}
	archive := history.NewArchive(t.TempDir())
	memory := replication.NewMemory()

	cfg := config.Config{
		JWTSecret:               "test-secret",
		AccessTTL:               time.Hour,
		ShareBaseURL:            "http://localhost:8790/share",
		PresenceFade:            5 * time.Second,
		PresenceMinInterval:     100 * time.Millisecond,
		TypingClear:             2 * time.Second,
		TurnIdleReclaim:         30 * time.Second,
		DisconnectGrace:         2 * time.Minute,
		SessionIdleGrace:        5 * time.Minute,
		ShareLinkTTL:            7 * 24 * time.Hour,
		ReclaimTurnOnDisconnect: true,
	}

	svc := &Service{
		cfg:         cfg,
		store:       fs,
		presence:    broadcaster,
		replication: memory,
		archive:     archive,
		mail:        mail,
		now:         clock.Now,
		states:      make(map[string]*sessionState),
		observers:   make(map[string]map[int]chan Event),
	}
	return &testEnv{svc: svc, store: fs, clock: clock, mail: mail, archive: archive, memory: memory}
}

func (e *testEnv) identity(t *testing.T, name string) Identity {
	t.Helper()
	user, err := e.store.EnsureUserByName(context.Background(), name)
	if err != nil {
		t.Fatalf("EnsureUserByName(%q): %v", name, err)
	}
	return Identity{UserID: user.ID, UserName: user.DisplayName}
}

// newSession creates a session owned by the given identity and returns its id.
func (e *testEnv) newSession(t *testing.T, owner Identity, input CreateSessionInput) string {
	t.Helper()
	if input.Name == "" {
		input.Name = "Doc session"
	}
	if input.DocumentID == "" {
		input.DocumentID = "doc-" + util.NewID("")[:8]
	}
	snapshot, err := e.svc.CreateSession(context.Background(), owner, input)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return snapshot["id"].(string)
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected a domain error, got nil")
	}
	domainErr, ok := err.(*DomainError)
	if !ok {
		t.Fatalf("expected *DomainError, got %T: %v", err, err)
	}
	return domainErr.Code
}

func domainReason(t *testing.T, err error) string {
	t.Helper()
	domainErr, ok := err.(*DomainError)
	if !ok {
		t.Fatalf("expected *DomainError, got %T: %v", err, err)
	}
	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %#v", domainErr.Details)
	}
	reason, _ := details["reason"].(string)
	return reason
}
