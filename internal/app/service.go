package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"cowrite/internal/auth"
	"cowrite/internal/config"
	"cowrite/internal/email"
	"cowrite/internal/history"
	"cowrite/internal/presence"
	"cowrite/internal/replication"
	"cowrite/internal/store"
	"cowrite/internal/util"
)

// Identity is the authenticated caller of an operation, not to be confused
// with the collaborative editing Session record.
type Identity struct {
	Token     string
	UserID    string
	UserName  string
	Anonymous bool
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateSession(context.Context, store.Session) error
	GetSession(context.Context, string) (store.Session, error)
	GetActiveSessionByDocument(context.Context, string) (*store.Session, error)
	ListOpenSessions(context.Context) ([]store.Session, error)
	UpdateSessionStatus(context.Context, string, string, time.Time) error
	UpdateSessionModes(context.Context, string, string, string, time.Time) error
	TouchSession(context.Context, string, time.Time) error
	InsertParticipant(context.Context, store.Participant) error
	GetParticipant(context.Context, string, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	CountActiveParticipants(context.Context, string) (int, error)
	UpdateParticipantRole(context.Context, string, string, string) error
	UpdateParticipantStatus(context.Context, string, string, string, time.Time) error
	TouchParticipant(context.Context, string, string, time.Time) error
	DeleteParticipant(context.Context, string, string) error
	InsertShareToken(context.Context, store.ShareToken) error
	GetShareToken(context.Context, string) (store.ShareToken, error)
	RevokeShareToken(context.Context, string) error
	MarkShareTokenUsed(context.Context, string, time.Time) error
	CreateTeam(context.Context, store.Team) error
	AddTeamMember(context.Context, string, string) error
	ListTeams(context.Context) ([]store.Team, error)
	ListTeamMembers(context.Context, string) ([]string, error)
	Ping(ctx context.Context) error
}

type presenceBroadcaster interface {
	Update(ctx context.Context, sessionID string, state presence.State) error
	SetConnectionStatus(ctx context.Context, sessionID, userID, status string) error
	List(ctx context.Context, sessionID string) ([]presence.State, error)
	Remove(ctx context.Context, sessionID, userID string) error
	Clear(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context, sessionID string) (<-chan presence.State, func())
	Ping(ctx context.Context) error
}

type snapshotArchive interface {
	EnsureRepo(documentID, author string) error
	CommitSnapshot(documentID string, snapshot []byte, author, message string) (history.Entry, error)
	History(documentID string, limit int) ([]history.Entry, error)
}

type inviteDeliverer interface {
	IsConfigured() bool
	SendInvite(to, inviterName, sessionName, role, joinURL, expiresNote string) error
}

// Event is delivered to session observers on every lifecycle transition,
// membership change, and mode change.
type Event struct {
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// sessionState carries the per-session serialization point. Membership
// admission, turn arbitration, and mutation gating all run under its mutex;
// presence traffic deliberately bypasses it.
type sessionState struct {
	mu         sync.Mutex
	turnHolder string
	turnSince  time.Time
}

type Service struct {
	cfg         config.Config
	store       dataStore
	presence    presenceBroadcaster
	replication replication.Adapter
	archive     snapshotArchive
	mail        inviteDeliverer
	now         func() time.Time

	stateMu sync.Mutex
	states  map[string]*sessionState

	obsMu     sync.Mutex
	observers map[string]map[int]chan Event
	nextObs   int
}

func New(cfg config.Config, dataStore *store.PostgresStore, broadcaster *presence.Broadcaster, adapter replication.Adapter, archive *history.Archive, deliverer *email.Service) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		presence:    broadcaster,
		replication: adapter,
		archive:     archive,
		mail:        deliverer,
		now:         time.Now,
		states:      make(map[string]*sessionState),
		observers:   make(map[string]map[int]chan Event),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingPresence(ctx context.Context) error {
	return s.presence.Ping(ctx)
}

// Login issues a bearer identity for the given display name. A blank name
// produces an anonymous guest identity; sessions admit those only when their
// share settings allow it.
func (s *Service) Login(ctx context.Context, name string) (Identity, error) {
	userName := strings.TrimSpace(name)
	anonymous := userName == ""
	if anonymous {
		userName = "Guest-" + util.NewID("")[:8]
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Identity{}, err
	}

	expiresAt := s.now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, anonymous, expiresAt)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Anonymous: anonymous,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) IdentityFromToken(ctx context.Context, token string) (Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Identity{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Anonymous: claims.Anonymous,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// sessionLock returns the serialization point for a session, creating it on
// first use.
func (s *Service) sessionLock(sessionID string) *sessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	state, ok := s.states[sessionID]
	if !ok {
		state = &sessionState{}
		s.states[sessionID] = state
	}
	return state
}

func (s *Service) dropSessionLock(sessionID string) {
	s.stateMu.Lock()
	delete(s.states, sessionID)
	s.stateMu.Unlock()
}

// SubscribeEvents registers a session observer. The returned cancel func is
// idempotent; all observers for a session are closed when it ends.
func (s *Service) SubscribeEvents(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	if s.observers[sessionID] == nil {
		s.observers[sessionID] = make(map[int]chan Event)
	}
	s.observers[sessionID][id] = ch
	s.obsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.obsMu.Lock()
			if set, ok := s.observers[sessionID]; ok {
				if _, live := set[id]; live {
					delete(set, id)
					close(ch)
				}
			}
			s.obsMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Service) notify(sessionID, eventType, userID string, detail map[string]any) {
	event := Event{
		SessionID: sessionID,
		Type:      eventType,
		UserID:    userID,
		Detail:    detail,
		At:        s.now(),
	}
	s.obsMu.Lock()
	for _, ch := range s.observers[sessionID] {
		select {
		case ch <- event:
		default:
		}
	}
	s.obsMu.Unlock()
}

// closeObservers tears down every subscription for a session. Called exactly
// once per session, on end.
func (s *Service) closeObservers(sessionID string) {
	s.obsMu.Lock()
	for id, ch := range s.observers[sessionID] {
		delete(s.observers[sessionID], id)
		close(ch)
	}
	delete(s.observers, sessionID)
	s.obsMu.Unlock()
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, errSessionNotFound()
		}
		return store.Session{}, err
	}
	return session, nil
}

func (s *Service) loadOpenSession(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if session.Status == store.SessionEnded {
		return store.Session{}, errSessionEnded()
	}
	return session, nil
}

// activeParticipant resolves the acting participant and rejects pending or
// suspended records.
func (s *Service) activeParticipant(ctx context.Context, sessionID, userID string) (store.Participant, error) {
	participant, err := s.store.GetParticipant(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Participant{}, errParticipantNotFound()
		}
		return store.Participant{}, err
	}
	if participant.Status != store.ParticipantActive {
		return store.Participant{}, errPermissionDenied("Membership is not active")
	}
	return participant, nil
}
