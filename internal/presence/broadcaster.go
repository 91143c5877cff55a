// Package presence maintains ephemeral per-participant cursor, selection,
// typing, and connection state, and fans updates out to session subscribers.
// Nothing here is persisted; entries fade out and are rebuilt by the next
// update from the client.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connection statuses.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

const (
	DefaultFade        = 5 * time.Second
	DefaultTypingClear = 2 * time.Second
	DefaultMinInterval = 100 * time.Millisecond
)

type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

type State struct {
	UserID           string     `json:"userId"`
	Line             int        `json:"line"`
	Column           int        `json:"column"`
	Selection        *Selection `json:"selection,omitempty"`
	IsTyping         bool       `json:"isTyping"`
	TypingAt         time.Time  `json:"typingAt"`
	ConnectionStatus string     `json:"connectionStatus"`
	LastUpdate       time.Time  `json:"lastUpdate"`
}

type Options struct {
	// Fade is how long an entry stays visible without a fresh update.
	Fade time.Duration
	// TypingClear is how long the typing flag survives without further edits.
	TypingClear time.Duration
	// MinInterval drops updates arriving faster than this per participant.
	// Advisory rate shaping, not a correctness gate.
	MinInterval time.Duration
	// Now is injectable for tests.
	Now func() time.Time
}

// Broadcaster keeps presence entries in Redis, keyed per (session, user),
// with TTL-based eviction plus a lazy staleness filter on read.
type Broadcaster struct {
	client      *redis.Client
	prefix      string
	fade        time.Duration
	typingClear time.Duration
	minInterval time.Duration
	now         func() time.Time
}

func NewBroadcaster(redisURL string, opts Options) (*Broadcaster, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewBroadcasterWithClient(client, opts), nil
}

func NewBroadcasterWithClient(client *redis.Client, opts Options) *Broadcaster {
	if opts.Fade <= 0 {
		opts.Fade = DefaultFade
	}
	if opts.TypingClear <= 0 {
		opts.TypingClear = DefaultTypingClear
	}
	if opts.MinInterval < 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		client:      client,
		prefix:      "presence:",
		fade:        opts.Fade,
		typingClear: opts.TypingClear,
		minInterval: opts.MinInterval,
		now:         opts.Now,
	}
}

func (b *Broadcaster) key(sessionID, userID string) string {
	return b.prefix + sessionID + ":" + userID
}

func (b *Broadcaster) channel(sessionID string) string {
	return b.prefix + "events:" + sessionID
}

// Update records a participant's presence and publishes it to the session
// channel. Malformed input is logged and dropped without error: stale or bad
// presence self-heals on the next update. Updates inside the min interval
// are dropped silently.
func (b *Broadcaster) Update(ctx context.Context, sessionID string, state State) error {
	if !valid(state) {
		log.Printf("presence: dropping malformed update session=%s user=%s", sessionID, state.UserID)
		return nil
	}

	now := b.now()
	previous, exists, err := b.get(ctx, sessionID, state.UserID)
	if err != nil {
		return err
	}
	if exists && b.minInterval > 0 && now.Sub(previous.LastUpdate) < b.minInterval {
		return nil
	}

	state.LastUpdate = now
	if state.IsTyping {
		state.TypingAt = now
	} else if exists {
		state.TypingAt = previous.TypingAt
	}
	if state.ConnectionStatus == "" {
		state.ConnectionStatus = StatusConnected
	}

	return b.put(ctx, sessionID, state)
}

// SetConnectionStatus merges a connection transition into the entry. It is
// never rate limited: connectivity changes must always surface.
func (b *Broadcaster) SetConnectionStatus(ctx context.Context, sessionID, userID, status string) error {
	state, exists, err := b.get(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if !exists {
		state = State{UserID: userID}
	}
	state.ConnectionStatus = status
	state.LastUpdate = b.now()
	return b.put(ctx, sessionID, state)
}

// List returns the visible participants of a session: entries younger than
// the fade timeout. Stale entries are pruned lazily here, not proactively.
func (b *Broadcaster) List(ctx context.Context, sessionID string) ([]State, error) {
	now := b.now()
	var states []State

	var cursor uint64
	pattern := b.prefix + sessionID + ":*"
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan presence keys: %w", err)
		}
		for _, key := range keys {
			raw, err := b.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read presence entry: %w", err)
			}
			var state State
			if err := json.Unmarshal([]byte(raw), &state); err != nil {
				log.Printf("presence: dropping undecodable entry %s: %v", key, err)
				_ = b.client.Del(ctx, key).Err()
				continue
			}
			if now.Sub(state.LastUpdate) >= b.fade {
				_ = b.client.Del(ctx, key).Err()
				continue
			}
			if state.IsTyping && now.Sub(state.TypingAt) >= b.typingClear {
				state.IsTyping = false
			}
			states = append(states, state)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return states, nil
}

// Remove deletes a single participant's entry, e.g. on leave or removal.
func (b *Broadcaster) Remove(ctx context.Context, sessionID, userID string) error {
	if err := b.client.Del(ctx, b.key(sessionID, userID)).Err(); err != nil {
		return fmt.Errorf("remove presence entry: %w", err)
	}
	return nil
}

// Clear deletes every entry of a session. Called when the session ends.
func (b *Broadcaster) Clear(ctx context.Context, sessionID string) error {
	var cursor uint64
	pattern := b.prefix + sessionID + ":*"
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan presence keys: %w", err)
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("clear presence entries: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Subscribe returns a channel of presence updates for a session and a cancel
// func. Cancel is safe to call more than once; the channel closes after it.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan State, func()) {
	pubsub := b.client.Subscribe(ctx, b.channel(sessionID))
	out := make(chan State, 16)

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case message, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var state State
				if err := json.Unmarshal([]byte(message.Payload), &state); err != nil {
					continue
				}
				select {
				case out <- state:
				default:
					// Slow subscriber; presence is best-effort, skip.
				}
			}
		}
	}()

	var once bool
	cancel := func() {
		if once {
			return
		}
		once = true
		close(done)
		_ = pubsub.Close()
	}
	return out, cancel
}

func (b *Broadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broadcaster) Close() error {
	return b.client.Close()
}

func (b *Broadcaster) get(ctx context.Context, sessionID, userID string) (State, bool, error) {
	raw, err := b.client.Get(ctx, b.key(sessionID, userID)).Result()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read presence entry: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, false, nil
	}
	return state, true, nil
}

func (b *Broadcaster) put(ctx context.Context, sessionID string, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := b.client.Set(ctx, b.key(sessionID, state.UserID), payload, b.fade).Err(); err != nil {
		return fmt.Errorf("save presence entry: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish presence entry: %w", err)
	}
	return nil
}

func valid(state State) bool {
	if state.UserID == "" || state.Line < 0 || state.Column < 0 {
		return false
	}
	if sel := state.Selection; sel != nil {
		if sel.StartLine < 0 || sel.StartColumn < 0 || sel.EndLine < 0 || sel.EndColumn < 0 {
			return false
		}
		if sel.EndLine < sel.StartLine {
			return false
		}
		if sel.EndLine == sel.StartLine && sel.EndColumn < sel.StartColumn {
			return false
		}
	}
	return true
}
