// Package replication defines the boundary to the external convergent merge
// engine. The coordinator only admits operations and chooses how ambiguity is
// surfaced; character-level merging happens on the other side of Adapter.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable reports that the replication engine cannot be reached.
var ErrUnavailable = errors.New("replication engine unavailable")

type Operation struct {
	SessionID   string          `json:"sessionId"`
	DocumentID  string          `json:"documentId"`
	UserID      string          `json:"userId"`
	Line        int             `json:"line"`
	Column      int             `json:"column"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// ConflictMarker describes ambiguity detected at the merge boundary. In
// manual conflict-resolution mode markers are returned to the submitter; in
// automatic mode the merge applies silently and markers are discarded.
type ConflictMarker struct {
	Line        int    `json:"line"`
	Column      int    `json:"column"`
	TheirUserID string `json:"theirUserId"`
	Description string `json:"description"`
}

type Result struct {
	Applied   bool             `json:"applied"`
	Conflicts []ConflictMarker `json:"conflicts,omitempty"`
}

// Adapter is the consumed interface to the replication engine.
type Adapter interface {
	Submit(ctx context.Context, op Operation) (Result, error)
	Subscribe(fn func(Operation)) (cancel func())
	Snapshot(ctx context.Context, documentID string) ([]byte, error)
}
