package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process adapter used for tests and single-node runs. The
// operation log converges trivially because admission is already serialized
// per session by the coordinator. Two operations from different users on the
// same line inside the overlap window are reported as a conflict marker.
type Memory struct {
	mu          sync.Mutex
	ops         map[string][]Operation
	subscribers map[int]func(Operation)
	nextSub     int
	overlap     time.Duration
	failing     bool
}

// Fail toggles a simulated engine outage; Submit and Snapshot return
// ErrUnavailable while set.
func (m *Memory) Fail(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

func NewMemory() *Memory {
	return &Memory{
		ops:         make(map[string][]Operation),
		subscribers: make(map[int]func(Operation)),
		overlap:     2 * time.Second,
	}
}

func (m *Memory) Submit(ctx context.Context, op Operation) (Result, error) {
	m.mu.Lock()
	if m.failing {
		m.mu.Unlock()
		return Result{}, ErrUnavailable
	}
	log := m.ops[op.DocumentID]

	var conflicts []ConflictMarker
	for i := len(log) - 1; i >= 0; i-- {
		previous := log[i]
		if op.SubmittedAt.Sub(previous.SubmittedAt) > m.overlap {
			break
		}
		if previous.UserID != op.UserID && previous.Line == op.Line {
			conflicts = append(conflicts, ConflictMarker{
				Line:        op.Line,
				Column:      previous.Column,
				TheirUserID: previous.UserID,
				Description: fmt.Sprintf("concurrent edit on line %d", op.Line),
			})
		}
	}

	m.ops[op.DocumentID] = append(log, op)
	fns := make([]func(Operation), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(op)
	}
	return Result{Applied: true, Conflicts: conflicts}, nil
}

func (m *Memory) Subscribe(fn func(Operation)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Memory) Snapshot(ctx context.Context, documentID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, ErrUnavailable
	}
	snapshot := struct {
		DocumentID string      `json:"documentId"`
		Operations []Operation `json:"operations"`
	}{DocumentID: documentID, Operations: m.ops[documentID]}
	return json.MarshalIndent(snapshot, "", "  ")
}

// OpCount reports the number of applied operations for a document.
func (m *Memory) OpCount(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops[documentID])
}
