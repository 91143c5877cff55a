package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemorySubmitApplies(t *testing.T) {
	m := NewMemory()
	res, err := m.Submit(context.Background(), Operation{
		SessionID:   "sess_1",
		DocumentID:  "doc_1",
		UserID:      "user_a",
		Line:        3,
		Payload:     json.RawMessage(`{"insert":"ab"}`),
		SubmittedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Applied {
		t.Fatal("expected operation to apply")
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", res.Conflicts)
	}
	if m.OpCount("doc_1") != 1 {
		t.Fatalf("expected 1 op, got %d", m.OpCount("doc_1"))
	}
}

func TestMemoryConcurrentSameLineConflicts(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ctx := context.Background()

	if _, err := m.Submit(ctx, Operation{DocumentID: "doc_1", UserID: "user_a", Line: 5, SubmittedAt: now}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := m.Submit(ctx, Operation{DocumentID: "doc_1", UserID: "user_b", Line: 5, SubmittedAt: now.Add(100 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(res.Conflicts))
	}
	if res.Conflicts[0].TheirUserID != "user_a" {
		t.Fatalf("conflict attributed to %q", res.Conflicts[0].TheirUserID)
	}

	// Outside the overlap window the same shape is not a conflict.
	res, err = m.Submit(ctx, Operation{DocumentID: "doc_1", UserID: "user_a", Line: 5, SubmittedAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", res.Conflicts)
	}
}

func TestMemorySubscribe(t *testing.T) {
	m := NewMemory()
	var mu sync.Mutex
	var seen []string
	cancel := m.Subscribe(func(op Operation) {
		mu.Lock()
		seen = append(seen, op.UserID)
		mu.Unlock()
	})

	if _, err := m.Submit(context.Background(), Operation{DocumentID: "doc_1", UserID: "user_a", SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()
	if _, err := m.Submit(context.Background(), Operation{DocumentID: "doc_1", UserID: "user_b", SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "user_a" {
		t.Fatalf("expected single delivery to subscriber, got %v", seen)
	}
}

type flakyAdapter struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyAdapter) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyAdapter) Submit(ctx context.Context, op Operation) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return Result{}, errors.New("engine unreachable")
	}
	return Result{Applied: true}, nil
}

func (f *flakyAdapter) Subscribe(fn func(Operation)) func() { return func() {} }

func (f *flakyAdapter) Snapshot(ctx context.Context, documentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("engine unreachable")
	}
	return []byte("{}"), nil
}

func TestResubscriberStatusFlips(t *testing.T) {
	flaky := &flakyAdapter{}
	r := NewResubscriber(flaky)
	r.probeBase = 5 * time.Millisecond
	r.probeMax = 20 * time.Millisecond

	var mu sync.Mutex
	var transitions []bool
	r.OnStatusChange(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	if !r.Connected() {
		t.Fatal("expected connected at start")
	}

	flaky.setFail(true)
	if _, err := r.Submit(context.Background(), Operation{DocumentID: "doc_1"}); err == nil {
		t.Fatal("expected submit error while engine down")
	}
	if r.Connected() {
		t.Fatal("expected disconnected after failure")
	}

	flaky.setFail(false)
	deadline := time.Now().Add(2 * time.Second)
	for !r.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("resubscriber never recovered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 || transitions[0] != false || transitions[len(transitions)-1] != true {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}
