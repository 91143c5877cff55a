package replication

import (
	"context"
	"log"
	"sync"
	"time"
)

// Resubscriber wraps an Adapter and turns transport failures into a
// connection status instead of caller-visible fatal errors. While the
// underlying engine is unreachable it reports "disconnected", probes with a
// doubling backoff, and flips back once a probe succeeds.
type Resubscriber struct {
	inner Adapter

	mu        sync.Mutex
	connected bool
	probing   bool
	onChange  func(connected bool)

	probeBase time.Duration
	probeMax  time.Duration
}

func NewResubscriber(inner Adapter) *Resubscriber {
	return &Resubscriber{
		inner:     inner,
		connected: true,
		probeBase: 250 * time.Millisecond,
		probeMax:  10 * time.Second,
	}
}

// OnStatusChange registers a single hook invoked on connect/disconnect
// transitions. The coordinator maps this into presence connection status.
func (r *Resubscriber) OnStatusChange(fn func(connected bool)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Resubscriber) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Resubscriber) Submit(ctx context.Context, op Operation) (Result, error) {
	result, err := r.inner.Submit(ctx, op)
	if err != nil {
		r.markDisconnected(op.DocumentID)
		return Result{}, err
	}
	r.markConnected()
	return result, nil
}

func (r *Resubscriber) Subscribe(fn func(Operation)) func() {
	return r.inner.Subscribe(fn)
}

func (r *Resubscriber) Snapshot(ctx context.Context, documentID string) ([]byte, error) {
	snapshot, err := r.inner.Snapshot(ctx, documentID)
	if err != nil {
		r.markDisconnected(documentID)
		return nil, err
	}
	r.markConnected()
	return snapshot, nil
}

func (r *Resubscriber) markConnected() {
	r.mu.Lock()
	changed := !r.connected
	r.connected = true
	hook := r.onChange
	r.mu.Unlock()
	if changed && hook != nil {
		hook(true)
	}
}

func (r *Resubscriber) markDisconnected(documentID string) {
	r.mu.Lock()
	changed := r.connected
	r.connected = false
	hook := r.onChange
	start := !r.probing
	r.probing = true
	r.mu.Unlock()

	if changed && hook != nil {
		hook(false)
	}
	if start {
		go r.probeLoop(documentID)
	}
}

func (r *Resubscriber) probeLoop(documentID string) {
	delay := r.probeBase
	for {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := r.inner.Snapshot(ctx, documentID)
		cancel()
		if err == nil {
			r.mu.Lock()
			r.probing = false
			r.mu.Unlock()
			r.markConnected()
			log.Printf("replication: engine reachable again")
			return
		}
		if delay < r.probeMax {
			delay *= 2
			if delay > r.probeMax {
				delay = r.probeMax
			}
		}
	}
}
