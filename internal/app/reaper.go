package app

import (
	"context"
	"log"
	"time"

	"cowrite/internal/presence"
	"cowrite/internal/store"
)

// RunReaper sweeps open sessions until the context is cancelled: dropping
// participants disconnected past the grace window, reclaiming abandoned turn
// tokens, and ending sessions idle with no active participants.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				log.Printf("reaper: sweep: %v", err)
			}
		}
	}
}

func (s *Service) sweep(ctx context.Context) error {
	sessions, err := s.store.ListOpenSessions(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	open := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		open[session.ID] = true
		s.sweepSession(ctx, session, now)
	}
	s.pruneStates(ctx, open)
	return nil
}

// pruneStates drops serialization state for sessions that are no longer
// open. sessionLock creates entries on demand, including for lookups that
// end up failing, so ended and unknown ids would otherwise accumulate.
func (s *Service) pruneStates(ctx context.Context, open map[string]bool) {
	s.stateMu.Lock()
	var stale []string
	for id := range s.states {
		if !open[id] {
			stale = append(stale, id)
		}
	}
	s.stateMu.Unlock()
	for _, id := range stale {
		// Re-check the store: the session may have been created after the
		// open-session listing was taken.
		if session, err := s.loadSession(ctx, id); err == nil && session.Status != store.SessionEnded {
			continue
		}
		s.dropSessionLock(id)
	}
}

func (s *Service) sweepSession(ctx context.Context, session store.Session, now time.Time) {
	state := s.sessionLock(session.ID)
	state.mu.Lock()
	defer state.mu.Unlock()

	// Re-read under the lock; an explicit end may have raced us.
	current, err := s.loadSession(ctx, session.ID)
	if err != nil || current.Status == store.SessionEnded {
		return
	}

	participants, err := s.store.ListParticipants(ctx, session.ID)
	if err != nil {
		log.Printf("reaper: list participants %s: %v", session.ID, err)
		return
	}
	visible, err := s.presence.List(ctx, session.ID)
	if err != nil {
		log.Printf("reaper: presence %s: %v", session.ID, err)
		visible = nil
	}
	seen := make(map[string]presence.State, len(visible))
	for _, entry := range visible {
		seen[entry.UserID] = entry
	}

	activeCount := 0
	for _, p := range participants {
		if p.Status != store.ParticipantActive {
			continue
		}
		_, present := seen[p.UserID]
		if !present && now.Sub(p.LastActive) > s.cfg.DisconnectGrace {
			if err := s.leaveLocked(ctx, state, session.ID, p.UserID); err != nil {
				log.Printf("reaper: drop %s from %s: %v", p.UserID, session.ID, err)
				continue
			}
			s.notify(session.ID, "participant.timed_out", p.UserID, nil)
			continue
		}
		activeCount++
	}

	if s.cfg.ReclaimTurnOnDisconnect && state.turnHolder != "" {
		holderState, present := seen[state.turnHolder]
		gone := !present || holderState.ConnectionStatus == presence.StatusDisconnected
		if gone && now.Sub(state.turnSince) > s.cfg.TurnIdleReclaim {
			released := state.turnHolder
			state.turnHolder = ""
			state.turnSince = time.Time{}
			s.notify(session.ID, "turn.reclaimed", released, nil)
		}
	}

	if activeCount == 0 && now.Sub(current.LastActivity) > s.cfg.SessionIdleGrace {
		if err := s.endLocked(ctx, state, current, "system"); err != nil {
			log.Printf("reaper: end idle session %s: %v", session.ID, err)
		}
	}
}
