package app

import (
	"context"

	"cowrite/internal/roles"
)

// DocumentHistory lists archived snapshots. While the document has an open
// session the listing is restricted to its viewHistory-capable participants;
// once no session is open any authenticated user may read the archive.
func (s *Service) DocumentHistory(ctx context.Context, documentID, byUser string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	session, err := s.store.GetActiveSessionByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		participant, err := s.activeParticipant(ctx, session.ID, byUser)
		if err != nil {
			return nil, err
		}
		if !roles.Can(roles.Normalize(participant.Role), roles.CapViewHistory) {
			return nil, errPermissionDenied("Viewing history requires the viewHistory capability")
		}
	}

	entries, err := s.archive.History(documentID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"hash":      entry.Hash,
			"message":   entry.Message,
			"author":    entry.Author,
			"createdAt": entry.CreatedAt,
		})
	}
	return items, nil
}
