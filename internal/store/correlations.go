package store

import (
	"fmt"

	"engram/internal/logging"
	"engram/internal/types"

	json "github.com/goccy/go-json"
)

// GetCorrelations returns all persisted correlations for a conversation's
// turns, ordered by turn then event then type so repeated reads are
// byte-for-byte comparable.
func (s *Store) GetCorrelations(conversationID string) ([]types.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCorrelations(s.db, conversationID)
}

func getCorrelations(q queryer, conversationID string) ([]types.Correlation, error) {
	rows, err := q.Query(
		`SELECT c.turn_id, c.event_id, c.correlation_type, c.confidence_score, c.time_diff_seconds, c.match_details
		 FROM temporal_correlations c
		 JOIN messages m ON m.id = c.turn_id
		 WHERE m.conversation_id = ?
		 ORDER BY c.turn_id ASC, c.event_id ASC, c.correlation_type ASC`,
		conversationID,
	)
	if err != nil {
		return nil, types.NewStorageError("get correlations", err)
	}
	defer rows.Close()

	var corrs []types.Correlation
	for rows.Next() {
		var c types.Correlation
		var detailsJSON string
		if err := rows.Scan(
			&c.TurnID, &c.EventID, (*string)(&c.Type),
			&c.Confidence, &c.TimeDiffSeconds, &detailsJSON,
		); err != nil {
			continue
		}
		if detailsJSON != "" {
			json.Unmarshal([]byte(detailsJSON), &c.MatchDetails)
		}
		corrs = append(corrs, c)
	}
	return corrs, rows.Err()
}

// CountCorrelations returns the number of persisted correlations for a
// conversation.
func (s *Store) CountCorrelations(conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM temporal_correlations c
		 JOIN messages m ON m.id = c.turn_id
		 WHERE m.conversation_id = ?`,
		conversationID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewStorageError("count correlations", err)
	}
	return count, nil
}

// ReplaceCorrelations discards a conversation's correlation set and writes
// the new one, as a single transaction. This is the force-recalculate path;
// the idempotent path never reaches a write.
func (s *Store) ReplaceCorrelations(conversationID string, corrs []types.Correlation) error {
	err := s.WithTx(func(tx *Tx) error {
		if _, err := tx.tx.Exec(
			"DELETE FROM temporal_correlations WHERE turn_id IN (SELECT id FROM messages WHERE conversation_id = ?)",
			conversationID,
		); err != nil {
			return fmt.Errorf("failed to clear correlations: %w", err)
		}

		for _, c := range corrs {
			if c.Confidence < 0 || c.Confidence > 1 {
				return types.NewValidationError("confidence", fmt.Sprintf("out of range: %f", c.Confidence))
			}
			detailsJSON, _ := json.Marshal(c.MatchDetails)
			if _, err := tx.tx.Exec(
				`INSERT INTO temporal_correlations
					(turn_id, event_id, correlation_type, confidence_score, time_diff_seconds, match_details)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				c.TurnID, c.EventID, string(c.Type), c.Confidence, c.TimeDiffSeconds, string(detailsJSON),
			); err != nil {
				return fmt.Errorf("failed to insert correlation (%d,%d,%s): %w", c.TurnID, c.EventID, c.Type, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.Correlate("Correlations replaced: conversation=%s count=%d", conversationID, len(corrs))
	return nil
}
