package store

import (
	"database/sql"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/types"

	json "github.com/goccy/go-json"
)

// LogAmbientEvent appends one ambient telemetry record. Ambient events are
// append-only and never mutated. Returns the assigned event id.
func (s *Store) LogAmbientEvent(ev *types.AmbientEvent) (int64, error) {
	if ev.SessionID == "" {
		return 0, types.NewValidationError("session_id", "must not be empty")
	}
	if ev.EventType == "" {
		return 0, types.NewValidationError("event_type", "must not be empty")
	}
	if ev.Score < 0 || ev.Score > 100 {
		return 0, types.NewValidationError("score", "must be in [0,100]")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	metaJSON, _ := json.Marshal(ev.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO ambient_events
			(session_id, conversation_id, event_type, file_path, pattern, score, summary, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, nullString(ev.ConversationID), ev.EventType,
		nullString(ev.FilePath), ev.Pattern, ev.Score, ev.Summary,
		ev.Timestamp, string(metaJSON),
	)
	if err != nil {
		return 0, types.NewStorageError("log ambient event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, types.NewStorageError("log ambient event", err)
	}
	ev.ID = id

	logging.AmbientDebug("Ambient event logged: id=%d session=%s type=%s score=%d",
		id, ev.SessionID, ev.EventType, ev.Score)
	return id, nil
}

// GetSessionEvents returns a session's ambient events in chronological order.
func (s *Store) GetSessionEvents(sessionID string) ([]types.AmbientEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEvents(s.db,
		selectEvent+" WHERE session_id = ? ORDER BY timestamp ASC, id ASC", sessionID)
}

// GetConversationEvents returns ambient events attributed directly to a
// conversation, in chronological order.
func (s *Store) GetConversationEvents(conversationID string) ([]types.AmbientEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEvents(s.db,
		selectEvent+" WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC", conversationID)
}

// GetEventsInWindow returns a session's events with timestamps inside the
// symmetric window around center.
func (s *Store) GetEventsInWindow(sessionID string, center time.Time, window time.Duration) ([]types.AmbientEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEvents(s.db,
		selectEvent+" WHERE session_id = ? AND timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC, id ASC",
		sessionID, center.Add(-window), center.Add(window))
}

// GetEventsByIDs returns the ambient events with the given ids, in
// chronological order. Unknown ids are skipped.
func (s *Store) GetEventsByIDs(ids []int64) ([]types.AmbientEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return queryEvents(s.db,
		selectEvent+" WHERE id IN ("+placeholders+") ORDER BY timestamp ASC, id ASC", args...)
}

const selectEvent = `SELECT id, session_id, conversation_id, event_type,
	file_path, pattern, score, summary, timestamp, metadata FROM ambient_events`

func queryEvents(q queryer, query string, args ...any) ([]types.AmbientEvent, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, types.NewStorageError("query ambient events", err)
	}
	defer rows.Close()

	var events []types.AmbientEvent
	for rows.Next() {
		var ev types.AmbientEvent
		var convID, filePath sql.NullString
		var metaJSON string
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &convID, &ev.EventType,
			&filePath, &ev.Pattern, &ev.Score, &ev.Summary,
			&ev.Timestamp, &metaJSON,
		); err != nil {
			continue
		}
		ev.ConversationID = convID.String
		ev.FilePath = filePath.String
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &ev.Metadata)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
