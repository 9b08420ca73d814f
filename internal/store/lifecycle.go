package store

import (
	"database/sql"
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// AppendLifecycleEvent writes one immutable audit record. Exactly one event
// is appended per creation, closure, or state change; the log is never
// mutated or deleted.
func (tx *Tx) AppendLifecycleEvent(ev *types.LifecycleEvent) error {
	if ev.ConversationID == "" {
		return types.NewValidationError("conversation_id", "must not be empty")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := tx.tx.Exec(
		`INSERT INTO conversation_lifecycle_events
			(conversation_id, session_id, event_type, old_state, new_state, "trigger", timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ConversationID, nullString(ev.SessionID), string(ev.EventType),
		string(ev.OldState), string(ev.NewState), ev.Trigger, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}

	logging.LifecycleDebug("Lifecycle event: conversation=%s type=%s %s->%s trigger=%s",
		ev.ConversationID, ev.EventType, ev.OldState, ev.NewState, ev.Trigger)
	return nil
}

// GetLifecycleHistory returns a conversation's lifecycle events in strict
// chronological order.
func (s *Store) GetLifecycleHistory(conversationID string) ([]types.LifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, conversation_id, session_id, event_type, old_state, new_state, "trigger", timestamp
		 FROM conversation_lifecycle_events
		 WHERE conversation_id = ?
		 ORDER BY timestamp ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, types.NewStorageError("lifecycle history", err)
	}
	defer rows.Close()

	var events []types.LifecycleEvent
	for rows.Next() {
		var ev types.LifecycleEvent
		var sessionID sql.NullString
		var old, new_, trigger string
		if err := rows.Scan(
			&ev.ID, &ev.ConversationID, &sessionID, (*string)(&ev.EventType),
			&old, &new_, &trigger, &ev.Timestamp,
		); err != nil {
			continue
		}
		ev.SessionID = sessionID.String
		ev.OldState = types.WorkflowState(old)
		ev.NewState = types.WorkflowState(new_)
		ev.Trigger = trigger
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpdateWorkflowState records a conversation's new workflow state.
// Callers append the matching state_changed lifecycle event in the same
// transaction.
func (tx *Tx) UpdateWorkflowState(conversationID string, state types.WorkflowState) error {
	if !state.Valid() {
		return types.NewValidationError("workflow_state", fmt.Sprintf("unknown state %q", state))
	}
	_, err := tx.tx.Exec(
		"UPDATE conversations SET workflow_state = ?, updated_at = ? WHERE id = ?",
		string(state), time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}
	return nil
}

// SetConversationActive flips the per-session active flag. The partial
// unique index on (session_id) WHERE is_active = 1 enforces at most one
// active conversation per session, so the previous holder must be
// deactivated first within the same transaction.
func (tx *Tx) SetConversationActive(conversationID string, active bool) error {
	_, err := tx.tx.Exec(
		"UPDATE conversations SET is_active = ?, updated_at = ? WHERE id = ?",
		boolInt(active), time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	return nil
}

// GetConversation is the tx-scoped read used by composite operations.
func (tx *Tx) GetConversation(id string) (*types.Conversation, error) {
	return getConversation(tx.tx, id)
}

// GetSession is the tx-scoped read used by composite operations.
func (tx *Tx) GetSession(id string) (*types.Session, error) {
	return getSession(tx.tx, id)
}
