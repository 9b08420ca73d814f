package store

import (
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// AppendMessage adds one turn to a conversation, updating its message count
// and last-activity stamp, all in one transaction. Returns the turn id.
func (s *Store) AppendMessage(conversationID string, role types.Role, content string, ts time.Time) (int64, error) {
	var turnID int64
	err := s.WithTx(func(tx *Tx) error {
		var err error
		turnID, err = tx.AppendMessage(conversationID, role, content, ts)
		return err
	})
	return turnID, err
}

// AppendMessage is the tx-scoped variant used by composite lifecycle
// operations.
func (tx *Tx) AppendMessage(conversationID string, role types.Role, content string, ts time.Time) (int64, error) {
	if conversationID == "" {
		return 0, types.NewValidationError("conversation_id", "must not be empty")
	}
	if role != types.RoleUser && role != types.RoleAssistant && role != types.RoleSystem {
		return 0, types.NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}
	if content == "" {
		return 0, types.NewValidationError("content", "must not be empty")
	}

	exists, err := conversationExists(tx.tx, conversationID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, types.ErrNotFound
	}

	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	turnID, err := insertMessage(tx.tx, conversationID, role, content, ts)
	if err != nil {
		return 0, err
	}

	_, err = tx.tx.Exec(
		`UPDATE conversations
			SET message_count = message_count + 1, last_activity = ?, updated_at = ?
		 WHERE id = ?`,
		ts, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bump conversation activity: %w", err)
	}

	logging.StoreDebug("Message appended: conversation=%s turn=%d role=%s", conversationID, turnID, role)
	return turnID, nil
}

// insertMessage writes the message row and its file-token entity links.
func insertMessage(q queryer, conversationID string, role types.Role, content string, ts time.Time) (int64, error) {
	res, err := q.Exec(
		"INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		conversationID, string(role), content, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	for _, tok := range types.ExtractFileTokens(content) {
		if err := linkEntity(q, conversationID, tok); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetMessages returns a conversation's messages in strict insertion order.
func (s *Store) GetMessages(conversationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, conversation_id, role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY id ASC",
		conversationID,
	)
	if err != nil {
		return nil, types.NewStorageError("get messages", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, (*string)(&m.Role), &m.Content, &m.Timestamp); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
