package store

import (
	"database/sql"
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// CreateSession opens a new session for a workspace.
func (tx *Tx) CreateSession(sess *types.Session) error {
	if sess.WorkspacePath == "" {
		return types.NewValidationError("workspace_path", "must not be empty")
	}
	_, err := tx.tx.Exec(
		`INSERT INTO sessions (id, workspace_path, started_at, ended_at, last_activity, conversation_count, idle_threshold_sec)
		 VALUES (?, ?, ?, NULL, ?, 0, ?)`,
		sess.ID, sess.WorkspacePath, sess.StartedAt, sess.LastActivity, sess.IdleThresholdSec,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logging.Session("Session created: id=%s workspace=%s", sess.ID, sess.WorkspacePath)
	return nil
}

// GetSession retrieves one session; absent sessions yield (nil, nil).
func (s *Store) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(s.db, id)
}

func getSession(q queryer, id string) (*types.Session, error) {
	row := q.QueryRow(selectSession+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("get session", err)
	}
	return sess, nil
}

// GetOpenSession returns the most recently started open session for a
// workspace, or nil when none is open.
func (s *Store) GetOpenSession(workspacePath string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOpenSession(s.db, workspacePath)
}

// GetOpenSession is the tx-scoped variant.
func (tx *Tx) GetOpenSession(workspacePath string) (*types.Session, error) {
	return getOpenSession(tx.tx, workspacePath)
}

func getOpenSession(q queryer, workspacePath string) (*types.Session, error) {
	row := q.QueryRow(
		selectSession+" WHERE workspace_path = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1",
		workspacePath,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("get open session", err)
	}
	return sess, nil
}

// TouchSession advances a session's last-activity stamp.
func (tx *Tx) TouchSession(id string, at time.Time) error {
	_, err := tx.tx.Exec("UPDATE sessions SET last_activity = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// EndSession closes a session. Idempotent: an already-ended session keeps
// its original end stamp.
func (tx *Tx) EndSession(id string, at time.Time) error {
	_, err := tx.tx.Exec("UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL", at, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	logging.Session("Session ended: id=%s", id)
	return nil
}

// IncrementConversationCount bumps a session's conversation counter.
func (tx *Tx) IncrementConversationCount(id string) error {
	_, err := tx.tx.Exec("UPDATE sessions SET conversation_count = conversation_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to bump conversation count: %w", err)
	}
	return nil
}

// GetActiveConversation returns the session's active conversation, or nil.
// The partial unique index guarantees at most one.
func (s *Store) GetActiveConversation(sessionID string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getActiveConversation(s.db, sessionID)
}

// GetActiveConversation is the tx-scoped variant.
func (tx *Tx) GetActiveConversation(sessionID string) (*types.Conversation, error) {
	return getActiveConversation(tx.tx, sessionID)
}

func getActiveConversation(q queryer, sessionID string) (*types.Conversation, error) {
	row := q.QueryRow(selectConversation+" WHERE session_id = ? AND is_active = 1", sessionID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("get active conversation", err)
	}
	return conv, nil
}

// GetSessionConversations lists a session's conversations in creation order.
func (s *Store) GetSessionConversations(sessionID string) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryConversations(s.db,
		selectConversation+" WHERE session_id = ? ORDER BY created_at ASC", sessionID)
}

const selectSession = `SELECT id, workspace_path, started_at, ended_at,
	last_activity, conversation_count, idle_threshold_sec FROM sessions`

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var ended sql.NullTime
	err := row.Scan(
		&s.ID, &s.WorkspacePath, &s.StartedAt, &ended,
		&s.LastActivity, &s.ConversationCount, &s.IdleThresholdSec,
	)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}
