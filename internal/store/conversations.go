package store

import (
	"database/sql"
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/types"

	json "github.com/goccy/go-json"
)

// MessageInput is one turn supplied to AddConversation. Timestamp may be
// zero, in which case the insertion time is used.
type MessageInput struct {
	Role      types.Role
	Content   string
	Timestamp time.Time
}

// ConversationUpdate carries optional field updates for a conversation.
// Nil fields are left untouched.
type ConversationUpdate struct {
	Title            *string
	Summary          *string
	Tags             *[]string
	QualityScore     *float64
	SemanticElements *map[string][]string
	IsActive         *bool
}

// AddConversation inserts a conversation with its messages and tags as one
// transaction. If the store is at capacity, the single oldest conversation
// by creation time is evicted first (cascading its messages and entity
// links, writing one eviction-log entry), so the post-insert count never
// exceeds the bound. A duplicate id is a ValidationError; any write failure
// rolls the whole operation back.
func (s *Store) AddConversation(id, title string, messages []MessageInput, tags []string) (*types.Conversation, error) {
	return s.addConversation(id, title, messages, tags, types.ConversationInteractive)
}

// ImportConversation is AddConversation for bulk-imported exchanges; the
// stored conversation carries the "imported" kind.
func (s *Store) ImportConversation(id, title string, messages []MessageInput, tags []string) (*types.Conversation, error) {
	return s.addConversation(id, title, messages, tags, types.ConversationImported)
}

func (s *Store) addConversation(id, title string, messages []MessageInput, tags []string, kind types.ConversationType) (*types.Conversation, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AddConversation")
	defer timer.Stop()

	if id == "" {
		return nil, types.NewValidationError("id", "must not be empty")
	}
	if title == "" {
		return nil, types.NewValidationError("title", "must not be empty")
	}

	now := time.Now().UTC()
	conv := &types.Conversation{
		ID:               id,
		Title:            title,
		Tags:             tags,
		MessageCount:     len(messages),
		ConversationType: kind,
		LastActivity:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if n := len(messages); n > 0 && !messages[n-1].Timestamp.IsZero() {
		conv.LastActivity = messages[n-1].Timestamp
	}

	err := s.WithTx(func(tx *Tx) error {
		if exists, err := conversationExists(tx.tx, id); err != nil {
			return err
		} else if exists {
			return types.NewValidationError("id", fmt.Sprintf("conversation %q already exists", id))
		}

		if err := tx.EvictIfAtCapacity(); err != nil {
			return err
		}
		if err := insertConversation(tx.tx, conv); err != nil {
			return err
		}
		for _, m := range messages {
			ts := m.Timestamp
			if ts.IsZero() {
				ts = now
			}
			if _, err := insertMessage(tx.tx, id, m.Role, m.Content, ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Store("Conversation added: id=%s messages=%d kind=%s", id, len(messages), kind)
	return conv, nil
}

// EvictIfAtCapacity removes the single oldest conversation by creation time
// when the store is at its capacity bound, writing one eviction-log entry.
// Strict FIFO by created_at: predictable, not recency-driven.
func (tx *Tx) EvictIfAtCapacity() error {
	var count int
	if err := tx.tx.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&count); err != nil {
		return fmt.Errorf("failed to count conversations: %w", err)
	}
	if count < tx.s.maxConvs {
		return nil
	}

	var oldestID string
	err := tx.tx.QueryRow(
		"SELECT id FROM conversations ORDER BY created_at ASC, id ASC LIMIT 1",
	).Scan(&oldestID)
	if err != nil {
		return fmt.Errorf("failed to find eviction candidate: %w", err)
	}

	if err := deleteConversationCascade(tx.tx, oldestID); err != nil {
		return err
	}

	_, err = tx.tx.Exec(
		"INSERT INTO eviction_log (conversation_id, event_type, timestamp, details) VALUES (?, 'evicted', ?, ?)",
		oldestID, time.Now().UTC(), "fifo_limit",
	)
	if err != nil {
		return fmt.Errorf("failed to write eviction log: %w", err)
	}

	logging.Store("Evicted oldest conversation: id=%s (capacity %d)", oldestID, tx.s.maxConvs)
	return nil
}

// deleteConversationCascade removes a conversation together with its
// messages, entity links, and the correlations keyed by its turns.
// Lifecycle events and eviction-log rows are append-only history and stay.
func deleteConversationCascade(q queryer, id string) error {
	if _, err := q.Exec(
		"DELETE FROM temporal_correlations WHERE turn_id IN (SELECT id FROM messages WHERE conversation_id = ?)", id,
	); err != nil {
		return fmt.Errorf("failed to delete correlations: %w", err)
	}
	if _, err := q.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := q.Exec("DELETE FROM conversation_entities WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete entity links: %w", err)
	}
	if _, err := q.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and its dependent rows.
// Returns types.ErrNotFound if the conversation does not exist.
func (s *Store) DeleteConversation(id string) error {
	return s.WithTx(func(tx *Tx) error {
		exists, err := conversationExists(tx.tx, id)
		if err != nil {
			return err
		}
		if !exists {
			return types.ErrNotFound
		}
		return deleteConversationCascade(tx.tx, id)
	})
}

// CreateConversation inserts a bare conversation row inside the transaction.
// Capacity eviction is applied first so the bound holds on every insert path.
func (tx *Tx) CreateConversation(conv *types.Conversation) error {
	if err := tx.EvictIfAtCapacity(); err != nil {
		return err
	}
	return insertConversation(tx.tx, conv)
}

func conversationExists(q queryer, id string) (bool, error) {
	var one int
	err := q.QueryRow("SELECT 1 FROM conversations WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	return true, nil
}

func insertConversation(q queryer, c *types.Conversation) error {
	tagsJSON, _ := json.Marshal(c.Tags)
	semJSON, _ := json.Marshal(c.SemanticElements)

	_, err := q.Exec(
		`INSERT INTO conversations
			(id, title, summary, tags, message_count, session_id, workflow_state,
			 conversation_type, quality_score, semantic_elements, is_active,
			 last_activity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Summary, string(tagsJSON), c.MessageCount,
		nullString(c.SessionID), nullString(string(c.WorkflowState)),
		string(c.ConversationType), c.QualityScore, string(semJSON),
		boolInt(c.IsActive), c.LastActivity, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}

	// Entity links derive from tags and path-shaped title tokens; message
	// appends extend them.
	for _, tag := range c.Tags {
		if err := linkEntity(q, c.ID, tag); err != nil {
			return err
		}
	}
	for _, tok := range types.ExtractFileTokens(c.Title) {
		if err := linkEntity(q, c.ID, tok); err != nil {
			return err
		}
	}
	return nil
}

func linkEntity(q queryer, conversationID, entity string) error {
	if entity == "" {
		return nil
	}
	_, err := q.Exec(
		"INSERT OR IGNORE INTO conversation_entities (conversation_id, entity) VALUES (?, ?)",
		conversationID, entity,
	)
	if err != nil {
		return fmt.Errorf("failed to link entity: %w", err)
	}
	return nil
}

// GetConversation retrieves one conversation. Absence is not an error:
// a nil conversation with a nil error means "not found".
func (s *Store) GetConversation(id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getConversation(s.db, id)
}

func getConversation(q queryer, id string) (*types.Conversation, error) {
	row := q.QueryRow(selectConversation+" WHERE id = ?", id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("get conversation", err)
	}
	return conv, nil
}

// GetRecentConversations returns conversations ordered by last activity,
// most recent first.
func (s *Store) GetRecentConversations(limit int) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	return queryConversations(s.db,
		selectConversation+" ORDER BY last_activity DESC LIMIT ?", limit)
}

// UpdateConversation applies the non-nil fields of upd to a conversation.
// Returns types.ErrNotFound for an unknown id.
func (s *Store) UpdateConversation(id string, upd ConversationUpdate) error {
	return s.WithTx(func(tx *Tx) error {
		exists, err := conversationExists(tx.tx, id)
		if err != nil {
			return err
		}
		if !exists {
			return types.ErrNotFound
		}

		set := "updated_at = ?"
		args := []any{time.Now().UTC()}
		if upd.Title != nil {
			if *upd.Title == "" {
				return types.NewValidationError("title", "must not be empty")
			}
			set += ", title = ?"
			args = append(args, *upd.Title)
		}
		if upd.Summary != nil {
			set += ", summary = ?"
			args = append(args, *upd.Summary)
		}
		if upd.Tags != nil {
			tagsJSON, _ := json.Marshal(*upd.Tags)
			set += ", tags = ?"
			args = append(args, string(tagsJSON))
			for _, tag := range *upd.Tags {
				if err := linkEntity(tx.tx, id, tag); err != nil {
					return err
				}
			}
		}
		if upd.QualityScore != nil {
			set += ", quality_score = ?"
			args = append(args, *upd.QualityScore)
		}
		if upd.SemanticElements != nil {
			semJSON, _ := json.Marshal(*upd.SemanticElements)
			set += ", semantic_elements = ?"
			args = append(args, string(semJSON))
		}
		if upd.IsActive != nil {
			set += ", is_active = ?"
			args = append(args, boolInt(*upd.IsActive))
		}

		args = append(args, id)
		if _, err := tx.tx.Exec("UPDATE conversations SET "+set+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("failed to update conversation %s: %w", id, err)
		}
		return nil
	})
}

// SearchByKeyword scans conversation titles, summaries, and message content
// with a case-insensitive substring match. Read-only.
func (s *Store) SearchByKeyword(keyword string, limit int) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if keyword == "" {
		return nil, types.NewValidationError("keyword", "must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	pattern := likePattern(keyword)
	return queryConversations(s.db,
		selectConversation+` WHERE id IN (
			SELECT id FROM conversations
			 WHERE title LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\'
			UNION
			SELECT conversation_id FROM messages WHERE content LIKE ? ESCAPE '\'
		 ) ORDER BY last_activity DESC LIMIT ?`,
		pattern, pattern, pattern, limit)
}

// SearchByEntity returns conversations linked to the given entity
// (tag or mentioned file token).
func (s *Store) SearchByEntity(entity string, limit int) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entity == "" {
		return nil, types.NewValidationError("entity", "must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}
	return queryConversations(s.db,
		selectConversation+` WHERE id IN (
			SELECT conversation_id FROM conversation_entities WHERE entity = ?
		 ) ORDER BY last_activity DESC LIMIT ?`,
		entity, limit)
}

// SearchByDateRange returns conversations created within [from, to].
func (s *Store) SearchByDateRange(from, to time.Time, limit int) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if to.Before(from) {
		return nil, types.NewValidationError("range", "end precedes start")
	}
	if limit <= 0 {
		limit = 10
	}
	return queryConversations(s.db,
		selectConversation+" WHERE created_at >= ? AND created_at <= ? ORDER BY created_at DESC LIMIT ?",
		from, to, limit)
}

// GetEvictionLog returns eviction entries, most recent first.
func (s *Store) GetEvictionLog(limit int) ([]types.EvictionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, conversation_id, event_type, timestamp, details FROM eviction_log ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, types.NewStorageError("eviction log", err)
	}
	defer rows.Close()

	var entries []types.EvictionLogEntry
	for rows.Next() {
		var e types.EvictionLogEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.EventType, &e.Timestamp, &e.Details); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ROW SCANNING
// =============================================================================

const selectConversation = `SELECT id, title, summary, tags, message_count,
	session_id, workflow_state, conversation_type, quality_score,
	semantic_elements, is_active, last_activity, created_at, updated_at
	FROM conversations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var c types.Conversation
	var tagsJSON, semJSON string
	var sessionID, state sql.NullString
	var quality sql.NullFloat64
	var active int

	err := row.Scan(
		&c.ID, &c.Title, &c.Summary, &tagsJSON, &c.MessageCount,
		&sessionID, &state, (*string)(&c.ConversationType), &quality,
		&semJSON, &active, &c.LastActivity, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.SessionID = sessionID.String
	c.WorkflowState = types.WorkflowState(state.String)
	if quality.Valid {
		q := quality.Float64
		c.QualityScore = &q
	}
	c.IsActive = active != 0
	if tagsJSON != "" {
		json.Unmarshal([]byte(tagsJSON), &c.Tags)
	}
	if semJSON != "" {
		json.Unmarshal([]byte(semJSON), &c.SemanticElements)
	}
	return &c, nil
}

func queryConversations(q queryer, query string, args ...any) ([]types.Conversation, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, types.NewStorageError("query conversations", err)
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			continue
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
