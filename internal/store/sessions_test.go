package store

import (
	"testing"
	"time"

	"engram/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSession(t *testing.T, s *Store, id, workspace string, lastActivity time.Time) {
	t.Helper()
	err := s.WithTx(func(tx *Tx) error {
		return tx.CreateSession(&types.Session{
			ID:               id,
			WorkspacePath:    workspace,
			StartedAt:        lastActivity,
			LastActivity:     lastActivity,
			IdleThresholdSec: 7200,
		})
	})
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t, 10)
	now := time.Now().UTC()

	createTestSession(t, s, "sess-1", "/work/project", now)

	open, err := s.GetOpenSession("/work/project")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "sess-1", open.ID)
	assert.True(t, open.Current(now))

	// Idle threshold exceeded: no longer current, but still open.
	assert.False(t, open.Current(now.Add(3*time.Hour)))

	err = s.WithTx(func(tx *Tx) error { return tx.EndSession("sess-1", now.Add(time.Hour)) })
	require.NoError(t, err)

	open, err = s.GetOpenSession("/work/project")
	require.NoError(t, err)
	assert.Nil(t, open)

	sess, err := s.GetSession("sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, sess.EndedAt)
	assert.WithinDuration(t, now.Add(time.Hour), *sess.EndedAt, time.Second)
}

func TestGetOpenSessionAbsent(t *testing.T) {
	s := newTestStore(t, 10)

	sess, err := s.GetOpenSession("/nowhere")
	require.NoError(t, err)
	assert.Nil(t, sess)

	sess, err = s.GetSession("missing")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestActiveConversationPerSession(t *testing.T) {
	s := newTestStore(t, 10)
	now := time.Now().UTC()
	createTestSession(t, s, "sess-1", "/work", now)

	mkConv := func(id string, active bool) error {
		return s.WithTx(func(tx *Tx) error {
			return tx.CreateConversation(&types.Conversation{
				ID: id, Title: id, SessionID: "sess-1",
				ConversationType: types.ConversationInteractive,
				IsActive:         active,
				LastActivity:     now, CreatedAt: now, UpdatedAt: now,
			})
		})
	}

	require.NoError(t, mkConv("conv-1", true))

	active, err := s.GetActiveConversation("sess-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "conv-1", active.ID)

	// The partial unique index rejects a second active conversation for the
	// same session.
	err = mkConv("conv-2", true)
	require.Error(t, err)

	// Deactivate first, then a new active conversation is allowed.
	err = s.WithTx(func(tx *Tx) error {
		if err := tx.SetConversationActive("conv-1", false); err != nil {
			return err
		}
		return tx.CreateConversation(&types.Conversation{
			ID: "conv-3", Title: "conv-3", SessionID: "sess-1",
			ConversationType: types.ConversationInteractive,
			IsActive:         true,
			LastActivity:     now, CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	active, err = s.GetActiveConversation("sess-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "conv-3", active.ID)
}

func TestLifecycleHistoryOrdering(t *testing.T) {
	s := newTestStore(t, 10)
	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

	_, err := s.AddConversation("conv-1", "audit me", nil, nil)
	require.NoError(t, err)

	events := []types.LifecycleEvent{
		{ConversationID: "conv-1", EventType: types.LifecycleCreated, Trigger: "no_active_conversation", Timestamp: base},
		{ConversationID: "conv-1", EventType: types.LifecycleStateChanged, NewState: types.StatePlanning, Trigger: "state_inference", Timestamp: base.Add(time.Minute)},
		{ConversationID: "conv-1", EventType: types.LifecycleStateChanged, OldState: types.StatePlanning, NewState: types.StateExecuting, Trigger: "state_inference", Timestamp: base.Add(2 * time.Minute)},
		{ConversationID: "conv-1", EventType: types.LifecycleClosed, OldState: types.StateExecuting, NewState: types.StateAbandoned, Trigger: "new_conversation_requested", Timestamp: base.Add(3 * time.Minute)},
	}
	err = s.WithTx(func(tx *Tx) error {
		for i := range events {
			if err := tx.AppendLifecycleEvent(&events[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	history, err := s.GetLifecycleHistory("conv-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp),
			"lifecycle history must be chronological")
	}
	assert.Equal(t, types.LifecycleCreated, history[0].EventType)
	assert.Equal(t, types.LifecycleClosed, history[3].EventType)

	// Replay reconstructs intermediate state.
	assert.Equal(t, types.StatePlanning, types.ReplayState(history, base.Add(90*time.Second)))
	assert.Equal(t, types.StateAbandoned, types.ReplayState(history, base.Add(time.Hour)))
}
