package lifecycle

import (
	"testing"
	"time"

	"engram/internal/store"
	"engram/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:", 20)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, 7200, time.Minute), st
}

func TestDetectOrCreateSession(t *testing.T) {
	m, _ := newTestManager(t)

	sess, isNew, err := m.DetectOrCreateSession("/work/project")
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NotNil(t, sess)

	again, isNew, err := m.DetectOrCreateSession("/work/project")
	require.NoError(t, err)
	assert.False(t, isNew, "open session within threshold is reused")
	assert.Equal(t, sess.ID, again.ID)

	other, isNew, err := m.DetectOrCreateSession("/work/other")
	require.NoError(t, err)
	assert.True(t, isNew, "sessions are per workspace")
	assert.NotEqual(t, sess.ID, other.ID)

	_, _, err = m.DetectOrCreateSession("")
	assert.True(t, types.IsValidation(err))
}

func TestHandleUserRequestNewConversation(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

	out, err := m.HandleUserRequest(UserRequest{
		Text:              "plan the auth refactor",
		WorkspacePath:     "/work/project",
		AssistantResponse: "here is a sketch",
		Timestamp:         base,
	})
	require.NoError(t, err)
	assert.True(t, out.IsNewSession)
	assert.True(t, out.IsNewConversation)
	assert.Equal(t, types.TriggerNoActiveConversation, out.Trigger)
	assert.Equal(t, types.StatePlanning, out.State)
	assert.False(t, out.Closed)

	conv, err := st.GetConversation(out.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "plan the auth refactor", conv.Title)
	assert.True(t, conv.IsActive)
	assert.Equal(t, types.StatePlanning, conv.WorkflowState)
	assert.Equal(t, 2, conv.MessageCount, "user turn plus assistant response")

	history, err := m.GetConversationLifecycleHistory(out.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.LifecycleCreated, history[0].EventType)
	assert.Equal(t, types.LifecycleStateChanged, history[1].EventType)
	assert.Equal(t, types.StatePlanning, history[1].NewState)
}

func TestHandleUserRequestContinuation(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

	first, err := m.HandleUserRequest(UserRequest{
		Text: "plan the auth refactor", WorkspacePath: "/work", Timestamp: base,
	})
	require.NoError(t, err)

	second, err := m.HandleUserRequest(UserRequest{
		Text: "okay, proceed", WorkspacePath: "/work", Timestamp: base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, second.IsNewSession)
	assert.False(t, second.IsNewConversation)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, types.TriggerDefaultContinuation, second.Trigger)
	// Neutral text advances the workflow one step along the chain.
	assert.Equal(t, types.StateExecuting, second.State)

	conv, err := st.GetConversation(first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestHandleUserRequestWorkflowProgressionToComplete(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

	texts := []string{
		"plan the auth refactor", // PLANNING
		"okay, proceed",          // EXECUTING (one-step advance)
		"okay then",              // TESTING
		"hmm",                    // VALIDATING
		"all set, thanks",        // COMPLETE
	}
	wantStates := []types.WorkflowState{
		types.StatePlanning, types.StateExecuting, types.StateTesting,
		types.StateValidating, types.StateComplete,
	}

	var convID string
	for i, text := range texts {
		out, err := m.HandleUserRequest(UserRequest{
			Text: text, WorkspacePath: "/work",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, wantStates[i], out.State, "request %d", i)
		if i == 0 {
			convID = out.ConversationID
		} else {
			assert.Equal(t, convID, out.ConversationID, "request %d stays in the conversation", i)
		}
		assert.Equal(t, out.Closed, i == len(texts)-1, "only the final request closes")
	}

	conv, err := st.GetConversation(convID)
	require.NoError(t, err)
	assert.False(t, conv.IsActive)
	assert.Equal(t, types.StateComplete, conv.WorkflowState)

	history, err := m.GetConversationLifecycleHistory(convID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.LifecycleClosed, last.EventType)
	assert.Equal(t, types.StateComplete, last.NewState)
	assert.Equal(t, types.TriggerWorkflowComplete, last.Trigger)

	// Exactly one created event in the whole log.
	created := 0
	for _, ev := range history {
		if ev.EventType == types.LifecycleCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	// After closure the next request opens a fresh conversation.
	next, err := m.HandleUserRequest(UserRequest{
		Text: "tell me about the cache", WorkspacePath: "/work",
		Timestamp: base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, next.IsNewConversation)
	assert.NotEqual(t, convID, next.ConversationID)
	assert.Equal(t, types.TriggerNoActiveConversation, next.Trigger)
}

func TestHandleUserRequestExplicitNewTopic(t *testing.T) {
	m, st := newTestManager(t)
	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

	first, err := m.HandleUserRequest(UserRequest{
		Text: "plan the auth refactor", WorkspacePath: "/work", Timestamp: base,
	})
	require.NoError(t, err)

	second, err := m.HandleUserRequest(UserRequest{
		Text: "new topic: migrate the database", WorkspacePath: "/work",
		Timestamp: base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, second.IsNewConversation)
	assert.Equal(t, types.TriggerExplicitCommand, second.Trigger)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)

	// The displaced conversation was closed as abandoned.
	displaced, err := st.GetConversation(first.ConversationID)
	require.NoError(t, err)
	assert.False(t, displaced.IsActive)
	assert.Equal(t, types.StateAbandoned, displaced.WorkflowState)

	history, err := m.GetConversationLifecycleHistory(first.ConversationID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.LifecycleClosed, last.EventType)
	assert.Equal(t, types.StateAbandoned, last.NewState)
	assert.Equal(t, types.TriggerNewConversation, last.Trigger)
	// The closed event's final state equals the conversation's last state.
	assert.Equal(t, displaced.WorkflowState, last.NewState)
}

func TestHandleUserRequestStaleSession(t *testing.T) {
	st, err := store.New(":memory:", 20)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	m := NewManager(st, 60, time.Minute) // one-minute idle threshold

	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	first, err := m.HandleUserRequest(UserRequest{
		Text: "plan the auth refactor", WorkspacePath: "/work", Timestamp: base,
	})
	require.NoError(t, err)

	second, err := m.HandleUserRequest(UserRequest{
		Text: "okay, proceed", WorkspacePath: "/work",
		Timestamp: base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, second.IsNewSession, "idle gap exceeded starts a new session")
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.True(t, second.IsNewConversation, "new session carries no active conversation")

	// The stale session ends at its own last activity, not at the new
	// request's time.
	stale, err := st.GetSession(first.SessionID)
	require.NoError(t, err)
	require.NotNil(t, stale.EndedAt)
	assert.WithinDuration(t, base, *stale.EndedAt, time.Second)
}

func TestHandleUserRequestValidation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.HandleUserRequest(UserRequest{Text: "", WorkspacePath: "/work"})
	assert.True(t, types.IsValidation(err))

	_, err = m.HandleUserRequest(UserRequest{Text: "hello", WorkspacePath: ""})
	assert.True(t, types.IsValidation(err))
}

func TestStateAt(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

	out, err := m.HandleUserRequest(UserRequest{
		Text: "plan the auth refactor", WorkspacePath: "/work", Timestamp: base,
	})
	require.NoError(t, err)
	_, err = m.HandleUserRequest(UserRequest{
		Text: "implement it", WorkspacePath: "/work", Timestamp: base.Add(time.Minute),
	})
	require.NoError(t, err)

	state, err := m.StateAt(out.ConversationID, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.StatePlanning, state)

	state, err = m.StateAt(out.ConversationID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuting, state)
}
