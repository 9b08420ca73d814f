package lifecycle

import (
	"time"

	"engram/internal/logging"
	"engram/internal/store"
	"engram/internal/types"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// Manager owns session detection, conversation creation/continuation
// decisions, workflow transitions, and the lifecycle audit log.
type Manager struct {
	store            *store.Store
	sessionCache     *gocache.Cache // workspace path -> session id
	idleThresholdSec int
}

// NewManager wires a lifecycle manager over the store. idleThresholdSec
// bounds session reuse; cacheTTL bounds the in-process current-session
// cache (the store remains authoritative).
func NewManager(st *store.Store, idleThresholdSec int, cacheTTL time.Duration) *Manager {
	if idleThresholdSec <= 0 {
		idleThresholdSec = 7200
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Manager{
		store:            st,
		sessionCache:     gocache.New(cacheTTL, 2*cacheTTL),
		idleThresholdSec: idleThresholdSec,
	}
}

// DetectOrCreateSession reuses the current session for the workspace when
// one is open and within its idle threshold; otherwise it ends the stale
// session and opens a new one. Returns the session and whether it is new.
func (m *Manager) DetectOrCreateSession(workspacePath string) (*types.Session, bool, error) {
	if workspacePath == "" {
		return nil, false, types.NewValidationError("workspace_path", "must not be empty")
	}

	now := time.Now().UTC()

	// Cache fast path, verified against the store.
	if cached, ok := m.sessionCache.Get(workspacePath); ok {
		if sess, err := m.store.GetSession(cached.(string)); err == nil && sess != nil && sess.Current(now) {
			return sess, false, nil
		}
		m.sessionCache.Delete(workspacePath)
	}

	var sess *types.Session
	var isNew bool
	err := m.store.WithTx(func(tx *store.Tx) error {
		var err error
		sess, isNew, err = m.resolveSession(tx, workspacePath, now)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	m.sessionCache.Set(workspacePath, sess.ID, gocache.DefaultExpiration)
	return sess, isNew, nil
}

// resolveSession is the tx-scoped session decision. Stale open sessions are
// closed lazily here, on the next call that touches the workspace - there
// are no background timers.
func (m *Manager) resolveSession(tx *store.Tx, workspacePath string, now time.Time) (*types.Session, bool, error) {
	open, err := tx.GetOpenSession(workspacePath)
	if err != nil {
		return nil, false, err
	}
	if open != nil {
		if open.Current(now) {
			if err := tx.TouchSession(open.ID, now); err != nil {
				return nil, false, err
			}
			open.LastActivity = now
			return open, false, nil
		}
		// Idle gap exceeded: the stale session ends at its last activity.
		if err := tx.EndSession(open.ID, open.LastActivity); err != nil {
			return nil, false, err
		}
		logging.Session("Stale session closed: id=%s idle since %s", open.ID, open.LastActivity)
	}

	sess := &types.Session{
		ID:               uuid.NewString(),
		WorkspacePath:    workspacePath,
		StartedAt:        now,
		LastActivity:     now,
		IdleThresholdSec: m.idleThresholdSec,
	}
	if err := tx.CreateSession(sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// UserRequest is one inbound request to the memory engine.
type UserRequest struct {
	Text              string
	WorkspacePath     string
	AssistantResponse string    // optional
	Timestamp         time.Time // optional; defaults to now
}

// RequestOutcome reports what HandleUserRequest did.
type RequestOutcome struct {
	SessionID         string
	ConversationID    string
	TurnID            int64
	IsNewSession      bool
	IsNewConversation bool
	State             types.WorkflowState
	Trigger           string
	Closed            bool
}

// HandleUserRequest performs session resolution, the conversation
// creation/continuation decision, message append, workflow-state update,
// and the closure check, in that order, inside one storage transaction.
func (m *Manager) HandleUserRequest(req UserRequest) (*RequestOutcome, error) {
	timer := logging.StartTimer(logging.CategoryLifecycle, "HandleUserRequest")
	defer timer.Stop()

	if req.Text == "" {
		return nil, types.NewValidationError("text", "must not be empty")
	}
	if req.WorkspacePath == "" {
		return nil, types.NewValidationError("workspace_path", "must not be empty")
	}

	now := req.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	outcome := &RequestOutcome{}

	err := m.store.WithTx(func(tx *store.Tx) error {
		sess, isNewSession, err := m.resolveSession(tx, req.WorkspacePath, now)
		if err != nil {
			return err
		}
		outcome.SessionID = sess.ID
		outcome.IsNewSession = isNewSession

		active, err := tx.GetActiveConversation(sess.ID)
		if err != nil {
			return err
		}

		createNew, trigger := ShouldCreateConversation(req.Text, active != nil)
		outcome.Trigger = trigger

		conv := active
		if createNew {
			if active != nil {
				if err := m.closeConversation(tx, active, types.StateAbandoned, types.TriggerNewConversation, now); err != nil {
					return err
				}
			}
			conv = &types.Conversation{
				ID:               uuid.NewString(),
				Title:            deriveTitle(req.Text),
				SessionID:        sess.ID,
				ConversationType: types.ConversationInteractive,
				IsActive:         true,
				LastActivity:     now,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.CreateConversation(conv); err != nil {
				return err
			}
			if err := tx.IncrementConversationCount(sess.ID); err != nil {
				return err
			}
			if err := tx.AppendLifecycleEvent(&types.LifecycleEvent{
				ConversationID: conv.ID,
				SessionID:      sess.ID,
				EventType:      types.LifecycleCreated,
				Trigger:        trigger,
				Timestamp:      now,
			}); err != nil {
				return err
			}
			outcome.IsNewConversation = true
		}
		outcome.ConversationID = conv.ID

		turnID, err := tx.AppendMessage(conv.ID, types.RoleUser, req.Text, now)
		if err != nil {
			return err
		}
		outcome.TurnID = turnID
		if req.AssistantResponse != "" {
			if _, err := tx.AppendMessage(conv.ID, types.RoleAssistant, req.AssistantResponse, now); err != nil {
				return err
			}
		}

		newState := InferWorkflowState(req.Text, conv.WorkflowState)
		if newState != conv.WorkflowState {
			if err := tx.UpdateWorkflowState(conv.ID, newState); err != nil {
				return err
			}
			if err := tx.AppendLifecycleEvent(&types.LifecycleEvent{
				ConversationID: conv.ID,
				SessionID:      sess.ID,
				EventType:      types.LifecycleStateChanged,
				OldState:       conv.WorkflowState,
				NewState:       newState,
				Trigger:        types.TriggerStateInference,
				Timestamp:      now,
			}); err != nil {
				return err
			}
		}
		outcome.State = newState

		if shouldClose, reason := ShouldCloseConversation(newState, false); shouldClose {
			if err := m.closeConversation(tx, &types.Conversation{
				ID:            conv.ID,
				SessionID:     sess.ID,
				WorkflowState: newState,
			}, newState, reason, now); err != nil {
				return err
			}
			outcome.Closed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.sessionCache.Set(req.WorkspacePath, outcome.SessionID, gocache.DefaultExpiration)

	logging.Lifecycle("Request handled: session=%s conversation=%s new_conv=%v state=%s trigger=%s",
		outcome.SessionID, outcome.ConversationID, outcome.IsNewConversation, outcome.State, outcome.Trigger)
	return outcome, nil
}

// closeConversation clears the active flag, records the final state, and
// appends the closed lifecycle event. The closed event's final state always
// equals the last state recorded for the conversation.
func (m *Manager) closeConversation(tx *store.Tx, conv *types.Conversation, finalState types.WorkflowState, trigger string, now time.Time) error {
	if err := tx.SetConversationActive(conv.ID, false); err != nil {
		return err
	}
	if finalState != conv.WorkflowState {
		if err := tx.UpdateWorkflowState(conv.ID, finalState); err != nil {
			return err
		}
	}
	return tx.AppendLifecycleEvent(&types.LifecycleEvent{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		EventType:      types.LifecycleClosed,
		OldState:       conv.WorkflowState,
		NewState:       finalState,
		Trigger:        trigger,
		Timestamp:      now,
	})
}

// GetConversationLifecycleHistory returns a conversation's audit log in
// chronological order.
func (m *Manager) GetConversationLifecycleHistory(conversationID string) ([]types.LifecycleEvent, error) {
	return m.store.GetLifecycleHistory(conversationID)
}

// StateAt replays the lifecycle log and returns the conversation's workflow
// state as of the given time.
func (m *Manager) StateAt(conversationID string, at time.Time) (types.WorkflowState, error) {
	events, err := m.store.GetLifecycleHistory(conversationID)
	if err != nil {
		return "", err
	}
	return types.ReplayState(events, at), nil
}
