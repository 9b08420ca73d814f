// Package types provides shared type definitions used across engram packages.
// This package exists to break import cycles between store, lifecycle, and
// correlate. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// WORKFLOW STATES
// =============================================================================

// WorkflowState describes how far along its work a conversation is.
type WorkflowState string

const (
	StatePlanning   WorkflowState = "PLANNING"
	StateExecuting  WorkflowState = "EXECUTING"
	StateTesting    WorkflowState = "TESTING"
	StateValidating WorkflowState = "VALIDATING"
	StateComplete   WorkflowState = "COMPLETE"
	StateAbandoned  WorkflowState = "ABANDONED"
)

// stateChain is the default linear progression. ABANDONED is terminal and
// reachable only by explicit closure, never by advancing the chain.
var stateChain = []WorkflowState{
	StatePlanning,
	StateExecuting,
	StateTesting,
	StateValidating,
	StateComplete,
}

// Next returns the state one step further along the default progression.
// COMPLETE and ABANDONED do not advance.
func (s WorkflowState) Next() WorkflowState {
	for i, st := range stateChain {
		if st == s && i+1 < len(stateChain) {
			return stateChain[i+1]
		}
	}
	return s
}

// Valid reports whether s is a known workflow state.
func (s WorkflowState) Valid() bool {
	switch s {
	case StatePlanning, StateExecuting, StateTesting, StateValidating, StateComplete, StateAbandoned:
		return true
	}
	return false
}

// Terminal reports whether a conversation in this state can still progress.
func (s WorkflowState) Terminal() bool {
	return s == StateComplete || s == StateAbandoned
}

// =============================================================================
// CONVERSATIONS AND MESSAGES
// =============================================================================

// ConversationType distinguishes live conversations from bulk imports.
type ConversationType string

const (
	ConversationInteractive ConversationType = "interactive"
	ConversationImported    ConversationType = "imported"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is a stored exchange and its bookkeeping fields.
// At most one conversation may be active per session at a time.
type Conversation struct {
	ID               string
	Title            string
	Summary          string
	Tags             []string
	MessageCount     int
	SessionID        string // empty when the conversation is not session-bound
	WorkflowState    WorkflowState
	ConversationType ConversationType
	QualityScore     *float64
	SemanticElements map[string][]string
	IsActive         bool
	LastActivity     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Message is a single turn inside a conversation. Messages are
// insertion-ordered and immutable once written; the row id doubles as the
// turn identifier used by correlations.
type Message struct {
	ID             int64
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
}

// =============================================================================
// SESSIONS
// =============================================================================

// Session is a bounded window of activity for one workspace.
type Session struct {
	ID                string
	WorkspacePath     string
	StartedAt         time.Time
	EndedAt           *time.Time
	LastActivity      time.Time
	ConversationCount int
	IdleThresholdSec  int
}

// Current reports whether the session can still absorb activity at time now:
// it must be open and its last activity within the idle threshold.
func (s *Session) Current(now time.Time) bool {
	if s.EndedAt != nil {
		return false
	}
	return now.Sub(s.LastActivity) <= time.Duration(s.IdleThresholdSec)*time.Second
}

// =============================================================================
// AMBIENT EVENTS
// =============================================================================

// AmbientEvent is a passively captured record of development activity
// (file change, command, VCS operation). Append-only, never mutated.
type AmbientEvent struct {
	ID             int64
	SessionID      string
	ConversationID string // optional
	EventType      string
	FilePath       string // optional
	Pattern        string
	Score          int // significance, 0-100
	Summary        string
	Timestamp      time.Time
	Metadata       map[string]any
}

// Common ambient event types.
const (
	EventFileChange   = "file_change"
	EventCommand      = "command_execution"
	EventVCSOperation = "vcs_operation"
)

// =============================================================================
// LIFECYCLE EVENTS
// =============================================================================

// LifecycleEventType enumerates the audit record kinds.
type LifecycleEventType string

const (
	LifecycleCreated      LifecycleEventType = "created"
	LifecycleClosed       LifecycleEventType = "closed"
	LifecycleStateChanged LifecycleEventType = "state_changed"
)

// LifecycleEvent is an append-only audit record of a conversation's life.
// The lifecycle log is the sole source of truth for a conversation's history
// and must be replayable to reconstruct state at any point in time.
type LifecycleEvent struct {
	ID             int64
	ConversationID string
	SessionID      string
	EventType      LifecycleEventType
	OldState       WorkflowState // empty for created
	NewState       WorkflowState
	Trigger        string
	Timestamp      time.Time
}

// Lifecycle trigger reasons.
const (
	TriggerNoActiveConversation = "no_active_conversation"
	TriggerExplicitCommand      = "explicit_command"
	TriggerExplicitContinuation = "explicit_continuation"
	TriggerDefaultContinuation  = "default_continuation"
	TriggerWorkflowComplete     = "workflow_complete"
	TriggerNewConversation      = "new_conversation_requested"
	TriggerStateInference       = "state_inference"
	TriggerImport               = "import"
)

// ReplayState folds a chronologically ordered lifecycle log and returns the
// workflow state as of time at. Returns the empty state if no event at or
// before at carries one.
func ReplayState(events []LifecycleEvent, at time.Time) WorkflowState {
	var state WorkflowState
	for _, ev := range events {
		if ev.Timestamp.After(at) {
			break
		}
		if ev.NewState != "" {
			state = ev.NewState
		}
	}
	return state
}

// =============================================================================
// CORRELATIONS
// =============================================================================

// CorrelationType identifies the linkage strategy that produced a correlation.
type CorrelationType string

const (
	CorrelationTemporal         CorrelationType = "temporal"
	CorrelationFileMention      CorrelationType = "file_mention"
	CorrelationPlanVerification CorrelationType = "plan_verification"
)

// Correlation is a scored link between a conversation turn and an ambient
// event, keyed by (turn, event, type). Confidence is always in [0,1].
type Correlation struct {
	TurnID          int64
	EventID         int64
	Type            CorrelationType
	Confidence      float64
	TimeDiffSeconds float64
	MatchDetails    map[string]any
}

// =============================================================================
// TIMELINE
// =============================================================================

// TimelineItemKind tags merged timeline entries by origin.
type TimelineItemKind string

const (
	TimelineTurn  TimelineItemKind = "turn"
	TimelineEvent TimelineItemKind = "ambient_event"
)

// TimelineEntry is one item in a conversation's merged timeline.
type TimelineEntry struct {
	Kind      TimelineItemKind
	Timestamp time.Time
	Turn      *Message      // set when Kind == TimelineTurn
	Event     *AmbientEvent // set when Kind == TimelineEvent
}

// Timeline is the strictly time-ordered fusion of a conversation's turns and
// its correlated ambient events, plus summary counts.
type Timeline struct {
	ConversationID  string
	Entries         []TimelineEntry
	CountsByType    map[CorrelationType]int
	CountsByPattern map[string]int
}

// EvictionLogEntry records one capacity eviction. Append-only.
type EvictionLogEntry struct {
	ID             int64
	ConversationID string
	EventType      string // always "evicted"
	Timestamp      time.Time
	Details        string
}
