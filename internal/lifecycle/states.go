// Package lifecycle implements engram's session detection and conversation
// workflow state machine: which session a request belongs to, whether it
// starts a new conversation or continues the active one, what workflow state
// it moves the conversation into, and when the conversation closes. Every
// decision is driven by explicit phrase tables so new trigger vocabulary can
// be added without touching control flow.
package lifecycle

import (
	"strings"
	"unicode"

	"engram/internal/types"
)

// stateSignal maps a phrase set to the workflow state it indicates.
type stateSignal struct {
	state   types.WorkflowState
	phrases []string
}

// stateSignals is scanned in declared order; the first phrase hit wins.
var stateSignals = []stateSignal{
	{types.StatePlanning, []string{
		"plan", "design", "architect", "architecture", "approach",
		"strategy", "propose", "how should", "sketch out", "spec out",
	}},
	{types.StateExecuting, []string{
		"implement", "build", "write", "create", "add", "code up",
		"refactor", "fix", "wire up",
	}},
	{types.StateTesting, []string{
		"test", "verify", "run the", "check that", "make sure it works",
		"passes",
	}},
	{types.StateValidating, []string{
		"review", "inspect", "audit", "look over", "double-check",
		"validate",
	}},
	{types.StateComplete, []string{
		"done", "complete", "finished", "ship it", "wrap up", "all set",
		"looks good, merge",
	}},
}

// newTopicPhrases explicitly signal a fresh conversation.
var newTopicPhrases = []string{
	"new conversation", "start fresh", "new topic", "start over",
	"different topic", "switch topics", "let's talk about something else",
}

// continuationPhrases force continuation of the active conversation, even
// when other signals are ambiguous.
var continuationPhrases = []string{
	"continue", "resume", "keep going", "as we discussed",
	"where we left off", "back to", "picking up",
}

// InferWorkflowState classifies request text against the signal table.
// With no phrase hit: an existing state advances exactly one step along the
// default chain (terminal states stick); no existing state defaults to
// EXECUTING.
func InferWorkflowState(text string, current types.WorkflowState) types.WorkflowState {
	lower := strings.ToLower(text)
	for _, sig := range stateSignals {
		for _, phrase := range sig.phrases {
			if matchPhrase(lower, phrase) {
				return sig.state
			}
		}
	}

	if current != "" && current.Valid() {
		return current.Next()
	}
	return types.StateExecuting
}

// ShouldCreateConversation decides whether request text opens a new
// conversation. An explicit continuation phrase always wins; an explicit
// new-topic phrase forces a new conversation; with no active conversation
// one is always created; otherwise the active conversation continues.
func ShouldCreateConversation(text string, hasActiveConversation bool) (bool, string) {
	lower := strings.ToLower(text)

	if hasActiveConversation {
		for _, phrase := range continuationPhrases {
			if matchPhrase(lower, phrase) {
				return false, types.TriggerExplicitContinuation
			}
		}
	}
	for _, phrase := range newTopicPhrases {
		if matchPhrase(lower, phrase) {
			return true, types.TriggerExplicitCommand
		}
	}
	if !hasActiveConversation {
		return true, types.TriggerNoActiveConversation
	}
	return false, types.TriggerDefaultContinuation
}

// ShouldCloseConversation decides whether a conversation closes after this
// request: reaching COMPLETE closes it, and so does being displaced by an
// explicitly requested new conversation.
func ShouldCloseConversation(state types.WorkflowState, newConversationRequested bool) (bool, string) {
	if newConversationRequested {
		return true, types.TriggerNewConversation
	}
	if state == types.StateComplete {
		return true, types.TriggerWorkflowComplete
	}
	return false, ""
}

// matchPhrase reports whether phrase occurs in lowered text. Multi-word
// phrases use substring containment; single words must match a whole token
// so "plan" does not fire on "airplane".
func matchPhrase(lowered, phrase string) bool {
	if strings.ContainsRune(phrase, ' ') {
		return strings.Contains(lowered, phrase)
	}
	for _, tok := range strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		if tok == phrase {
			return true
		}
	}
	return false
}

// deriveTitle builds a conversation title from the opening words of the
// first request.
func deriveTitle(text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "Untitled conversation"
	}
	const maxWords = 8
	if len(fields) > maxWords {
		fields = fields[:maxWords]
	}
	title := strings.Join(fields, " ")
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}
