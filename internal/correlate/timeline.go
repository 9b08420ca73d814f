package correlate

import (
	"fmt"
	"sort"
	"strings"

	"engram/internal/logging"
	"engram/internal/types"
)

// GetConversationTimeline merges a conversation's turns with its correlated
// ambient events into one strictly time-ordered sequence, plus summary
// counts of correlations by type and by event pattern. A conversation with
// no correlating events yields a valid turns-only timeline.
func (e *Engine) GetConversationTimeline(conversationID string) (*types.Timeline, error) {
	timer := logging.StartTimer(logging.CategoryCorrelate, "GetConversationTimeline")
	defer timer.Stop()

	// Read-through: computes and persists on first call, reuses after.
	corrs, err := e.CorrelateConversation(conversationID, false)
	if err != nil {
		return nil, err
	}

	msgs, err := e.store.GetMessages(conversationID)
	if err != nil {
		return nil, err
	}

	eventIDs := make(map[int64]struct{})
	countsByType := make(map[types.CorrelationType]int)
	for _, c := range corrs {
		eventIDs[c.EventID] = struct{}{}
		countsByType[c.Type]++
	}
	ids := make([]int64, 0, len(eventIDs))
	for id := range eventIDs {
		ids = append(ids, id)
	}
	events, err := e.store.GetEventsByIDs(ids)
	if err != nil {
		return nil, err
	}

	tl := &types.Timeline{
		ConversationID:  conversationID,
		CountsByType:    countsByType,
		CountsByPattern: make(map[string]int),
	}
	for i := range msgs {
		tl.Entries = append(tl.Entries, types.TimelineEntry{
			Kind:      types.TimelineTurn,
			Timestamp: msgs[i].Timestamp,
			Turn:      &msgs[i],
		})
	}
	for i := range events {
		tl.CountsByPattern[events[i].Pattern]++
		tl.Entries = append(tl.Entries, types.TimelineEntry{
			Kind:      types.TimelineEvent,
			Timestamp: events[i].Timestamp,
			Event:     &events[i],
		})
	}

	sort.SliceStable(tl.Entries, func(i, j int) bool {
		return tl.Entries[i].Timestamp.Before(tl.Entries[j].Timestamp)
	})

	return tl, nil
}

// GenerateSessionNarrative produces a human-readable chronological account
// of a session: its conversations in order, with ambient activity grouped
// by detected pattern. Built purely from stored timeline/correlation data;
// no new scoring happens here.
func (e *Engine) GenerateSessionNarrative(sessionID string) (string, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", fmt.Errorf("narrative for session %s: %w", sessionID, types.ErrNotFound)
	}

	convs, err := e.store.GetSessionConversations(sessionID)
	if err != nil {
		return "", err
	}
	events, err := e.store.GetSessionEvents(sessionID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s in %s\n", sess.ID, sess.WorkspacePath)
	fmt.Fprintf(&b, "Started %s", sess.StartedAt.Format("2006-01-02 15:04"))
	if sess.EndedAt != nil {
		fmt.Fprintf(&b, ", ended %s", sess.EndedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&b, " - %d conversation(s), %d ambient event(s)\n", len(convs), len(events))

	for i := range convs {
		c := &convs[i]
		fmt.Fprintf(&b, "\n[%s] %s\n", c.CreatedAt.Format("15:04"), c.Title)
		state := string(c.WorkflowState)
		if state == "" {
			state = "(no state)"
		}
		fmt.Fprintf(&b, "  state=%s messages=%d", state, c.MessageCount)
		if !c.IsActive {
			b.WriteString(" closed")
		}
		b.WriteString("\n")

		corrs, err := e.store.GetCorrelations(c.ID)
		if err != nil {
			return "", err
		}
		if len(corrs) > 0 {
			byType := make(map[types.CorrelationType]int)
			for _, cr := range corrs {
				byType[cr.Type]++
			}
			fmt.Fprintf(&b, "  correlations: temporal=%d file_mention=%d plan_verification=%d\n",
				byType[types.CorrelationTemporal],
				byType[types.CorrelationFileMention],
				byType[types.CorrelationPlanVerification])
		}
	}

	if len(events) > 0 {
		byPattern := make(map[string][]types.AmbientEvent)
		var patterns []string
		for _, ev := range events {
			p := ev.Pattern
			if p == "" {
				p = "uncategorized"
			}
			if _, ok := byPattern[p]; !ok {
				patterns = append(patterns, p)
			}
			byPattern[p] = append(byPattern[p], ev)
		}
		sort.Strings(patterns)

		b.WriteString("\nAmbient activity:\n")
		for _, p := range patterns {
			evs := byPattern[p]
			fmt.Fprintf(&b, "  %s (%d):\n", p, len(evs))
			for _, ev := range evs {
				fmt.Fprintf(&b, "    [%s] %s\n", ev.Timestamp.Format("15:04"), ev.Summary)
			}
		}
	}

	return b.String(), nil
}
