// Package correlate implements the temporal correlation engine: it links
// ambient events to the conversation turns that likely triggered them,
// persists the scored links idempotently, and produces merged timelines and
// session narratives from them.
package correlate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/store"
	"engram/internal/types"

	"golang.org/x/sync/errgroup"
)

// DefaultWindow is the symmetric time window around each turn within which
// ambient events are considered correlation candidates.
const DefaultWindow = 3600 * time.Second

// scoreWorkers bounds the per-turn scoring fan-out.
const scoreWorkers = 4

// Engine scores and persists turn/event correlations.
type Engine struct {
	store  *store.Store
	window time.Duration
}

// NewEngine builds a correlation engine over the store.
func NewEngine(st *store.Store, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{store: st, window: window}
}

// CorrelateConversation links a conversation's turns to the ambient events
// around them. Without force, a previously persisted set is returned
// unchanged (idempotent read-through). With force, the conversation's
// correlation set is discarded and fully recomputed - replaced, never
// accumulated.
func (e *Engine) CorrelateConversation(conversationID string, force bool) ([]types.Correlation, error) {
	timer := logging.StartTimer(logging.CategoryCorrelate, "CorrelateConversation")
	defer timer.Stop()

	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("correlate conversation %s: %w", conversationID, types.ErrNotFound)
	}

	if !force {
		existing, err := e.store.GetCorrelations(conversationID)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			logging.CorrelateDebug("Returning %d persisted correlations for %s", len(existing), conversationID)
			return existing, nil
		}
	}

	msgs, err := e.store.GetMessages(conversationID)
	if err != nil {
		return nil, err
	}

	// Candidate generation per turn is independent; fan out, then merge
	// into a deterministic order before the single batch write.
	perTurn := make([][]types.Correlation, len(msgs))
	g := new(errgroup.Group)
	g.SetLimit(scoreWorkers)
	for i := range msgs {
		i := i
		g.Go(func() error {
			corrs, err := e.correlateTurn(conv, &msgs[i])
			if err != nil {
				return err
			}
			perTurn[i] = corrs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []types.Correlation
	for _, corrs := range perTurn {
		all = append(all, corrs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].TurnID != all[j].TurnID {
			return all[i].TurnID < all[j].TurnID
		}
		if all[i].EventID != all[j].EventID {
			return all[i].EventID < all[j].EventID
		}
		return all[i].Type < all[j].Type
	})

	if err := e.store.ReplaceCorrelations(conversationID, all); err != nil {
		return nil, err
	}

	logging.Correlate("Correlated conversation %s: %d turns, %d correlations (force=%v)",
		conversationID, len(msgs), len(all), force)
	return all, nil
}

// correlateTurn scores one turn against every candidate event in its window.
func (e *Engine) correlateTurn(conv *types.Conversation, turn *types.Message) ([]types.Correlation, error) {
	events, err := e.candidateEvents(conv, turn.Timestamp)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	mentions := types.ExtractFileTokens(turn.Content)
	planTokens := types.ExtractPlanTokens(turn.Content)
	planTurn := len(planTokens) > 0 || hasPlanVocabulary(turn.Content)

	var corrs []types.Correlation
	for i := range events {
		corrs = append(corrs, scorePair(turn, &events[i], mentions, planTokens, planTurn, e.window)...)
	}
	return corrs, nil
}

// candidateEvents fetches ambient events in the window around ts: the
// owning session's events when the conversation is session-bound, otherwise
// events attributed directly to the conversation (imports).
func (e *Engine) candidateEvents(conv *types.Conversation, ts time.Time) ([]types.AmbientEvent, error) {
	if conv.SessionID != "" {
		return e.store.GetEventsInWindow(conv.SessionID, ts, e.window)
	}

	events, err := e.store.GetConversationEvents(conv.ID)
	if err != nil {
		return nil, err
	}
	var inWindow []types.AmbientEvent
	for _, ev := range events {
		if absDuration(ev.Timestamp.Sub(ts)) <= e.window {
			inWindow = append(inWindow, ev)
		}
	}
	return inWindow, nil
}

// executionIndicators mark an event summary as evidence that planned work
// actually happened.
var executionIndicators = []string{
	"implement", "execut", "creat", "modif", "chang", "updat",
	"appl", "ran", "wrote", "built", "complet", "finish", "commit",
}

// planVocabulary marks a turn as planning/phase talk even without an
// explicit "phase N" token.
var planVocabulary = []string{"plan", "phase", "step", "milestone", "roadmap"}

func hasPlanVocabulary(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range planVocabulary {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// scorePair produces zero or more scored correlations for one (turn, event)
// pair. Each strategy is independent; confidences are monotone in time
// proximity and event significance and always land in [0,1].
func scorePair(turn *types.Message, ev *types.AmbientEvent, mentions, planTokens []string, planTurn bool, window time.Duration) []types.Correlation {
	dt := ev.Timestamp.Sub(turn.Timestamp)
	adt := absDuration(dt)
	if adt > window {
		return nil
	}
	timeFactor := 1 - adt.Seconds()/window.Seconds()
	dtSeconds := dt.Seconds()

	var corrs []types.Correlation

	// Temporal: produced for every in-window pair. Closer in time and more
	// significant events score higher; the 0.4 floor keeps near-in-time
	// low-significance events above noise.
	sig := clamp01(float64(ev.Score) / 100)
	corrs = append(corrs, types.Correlation{
		TurnID:          turn.ID,
		EventID:         ev.ID,
		Type:            types.CorrelationTemporal,
		Confidence:      clamp01(timeFactor * (0.4 + 0.6*sig)),
		TimeDiffSeconds: dtSeconds,
		MatchDetails: map[string]any{
			"significance":   ev.Score,
			"window_seconds": window.Seconds(),
		},
	})

	// File mention: only when the event touches a file the turn names. An
	// exact path match strictly outranks a filename-only match at equal
	// time distance.
	if ev.FilePath != "" && len(mentions) > 0 {
		if matched, method := matchFile(ev.FilePath, mentions); method != "" {
			base := 0.6
			if method == "exact_path" {
				base = 0.9
			}
			corrs = append(corrs, types.Correlation{
				TurnID:          turn.ID,
				EventID:         ev.ID,
				Type:            types.CorrelationFileMention,
				Confidence:      clamp01(base * (0.5 + 0.5*timeFactor)),
				TimeDiffSeconds: dtSeconds,
				MatchDetails: map[string]any{
					"matched_file": matched,
					"method":       method,
				},
			})
		}
	}

	// Plan verification: planning talk in the turn plus execution evidence
	// in the event summary. More matched indicators mean more confidence.
	if planTurn {
		indicators := matchedIndicators(ev.Summary)
		if len(indicators) > 0 {
			base := 0.3 + 0.15*float64(len(indicators))
			if base > 0.9 {
				base = 0.9
			}
			corrs = append(corrs, types.Correlation{
				TurnID:          turn.ID,
				EventID:         ev.ID,
				Type:            types.CorrelationPlanVerification,
				Confidence:      clamp01(base * (0.5 + 0.5*timeFactor)),
				TimeDiffSeconds: dtSeconds,
				MatchDetails: map[string]any{
					"indicators":  indicators,
					"plan_tokens": planTokens,
				},
			})
		}
	}

	return corrs
}

// matchFile compares an event's file path against the turn's mentioned
// tokens. Exact path equality wins; otherwise a filename-only match
// (directories ignored) is attempted.
func matchFile(eventPath string, mentions []string) (string, string) {
	norm := strings.Trim(strings.ReplaceAll(eventPath, `\`, "/"), "/")
	for _, m := range mentions {
		if strings.Trim(m, "/") == norm {
			return m, "exact_path"
		}
	}
	base := types.BaseName(norm)
	for _, m := range mentions {
		if types.BaseName(m) == base {
			return m, "filename"
		}
	}
	return "", ""
}

func matchedIndicators(summary string) []string {
	lower := strings.ToLower(summary)
	var matched []string
	for _, ind := range executionIndicators {
		if strings.Contains(lower, ind) {
			matched = append(matched, ind)
		}
	}
	return matched
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
