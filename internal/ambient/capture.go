// Package ambient records passively captured development telemetry and
// enriches it with best-effort VCS context. Capture failures are contained
// here: they are inspectable results, never errors that reach or block the
// conversation path.
package ambient

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/store"
	"engram/internal/types"
)

// DefaultVCSTimeout is the hard wall-clock bound on external git calls.
const DefaultVCSTimeout = 5 * time.Second

// Recorder logs ambient events against sessions and conversations.
type Recorder struct {
	store      *store.Store
	vcsTimeout time.Duration
}

// NewRecorder builds a Recorder over the store.
func NewRecorder(st *store.Store, vcsTimeout time.Duration) *Recorder {
	if vcsTimeout <= 0 {
		vcsTimeout = DefaultVCSTimeout
	}
	return &Recorder{store: st, vcsTimeout: vcsTimeout}
}

// LogEvent validates and appends one ambient event.
func (r *Recorder) LogEvent(ev *types.AmbientEvent) (int64, error) {
	return r.store.LogAmbientEvent(ev)
}

// LogFileChange records a file modification event.
func (r *Recorder) LogFileChange(sessionID, conversationID, filePath, pattern string, score int, summary string) (int64, error) {
	return r.store.LogAmbientEvent(&types.AmbientEvent{
		SessionID:      sessionID,
		ConversationID: conversationID,
		EventType:      types.EventFileChange,
		FilePath:       filePath,
		Pattern:        pattern,
		Score:          score,
		Summary:        summary,
	})
}

// CaptureResult is the outcome of a best-effort VCS probe. A failed capture
// carries a reason instead of an error; callers may inspect it but are
// never forced to handle it.
type CaptureResult struct {
	OK         bool
	Reason     string // set when !OK
	Branch     string
	DirtyFiles int
}

// CaptureVCSContext probes the workspace's git state under a hard timeout.
// On timeout or error the probe fails soft: the result reports why, nothing
// is raised, and the primary path is never blocked.
func (r *Recorder) CaptureVCSContext(ctx context.Context, workspacePath string) CaptureResult {
	ctx, cancel := context.WithTimeout(ctx, r.vcsTimeout)
	defer cancel()

	branch, err := gitOutput(ctx, workspacePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		logging.AmbientDebug("VCS capture skipped: %v", err)
		return CaptureResult{Reason: err.Error()}
	}

	status, err := gitOutput(ctx, workspacePath, "status", "--porcelain")
	if err != nil {
		logging.AmbientDebug("VCS status skipped: %v", err)
		return CaptureResult{Reason: err.Error()}
	}

	dirty := 0
	if status != "" {
		dirty = len(strings.Split(status, "\n"))
	}
	return CaptureResult{OK: true, Branch: branch, DirtyFiles: dirty}
}

// LogVCSOperation records a VCS event, enriched with captured branch state
// when the probe succeeds. The event is logged either way.
func (r *Recorder) LogVCSOperation(ctx context.Context, sessionID, workspacePath, operation string, score int) (int64, error) {
	ev := &types.AmbientEvent{
		SessionID: sessionID,
		EventType: types.EventVCSOperation,
		Pattern:   "vcs",
		Score:     score,
		Summary:   operation,
		Metadata:  map[string]any{"operation": operation},
	}

	if res := r.CaptureVCSContext(ctx, workspacePath); res.OK {
		ev.Metadata["branch"] = res.Branch
		ev.Metadata["dirty_files"] = res.DirtyFiles
	}

	return r.store.LogAmbientEvent(ev)
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
