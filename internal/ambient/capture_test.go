package ambient

import (
	"context"
	"testing"
	"time"

	"engram/internal/store"
	"engram/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:", 20)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRecorder(st, time.Second), st
}

func seedSession(t *testing.T, st *store.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.WithTx(func(tx *store.Tx) error {
		return tx.CreateSession(&types.Session{
			ID: id, WorkspacePath: "/work",
			StartedAt: now, LastActivity: now, IdleThresholdSec: 7200,
		})
	})
	require.NoError(t, err)
}

func TestLogFileChange(t *testing.T) {
	r, st := newTestRecorder(t)
	seedSession(t, st, "sess-1")

	id, err := r.LogFileChange("sess-1", "", "src/main.go", "edit", 70, "modified src/main.go")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	events, err := st.GetSessionEvents("sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventFileChange, events[0].EventType)
	assert.Equal(t, "src/main.go", events[0].FilePath)
}

func TestLogEventValidationPassesThrough(t *testing.T) {
	r, _ := newTestRecorder(t)

	_, err := r.LogEvent(&types.AmbientEvent{EventType: types.EventCommand, Score: 50})
	assert.True(t, types.IsValidation(err))
}

func TestCaptureVCSContextFailsSoft(t *testing.T) {
	r, _ := newTestRecorder(t)

	// A bare temp dir is not a git repository; the probe must report why
	// instead of erroring.
	res := r.CaptureVCSContext(context.Background(), t.TempDir())
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Reason)
}

func TestLogVCSOperationWithoutRepo(t *testing.T) {
	r, st := newTestRecorder(t)
	seedSession(t, st, "sess-1")

	// Capture fails in a non-repo dir, but the event is logged regardless.
	id, err := r.LogVCSOperation(context.Background(), "sess-1", t.TempDir(), "commit", 60)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	events, err := st.GetSessionEvents("sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, types.EventVCSOperation, ev.EventType)
	assert.Equal(t, "commit", ev.Metadata["operation"])
	_, hasBranch := ev.Metadata["branch"]
	assert.False(t, hasBranch, "no branch enrichment without a repository")
}

func TestNewRecorderDefaults(t *testing.T) {
	_, st := newTestRecorder(t)
	r := NewRecorder(st, 0)
	assert.Equal(t, DefaultVCSTimeout, r.vcsTimeout)
}
