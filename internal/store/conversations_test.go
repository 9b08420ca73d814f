package store

import (
	"fmt"
	"testing"
	"time"

	"engram/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddConversation(t *testing.T) {
	s := newTestStore(t, 5)

	msgs := []MessageInput{
		{Role: types.RoleUser, Content: "how does the cache work?"},
		{Role: types.RoleAssistant, Content: "it evicts the oldest entry"},
	}
	conv, err := s.AddConversation("conv-1", "Cache questions", msgs, []string{"cache"})
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)
	assert.Equal(t, types.ConversationInteractive, conv.ConversationType)

	got, err := s.GetConversation("conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Cache questions", got.Title)
	assert.Equal(t, []string{"cache"}, got.Tags)
	assert.Equal(t, 2, got.MessageCount)

	stored, err := s.GetMessages("conv-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, types.RoleUser, stored[0].Role)
	assert.Equal(t, types.RoleAssistant, stored[1].Role)
}

func TestAddConversationValidation(t *testing.T) {
	s := newTestStore(t, 5)

	_, err := s.AddConversation("", "title", nil, nil)
	assert.True(t, types.IsValidation(err), "empty id should be a validation error")

	_, err = s.AddConversation("conv-1", "", nil, nil)
	assert.True(t, types.IsValidation(err), "empty title should be a validation error")

	_, err = s.AddConversation("conv-1", "first", nil, nil)
	require.NoError(t, err)

	// Duplicate id surfaces as a validation error, not a crash, and leaves
	// the original untouched.
	_, err = s.AddConversation("conv-1", "second", nil, nil)
	assert.True(t, types.IsValidation(err))

	got, err := s.GetConversation("conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Title)
}

func TestFIFOEviction(t *testing.T) {
	const capacity = 3
	s := newTestStore(t, capacity)

	for i := 1; i <= capacity+2; i++ {
		_, err := s.AddConversation(
			fmt.Sprintf("conv-%d", i), fmt.Sprintf("conversation %d", i), nil, nil)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct creation stamps
	}

	// Count never exceeds the bound.
	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(capacity), stats["conversations"])

	// Strict FIFO: the two oldest are gone, the rest remain.
	for _, id := range []string{"conv-1", "conv-2"} {
		conv, err := s.GetConversation(id)
		require.NoError(t, err)
		assert.Nil(t, conv, "%s should have been evicted", id)
	}
	for _, id := range []string{"conv-3", "conv-4", "conv-5"} {
		conv, err := s.GetConversation(id)
		require.NoError(t, err)
		assert.NotNil(t, conv, "%s should survive", id)
	}

	// Exactly one eviction-log entry per evicted conversation.
	log, err := s.GetEvictionLog(10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "conv-2", log[0].ConversationID) // most recent first
	assert.Equal(t, "conv-1", log[1].ConversationID)
	for _, e := range log {
		assert.Equal(t, "evicted", e.EventType)
		assert.Equal(t, "fifo_limit", e.Details)
	}
}

func TestEvictionCascades(t *testing.T) {
	s := newTestStore(t, 1)

	_, err := s.AddConversation("old", "old one", []MessageInput{
		{Role: types.RoleUser, Content: "touch src/main.go please"},
	}, []string{"build"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = s.AddConversation("new", "new one", nil, nil)
	require.NoError(t, err)

	// Evicted conversation leaves no orphaned messages or entity links.
	msgs, err := s.GetMessages("old")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	convs, err := s.SearchByEntity("build", 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestGetRecentConversations(t *testing.T) {
	s := newTestStore(t, 10)

	for i := 1; i <= 3; i++ {
		_, err := s.AddConversation(fmt.Sprintf("conv-%d", i), fmt.Sprintf("c%d", i), nil, nil)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	recent, err := s.GetRecentConversations(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "conv-3", recent[0].ID)
	assert.Equal(t, "conv-2", recent[1].ID)
}

func TestUpdateConversation(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.AddConversation("conv-1", "original", nil, nil)
	require.NoError(t, err)

	title := "renamed"
	summary := "a summary"
	quality := 0.83
	require.NoError(t, s.UpdateConversation("conv-1", ConversationUpdate{
		Title:        &title,
		Summary:      &summary,
		QualityScore: &quality,
	}))

	got, err := s.GetConversation("conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, "a summary", got.Summary)
	require.NotNil(t, got.QualityScore)
	assert.InDelta(t, 0.83, *got.QualityScore, 1e-9)

	err = s.UpdateConversation("missing", ConversationUpdate{Title: &title})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSearch(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.AddConversation("conv-1", "Fixing the login flow", []MessageInput{
		{Role: types.RoleUser, Content: "auth/login.py throws on expired tokens"},
	}, []string{"auth"})
	require.NoError(t, err)
	_, err = s.AddConversation("conv-2", "Dashboard styling", nil, []string{"ui"})
	require.NoError(t, err)

	t.Run("Keyword in title", func(t *testing.T) {
		convs, err := s.SearchByKeyword("login", 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "conv-1", convs[0].ID)
	})

	t.Run("Keyword in message content", func(t *testing.T) {
		convs, err := s.SearchByKeyword("expired tokens", 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "conv-1", convs[0].ID)
	})

	t.Run("Keyword with LIKE metacharacters", func(t *testing.T) {
		convs, err := s.SearchByKeyword("100%", 10)
		require.NoError(t, err)
		assert.Empty(t, convs)
	})

	t.Run("Entity from tag", func(t *testing.T) {
		convs, err := s.SearchByEntity("ui", 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "conv-2", convs[0].ID)
	})

	t.Run("Entity from mentioned file", func(t *testing.T) {
		convs, err := s.SearchByEntity("auth/login.py", 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "conv-1", convs[0].ID)
	})

	t.Run("Date range", func(t *testing.T) {
		now := time.Now().UTC()
		convs, err := s.SearchByDateRange(now.Add(-time.Hour), now.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, convs, 2)

		convs, err = s.SearchByDateRange(now.Add(-2*time.Hour), now.Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, convs)

		_, err = s.SearchByDateRange(now, now.Add(-time.Hour), 10)
		assert.True(t, types.IsValidation(err))
	})

	t.Run("Empty keyword rejected", func(t *testing.T) {
		_, err := s.SearchByKeyword("", 10)
		assert.True(t, types.IsValidation(err))
	})
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.AddConversation("conv-1", "to delete", []MessageInput{
		{Role: types.RoleUser, Content: "hello"},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation("conv-1"))

	conv, err := s.GetConversation("conv-1")
	require.NoError(t, err)
	assert.Nil(t, conv)

	msgs, err := s.GetMessages("conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, s.DeleteConversation("conv-1"), types.ErrNotFound)
}

func TestImportConversation(t *testing.T) {
	s := newTestStore(t, 10)

	base := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	conv, err := s.ImportConversation("imp-1", "Imported thread", []MessageInput{
		{Role: types.RoleUser, Content: "first", Timestamp: base},
		{Role: types.RoleAssistant, Content: "second", Timestamp: base.Add(time.Minute)},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ConversationImported, conv.ConversationType)
	assert.WithinDuration(t, base.Add(time.Minute), conv.LastActivity, time.Second)
}

func TestAppendMessageOrdering(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.AddConversation("conv-1", "ordering", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage("conv-1", types.RoleUser, fmt.Sprintf("message %d", i), time.Time{})
		require.NoError(t, err)
	}

	msgs, err := s.GetMessages("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("message %d", i), m.Content, "strict insertion order")
	}

	conv, err := s.GetConversation("conv-1")
	require.NoError(t, err)
	assert.Equal(t, 5, conv.MessageCount)
}

func TestAppendMessageValidation(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.AppendMessage("missing", types.RoleUser, "hello", time.Time{})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.AddConversation("conv-1", "t", nil, nil)
	require.NoError(t, err)

	_, err = s.AppendMessage("conv-1", "narrator", "hello", time.Time{})
	assert.True(t, types.IsValidation(err))

	_, err = s.AppendMessage("conv-1", types.RoleUser, "", time.Time{})
	assert.True(t, types.IsValidation(err))
}
