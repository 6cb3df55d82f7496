package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
	"github.com/twitch-gpt-bot-go/pkg/logger"
)

func newMemoryManager() *Manager {
	log := logger.Discard()
	return NewManagerWithArchive(NewMemoryArchive(config.MemoryConfig{}, log), log)
}

func transcript(id, channel string) *models.StoryTranscript {
	return &models.StoryTranscript{
		ID:      id,
		Channel: channel,
		Messages: []models.ChatMessage{
			models.NewChatMessage(models.RoleAssistant, "bot", "Once upon a time"),
		},
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
}

func TestMemoryArchiveListsNewestLast(t *testing.T) {
	m := newMemoryManager()
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, m.SaveTranscript(ctx, transcript(fmt.Sprintf("s%d", i), "chan")))
	}
	require.NoError(t, m.SaveTranscript(ctx, transcript("other", "elsewhere")))

	all, err := m.ListTranscripts(ctx, "chan", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "s1", all[0].ID)
	assert.Equal(t, "s4", all[3].ID)

	last, err := m.ListTranscripts(ctx, "chan", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, []string{"s3", "s4"}, []string{last[0].ID, last[1].ID})
}

func TestMemoryArchiveCopiesMessages(t *testing.T) {
	m := newMemoryManager()
	ctx := context.Background()

	tr := transcript("s1", "chan")
	require.NoError(t, m.SaveTranscript(ctx, tr))
	tr.Messages[0].Content = "mutated"

	got, err := m.ListTranscripts(ctx, "chan", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "<<<bot>>>: Once upon a time", got[0].Messages[0].Content)
}

func TestSaveTranscriptRejectsIncomplete(t *testing.T) {
	m := newMemoryManager()
	assert.ErrorIs(t, m.SaveTranscript(context.Background(), nil), ErrInvalidTranscript)
	assert.ErrorIs(t, m.SaveTranscript(context.Background(), &models.StoryTranscript{ID: "x"}), ErrInvalidTranscript)
}

func TestNewManagerUnsupportedType(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Type: "etcd"}}
	_, err := NewManager(cfg, logger.Discard())
	assert.Error(t, err)
}

func TestNewManagerMemory(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Type: "memory"}}
	m, err := NewManager(cfg, logger.Discard())
	require.NoError(t, err)
	assert.NoError(t, m.Close())
}
