package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
	"github.com/twitch-gpt-bot-go/internal/platform/twitch"
	"github.com/twitch-gpt-bot-go/internal/services/history"
	"github.com/twitch-gpt-bot-go/pkg/logger"
)

// ConfigSource hands out the current configuration snapshot.
type ConfigSource interface {
	Current() *config.Config
}

// InteractionRecorder buffers analytics records. Add returns a full batch
// once one is ready, and Upload sends it.
type InteractionRecorder interface {
	Add(record models.MessageMetadata) []models.MessageMetadata
	Upload(ctx context.Context, batch []models.MessageMetadata) error
}

// ChatterRegistry remembers who has been talking.
type ChatterRegistry interface {
	Add(name string)
	Len() int
}

// MessageObserver is notified of router activity. Used for metrics.
type MessageObserver interface {
	RecordMessageReceived(interactionType string)
	RecordMessageProcessed(status string)
	SetActiveChatters(count int)
}

// MessageHandler routes every chat event: it records interaction metadata,
// feeds the history queues and hands human commands to the command handler.
type MessageHandler struct {
	configs   ConfigSource
	store     *history.Store
	chatters  ChatterRegistry
	analytics InteractionRecorder
	commands  *CommandHandler
	metrics   MessageObserver
	logger    *logrus.Logger
	wg        sync.WaitGroup
}

// NewMessageHandler creates a new message handler. analytics and commands
// may be nil.
func NewMessageHandler(
	configs ConfigSource,
	store *history.Store,
	chatters ChatterRegistry,
	analytics InteractionRecorder,
	commands *CommandHandler,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		configs:   configs,
		store:     store,
		chatters:  chatters,
		analytics: analytics,
		commands:  commands,
		logger:    logger,
	}
}

// WithObserver attaches a metrics observer.
func (h *MessageHandler) WithObserver(o MessageObserver) *MessageHandler {
	h.metrics = o
	return h
}

var _ twitch.Handler = (*MessageHandler)(nil)

// HandleEvent processes one inbound chat event. Failures are logged and the
// event is dropped; nothing is sent back to chat from here.
func (h *MessageHandler) HandleEvent(ctx context.Context, event *models.ChatEvent) {
	if event == nil {
		return
	}
	cfg := h.configs.Current()

	meta := h.metadata(cfg, event)
	entry := logger.WithChatter(h.logger, meta.Channel, meta.Name)
	entry.WithFields(logrus.Fields{
		"interactionType": meta.InteractionType,
		"messageID":       meta.MessageID,
	}).Debug("Chat event received")

	if h.metrics != nil {
		h.metrics.RecordMessageReceived(meta.InteractionType)
	}
	h.record(ctx, meta)

	if strings.TrimSpace(event.Content) == "" {
		entry.Debug("Ignoring empty chat event")
		h.processed("dropped")
		return
	}

	msg := h.chatMessage(event)
	if err := h.store.AppendEvent(msg, !event.BotAuthored()); err != nil {
		entry.WithError(err).Warn("Dropping chat event from history")
		h.processed("dropped")
		return
	}

	if !event.BotAuthored() {
		h.chatters.Add(msg.AuthorName)
		if h.metrics != nil {
			h.metrics.SetActiveChatters(h.chatters.Len())
		}
	}

	if event.BotAuthored() || h.commands == nil || !h.commands.IsCommand(cfg, event.Content) {
		h.processed("success")
		return
	}

	// Commands wait on the completion API; run them off the read loop so
	// PINGs keep being answered.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.commands.HandleCommand(context.WithoutCancel(ctx), event); err != nil {
			entry.WithError(err).Error("Command failed")
			h.processed("error")
			return
		}
		h.processed("success")
	}()
}

// Wait blocks until every command and analytics upload started by
// HandleEvent has finished.
func (h *MessageHandler) Wait() {
	h.wg.Wait()
}

func (h *MessageHandler) processed(status string) {
	if h.metrics != nil {
		h.metrics.RecordMessageProcessed(status)
	}
}

func (h *MessageHandler) record(ctx context.Context, meta models.MessageMetadata) {
	if h.analytics == nil {
		return
	}
	batch := h.analytics.Add(meta)
	if batch == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		// The buffer logs and drops failed batches.
		_ = h.analytics.Upload(context.WithoutCancel(ctx), batch)
	}()
}

// chatMessage converts an event to its history entry. Bot lines carry no
// author, so the name is read back from the raw protocol line.
func (h *MessageHandler) chatMessage(event *models.ChatEvent) models.ChatMessage {
	if event.BotAuthored() {
		return models.NewChatMessage(models.RoleAssistant, twitch.ExtractName(event.RawData), event.Content)
	}
	return models.NewChatMessage(models.RoleUser, event.Author.Name, event.Content)
}

func (h *MessageHandler) metadata(cfg *config.Config, event *models.ChatEvent) models.MessageMetadata {
	meta := models.MessageMetadata{
		MessageID: event.ID,
		Channel:   event.Channel,
		Content:   event.Content,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Tags:      event.Tags,
	}
	if event.Author != nil {
		meta.UserID = event.Author.ID
		meta.Name = event.Author.Name
		meta.DisplayName = event.Author.DisplayName
		meta.Badges = event.Author.Badges
		meta.Color = event.Author.Color
	} else {
		meta.Name = twitch.ExtractName(event.RawData)
	}
	meta.InteractionType = interactionType(cfg, event, meta.Name)
	return meta
}

func interactionType(cfg *config.Config, event *models.ChatEvent, name string) string {
	if event.BotAuthored() {
		return models.InteractionBot
	}
	lower := strings.ToLower(name)
	for _, bot := range cfg.KnownBots() {
		if bot == lower {
			return models.InteractionBot
		}
	}
	if strings.HasPrefix(event.Content, commandPrefix(cfg)) {
		return models.InteractionCommand
	}
	return models.InteractionChat
}
