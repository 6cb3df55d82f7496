package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/i18n"
	"github.com/twitch-gpt-bot-go/internal/middleware"
	"github.com/twitch-gpt-bot-go/internal/models"
	"github.com/twitch-gpt-bot-go/internal/prompt"
	"github.com/twitch-gpt-bot-go/internal/services/ai"
	"github.com/twitch-gpt-bot-go/internal/services/history"
	"github.com/twitch-gpt-bot-go/internal/services/story"
)

// Command names, without the prefix.
const (
	CmdChatForMe   = "chatforme"
	CmdBotThot     = "botthot"
	CmdStartStory  = "startstory"
	CmdAddToStory  = "addtostory"
	CmdExtendStory = "extendstory"
	CmdStopStory   = "stopstory"
	CmdEndStory    = "endstory"
	CmdReload      = "reload"
)

var ErrUnknownPrompt = errors.New("unknown prompt")

// ConfigProvider serves and rebuilds configuration snapshots.
type ConfigProvider interface {
	Current() *config.Config
	Reload() (*config.Config, error)
}

// Completer answers chat prompts.
type Completer interface {
	Complete(ctx context.Context, messages []models.ChatMessage, opts ai.Options) (string, error)
}

// StoryController drives the story loop.
type StoryController interface {
	Start(ctx context.Context, user, plotline string) error
	AddUserLine(user, text string) error
	Extend() error
	End() error
	Stop(ctx context.Context, closing string) error
}

// Sender posts a line to chat.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// UserList renders the names seen in chat for prompts.
type UserList interface {
	Text() string
}

// CommandObserver is notified of executed and throttled commands.
type CommandObserver interface {
	RecordCommandExecuted(command string)
	RecordRateLimitExceeded(command string)
}

// CommandHandler handles chat commands
type CommandHandler struct {
	configs     ConfigProvider
	completer   Completer
	story       StoryController
	sender      Sender
	store       *history.Store
	users       UserList
	rateLimiter middleware.RateLimiter
	security    *middleware.SecurityMiddleware
	localizer   *i18n.Localizer
	metrics     CommandObserver
	logger      *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	configs ConfigProvider,
	completer Completer,
	storyLoop StoryController,
	sender Sender,
	store *history.Store,
	users UserList,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		configs:     configs,
		completer:   completer,
		story:       storyLoop,
		sender:      sender,
		store:       store,
		users:       users,
		rateLimiter: rateLimiter,
		security:    middleware.NewSecurityMiddleware(logger),
		localizer:   localizer,
		logger:      logger,
	}
}

// WithObserver attaches a metrics observer.
func (h *CommandHandler) WithObserver(o CommandObserver) *CommandHandler {
	h.metrics = o
	return h
}

func commandPrefix(cfg *config.Config) string {
	if cfg.Twitch.CommandPrefix == "" {
		return "!"
	}
	return cfg.Twitch.CommandPrefix
}

// IsCommand reports whether text starts with the command prefix.
func (h *CommandHandler) IsCommand(cfg *config.Config, text string) bool {
	return strings.HasPrefix(text, commandPrefix(cfg))
}

// parseCommand splits "!name arg arg" into the lower-cased name and the
// argument text.
func parseCommand(prefix, text string) (string, string) {
	body := strings.TrimPrefix(text, prefix)
	name, args, _ := strings.Cut(strings.TrimSpace(body), " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

// HandleCommand processes one human command. Unknown commands are ignored.
func (h *CommandHandler) HandleCommand(ctx context.Context, event *models.ChatEvent) error {
	if event.Author == nil {
		return nil
	}
	cfg := h.configs.Current()
	name, args := parseCommand(commandPrefix(cfg), event.Content)
	user := event.Author.Name

	entry := h.logger.WithFields(logrus.Fields{
		"command": name,
		"user":    user,
	})

	if err := h.security.ValidateInput(args); err != nil {
		entry.WithError(err).Warn("Input validation failed")
		return nil
	}

	switch name {
	case CmdChatForMe, CmdBotThot, CmdStartStory:
		if !h.rateLimiter.Allow(user) {
			entry.Warn("Rate limit exceeded")
			if h.metrics != nil {
				h.metrics.RecordRateLimitExceeded(name)
			}
			return h.reply(ctx, cfg, i18n.MsgRateLimitExceeded, map[string]interface{}{"User": user})
		}
	}

	var err error
	switch name {
	case CmdChatForMe:
		err = h.handleChatForMe(ctx, cfg, user, cfg.Chat.PromptName)
	case CmdBotThot:
		err = h.handleChatForMe(ctx, cfg, user, cfg.Chat.BotthotPromptName)
	case CmdStartStory, CmdAddToStory, CmdExtendStory, CmdStopStory, CmdEndStory:
		err = h.handleStory(ctx, cfg, name, user, args)
	case CmdReload:
		err = h.handleReload(ctx, cfg, user)
	default:
		entry.Debug("Ignoring unknown command")
		return nil
	}

	if h.metrics != nil {
		h.metrics.RecordCommandExecuted(name)
	}
	return err
}

// handleChatForMe answers from the chatforme history using the named prompt
// as the trailing system message.
func (h *CommandHandler) handleChatForMe(ctx context.Context, cfg *config.Config, user, promptName string) error {
	tmpl, ok := cfg.Chat.Prompts[promptName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPrompt, promptName)
	}

	system, err := prompt.Render(cfg.Chat.PromptPrefix+tmpl+cfg.Chat.PromptSuffix, prompt.Replacements{
		"twitch_bot_username":         cfg.Twitch.BotUsername,
		"num_bot_responses":           strconv.Itoa(cfg.Chat.NumBotResponses),
		"request_user_name":           user,
		"users_in_messages_list_text": h.users.Text(),
		"chatforme_message_wordcount": strconv.Itoa(cfg.Chat.MessageWordcount),
	})
	if err != nil {
		return fmt.Errorf("failed to build %s prompt: %w", promptName, err)
	}

	messages := append(h.store.Snapshot(history.QueueChatForMe), models.NewChatMessage(models.RoleSystem, "", system))
	response, err := h.completer.Complete(ctx, messages, ai.Options{})
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}

	text := h.security.SanitizeOutput(response)
	if text == "" {
		h.logger.WithField("prompt", promptName).Warn("Empty completion, not replying")
		return nil
	}
	if err := h.sender.Send(ctx, text); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	h.logger.WithFields(logrus.Fields{
		"prompt": promptName,
		"user":   user,
	}).Info("Sent chat response")
	return nil
}

func (h *CommandHandler) handleStory(ctx context.Context, cfg *config.Config, name, user, args string) error {
	if !cfg.Features.Story {
		return h.reply(ctx, cfg, i18n.MsgFeatureDisabled, map[string]interface{}{"Feature": "story"})
	}

	var err error
	switch name {
	case CmdStartStory:
		err = h.story.Start(ctx, user, args)
		if errors.Is(err, story.ErrAlreadyActive) {
			// The running story carries on; a reply would land in its history.
			h.logger.WithField("user", user).Info("Ignoring start, a story is already active")
			return nil
		}
	case CmdAddToStory:
		if args == "" {
			return nil
		}
		err = h.story.AddUserLine(user, args)
	case CmdExtendStory:
		err = h.story.Extend()
	case CmdEndStory:
		err = h.story.End()
	case CmdStopStory:
		// The loop posts the marker itself so no story line can follow it.
		err = h.story.Stop(ctx, h.localizer.Get(cfg.I18n.DefaultLanguage, i18n.MsgStoryContinued, nil))
	}

	if errors.Is(err, story.ErrNotActive) {
		return h.reply(ctx, cfg, i18n.MsgStoryNotActive, nil)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

func (h *CommandHandler) handleReload(ctx context.Context, cfg *config.Config, user string) error {
	if !isModerator(cfg, user) {
		h.logger.WithField("user", user).Warn("Reload requested by non-moderator")
		return h.reply(ctx, cfg, i18n.MsgNotModerator, map[string]interface{}{"User": user})
	}

	if _, err := h.configs.Reload(); err != nil {
		h.logger.WithError(err).Error("Configuration reload failed")
		return h.reply(ctx, cfg, i18n.MsgReloadFailed, nil)
	}
	return h.reply(ctx, h.configs.Current(), i18n.MsgReloadOK, nil)
}

func isModerator(cfg *config.Config, user string) bool {
	if strings.EqualFold(user, cfg.Twitch.Channel) {
		return true
	}
	for _, m := range cfg.Twitch.Moderators {
		if strings.EqualFold(m, user) {
			return true
		}
	}
	return false
}

func (h *CommandHandler) reply(ctx context.Context, cfg *config.Config, messageID string, data map[string]interface{}) error {
	text := h.localizer.Get(cfg.I18n.DefaultLanguage, messageID, data)
	if err := h.sender.Send(ctx, text); err != nil {
		return fmt.Errorf("failed to send %s: %w", messageID, err)
	}
	return nil
}
