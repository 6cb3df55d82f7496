package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/i18n"
	"github.com/twitch-gpt-bot-go/internal/middleware"
	"github.com/twitch-gpt-bot-go/internal/models"
	"github.com/twitch-gpt-bot-go/internal/services/ai"
	"github.com/twitch-gpt-bot-go/internal/services/analytics"
	"github.com/twitch-gpt-bot-go/internal/services/cache"
	"github.com/twitch-gpt-bot-go/internal/services/history"
	"github.com/twitch-gpt-bot-go/internal/services/story"
	"github.com/twitch-gpt-bot-go/pkg/logger"
)

type fakeProvider struct {
	mu      sync.Mutex
	cfg     *config.Config
	reloads int
	err     error
}

func (p *fakeProvider) Current() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *fakeProvider) Reload() (*config.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	if p.err != nil {
		return nil, p.err
	}
	return p.cfg, nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	messages []models.ChatMessage
	reply    string
	err      error
}

func (f *fakeCompleter) Complete(_ context.Context, messages []models.ChatMessage, _ ai.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append([]models.ChatMessage(nil), messages...)
	return f.reply, f.err
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSender) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeStory struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	active   bool
	closing  string
}

func (f *fakeStory) call(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if !f.active {
		return story.ErrNotActive
	}
	return nil
}

func (f *fakeStory) Start(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakeStory) AddUserLine(string, string) error { return f.call("add") }
func (f *fakeStory) Extend() error                    { return f.call("extend") }
func (f *fakeStory) End() error                       { return f.call("end") }
func (f *fakeStory) Stop(_ context.Context, closing string) error {
	f.mu.Lock()
	f.closing = closing
	f.mu.Unlock()
	return f.call("stop")
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }
func (denyAll) Reset(string)      {}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]analytics.InteractionRow
}

func (s *recordingSink) Upload(_ context.Context, rows []analytics.InteractionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, rows)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Twitch: config.TwitchConfig{
			Token:         "token",
			BotUsername:   "zillabot",
			Channel:       "streamer",
			CommandPrefix: "!",
			Moderators:    []string{"modjane"},
		},
		OpenAI:     config.OpenAIConfig{APIKey: "key", Model: "gpt-4o-mini"},
		Completion: config.CompletionConfig{TokenCeiling: 2000, MaxAttempts: 3},
		History:    config.HistoryConfig{DefaultLimit: 10},
		Bots:       map[string][]string{"chatforme": {"Nightbot"}},
		Features:   config.FeaturesConfig{Story: true},
		Chat: config.ChatConfig{
			PromptName:        "standard",
			BotthotPromptName: "botthot",
			PromptPrefix:      "You are {twitch_bot_username}. ",
			PromptSuffix:      " Keep it under {chatforme_message_wordcount} words.",
			Prompts: map[string]string{
				"standard": "Answer {request_user_name}; chatters: {users_in_messages_list_text}.",
				"botthot":  "Flirt with {request_user_name}.",
			},
			MessageWordcount: 20,
			NumBotResponses:  1,
		},
		Analytics: config.AnalyticsConfig{Type: "none"},
		I18n:      config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en"}},
	}
}

type fixture struct {
	provider  *fakeProvider
	store     *history.Store
	chatters  *cache.Chatters
	completer *fakeCompleter
	sender    *fakeSender
	story     *fakeStory
	sink      *recordingSink
	buffer    *analytics.Buffer
	commands  *CommandHandler
	handler   *MessageHandler
}

func newFixture(t *testing.T, limiter middleware.RateLimiter) *fixture {
	t.Helper()
	log := logger.Discard()
	localizer, err := i18n.NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en"}})
	require.NoError(t, err)
	if limiter == nil {
		limiter = middleware.NewRateLimiter(config.RateLimitConfig{}, log)
	}

	f := &fixture{
		provider:  &fakeProvider{cfg: testConfig()},
		store:     history.NewStore(nil, 10),
		chatters:  cache.NewChatters(config.ChattersConfig{}, log),
		completer: &fakeCompleter{reply: "hi **alice**"},
		sender:    &fakeSender{},
		story:     &fakeStory{active: true},
		sink:      &recordingSink{},
	}
	f.buffer = analytics.NewBuffer(f.sink, 3, log)
	f.commands = NewCommandHandler(f.provider, f.completer, f.story, f.sender, f.store, f.chatters, limiter, localizer, log)
	f.handler = NewMessageHandler(f.provider, f.store, f.chatters, f.buffer, f.commands, log)
	return f
}

func humanEvent(name, content string) *models.ChatEvent {
	return &models.ChatEvent{
		ID:        "id-" + name + "-" + content,
		Channel:   "streamer",
		Author:    &models.Author{ID: "u-" + name, Name: name, DisplayName: name},
		Content:   content,
		Timestamp: time.Unix(1700000000, 0),
	}
}

func botLine(content string) *models.ChatEvent {
	return &models.ChatEvent{
		Channel:   "streamer",
		Content:   content,
		RawData:   ":zillabot!zillabot@zillabot.tmi.twitch.tv PRIVMSG #streamer :" + content,
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestHumanAndBotEventsFeedDisjointQueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.handler.HandleEvent(ctx, humanEvent("alice", "hello there"))
	f.handler.HandleEvent(ctx, botLine("once upon a time"))
	f.handler.Wait()

	nonbot := f.store.Snapshot(history.QueueNonBot)
	require.Len(t, nonbot, 1)
	assert.Equal(t, models.RoleUser, nonbot[0].Role)
	assert.Equal(t, "<<<alice>>>: hello there", nonbot[0].Content)

	storyQueue := f.store.Snapshot(history.QueueStory)
	require.Len(t, storyQueue, 1)
	assert.Equal(t, models.RoleAssistant, storyQueue[0].Role)
	assert.Equal(t, "<<<zillabot>>>: once upon a time", storyQueue[0].Content)

	for _, q := range []history.QueueID{history.QueueChatForMe, history.QueueAutoMsg, history.QueueVibeCheck} {
		assert.Equal(t, 2, f.store.Len(q), "queue %s gets every event", q)
	}

	assert.Equal(t, []string{"alice"}, f.chatters.Names(), "bot lines are not chatters")
}

func TestEmptyEventIsDropped(t *testing.T) {
	f := newFixture(t, nil)

	f.handler.HandleEvent(context.Background(), humanEvent("alice", "   "))
	f.handler.Wait()

	assert.Zero(t, f.store.Len(history.QueueChatForMe))
	assert.Zero(t, f.store.Len(history.QueueNonBot))
}

func TestAnalyticsUploadsEveryThreeEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	events := []*models.ChatEvent{
		humanEvent("alice", "hi"),
		humanEvent("nightbot", "follow the channel"),
		humanEvent("bob", "!unknowncommand"),
		botLine("a story line"),
		humanEvent("carol", "lol"),
		humanEvent("dave", "gg"),
		humanEvent("erin", "one more"),
	}
	for _, e := range events {
		f.handler.HandleEvent(ctx, e)
		f.handler.Wait()
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.batches, 2)
	for _, batch := range f.sink.batches {
		assert.Len(t, batch, 3)
	}
	assert.Equal(t, 1, f.buffer.Len())

	first := f.sink.batches[0]
	assert.Equal(t, models.InteractionChat, first[0].InteractionType)
	assert.Equal(t, "u-alice", first[0].UserID)
	assert.Equal(t, "streamer", first[0].Channel)
	assert.Equal(t, models.InteractionBot, first[1].InteractionType, "known bots are tagged as bots")
	assert.Equal(t, models.InteractionCommand, first[2].InteractionType)
	assert.Equal(t, models.InteractionBot, f.sink.batches[1][0].InteractionType)
}

func TestChatForMeAnswersFromHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.handler.HandleEvent(ctx, humanEvent("bob", "what a play"))
	f.handler.HandleEvent(ctx, humanEvent("alice", "!chatforme"))
	f.handler.Wait()

	require.Equal(t, []string{"hi alice"}, f.sender.lines())

	msgs := f.completer.messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "<<<bob>>>: what a play", msgs[0].Content)
	assert.Equal(t, "<<<alice>>>: !chatforme", msgs[1].Content)

	system := msgs[2]
	assert.Equal(t, models.RoleSystem, system.Role)
	assert.Equal(t,
		"You are zillabot. Answer alice; chatters: alice', 'bob. Keep it under 20 words.",
		system.Content)
}

func TestBotThotUsesItsOwnPrompt(t *testing.T) {
	f := newFixture(t, nil)

	f.handler.HandleEvent(context.Background(), humanEvent("alice", "!BOTTHOT"))
	f.handler.Wait()

	msgs := f.completer.messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, "You are zillabot. Flirt with alice. Keep it under 20 words.", msgs[len(msgs)-1].Content)
}

func TestCompletionFailureSendsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.completer.err = ai.ErrCompletionRetriesExceeded

	err := f.commands.HandleCommand(context.Background(), humanEvent("alice", "!chatforme"))
	assert.ErrorIs(t, err, ai.ErrCompletionRetriesExceeded)
	assert.Empty(t, f.sender.lines())
}

func TestMissingPromptFails(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.cfg.Chat.PromptName = "missing"

	err := f.commands.HandleCommand(context.Background(), humanEvent("alice", "!chatforme"))
	assert.ErrorIs(t, err, ErrUnknownPrompt)
	assert.Empty(t, f.sender.lines())
}

func TestRateLimitedCommand(t *testing.T) {
	f := newFixture(t, denyAll{})

	require.NoError(t, f.commands.HandleCommand(context.Background(), humanEvent("alice", "!chatforme")))
	assert.Equal(t, []string{"Slow down alice, try again in a minute."}, f.sender.lines())
	assert.Nil(t, f.completer.messages)
}

func TestStopStorySendsContinuationMarker(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.commands.HandleCommand(context.Background(), humanEvent("alice", "!stopstory")))
	assert.Equal(t, []string{"stop"}, f.story.calls)
	assert.Equal(t, "--ToBeCoNtInUeD--", f.story.closing, "the loop posts the marker")
	assert.Empty(t, f.sender.lines())
}

func TestStoryCommands(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("alice", "!startstory pirates on mars")))
	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("bob", "!addtostory the ship sank")))
	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("bob", "!addtostory")))
	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("bob", "!extendstory")))
	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("bob", "!endstory")))

	assert.Equal(t, []string{"start", "add", "extend", "end"}, f.story.calls, "empty additions are ignored")
	assert.Empty(t, f.sender.lines())
}

func TestStoryCommandsWhileIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.story.active = false

	require.NoError(t, f.commands.HandleCommand(context.Background(), humanEvent("bob", "!endstory")))
	assert.Equal(t, []string{"No story is running right now, start one with !startstory."}, f.sender.lines())
}

func TestStartWhileActiveIsQuiet(t *testing.T) {
	f := newFixture(t, nil)
	f.story.startErr = story.ErrAlreadyActive

	require.NoError(t, f.commands.HandleCommand(context.Background(), humanEvent("bob", "!startstory")))
	assert.Empty(t, f.sender.lines())
}

func TestStoryFeatureDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.cfg.Features.Story = false

	require.NoError(t, f.commands.HandleCommand(context.Background(), humanEvent("alice", "!startstory")))
	assert.Equal(t, []string{"The story feature is turned off."}, f.sender.lines())
	assert.Empty(t, f.story.calls)
}

func TestReloadRequiresModerator(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("alice", "!reload")))
	assert.Zero(t, f.provider.reloads)

	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("ModJane", "!reload")))
	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("streamer", "!reload")))
	assert.Equal(t, 2, f.provider.reloads)

	f.provider.err = errors.New("bad yaml")
	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("modjane", "!reload")))

	assert.Equal(t, []string{
		"Only moderators can do that, alice.",
		"Configuration reloaded.",
		"Configuration reloaded.",
		"Configuration reload failed, keeping the previous settings.",
	}, f.sender.lines())
}

func TestUnknownAndOverlongCommandsAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("alice", "!dance")))
	require.NoError(t, f.commands.HandleCommand(ctx, humanEvent("alice", "!addtostory "+strings.Repeat("a", 600))))
	assert.Empty(t, f.sender.lines())
	assert.Empty(t, f.story.calls)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args string
	}{
		{"!chatforme", "chatforme", ""},
		{"!StartStory  a dark night ", "startstory", "a dark night"},
		{"!", "", ""},
		{"! addtostory x", "addtostory", "x"},
	}
	for _, tt := range tests {
		name, args := parseCommand("!", tt.text)
		assert.Equal(t, tt.name, name, tt.text)
		assert.Equal(t, tt.args, args, tt.text)
	}
}
