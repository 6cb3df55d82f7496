package story

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twitch-gpt-bot-go/internal/middleware"
	"github.com/twitch-gpt-bot-go/internal/models"
	"github.com/twitch-gpt-bot-go/internal/prompt"
	"github.com/twitch-gpt-bot-go/internal/services/ai"
	"github.com/twitch-gpt-bot-go/internal/services/history"
	"github.com/twitch-gpt-bot-go/pkg/logger"
)

type fakeCompleter struct {
	mu        sync.Mutex
	prompts   []string
	summaries []prompt.Replacements
	err       error
	reply     string
	n         int
}

func (f *fakeCompleter) Complete(_ context.Context, messages []models.ChatMessage, _ ai.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	f.n++
	if f.reply != "" {
		return f.reply, nil
	}
	return fmt.Sprintf("line %d", f.n), nil
}

func (f *fakeCompleter) CompletePrompt(_ context.Context, tmpl string, r prompt.Replacements, _ ai.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, r)
	return "summary of " + fmt.Sprint(r["random_article_content"]), nil
}

// echoSender routes sent lines back into the store as bot-authored events,
// the way the chat client and message router do.
type echoSender struct {
	store *history.Store
	sent  []string
}

func (e *echoSender) Send(_ context.Context, text string) error {
	e.sent = append(e.sent, text)
	return e.store.AppendEvent(models.NewChatMessage(models.RoleAssistant, "zillabot", text), false)
}

type fakeArchive struct {
	saved []*models.StoryTranscript
}

func (a *fakeArchive) SaveTranscript(_ context.Context, t *models.StoryTranscript) error {
	a.saved = append(a.saved, t)
	return nil
}

type fixture struct {
	loop      *Loop
	store     *history.Store
	completer *fakeCompleter
	sender    *echoSender
	archive   *fakeArchive
}

func newFixture(settings Settings) *fixture {
	store := history.NewStore(nil, 10)
	f := &fixture{
		store:     store,
		completer: &fakeCompleter{},
		sender:    &echoSender{store: store},
		archive:   &fakeArchive{},
	}
	f.loop = NewLoop(settings, store, f.completer, f.sender, f.archive, logger.Discard())
	f.loop.pick = func(int) int { return 0 }
	return f
}

func testSettings() Settings {
	return Settings{
		Channel:              "chan",
		BotUsername:          "zillabot",
		BeginPrompt:          "begin {writing_style} {writing_tone} {writing_theme}",
		StartPrompt:          "start",
		ProgressionPrompt:    "progress {story_wordcount}",
		EndPrompt:            "end as {twitch_bot_username}",
		ProgressionThreshold: 1,
		MaxCounter:           2,
		Wordcount:            40,
		Styles:               []string{"noir"},
		Tones:                []string{"whimsical"},
		Themes:               []string{"pirates"},
	}
}

func TestStoryRunsExactlyThreeTicksThenStops(t *testing.T) {
	f := newFixture(testSettings())
	ctx := context.Background()

	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	for want := 0; want < 3; want++ {
		state, counter := f.loop.State()
		require.Equal(t, StateActive, state)
		require.Equal(t, want, counter)

		sent, err := f.loop.Tick(ctx)
		require.NoError(t, err)
		require.True(t, sent)
	}

	assert.Equal(t, 3, f.store.Len(history.QueueStory))

	sent, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, sent)

	state, counter := f.loop.State()
	assert.Equal(t, StateStopped, state)
	assert.Zero(t, counter)
	assert.Zero(t, f.store.Len(history.QueueStory), "story queue cleared")

	assert.Equal(t, []string{"begin noir whimsical pirates", "progress 40", "end as zillabot"}, f.completer.prompts)
	assert.Equal(t, []string{"line 1", "line 2", "line 3"}, f.sender.sent)

	require.Len(t, f.archive.saved, 1)
	tr := f.archive.saved[0]
	assert.Equal(t, "chan", tr.Channel)
	assert.Equal(t, "alice", tr.StartedBy)
	assert.Equal(t, "noir", tr.Style)
	require.Len(t, tr.Messages, 3)
	assert.Equal(t, "<<<zillabot>>>: line 1", tr.Messages[0].Content)

	sent, err = f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, sent, "stopped loop is inert")
}

func TestStoryRequestIncludesQueueAndSystemPrompt(t *testing.T) {
	f := newFixture(testSettings())
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))
	require.NoError(t, f.loop.AddUserLine("bob", "a dragon appears"))

	var got []models.ChatMessage
	f.loop.completer = completerFunc(func(messages []models.ChatMessage) {
		got = messages
	})
	_, err := f.loop.Tick(ctx)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "<<<bob>>>: a dragon appears", got[0].Content)
	assert.Equal(t, models.RoleSystem, got[1].Role)
}

type completerFunc func(messages []models.ChatMessage)

func (c completerFunc) Complete(_ context.Context, messages []models.ChatMessage, _ ai.Options) (string, error) {
	c(messages)
	return "ok", nil
}

func (c completerFunc) CompletePrompt(context.Context, string, prompt.Replacements, ai.Options) (string, error) {
	return "", nil
}

func TestStartWhileActive(t *testing.T) {
	f := newFixture(testSettings())
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))
	assert.ErrorIs(t, f.loop.Start(ctx, "bob", ""), ErrAlreadyActive)
}

func TestIdleTickIsNoop(t *testing.T) {
	f := newFixture(testSettings())
	sent, err := f.loop.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, f.completer.prompts)
}

func TestStopClearsAndArchives(t *testing.T) {
	f := newFixture(testSettings())
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))
	_, err := f.loop.Tick(ctx)
	require.NoError(t, err)

	require.NoError(t, f.loop.Stop(ctx, ""))
	state, _ := f.loop.State()
	assert.Equal(t, StateStopped, state)
	assert.Zero(t, f.store.Len(history.QueueStory))
	require.Len(t, f.archive.saved, 1)
	assert.Len(t, f.archive.saved[0].Messages, 1)

	assert.ErrorIs(t, f.loop.Stop(ctx, ""), ErrNotActive)

	require.NoError(t, f.loop.Start(ctx, "bob", ""), "a stopped loop can start a new story")
}

func TestEndAndExtend(t *testing.T) {
	settings := testSettings()
	settings.ProgressionThreshold = 3
	settings.MaxCounter = 6
	f := newFixture(settings)
	ctx := context.Background()

	assert.ErrorIs(t, f.loop.End(), ErrNotActive)
	assert.ErrorIs(t, f.loop.Extend(), ErrNotActive)

	require.NoError(t, f.loop.Start(ctx, "alice", ""))
	require.NoError(t, f.loop.End())
	_, counter := f.loop.State()
	assert.Equal(t, 6, counter)

	_, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, "end as zillabot", f.completer.prompts[0])

	require.NoError(t, f.loop.Extend())
	_, counter = f.loop.State()
	assert.Equal(t, 2, counter)

	_, err = f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, "begin noir whimsical pirates", f.completer.prompts[1])
}

func TestStartPromptUsedWithoutBeginPrompt(t *testing.T) {
	settings := testSettings()
	settings.BeginPrompt = ""
	f := newFixture(settings)
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))
	_, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, f.completer.prompts)
}

func TestCompletionFailureKeepsCounter(t *testing.T) {
	f := newFixture(testSettings())
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	f.completer.err = errors.New("upstream down")
	sent, err := f.loop.Tick(ctx)
	assert.Error(t, err)
	assert.False(t, sent)
	_, counter := f.loop.State()
	assert.Zero(t, counter)
	assert.Empty(t, f.sender.sent)
}

func TestBrokenTemplateStopsStory(t *testing.T) {
	settings := testSettings()
	settings.BeginPrompt = "begin {unknown_placeholder}"
	f := newFixture(settings)
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	_, err := f.loop.Tick(ctx)
	assert.ErrorIs(t, err, prompt.ErrMissingPlaceholder)
	state, _ := f.loop.State()
	assert.Equal(t, StateStopped, state)
}

type fakeArticles struct{ excerpt string }

func (a fakeArticles) RandomExcerpt(maxChars int) (string, error) {
	return a.excerpt[:min(maxChars, len(a.excerpt))], nil
}

func TestStartSummarizesArticle(t *testing.T) {
	settings := testSettings()
	settings.ArticleSummaryPrompt = "Summarize {random_article_content} with {user_requested_plotline}"
	settings.ExcerptChars = 5
	settings.BeginPrompt = "begin {article_plot}"
	f := newFixture(settings)
	f.loop.WithArticles(fakeArticles{excerpt: "storm hits the coast"})
	ctx := context.Background()

	require.NoError(t, f.loop.Start(ctx, "alice", "pirates"))
	require.Len(t, f.completer.summaries, 1)
	assert.Equal(t, "storm", f.completer.summaries[0]["random_article_content"])
	assert.Equal(t, "pirates", f.completer.summaries[0]["user_requested_plotline"])

	_, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, "begin summary of storm", f.completer.prompts[0])
}

type recordingObserver struct {
	mu     sync.Mutex
	phases []string
	active []bool
}

func (o *recordingObserver) RecordStoryTick(phase string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, phase)
}

func (o *recordingObserver) SetStoryActive(active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = append(o.active, active)
}

func TestRunDrivesStoryToCompletion(t *testing.T) {
	settings := testSettings()
	settings.TickInterval = time.Millisecond
	settings.IdleInterval = time.Millisecond
	f := newFixture(settings)
	obs := &recordingObserver{}
	f.loop.WithObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	assert.Eventually(t, func() bool {
		state, _ := f.loop.State()
		return state == StateStopped
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{PhaseBegin, PhaseProgression, PhaseEnd, PhaseStop}, obs.phases)
	assert.Equal(t, []bool{true, false}, obs.active)
}

// gatedCompleter blocks each story completion until released.
type gatedCompleter struct {
	fakeCompleter
	entered chan struct{}
	release chan struct{}
}

func newGatedCompleter() *gatedCompleter {
	return &gatedCompleter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedCompleter) Complete(ctx context.Context, messages []models.ChatMessage, opts ai.Options) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	return "late line", nil
}

// tickInBackground starts a tick and waits until its completion is pending.
func tickInBackground(ctx context.Context, loop *Loop, gate *gatedCompleter) <-chan bool {
	done := make(chan bool, 1)
	go func() {
		sent, _ := loop.Tick(ctx)
		done <- sent
	}()
	<-gate.entered
	return done
}

func TestStopDuringCompletionDropsLine(t *testing.T) {
	f := newFixture(testSettings())
	gate := newGatedCompleter()
	f.loop.completer = gate
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	done := tickInBackground(ctx, f.loop, gate)
	require.NoError(t, f.loop.Stop(ctx, "--ToBeCoNtInUeD--"))
	close(gate.release)

	assert.False(t, <-done)
	state, _ := f.loop.State()
	assert.Equal(t, StateStopped, state)
	assert.Equal(t, []string{"--ToBeCoNtInUeD--"}, f.sender.sent, "nothing follows the closing line")
	assert.Zero(t, f.store.Len(history.QueueStory))

	require.Len(t, f.archive.saved, 1)
	require.Len(t, f.archive.saved[0].Messages, 1)
	assert.Contains(t, f.archive.saved[0].Messages[0].Content, "--ToBeCoNtInUeD--")
}

func TestRestartDuringCompletionDropsStaleLine(t *testing.T) {
	f := newFixture(testSettings())
	gate := newGatedCompleter()
	f.loop.completer = gate
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	done := tickInBackground(ctx, f.loop, gate)
	require.NoError(t, f.loop.Stop(ctx, ""))
	require.NoError(t, f.loop.Start(ctx, "bob", ""))
	close(gate.release)

	assert.False(t, <-done)
	state, counter := f.loop.State()
	assert.Equal(t, StateActive, state)
	assert.Zero(t, counter, "the new story has not told a line yet")
	assert.Empty(t, f.sender.sent)
	assert.Zero(t, f.store.Len(history.QueueStory))
}

func TestStoryLinesAreCleanedForChat(t *testing.T) {
	f := newFixture(testSettings())
	f.loop.WithSanitizer(middleware.NewSecurityMiddleware(logger.Discard()))
	f.completer.reply = "**Chapter one**\n\n" + strings.Repeat("the dragon _roared_ again ", 60)
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	sent, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	require.True(t, sent)

	require.Len(t, f.sender.sent, 1)
	line := f.sender.sent[0]
	assert.True(t, strings.HasPrefix(line, "Chapter one the dragon roared again"), line)
	assert.NotContains(t, line, "**")
	assert.NotContains(t, line, "_")
	assert.NotContains(t, line, "\n")
	assert.LessOrEqual(t, len([]rune(line)), middleware.MaxChatMessageRunes)

	_, counter := f.loop.State()
	assert.Equal(t, 1, counter)
}

func TestBlankLineAfterCleaningIsNotSent(t *testing.T) {
	f := newFixture(testSettings())
	f.loop.WithSanitizer(middleware.NewSecurityMiddleware(logger.Discard()))
	f.completer.reply = "   \n\n  "
	ctx := context.Background()
	require.NoError(t, f.loop.Start(ctx, "alice", ""))

	sent, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, f.sender.sent)
	_, counter := f.loop.State()
	assert.Zero(t, counter)
}
