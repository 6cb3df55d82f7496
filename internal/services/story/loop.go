// Package story runs the collaborative storytelling loop: once started, the
// bot adds a story line to chat every tick until the story ends.
package story

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
	"github.com/twitch-gpt-bot-go/internal/prompt"
	"github.com/twitch-gpt-bot-go/internal/services/ai"
	"github.com/twitch-gpt-bot-go/internal/services/history"
)

var (
	ErrAlreadyActive = errors.New("story already active")
	ErrNotActive     = errors.New("no active story")
)

// State is the lifecycle state of the loop.
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tick phases, also used as metric labels.
const (
	PhaseBegin       = "begin"
	PhaseProgression = "progression"
	PhaseEnd         = "end"
	PhaseStop        = "stop"
)

// Completer produces story lines.
type Completer interface {
	Complete(ctx context.Context, messages []models.ChatMessage, opts ai.Options) (string, error)
	CompletePrompt(ctx context.Context, tmpl string, replacements prompt.Replacements, opts ai.Options) (string, error)
}

// Sender posts a line to chat. The line must come back through the message
// router as a bot-authored event; that is how it joins the story queue.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Sanitizer turns a model reply into a line chat will accept.
type Sanitizer interface {
	SanitizeOutput(text string) string
}

// Speaker reads a line aloud without blocking.
type Speaker interface {
	Speak(ctx context.Context, text string)
}

// Archive keeps finished transcripts.
type Archive interface {
	SaveTranscript(ctx context.Context, t *models.StoryTranscript) error
}

// ExcerptSource supplies article text to seed a story.
type ExcerptSource interface {
	RandomExcerpt(maxChars int) (string, error)
}

// Observer is notified of loop progress.
type Observer interface {
	RecordStoryTick(phase string)
	SetStoryActive(active bool)
}

// Settings are the story parameters taken from a config snapshot.
type Settings struct {
	Channel              string
	BotUsername          string
	BeginPrompt          string
	StartPrompt          string
	ProgressionPrompt    string
	EndPrompt            string
	ArticleSummaryPrompt string
	ProgressionThreshold int
	MaxCounter           int
	Wordcount            int
	NumBotResponses      int
	MaxOutputChars       int
	ExcerptChars         int
	SummaryMaxChars      int
	TickInterval         time.Duration
	IdleInterval         time.Duration
	Styles               []string
	Tones                []string
	Themes               []string
}

// SettingsFromConfig reads story settings from a config snapshot.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Channel:              cfg.Twitch.Channel,
		BotUsername:          cfg.Twitch.BotUsername,
		BeginPrompt:          cfg.Story.Prompts[cfg.Story.PromptName],
		StartPrompt:          cfg.Story.StartPrompt,
		ProgressionPrompt:    cfg.Story.ProgressionPrompt,
		EndPrompt:            cfg.Story.EndPrompt,
		ArticleSummaryPrompt: cfg.Story.ArticleSummaryPrompt,
		ProgressionThreshold: cfg.Story.ProgressionThreshold,
		MaxCounter:           cfg.Story.MaxCounter,
		Wordcount:            cfg.Story.Wordcount,
		NumBotResponses:      cfg.Chat.NumBotResponses,
		MaxOutputChars:       cfg.Story.MaxOutputChars,
		ExcerptChars:         cfg.Articles.ExcerptChars,
		SummaryMaxChars:      cfg.Articles.SummaryMaxChars,
		TickInterval:         cfg.Story.TickInterval,
		IdleInterval:         cfg.Story.IdleInterval,
		Styles:               cfg.Story.WritingStyles,
		Tones:                cfg.Story.WritingTones,
		Themes:               cfg.Story.Themes,
	}
}

// Loop owns the story state. All methods are safe for concurrent use.
type Loop struct {
	mu sync.Mutex
	// gen changes with every Start, so a tick can tell its story apart from
	// one started while its line was generated.
	gen       uint64
	state     State
	counter   int
	style     string
	tone      string
	theme     string
	summary   string
	startedBy string
	startedAt time.Time
	settings  Settings

	history   *history.Store
	completer Completer
	sender    Sender
	archive   Archive
	speaker   Speaker
	sanitizer Sanitizer
	articles  ExcerptSource
	observer  Observer
	pick      func(n int) int
	now       func() time.Time
	logger    *logrus.Logger
}

// NewLoop creates an idle story loop.
func NewLoop(settings Settings, store *history.Store, completer Completer, sender Sender, archive Archive, logger *logrus.Logger) *Loop {
	if settings.TickInterval <= 0 {
		settings.TickInterval = 30 * time.Second
	}
	if settings.IdleInterval <= 0 {
		settings.IdleInterval = 4 * time.Second
	}
	return &Loop{
		settings:  settings,
		history:   store,
		completer: completer,
		sender:    sender,
		archive:   archive,
		pick:      rand.IntN,
		now:       time.Now,
		logger:    logger,
	}
}

// WithSpeaker enables reading story lines aloud.
func (l *Loop) WithSpeaker(s Speaker) *Loop {
	l.speaker = s
	return l
}

// WithSanitizer cleans every story line before it is sent.
func (l *Loop) WithSanitizer(s Sanitizer) *Loop {
	l.sanitizer = s
	return l
}

// WithArticles enables article-seeded stories.
func (l *Loop) WithArticles(a ExcerptSource) *Loop {
	l.articles = a
	return l
}

// WithObserver attaches a metrics observer.
func (l *Loop) WithObserver(o Observer) *Loop {
	l.observer = o
	return l
}

// UpdateSettings swaps the settings used by later ticks and stories.
func (l *Loop) UpdateSettings(s Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.TickInterval <= 0 {
		s.TickInterval = l.settings.TickInterval
	}
	if s.IdleInterval <= 0 {
		s.IdleInterval = l.settings.IdleInterval
	}
	l.settings = s
}

// State returns the current state and counter.
func (l *Loop) State() (State, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.counter
}

// Start begins a new story requested by user. plotline may be empty.
func (l *Loop) Start(ctx context.Context, user, plotline string) error {
	l.mu.Lock()
	if l.state == StateActive {
		l.mu.Unlock()
		return ErrAlreadyActive
	}
	settings := l.settings
	l.mu.Unlock()

	// The summary request is slow, so it runs unlocked.
	summary := l.articleSummary(ctx, settings, plotline)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateActive {
		return ErrAlreadyActive
	}
	l.gen++
	l.state = StateActive
	l.counter = 0
	l.style = l.choose(settings.Styles)
	l.tone = l.choose(settings.Tones)
	l.theme = l.choose(settings.Themes)
	l.summary = summary
	l.startedBy = user
	l.startedAt = l.now()

	l.logger.WithFields(logrus.Fields{
		"user":  user,
		"style": l.style,
		"tone":  l.tone,
		"theme": l.theme,
	}).Info("Story started")
	if l.observer != nil {
		l.observer.SetStoryActive(true)
	}
	return nil
}

func (l *Loop) articleSummary(ctx context.Context, settings Settings, plotline string) string {
	if l.articles == nil || settings.ArticleSummaryPrompt == "" {
		return plotline
	}
	excerpt, err := l.articles.RandomExcerpt(settings.ExcerptChars)
	if err != nil {
		l.logger.WithError(err).Warn("No article excerpt, using requested plotline")
		return plotline
	}

	summary, err := l.completer.CompletePrompt(ctx, settings.ArticleSummaryPrompt, prompt.Replacements{
		"random_article_content":  excerpt,
		"user_requested_plotline": plotline,
	}, ai.Options{MaxOutputChars: settings.SummaryMaxChars})
	if err != nil {
		l.logger.WithError(err).Warn("Article summary failed, using requested plotline")
		return plotline
	}
	return summary
}

func (l *Loop) choose(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[l.pick(len(options))]
}

// AddUserLine adds a chatter's contribution to the story queue.
func (l *Loop) AddUserLine(user, text string) error {
	return l.history.Append(history.QueueStory, models.NewChatMessage(models.RoleUser, user, text))
}

// End makes the next tick the final one.
func (l *Loop) End() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return ErrNotActive
	}
	l.counter = l.settings.MaxCounter
	l.logger.WithField("counter", l.counter).Debug("Story is being forced to end")
	return nil
}

// Extend rewinds the counter so the story runs longer.
func (l *Loop) Extend() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return ErrNotActive
	}
	l.counter = 2
	l.logger.WithField("counter", l.counter).Debug("Story extension requested")
	return nil
}

// Stop ends the story now, clearing the story queue and archiving it. A
// non-empty closing line is posted first; no story line can follow it.
func (l *Loop) Stop(ctx context.Context, closing string) error {
	l.mu.Lock()
	if l.state != StateActive {
		l.mu.Unlock()
		return ErrNotActive
	}
	if closing != "" {
		if err := l.sender.Send(ctx, closing); err != nil {
			l.logger.WithError(err).Warn("Failed to send closing line")
		}
	}
	transcript := l.stopLocked()
	l.mu.Unlock()

	return l.save(ctx, transcript)
}

func (l *Loop) stopLocked() *models.StoryTranscript {
	transcript := &models.StoryTranscript{
		ID:        uuid.NewString(),
		Channel:   l.settings.Channel,
		StartedBy: l.startedBy,
		Style:     l.style,
		Tone:      l.tone,
		Theme:     l.theme,
		Messages:  l.history.Drain(history.QueueStory),
		StartedAt: l.startedAt,
		EndedAt:   l.now(),
	}
	l.state = StateStopped
	l.counter = 0
	l.logger.WithFields(logrus.Fields{
		"id":       transcript.ID,
		"messages": len(transcript.Messages),
	}).Info("Story stopped")
	if l.observer != nil {
		l.observer.RecordStoryTick(PhaseStop)
		l.observer.SetStoryActive(false)
	}
	return transcript
}

func (l *Loop) save(ctx context.Context, t *models.StoryTranscript) error {
	if l.archive == nil {
		return nil
	}
	if err := l.archive.SaveTranscript(ctx, t); err != nil {
		l.logger.WithError(err).WithField("id", t.ID).Error("Failed to archive story transcript")
		return err
	}
	return nil
}

// Tick advances an active story by one step and reports whether a line was
// sent. An idle loop does nothing.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.state != StateActive {
		l.mu.Unlock()
		return false, nil
	}

	gen, counter := l.gen, l.counter
	phase, tmpl := l.templateLocked(counter)
	if phase == PhaseStop {
		transcript := l.stopLocked()
		l.mu.Unlock()
		return false, l.save(ctx, transcript)
	}
	replacements := l.replacementsLocked()
	settings := l.settings
	l.mu.Unlock()

	logger := l.logger.WithFields(logrus.Fields{"counter": counter, "phase": phase})

	systemPrompt, err := prompt.Render(tmpl, replacements)
	if err != nil {
		// A broken template fails on every tick; end the story instead.
		logger.WithError(err).Error("Story prompt could not be rendered, stopping story")
		if stopErr := l.Stop(ctx, ""); stopErr != nil && !errors.Is(stopErr, ErrNotActive) {
			return false, errors.Join(err, stopErr)
		}
		return false, err
	}

	messages := append(l.history.Snapshot(history.QueueStory),
		models.ChatMessage{Role: models.RoleSystem, Content: systemPrompt})

	text, err := l.completer.Complete(ctx, messages, ai.Options{MaxOutputChars: settings.MaxOutputChars})
	if err != nil {
		logger.WithError(err).Error("Story completion failed, retrying next tick")
		return false, err
	}

	if l.sanitizer != nil {
		text = l.sanitizer.SanitizeOutput(text)
	}
	if strings.TrimSpace(text) == "" {
		logger.Warn("Story completion was empty after cleaning, retrying next tick")
		return false, nil
	}

	// Sent under the lock: once Stop returns, no line of this story reaches chat.
	l.mu.Lock()
	if l.gen != gen || l.state != StateActive || l.counter != counter {
		l.mu.Unlock()
		logger.Info("Story changed while the line was generated, dropping it")
		return false, nil
	}
	if err := l.sender.Send(ctx, text); err != nil {
		l.mu.Unlock()
		logger.WithError(err).Error("Failed to send story line")
		return false, err
	}
	l.counter++
	l.mu.Unlock()

	if l.speaker != nil {
		l.speaker.Speak(ctx, text)
	}

	if counter == settings.MaxCounter {
		logger.Info("That was the final story line")
	}
	if l.observer != nil {
		l.observer.RecordStoryTick(phase)
	}
	return true, nil
}

func (l *Loop) templateLocked(counter int) (string, string) {
	s := l.settings
	switch {
	case counter < s.ProgressionThreshold:
		if s.BeginPrompt == "" {
			return PhaseBegin, s.StartPrompt
		}
		return PhaseBegin, s.BeginPrompt
	case counter < s.MaxCounter:
		return PhaseProgression, s.ProgressionPrompt
	case counter == s.MaxCounter:
		return PhaseEnd, s.EndPrompt
	default:
		return PhaseStop, ""
	}
}

func (l *Loop) replacementsLocked() prompt.Replacements {
	return prompt.Replacements{
		"story_wordcount":     l.settings.Wordcount,
		"twitch_bot_username": l.settings.BotUsername,
		"num_bot_responses":   l.settings.NumBotResponses,
		"article_plot":        l.summary,
		"writing_style":       l.style,
		"writing_tone":        l.tone,
		"writing_theme":       l.theme,
	}
}

// Run ticks until ctx is cancelled, waiting TickInterval after an active
// tick and IdleInterval while no story is running.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Story loop running")
	for {
		l.Tick(ctx)

		l.mu.Lock()
		wait := l.settings.IdleInterval
		if l.state == StateActive {
			wait = l.settings.TickInterval
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
