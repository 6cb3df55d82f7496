package ai

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
	"github.com/twitch-gpt-bot-go/internal/prompt"
)

// Settings are the fixed parameters of every completion.
type Settings struct {
	DefaultModel     string
	TokenCeiling     int
	MaxEvictions     int
	MaxAttempts      int
	MaxOutputChars   int
	Temperature      float64
	FrequencyPenalty float64
	PresencePenalty  float64
	RetryBackoff     time.Duration
	ShortenPrompt    string
}

// SettingsFromConfig reads completion settings from a config snapshot.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		DefaultModel:     cfg.OpenAI.Model,
		TokenCeiling:     cfg.Completion.TokenCeiling,
		MaxEvictions:     cfg.Completion.MaxEvictions,
		MaxAttempts:      cfg.Completion.MaxAttempts,
		MaxOutputChars:   cfg.Completion.MaxOutputChars,
		Temperature:      cfg.Completion.Temperature,
		FrequencyPenalty: cfg.Completion.FrequencyPenalty,
		PresencePenalty:  cfg.Completion.PresencePenalty,
		RetryBackoff:     cfg.Completion.RetryBackoff,
		ShortenPrompt:    cfg.Completion.ShortenResponsePrompt,
	}
}

// Options vary per call. Zero values fall back to Settings.
type Options struct {
	Model          string
	MaxOutputChars int
	MaxAttempts    int
}

// CompletionObserver is notified of every API call. Used for metrics.
type CompletionObserver interface {
	RecordAIRequest(model, status string, duration time.Duration)
}

// Client runs the two-phase completion procedure: a bounded attempt loop,
// then at most one shortening request.
type Client struct {
	completer ChatCompleter
	counter   TokenCounter
	templater *prompt.Templater
	settings  Settings
	observer  CompletionObserver
	logger    *logrus.Logger
}

// NewClient creates a completion client.
func NewClient(completer ChatCompleter, counter TokenCounter, settings Settings, logger *logrus.Logger) *Client {
	if settings.TokenCeiling <= 0 {
		settings.TokenCeiling = 2000
	}
	if settings.MaxEvictions <= 0 {
		settings.MaxEvictions = 10
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 3
	}
	return &Client{
		completer: completer,
		counter:   counter,
		templater: prompt.NewTemplater(logger),
		settings:  settings,
		logger:    logger,
	}
}

// WithObserver attaches a metrics observer.
func (c *Client) WithObserver(o CompletionObserver) *Client {
	c.observer = o
	return c
}

// Complete submits messages and returns the cleaned completion text.
// messages is never modified.
func (c *Client) Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.settings.DefaultModel
	}
	maxChars := opts.MaxOutputChars
	if maxChars <= 0 {
		maxChars = c.settings.MaxOutputChars
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.settings.MaxAttempts
	}

	fitted, err := c.fitTokenBudget(model, messages)
	if err != nil {
		return "", err
	}

	req := c.request(model, fitted)
	text, err := c.attemptLoop(ctx, req, maxAttempts)
	if err != nil {
		return "", err
	}

	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		text = c.shorten(ctx, model, text, maxChars)
	}

	return StripNamePrefix(text), nil
}

// CompletePrompt renders a single user prompt and completes it.
func (c *Client) CompletePrompt(ctx context.Context, tmpl string, replacements prompt.Replacements, opts Options) (string, error) {
	text, err := c.templater.Render(tmpl, replacements)
	if err != nil {
		return "", err
	}
	return c.Complete(ctx, []models.ChatMessage{{Role: models.RoleUser, Content: text}}, opts)
}

// ListModels lists the model ids available to the configured key.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	lister, ok := c.completer.(ModelLister)
	if !ok {
		return nil, fmt.Errorf("completer %T cannot list models", c.completer)
	}
	return lister.ListModels(ctx)
}

// fitTokenBudget drops the oldest messages until the request fits the token
// ceiling, giving up after MaxEvictions drops.
func (c *Client) fitTokenBudget(model string, messages []models.ChatMessage) ([]models.ChatMessage, error) {
	fitted := make([]models.ChatMessage, len(messages))
	copy(fitted, messages)

	tokens := CountMessageTokens(c.counter, model, fitted)
	evicted := 0
	for tokens > c.settings.TokenCeiling {
		if evicted >= c.settings.MaxEvictions || len(fitted) == 0 {
			c.logger.WithFields(logrus.Fields{
				"tokens":  tokens,
				"ceiling": c.settings.TokenCeiling,
				"evicted": evicted,
			}).Error("Too many tokens even after evicting oldest messages")
			return nil, fmt.Errorf("%w: %d tokens after %d evictions (ceiling %d)",
				ErrTokenBudgetExceeded, tokens, evicted, c.settings.TokenCeiling)
		}
		c.logger.WithFields(logrus.Fields{
			"tokens":  tokens,
			"ceiling": c.settings.TokenCeiling,
		}).Warn("Messages over token ceiling, evicting oldest")
		fitted = fitted[1:]
		evicted++
		tokens = CountMessageTokens(c.counter, model, fitted)
	}

	c.logger.WithFields(logrus.Fields{
		"tokens":   tokens,
		"messages": len(fitted),
		"evicted":  evicted,
	}).Debug("Messages fit token budget")
	return fitted, nil
}

func (c *Client) request(model string, messages []models.ChatMessage) CompletionRequest {
	return CompletionRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      c.settings.Temperature,
		FrequencyPenalty: c.settings.FrequencyPenalty,
		PresencePenalty:  c.settings.PresencePenalty,
	}
}

func (c *Client) attemptLoop(ctx context.Context, req CompletionRequest, maxAttempts int) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := c.call(ctx, req)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !IsTransient(err) {
			c.logger.WithError(err).WithField("model", req.Model).Error("AI request rejected")
			return "", err
		}

		lastErr = err
		c.logger.WithFields(logrus.Fields{
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"error":       err.Error(),
			"model":       req.Model,
		}).Warn("AI request failed, retrying...")

		if attempt < maxAttempts && c.settings.RetryBackoff > 0 {
			// Exponential backoff: base, 2*base, 4*base...
			wait := c.settings.RetryBackoff << uint(attempt-1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	c.logger.WithField("model", req.Model).Error("Maximum AI call retries exceeded")
	return "", fmt.Errorf("%w after %d attempts: %w", ErrCompletionRetriesExceeded, maxAttempts, lastErr)
}

// shorten makes exactly one rewrite request. Its result is used whatever its
// length; if it fails the original text is kept.
func (c *Client) shorten(ctx context.Context, model, text string, maxChars int) string {
	c.logger.WithFields(logrus.Fields{
		"length":   utf8.RuneCountInString(text),
		"maxChars": maxChars,
	}).Warn("Response over character limit, requesting a shorter version")

	req := c.request(model, []models.ChatMessage{{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("%s: '%s'", c.settings.ShortenPrompt, text),
	}})
	shorter, err := c.call(ctx, req)
	if err != nil {
		c.logger.WithError(err).Warn("Shortening request failed, keeping original response")
		return text
	}
	if n := utf8.RuneCountInString(shorter); n > maxChars {
		c.logger.WithFields(logrus.Fields{
			"length":   n,
			"maxChars": maxChars,
		}).Warn("Shortened response still over character limit")
	}
	return shorter
}

func (c *Client) call(ctx context.Context, req CompletionRequest) (string, error) {
	start := time.Now()
	text, err := c.completer.CreateChatCompletion(ctx, req)
	if c.observer != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.observer.RecordAIRequest(req.Model, status, time.Since(start))
	}
	return text, err
}
