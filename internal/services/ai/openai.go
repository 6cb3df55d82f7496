package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
)

// OpenAICompleter talks to an OpenAI-compatible chat completions endpoint.
// The SDK's own retries are disabled; Client owns the retry policy.
type OpenAICompleter struct {
	client openai.Client
	logger *logrus.Logger
}

// NewOpenAICompleter creates the completion API adapter.
func NewOpenAICompleter(cfg config.OpenAIConfig, timeout time.Duration, logger *logrus.Logger) (*OpenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	logger.WithFields(logrus.Fields{
		"baseURL": cfg.BaseURL,
		"model":   cfg.Model,
	}).Info("OpenAI completer initialized")

	return &OpenAICompleter{
		client: openai.NewClient(opts...),
		logger: logger,
	}, nil
}

// CreateChatCompletion implements ChatCompleter.
func (o *OpenAICompleter) CreateChatCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:            openai.ChatModel(req.Model),
		Messages:         toOpenAIMessages(req.Messages),
		Temperature:      openai.Float(req.Temperature),
		FrequencyPenalty: openai.Float(req.FrequencyPenalty),
		PresencePenalty:  openai.Float(req.PresencePenalty),
	}

	o.logger.WithFields(logrus.Fields{
		"model":    req.Model,
		"messages": len(req.Messages),
	}).Debug("Sending AI request")

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &UpstreamError{Transient: true, Err: errEmptyResponse}
	}

	return resp.Choices[0].Message.Content, nil
}

// ListModels implements ModelLister.
func (o *OpenAICompleter) ListModels(ctx context.Context) ([]string, error) {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", classifyError(err))
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func toOpenAIMessages(messages []models.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result[i] = openai.SystemMessage(msg.Content)
		case models.RoleAssistant:
			result[i] = openai.AssistantMessage(msg.Content)
		default:
			result[i] = openai.UserMessage(msg.Content)
		}
	}
	return result
}

// classifyError maps SDK errors onto UpstreamError. Rate limiting and server
// errors are transient; other HTTP statuses (auth, bad request) are not.
// Transport failures and per-request timeouts are transient.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			StatusCode: apiErr.StatusCode,
			Transient:  apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError,
			Err:        err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &UpstreamError{Transient: true, Err: err}
}
