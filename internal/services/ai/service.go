package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/twitch-gpt-bot-go/internal/models"
)

var (
	// ErrTokenBudgetExceeded means the request is still over the token
	// ceiling after the maximum number of oldest-first evictions.
	ErrTokenBudgetExceeded = errors.New("token budget exceeded")
	// ErrCompletionRetriesExceeded means every attempt failed transiently.
	ErrCompletionRetriesExceeded = errors.New("completion retries exceeded")
	// ErrUpstreamAPI matches every error reported by the completion API.
	ErrUpstreamAPI = errors.New("upstream api error")

	errEmptyResponse = errors.New("no response from AI")
)

// UpstreamError is a failure reported by, or while reaching, the completion API.
type UpstreamError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion api status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion api: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamAPI }

// IsTransient reports whether err is worth another attempt. Errors that are
// not UpstreamErrors are treated as transport failures and retried.
func IsTransient(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Transient
	}
	return true
}

// CompletionRequest is one submission to the completion API.
type CompletionRequest struct {
	Model            string
	Messages         []models.ChatMessage
	Temperature      float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// ChatCompleter is the completion API collaborator.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req CompletionRequest) (string, error)
}

// ModelLister lists the model ids an API key can use.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}
