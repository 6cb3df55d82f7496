package ai

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/models"
)

// TokenCounter counts tokens of text under a model's tokenizer.
type TokenCounter interface {
	Count(model, text string) int
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(model, text string) int

func (f TokenCounterFunc) Count(model, text string) int { return f(model, text) }

const fallbackEncoding = "cl100k_base"

// TiktokenCounter resolves the encoding of each model once and caches it.
// Models tiktoken does not know use cl100k_base; if no encoding can be
// loaded at all, a character heuristic is used.
type TiktokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	logger    *logrus.Logger
}

func NewTiktokenCounter(logger *logrus.Logger) *TiktokenCounter {
	return &TiktokenCounter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		logger:    logger,
	}
}

func (c *TiktokenCounter) Count(model, text string) int {
	if enc := c.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

func (c *TiktokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		c.logger.WithError(err).WithField("model", model).Debug("No model encoding, using " + fallbackEncoding)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			c.logger.WithError(err).Warn("Tokenizer unavailable, estimating token counts")
			enc = nil
		}
	}
	c.encodings[model] = enc
	return enc
}

// EstimateTokens returns max(runes/4, words), at least 1 for non-blank text.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// CountMessageTokens sums role and content tokens over messages.
func CountMessageTokens(counter TokenCounter, model string, messages []models.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += counter.Count(model, string(m.Role)) + counter.Count(model, m.Content)
	}
	return total
}
