package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/pkg/markdown"
	"golang.org/x/time/rate"
)

// MaxChatMessageRunes is the longest line Twitch accepts in one PRIVMSG.
const MaxChatMessageRunes = 500

// RateLimiter throttles the commands that hit the completion API.
type RateLimiter interface {
	Allow(user string) bool
	Reset(user string)
}

// idleAfter is how long a chatter may stay quiet before their limiter is
// forgotten. A forgotten chatter starts again with a full burst.
const idleAfter = 10 * time.Minute

type chatterLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter keeps one token bucket per chatter, keyed by the
// lower-cased login.
type UserRateLimiter struct {
	enabled  bool
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	chatters map[string]*chatterLimiter
	now      func() time.Time
	logger   *logrus.Logger
}

// NewRateLimiter creates a new rate limiter. A disabled limiter allows
// everything.
func NewRateLimiter(cfg config.RateLimitConfig, logger *logrus.Logger) *UserRateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &UserRateLimiter{
		enabled:  cfg.Enabled,
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:    burst,
		chatters: make(map[string]*chatterLimiter),
		now:      time.Now,
		logger:   logger,
	}
}

// Allow reports whether user may run another command now.
func (r *UserRateLimiter) Allow(user string) bool {
	if !r.enabled {
		return true
	}
	key := strings.ToLower(user)
	now := r.now()

	r.mu.Lock()
	r.evictIdleLocked(now)
	c, ok := r.chatters[key]
	if !ok {
		c = &chatterLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.chatters[key] = c
	}
	c.lastSeen = now
	allowed := c.limiter.AllowN(now, 1)
	r.mu.Unlock()

	if !allowed {
		r.logger.WithField("user", user).Warn("Rate limit exceeded")
	}
	return allowed
}

// Reset forgets user's limiter.
func (r *UserRateLimiter) Reset(user string) {
	r.mu.Lock()
	delete(r.chatters, strings.ToLower(user))
	r.mu.Unlock()
}

// Tracked reports how many chatters currently hold a limiter.
func (r *UserRateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chatters)
}

func (r *UserRateLimiter) evictIdleLocked(now time.Time) {
	for key, c := range r.chatters {
		if now.Sub(c.lastSeen) > idleAfter {
			delete(r.chatters, key)
		}
	}
}

// SecurityMiddleware guards chat input and output
type SecurityMiddleware struct {
	logger *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(logger *logrus.Logger) *SecurityMiddleware {
	return &SecurityMiddleware{
		logger: logger,
	}
}

// ValidateInput rejects command arguments longer than a chat line
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if n := utf8.RuneCountInString(text); n > MaxChatMessageRunes {
		return fmt.Errorf("message too long: %d characters", n)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}

// SanitizeOutput turns a model response into a single chat line: markdown
// is flattened, whitespace collapsed and the result cut at the chat limit.
func (s *SecurityMiddleware) SanitizeOutput(text string) string {
	plain := strings.Join(strings.Fields(markdown.ToPlainText(text)), " ")
	if runes := []rune(plain); len(runes) > MaxChatMessageRunes {
		s.logger.WithField("length", len(runes)).Debug("Truncating response to chat limit")
		plain = string(runes[:MaxChatMessageRunes])
	}
	return plain
}
