package cache

import (
	"sort"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
)

// Chatters remembers who has spoken in chat recently. Names expire after the
// configured TTL of silence.
type Chatters struct {
	names  *cache.Cache
	logger *logrus.Logger
}

// NewChatters creates a chatter registry. A non-positive TTL keeps names forever.
func NewChatters(cfg config.ChattersConfig, logger *logrus.Logger) *Chatters {
	ttl := cfg.TTL
	cleanup := 2 * ttl
	if ttl <= 0 {
		ttl = cache.NoExpiration
		cleanup = 0
	}
	return &Chatters{
		names:  cache.New(ttl, cleanup),
		logger: logger,
	}
}

// Add records name, refreshing its expiry. Blank names are ignored.
func (c *Chatters) Add(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	key := strings.ToLower(name)
	if _, found := c.names.Get(key); !found {
		c.logger.WithField("user", name).Debug("New chatter")
	}
	c.names.SetDefault(key, name)
}

// Names returns the distinct chatter names, sorted.
func (c *Chatters) Names() []string {
	items := c.names.Items()
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Object.(string))
	}
	sort.Strings(names)
	return names
}

// Text joins the names the way prompts quote them: a', 'b', 'c.
func (c *Chatters) Text() string {
	return strings.Join(c.Names(), "', '")
}

// Len reports the number of remembered chatters.
func (c *Chatters) Len() int {
	return c.names.ItemCount()
}

// Clear forgets everyone.
func (c *Chatters) Clear() {
	c.names.Flush()
}

// Seen reports whether name is still remembered.
func (c *Chatters) Seen(name string) bool {
	_, found := c.names.Get(strings.ToLower(strings.TrimSpace(name)))
	return found
}
