package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/models"
)

// ErrInvalidTranscript is returned for transcripts without an id or channel.
var ErrInvalidTranscript = errors.New("transcript requires id and channel")

// Archive stores finished story transcripts.
type Archive interface {
	SaveTranscript(ctx context.Context, t *models.StoryTranscript) error
	// ListTranscripts returns up to limit transcripts of a channel, newest last.
	ListTranscripts(ctx context.Context, channel string, limit int) ([]models.StoryTranscript, error)
	Close() error
}

// Manager selects the archive backend from config
type Manager struct {
	archive Archive
	logger  *logrus.Logger
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	var archive Archive

	switch cfg.Storage.Type {
	case "redis":
		redisArchive, err := NewRedisArchive(cfg.Storage.Redis, logger)
		if err != nil {
			return nil, err
		}
		archive = redisArchive
	case "memory", "":
		archive = NewMemoryArchive(cfg.Storage.Memory, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Transcript storage initialized")
	return &Manager{archive: archive, logger: logger}, nil
}

// NewManagerWithArchive wraps an existing backend.
func NewManagerWithArchive(archive Archive, logger *logrus.Logger) *Manager {
	return &Manager{archive: archive, logger: logger}
}

func (m *Manager) SaveTranscript(ctx context.Context, t *models.StoryTranscript) error {
	if t == nil || t.ID == "" || t.Channel == "" {
		return ErrInvalidTranscript
	}
	if err := m.archive.SaveTranscript(ctx, t); err != nil {
		return fmt.Errorf("failed to save transcript %s: %w", t.ID, err)
	}
	m.logger.WithFields(logrus.Fields{
		"id":       t.ID,
		"channel":  t.Channel,
		"messages": len(t.Messages),
	}).Info("Story transcript archived")
	return nil
}

func (m *Manager) ListTranscripts(ctx context.Context, channel string, limit int) ([]models.StoryTranscript, error) {
	return m.archive.ListTranscripts(ctx, channel, limit)
}

func (m *Manager) Close() error {
	return m.archive.Close()
}

// RedisArchive stores each transcript as JSON under its own key and keeps a
// per-channel list of ids.
type RedisArchive struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisArchive(cfg config.RedisConfig, logger *logrus.Logger) (*RedisArchive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisArchive{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

func (r *RedisArchive) transcriptKey(id string) string {
	return fmt.Sprintf("%stranscript:%s", r.prefix, id)
}

func (r *RedisArchive) channelKey(channel string) string {
	return fmt.Sprintf("%stranscripts:%s", r.prefix, channel)
}

func (r *RedisArchive) SaveTranscript(ctx context.Context, t *models.StoryTranscript) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.transcriptKey(t.ID), data, r.ttl)
	pipe.RPush(ctx, r.channelKey(t.Channel), t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisArchive) ListTranscripts(ctx context.Context, channel string, limit int) ([]models.StoryTranscript, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	ids, err := r.client.LRange(ctx, r.channelKey(channel), start, -1).Result()
	if err != nil {
		return nil, err
	}

	transcripts := make([]models.StoryTranscript, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.transcriptKey(id)).Result()
		if err == redis.Nil {
			// expired; the id list is not trimmed with it
			continue
		}
		if err != nil {
			return nil, err
		}

		var t models.StoryTranscript
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			r.logger.WithError(err).WithField("id", id).Warn("Skipping unreadable transcript")
			continue
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, nil
}

func (r *RedisArchive) Close() error {
	return r.client.Close()
}

// MemoryArchive keeps transcripts in a go-cache with the configured expiration.
type MemoryArchive struct {
	transcripts *cache.Cache
	mu          sync.Mutex
	seq         int64
	logger      *logrus.Logger
}

type memoryEntry struct {
	seq        int64
	transcript models.StoryTranscript
}

func NewMemoryArchive(cfg config.MemoryConfig, logger *logrus.Logger) *MemoryArchive {
	expiration := cfg.DefaultExpiration
	if expiration <= 0 {
		expiration = cache.NoExpiration
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryArchive{
		transcripts: cache.New(expiration, cleanup),
		logger:      logger,
	}
}

func (m *MemoryArchive) SaveTranscript(ctx context.Context, t *models.StoryTranscript) error {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	stored := *t
	stored.Messages = append([]models.ChatMessage(nil), t.Messages...)
	m.transcripts.SetDefault(fmt.Sprintf("transcript:%s", t.ID), memoryEntry{seq: seq, transcript: stored})
	return nil
}

func (m *MemoryArchive) ListTranscripts(ctx context.Context, channel string, limit int) ([]models.StoryTranscript, error) {
	var entries []memoryEntry
	for _, item := range m.transcripts.Items() {
		entry := item.Object.(memoryEntry)
		if entry.transcript.Channel == channel {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	transcripts := make([]models.StoryTranscript, len(entries))
	for i, e := range entries {
		transcripts[i] = e.transcript
	}
	return transcripts, nil
}

func (m *MemoryArchive) Close() error {
	m.transcripts.Flush()
	return nil
}
