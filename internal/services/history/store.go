package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/twitch-gpt-bot-go/internal/models"
)

// QueueID names one per-purpose conversation queue.
type QueueID string

const (
	QueueChatForMe QueueID = "chatforme"
	QueueAutoMsg   QueueID = "automsg"
	QueueVibeCheck QueueID = "vibecheck"
	QueueNonBot    QueueID = "nonbot"
	QueueStory     QueueID = "story"
)

// Queues lists every queue the router feeds.
var Queues = []QueueID{QueueChatForMe, QueueAutoMsg, QueueVibeCheck, QueueNonBot, QueueStory}

// DefaultLimit is used for queues without a configured limit.
const DefaultLimit = 10

var ErrInvalidMessage = errors.New("invalid chat message")

type queue struct {
	limit    int
	messages []models.ChatMessage
}

func (q *queue) push(msg models.ChatMessage) {
	q.messages = append(q.messages, msg)
	if over := len(q.messages) - q.limit; over > 0 {
		// copy down so the backing array does not grow without bound
		n := copy(q.messages, q.messages[over:])
		clear(q.messages[n:])
		q.messages = q.messages[:n]
	}
}

// Store holds bounded FIFO queues keyed by purpose. All methods are safe for
// concurrent use; a single lock serialises writers so the multi-queue update
// of one event is never interleaved with another.
type Store struct {
	mu           sync.Mutex
	queues       map[QueueID]*queue
	defaultLimit int
}

// NewStore creates a store. limits overrides the retained count per queue.
func NewStore(limits map[QueueID]int, defaultLimit int) *Store {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	s := &Store{
		queues:       make(map[QueueID]*queue),
		defaultLimit: defaultLimit,
	}
	for _, id := range Queues {
		s.queues[id] = &queue{limit: defaultLimit}
	}
	for id, limit := range limits {
		if limit <= 0 {
			limit = defaultLimit
		}
		s.queues[id] = &queue{limit: limit}
	}
	return s
}

func (s *Store) queue(id QueueID) *queue {
	q, ok := s.queues[id]
	if !ok {
		q = &queue{limit: s.defaultLimit}
		s.queues[id] = q
	}
	return q
}

// Append pushes msg onto the named queue, evicting the oldest entry once the
// queue is over its limit.
func (s *Store) Append(id QueueID, msg models.ChatMessage) error {
	if !msg.Valid() {
		return fmt.Errorf("%w: queue %s", ErrInvalidMessage, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(id).push(msg)
	return nil
}

// AppendEvent applies one chat event to every queue it belongs to, in order:
// chatforme, automsg, vibecheck, then exactly one of nonbot (human author)
// or story (bot-authored).
func (s *Store) AppendEvent(msg models.ChatMessage, humanAuthored bool) error {
	if !msg.Valid() {
		return ErrInvalidMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue(QueueChatForMe).push(msg)
	s.queue(QueueAutoMsg).push(msg)
	s.queue(QueueVibeCheck).push(msg)
	if humanAuthored {
		s.queue(QueueNonBot).push(msg)
	} else {
		s.queue(QueueStory).push(msg)
	}
	return nil
}

// Snapshot returns a copy of the queue contents, oldest first.
func (s *Store) Snapshot(id QueueID) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok || len(q.messages) == 0 {
		return nil
	}
	out := make([]models.ChatMessage, len(q.messages))
	copy(out, q.messages)
	return out
}

// Drain returns the queue contents and empties it in one step.
func (s *Store) Drain(id QueueID) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return nil
	}
	out := q.messages
	q.messages = nil
	return out
}

// Clear empties a queue.
func (s *Store) Clear(id QueueID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		q.messages = nil
	}
}

// Len returns the number of messages held by a queue.
func (s *Store) Len(id QueueID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		return len(q.messages)
	}
	return 0
}

// limitOf returns the retained message count of a queue.
func (s *Store) limitOf(id QueueID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue(id).limit
}
