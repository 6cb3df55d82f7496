package models

import (
	"strings"
	"time"
)

// Role is the conversation role sent to the completion API.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a conversation queue. For user and assistant
// messages the author name is already embedded in Content as "<<<name>>>: text".
type ChatMessage struct {
	Role       Role   `json:"role"`
	AuthorName string `json:"author_name,omitempty"`
	Content    string `json:"content"`
}

// NewChatMessage builds a message in the form the completion API expects.
func NewChatMessage(role Role, name, content string) ChatMessage {
	if role == RoleSystem {
		return ChatMessage{Role: role, Content: content}
	}
	if name == "" {
		name = "unknown"
	}
	return ChatMessage{
		Role:       role,
		AuthorName: name,
		Content:    "<<<" + name + ">>>: " + content,
	}
}

// Valid reports whether the message carries content and, for user and
// assistant roles, an author.
func (m ChatMessage) Valid() bool {
	if strings.TrimSpace(m.Content) == "" {
		return false
	}
	switch m.Role {
	case RoleSystem:
		return true
	case RoleUser, RoleAssistant:
		return m.AuthorName != ""
	default:
		return false
	}
}

// Author identifies the chatter behind an event.
type Author struct {
	ID          string
	Name        string
	DisplayName string
	Badges      string
	Color       string
}

// ChatEvent is one inbound chat line. Author is nil for lines the bot itself
// sent; RawData then holds the synthesised protocol line carrying the name.
type ChatEvent struct {
	ID        string
	Channel   string
	Author    *Author
	Content   string
	RawData   string
	Timestamp time.Time
	Tags      map[string]string
}

// BotAuthored reports whether the event was produced by the bot.
func (e *ChatEvent) BotAuthored() bool {
	return e.Author == nil
}

// MessageMetadata is the raw per-event record kept for analytics.
type MessageMetadata struct {
	MessageID       string            `json:"message_id"`
	UserID          string            `json:"user_id"`
	Name            string            `json:"name"`
	DisplayName     string            `json:"display_name"`
	Channel         string            `json:"channel"`
	Badges          string            `json:"badges"`
	Color           string            `json:"color"`
	Content         string            `json:"content"`
	Timestamp       string            `json:"timestamp"`
	InteractionType string            `json:"interaction_type"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Interaction types recorded with each metadata entry.
const (
	InteractionChat    = "chat"
	InteractionCommand = "command"
	InteractionBot     = "bot"
)

// StoryTranscript is the final content of a finished story.
type StoryTranscript struct {
	ID        string        `json:"id"`
	Channel   string        `json:"channel"`
	StartedBy string        `json:"started_by"`
	Style     string        `json:"style"`
	Tone      string        `json:"tone"`
	Theme     string        `json:"theme"`
	Messages  []ChatMessage `json:"messages"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}
