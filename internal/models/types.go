package models

import (
	"strings"

	"github.com/google/uuid"
)

// Role identifies who authored a captured message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single captured message. It is immutable once accepted.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	ID        string `json:"messageId"`
}

// GeneratedIDPrefix marks message ids assigned locally because the source
// supplied none
const GeneratedIDPrefix = "gen-"

// NewMessageID returns a locally generated message id
func NewMessageID() string {
	return GeneratedIDPrefix + uuid.New().String()
}

// HasSourceID reports whether the id came from the observed surface
func (m Message) HasSourceID() bool {
	return m.ID != "" && !strings.HasPrefix(m.ID, GeneratedIDPrefix)
}

// Conversation is the persisted form of one captured thread.
// Identity is (Platform, ID).
type Conversation struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform"`
	URL         string    `json:"url"`
	Messages    []Message `json:"messages"`
	CreatedAt   int64     `json:"createdAt"`
	LastUpdated int64     `json:"lastUpdated"`
}

// ConversationKey builds the storage key for a conversation
func ConversationKey(platform, id string) string {
	return platform + ":" + id
}

// Relay envelope sent from the capture side to the persistence owner
type Envelope struct {
	Type           string    `json:"type"`
	Platform       string    `json:"platform"`
	ConversationID string    `json:"conversationId"`
	URL            string    `json:"url"`
	Messages       []Message `json:"messages"`
	Timestamp      int64     `json:"timestamp"`
}

// Envelope types
const (
	EnvelopeChatHistoryUpdate = "CHAT_HISTORY_UPDATE"
)

// Ack answers an envelope published with a reply subject
type Ack struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ack statuses
const (
	AckOK    = "ok"
	AckError = "error"
)
