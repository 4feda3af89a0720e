// Package persist mirrors conversations to durable storage.  The
// chat core only ever enqueues records; storage failures are logged
// and never reach the turn protocol.
package persist

import (
	"context"
	"errors"
	"time"
)

// User is the owner of conversations.
type User struct {
	UserID   string `json:"user_id" cbor:"user_id"`
	Username string `json:"username" cbor:"username"`
	Email    string `json:"email,omitempty" cbor:"email,omitempty"`
}

// Conversation is one chat session.
type Conversation struct {
	ConversationID string    `json:"conversation_id" cbor:"conversation_id"`
	UserID         string    `json:"user_id" cbor:"user_id"`
	Title          string    `json:"title,omitempty" cbor:"title,omitempty"`
	Model          string    `json:"model" cbor:"model"`
	CreatedAt      time.Time `json:"created_at" cbor:"created_at"`
}

// Message is one finalized turn.  Seq orders messages within a
// conversation.
type Message struct {
	MessageID      string    `json:"message_id" cbor:"message_id"`
	ConversationID string    `json:"conversation_id" cbor:"conversation_id"`
	Seq            int       `json:"seq" cbor:"seq"`
	Role           string    `json:"role" cbor:"role"`
	Content        string    `json:"content" cbor:"content"`
	TokenCount     int       `json:"token_count,omitempty" cbor:"token_count,omitempty"`
	CreatedAt      time.Time `json:"created_at" cbor:"created_at"`
}

// Sink is durable storage for users, conversations and messages.
type Sink interface {
	CreateUser(ctx context.Context, u User) error
	CreateConversation(ctx context.Context, c Conversation) error
	AddMessage(ctx context.Context, m Message) error
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// Recorder accepts records without blocking.  Mirror implements it.
type Recorder interface {
	CreateUser(u User)
	CreateConversation(c Conversation)
	AddMessage(m Message)
}

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned for records missing required fields.
	ErrInvalid = errors.New("invalid record")

	errQueueFull = errors.New("queue full, record dropped")
	errClosed    = errors.New("mirror closed, record dropped")
)
