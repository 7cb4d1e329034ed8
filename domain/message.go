// Package domain contains core concepts of the chat system.
// This file defines Message records and related rules.
// A Message is append-only once created; only its delivery status moves.
package domain

import (
	"time"
)

type MessageID string

// Attachment references media uploaded through the media collaborator.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size,omitempty"`
}

// Message represents a persisted chat message.
// Seq is the server-assigned ordering key, monotonic within a conversation.
type Message struct {
	ID             MessageID      `json:"id"`
	Seq            uint64         `json:"seq"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       UserID         `json:"senderId"`
	Body           string         `json:"body"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"status"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// Receipts holds the per-recipient status of one message.
type Receipts map[UserID]DeliveryStatus
