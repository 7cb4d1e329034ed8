// Package domain contains core concepts of the chat system.
// This file defines Conversation reference data and membership rules.
// Conversations are owned by the group-management collaborator; the core only reads them.
package domain

import (
	"slices"
	"time"
)

type ConversationID string

type UserID string

type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

func (k Kind) Valid() bool {
	return k == KindDirect || k == KindGroup
}

// Conversation is read-mostly reference data. Members keeps the order
// in which participants were added.
type Conversation struct {
	ID        ConversationID `json:"id"`
	Kind      Kind           `json:"kind"`
	Members   []UserID       `json:"members"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (c Conversation) IsMember(userID UserID) bool {
	return slices.Contains(c.Members, userID)
}

// Recipients returns every current member except the sender.
func (c Conversation) Recipients(senderID UserID) []UserID {
	recipients := make([]UserID, 0, len(c.Members))
	for _, m := range c.Members {
		if m != senderID {
			recipients = append(recipients, m)
		}
	}
	return recipients
}
