package domain

import (
	"time"
)

// SendCommand is a validated send request coming from one session.
type SendCommand struct {
	ConversationID ConversationID
	SenderID       UserID
	Body           string
	Attachments    []Attachment
	IdempotencyKey string
	// OriginSession is excluded from the room fan-out; it receives an ack instead.
	OriginSession string
	CreatedAt     time.Time
}

// Draft builds the record that is persisted when no message exists yet
// for the command's idempotency key.
func (c SendCommand) Draft(id MessageID) Message {
	return Message{
		ID:             id,
		ConversationID: c.ConversationID,
		SenderID:       c.SenderID,
		Body:           c.Body,
		Attachments:    c.Attachments,
		CreatedAt:      c.CreatedAt,
		Status:         StatusSending,
		IdempotencyKey: c.IdempotencyKey,
	}
}
