// Package event defines the server→client events and their JSON frame encoding.
// The same encoding is used on client connections and inside broker envelopes.
package event

import (
	"chat-relay/domain"
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeMessage           Type = "message"
	TypeStatusUpdate      Type = "statusUpdate"
	TypeTypingStart       Type = "typingStart"
	TypeTypingStop        Type = "typingStop"
	TypePresence          Type = "presence"
	TypeError             Type = "error"
	TypeAck               Type = "ack"
	TypeJoined            Type = "joined"
	TypeLeft              Type = "left"
	TypeHistory           Type = "history"
	TypeMembershipChanged Type = "membershipChanged"
)

type Event interface {
	Type() Type
}

type MessageCreated struct {
	Message domain.Message `json:"message"`
}

func (MessageCreated) Type() Type { return TypeMessage }

type StatusUpdate struct {
	MessageID      domain.MessageID      `json:"messageId"`
	ConversationID domain.ConversationID `json:"conversationId"`
	Status         domain.DeliveryStatus `json:"status"`
}

func (StatusUpdate) Type() Type { return TypeStatusUpdate }

type TypingStart struct {
	UserID         domain.UserID         `json:"userId"`
	ConversationID domain.ConversationID `json:"conversationId"`
}

func (TypingStart) Type() Type { return TypeTypingStart }

type TypingStop struct {
	UserID         domain.UserID         `json:"userId"`
	ConversationID domain.ConversationID `json:"conversationId"`
}

func (TypingStop) Type() Type { return TypeTypingStop }

type PresenceStatus string

const (
	Online  PresenceStatus = "online"
	Offline PresenceStatus = "offline"
)

type Presence struct {
	UserID         domain.UserID         `json:"userId"`
	ConversationID domain.ConversationID `json:"conversationId,omitempty"`
	Status         PresenceStatus        `json:"status"`
}

func (Presence) Type() Type { return TypePresence }

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (Error) Type() Type { return TypeError }

// Ack answers a send request on the originating session.
// Replayed sends get the same MessageID.
type Ack struct {
	RequestID      string                `json:"requestId,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
	MessageID      domain.MessageID      `json:"messageId,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId"`
	Status         domain.DeliveryStatus `json:"status"`
	CreatedAt      time.Time             `json:"createdAt"`
}

func (Ack) Type() Type { return TypeAck }

type Joined struct {
	RequestID      string                `json:"requestId,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId"`
	Messages       []domain.Message      `json:"messages"`
	NextCursor     string                `json:"nextCursor,omitempty"`
	Typing         []domain.UserID       `json:"typing,omitempty"`
}

func (Joined) Type() Type { return TypeJoined }

type Left struct {
	RequestID      string                `json:"requestId,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId"`
}

func (Left) Type() Type { return TypeLeft }

type History struct {
	RequestID      string                `json:"requestId,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId"`
	Messages       []domain.Message      `json:"messages"`
	NextCursor     string                `json:"nextCursor,omitempty"`
}

func (History) Type() Type { return TypeHistory }

// MembershipChanged is only exchanged between instances.
type MembershipChanged struct {
	ConversationID domain.ConversationID `json:"conversationId"`
}

func (MembershipChanged) Type() Type { return TypeMembershipChanged }

// Frame is the JSON envelope written on the wire.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	return json.Marshal(Frame{Type: e.Type(), Data: data})
}

func Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return DecodeFrame(f)
}

func DecodeFrame(f Frame) (Event, error) {
	switch f.Type {
	case TypeMessage:
		return decodeAs[MessageCreated](f.Data)
	case TypeStatusUpdate:
		return decodeAs[StatusUpdate](f.Data)
	case TypeTypingStart:
		return decodeAs[TypingStart](f.Data)
	case TypeTypingStop:
		return decodeAs[TypingStop](f.Data)
	case TypePresence:
		return decodeAs[Presence](f.Data)
	case TypeError:
		return decodeAs[Error](f.Data)
	case TypeAck:
		return decodeAs[Ack](f.Data)
	case TypeJoined:
		return decodeAs[Joined](f.Data)
	case TypeLeft:
		return decodeAs[Left](f.Data)
	case TypeHistory:
		return decodeAs[History](f.Data)
	case TypeMembershipChanged:
		return decodeAs[MembershipChanged](f.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", f.Type)
	}
}

func decodeAs[E Event](data json.RawMessage) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type(), err)
	}
	return e, nil
}
