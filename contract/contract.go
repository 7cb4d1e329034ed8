//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"reflect"
)

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is one connected session as seen by the registry.
// Consume must not block: it only enqueues.
type EventSink interface {
	ID() string
	UserID() domain.UserID
	Consume(ctx context.Context, e event.Event) error
}

// MessageStore is the durable message contract shared by every instance.
type MessageStore interface {
	// InsertMessageIfAbsent creates msg unless a message with the same
	// (conversation, idempotency key) exists, in which case that one is returned
	// and created is false. The store assigns Seq.
	InsertMessageIfAbsent(ctx context.Context, msg domain.Message) (stored domain.Message, created bool, err error)
	GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error)
	// UpdateStatus records a recipient's status, never moving it backwards,
	// and returns every receipt of the message.
	UpdateStatus(ctx context.Context, id domain.MessageID, recipient domain.UserID, status domain.DeliveryStatus) (domain.Receipts, error)
	// SetStatus moves the aggregate status forward only.
	SetStatus(ctx context.Context, id domain.MessageID, status domain.DeliveryStatus) error
	// ReadPage returns up to limit messages with Seq < before, newest first.
	// before == 0 starts from the newest message.
	ReadPage(ctx context.Context, conversationID domain.ConversationID, before uint64, limit int) ([]domain.Message, error)
}

type ConversationStore interface {
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	SaveConversation(ctx context.Context, c domain.Conversation) error
}

// Fanout delivers an event to every subscribed session, local and remote.
type Fanout interface {
	Conversation(ctx context.Context, conversationID domain.ConversationID, e event.Event, exceptSession string)
	User(ctx context.Context, userID domain.UserID, e event.Event, exceptSession string)
}
