// Package delivery drives the lifecycle of messages: idempotent acceptance,
// persistence, fan-out and per-recipient acknowledgements.
package delivery

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/observability"
	"chat-relay/runtime"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultPersistTimeout = 5 * time.Second

// Censor rewrites a body before it is persisted.
type Censor interface {
	Censor(body string) (string, []string)
}

// Tracker serializes sends per conversation and acknowledgements per message.
// Work accepted by the tracker runs to completion even if the requesting
// session goes away.
type Tracker struct {
	log            *slog.Logger
	messages       contract.MessageStore
	conversations  contract.ConversationStore
	fanout         contract.Fanout
	exec           *runtime.KeyedExecutor
	persistTimeout time.Duration
	censor         Censor
	metrics        *observability.Metrics
	now            func() time.Time
}

type Option func(*Tracker)

func WithCensor(c Censor) Option {
	return func(t *Tracker) { t.censor = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.persistTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(log *slog.Logger,
	messages contract.MessageStore,
	conversations contract.ConversationStore,
	fanout contract.Fanout,
	opts ...Option) *Tracker {
	t := &Tracker{
		log:            log,
		messages:       messages,
		conversations:  conversations,
		fanout:         fanout,
		exec:           runtime.NewKeyedExecutor(log),
		persistTimeout: defaultPersistTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AcceptSend persists the message of cmd unless its idempotency key was
// already used in the conversation, in which case the existing message is
// returned and nothing is fanned out again.
// On a persistence failure the returned message is marked Failed and the
// error wraps ErrPersistence; nobody else ever sees it.
func (t *Tracker) AcceptSend(ctx context.Context, cmd domain.SendCommand) (domain.Message, error) {
	var (
		result domain.Message
		resErr error
	)
	err := t.exec.Do(ctx, "conversation:"+string(cmd.ConversationID), func() {
		result, resErr = t.acceptSend(ctx, cmd)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return result, resErr
}

func (t *Tracker) acceptSend(ctx context.Context, cmd domain.SendCommand) (domain.Message, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.persistTimeout)
	defer cancel()
	log := t.log.With("conversation_id", cmd.ConversationID, "user_id", cmd.SenderID)

	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = t.now()
	}
	draft := cmd.Draft(domain.MessageID(uuid.NewString()))
	if t.censor != nil {
		if body, words := t.censor.Censor(draft.Body); len(words) > 0 {
			log.Debug("Message censored", "words", len(words))
			draft.Body = body
			t.metrics.MessageCensored()
		}
	}

	stored, created, err := t.messages.InsertMessageIfAbsent(ctx, draft)
	if err != nil {
		log.Warn("Message persistence failed", "idempotency_key", cmd.IdempotencyKey, "error", err)
		t.metrics.PersistenceFailure()
		draft.Status = domain.StatusFailed
		return draft, fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}

	// A replay of a message that never reached Sent finishes the first attempt
	if !created && stored.Status != domain.StatusSending {
		log.Debug("Idempotent replay", "message_id", stored.ID, "idempotency_key", cmd.IdempotencyKey)
		t.metrics.MessageDeduplicated()
		return stored, nil
	}

	if err := t.messages.SetStatus(ctx, stored.ID, domain.StatusSent); err != nil {
		log.Warn("Message status update failed", "message_id", stored.ID, "error", err)
		t.metrics.PersistenceFailure()
		stored.Status = domain.StatusFailed
		return stored, fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	stored.Status = domain.StatusSent
	t.metrics.MessageAccepted()
	t.metrics.StatusTransition(domain.StatusSent)

	t.fanout.Conversation(ctx, stored.ConversationID, event.MessageCreated{Message: stored}, cmd.OriginSession)
	log.Debug("Message accepted", "message_id", stored.ID, "seq", stored.Seq)
	return stored, nil
}

func (t *Tracker) AcknowledgeDelivered(ctx context.Context, id domain.MessageID, recipient domain.UserID) error {
	return t.acknowledge(ctx, id, recipient, domain.StatusDelivered)
}

func (t *Tracker) AcknowledgeRead(ctx context.Context, id domain.MessageID, recipient domain.UserID) error {
	return t.acknowledge(ctx, id, recipient, domain.StatusRead)
}

// acknowledge records the receipt of recipient and, when the aggregate over
// the current members moves forward, notifies the sender only.
func (t *Tracker) acknowledge(ctx context.Context, id domain.MessageID, recipient domain.UserID, status domain.DeliveryStatus) error {
	var resErr error
	err := t.exec.Do(ctx, "message:"+string(id), func() {
		resErr = t.record(ctx, id, recipient, status)
	})
	if err != nil {
		return err
	}
	return resErr
}

func (t *Tracker) record(ctx context.Context, id domain.MessageID, recipient domain.UserID, status domain.DeliveryStatus) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.persistTimeout)
	defer cancel()

	msg, err := t.messages.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg.SenderID == recipient {
		return nil
	}
	conv, err := t.conversations.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if !conv.IsMember(recipient) {
		return errors.ErrNotAMember
	}
	if msg.Status < domain.StatusSent || msg.Status == domain.StatusFailed {
		return nil
	}

	receipts, err := t.messages.UpdateStatus(ctx, id, recipient, status)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	aggregate := domain.Aggregate(conv.Recipients(msg.SenderID), receipts)
	next, ok := domain.Advance(msg.Status, aggregate)
	if !ok {
		return nil
	}
	if err := t.messages.SetStatus(ctx, id, next); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	t.metrics.StatusTransition(next)
	t.log.Debug("Message status changed",
		"message_id", id,
		"conversation_id", msg.ConversationID,
		"status", next)
	t.fanout.User(ctx, msg.SenderID, event.StatusUpdate{
		MessageID:      id,
		ConversationID: msg.ConversationID,
		Status:         next,
	}, "")
	return nil
}

// Wait blocks until every accepted operation has completed.
func (t *Tracker) Wait() {
	t.exec.Wait()
}
