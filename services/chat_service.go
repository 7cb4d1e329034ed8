package services

import (
	"chat-relay/delivery"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/history"
	"chat-relay/presence"
	"chat-relay/runtime"
	"chat-relay/session"
	"context"
	"log/slog"
	"time"
)

var _ session.Handler = (*ChatService)(nil)

// ChatService serves the requests of every session of this instance.
type ChatService struct {
	log      *slog.Logger
	registry *runtime.Registry
	tracker  *delivery.Tracker
	history  *history.Reader
	presence *presence.Aggregator
	now      func() time.Time
}

func NewChatService(log *slog.Logger,
	registry *runtime.Registry,
	tracker *delivery.Tracker,
	reader *history.Reader,
	aggregator *presence.Aggregator) *ChatService {
	return &ChatService{
		log:      log,
		registry: registry,
		tracker:  tracker,
		history:  reader,
		presence: aggregator,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *ChatService) Connected(ctx context.Context, s *session.Session) error {
	if err := c.registry.Attach(ctx, s); err != nil {
		return err
	}
	c.presence.Connected(ctx, s.UserID())
	return nil
}

// Join subscribes the session to a conversation and returns the newest page
// of its history. Events published after the subscription are delivered live.
func (c *ChatService) Join(ctx context.Context, s *session.Session, id domain.ConversationID, requestID string) (event.Event, error) {
	if err := c.authorize(ctx, s.UserID(), id); err != nil {
		return nil, err
	}
	// Tracked before subscribing so Disconnected always releases it
	s.AddRoom(id)
	if err := c.registry.Subscribe(ctx, s, id); err != nil {
		return nil, err
	}
	page, err := c.history.Fetch(ctx, id, "", 0)
	if err != nil {
		return nil, err
	}
	c.presence.Joined(ctx, id, s.UserID(), s.ID())
	return event.Joined{
		RequestID:      requestID,
		ConversationID: id,
		Messages:       page.Messages,
		NextCursor:     page.NextCursor,
		Typing:         c.presence.Typing(id),
	}, nil
}

func (c *ChatService) Leave(ctx context.Context, s *session.Session, id domain.ConversationID, requestID string) (event.Event, error) {
	if s.RemoveRoom(id) {
		if err := c.registry.Unsubscribe(ctx, s, id); err != nil {
			return nil, err
		}
	}
	return event.Left{RequestID: requestID, ConversationID: id}, nil
}

// Send accepts a message. The ack carries the persisted message, or the
// Failed status alongside the error when persistence did not succeed.
func (c *ChatService) Send(ctx context.Context, s *session.Session, req session.SendRequest, requestID string) (event.Event, error) {
	if err := c.authorize(ctx, s.UserID(), req.ConversationID); err != nil {
		return nil, err
	}
	msg, err := c.tracker.AcceptSend(ctx, domain.SendCommand{
		ConversationID: req.ConversationID,
		SenderID:       s.UserID(),
		Body:           req.Body,
		Attachments:    req.DomainAttachments(),
		IdempotencyKey: req.IdempotencyKey,
		OriginSession:  s.ID(),
		CreatedAt:      c.now(),
	})
	if err != nil && !errors.Is(err, errors.ErrPersistence) {
		return nil, err
	}
	if err == nil {
		c.presence.ClearTyping(ctx, req.ConversationID, s.UserID(), s.ID())
	}
	return event.Ack{
		RequestID:      requestID,
		IdempotencyKey: req.IdempotencyKey,
		MessageID:      msg.ID,
		ConversationID: req.ConversationID,
		Status:         msg.Status,
		CreatedAt:      msg.CreatedAt,
	}, err
}

func (c *ChatService) Typing(ctx context.Context, s *session.Session, id domain.ConversationID) error {
	if err := c.authorize(ctx, s.UserID(), id); err != nil {
		return err
	}
	c.presence.SetTyping(ctx, id, s.UserID(), s.ID())
	return nil
}

func (c *ChatService) StopTyping(ctx context.Context, s *session.Session, id domain.ConversationID) error {
	if err := c.authorize(ctx, s.UserID(), id); err != nil {
		return err
	}
	c.presence.ClearTyping(ctx, id, s.UserID(), s.ID())
	return nil
}

func (c *ChatService) MarkRead(ctx context.Context, s *session.Session, id domain.MessageID) error {
	return c.tracker.AcknowledgeRead(ctx, id, s.UserID())
}

func (c *ChatService) MarkDelivered(ctx context.Context, s *session.Session, id domain.MessageID) error {
	return c.tracker.AcknowledgeDelivered(ctx, id, s.UserID())
}

func (c *ChatService) History(ctx context.Context, s *session.Session, req session.HistoryRequest, requestID string) (event.Event, error) {
	if err := c.authorize(ctx, s.UserID(), req.ConversationID); err != nil {
		return nil, err
	}
	page, err := c.history.Fetch(ctx, req.ConversationID, req.Cursor, req.Limit)
	if err != nil {
		return nil, err
	}
	return event.History{
		RequestID:      requestID,
		ConversationID: req.ConversationID,
		Messages:       page.Messages,
		NextCursor:     page.NextCursor,
	}, nil
}

// Disconnected releases every room of the session. ctx is never canceled.
func (c *ChatService) Disconnected(ctx context.Context, s *session.Session) {
	for _, id := range s.Rooms() {
		s.RemoveRoom(id)
		if err := c.registry.Unsubscribe(ctx, s, id); err != nil {
			c.log.Warn("Failed to unsubscribe session", "session_id", s.ID(), "conversation_id", id, "error", err)
		}
	}
	if err := c.registry.Detach(ctx, s); err != nil {
		c.log.Warn("Failed to detach session", "session_id", s.ID(), "error", err)
	}
	c.presence.Disconnected(ctx, s.UserID())
}

// authorize checks membership against the cached conversation. An unknown
// conversation is reported the same way as a foreign one.
func (c *ChatService) authorize(ctx context.Context, userID domain.UserID, id domain.ConversationID) error {
	conv, err := c.registry.Conversation(ctx, id)
	if errors.Is(err, errors.ErrConversationNotFound) {
		return errors.ErrNotAMember
	}
	if err != nil {
		return err
	}
	if !conv.IsMember(userID) {
		return errors.ErrNotAMember
	}
	return nil
}
