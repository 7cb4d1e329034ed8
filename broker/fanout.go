package broker

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
)

// Fanout delivers to local sessions first, then to the other instances.
// A broker failure never prevents local delivery.
type Fanout struct {
	registry LocalRegistry
	adapter  *Adapter
}

func NewFanout(registry LocalRegistry, adapter *Adapter) *Fanout {
	return &Fanout{registry: registry, adapter: adapter}
}

func (f *Fanout) Conversation(ctx context.Context, id domain.ConversationID, e event.Event, exceptSession string) {
	f.registry.PublishLocal(id, e, exceptSession)
	_ = f.adapter.Publish(ctx, ConversationTopic(id), ScopeConversation, string(id), e, exceptSession)
}

func (f *Fanout) User(ctx context.Context, id domain.UserID, e event.Event, exceptSession string) {
	f.registry.PublishToUser(id, e, exceptSession)
	_ = f.adapter.Publish(ctx, UserTopic(id), ScopeUser, string(id), e, exceptSession)
}

// MembershipChanged drops the cached membership of a conversation on every instance.
func (f *Fanout) MembershipChanged(ctx context.Context, id domain.ConversationID) {
	f.registry.Invalidate(id)
	_ = f.adapter.Publish(ctx, ConversationTopic(id), ScopeMembership, string(id), nil, "")
}

// AnnouncePresence shares a presence lease with the other instances only.
func (f *Fanout) AnnouncePresence(ctx context.Context, id domain.UserID, online bool) {
	_ = f.adapter.PublishPresence(ctx, id, online)
}
