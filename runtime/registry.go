package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"log/slog"
	"sync"
	"time"
)

const membershipTimeout = 5 * time.Second

type Set map[string]contract.EventSink

// Registry maps conversations and users to the sessions connected to this instance.
// Every membership change and every publish for one conversation runs in that
// conversation's execution context, so a publish submitted after Subscribe
// returns is always seen by the new subscriber.
type Registry struct {
	log  *slog.Logger
	exec *KeyedExecutor

	mu    sync.Mutex
	rooms map[domain.ConversationID]Set // map conversation -> session sinks
	users map[domain.UserID]Set         // map user -> session sinks

	conversations *MembershipCache
}

func NewRegistry(log *slog.Logger, conversations *MembershipCache) *Registry {
	return &Registry{
		log:           log,
		exec:          NewKeyedExecutor(log),
		rooms:         make(map[domain.ConversationID]Set),
		users:         make(map[domain.UserID]Set),
		conversations: conversations,
	}
}

func roomKey(id domain.ConversationID) string { return "conversation:" + string(id) }

func userKey(id domain.UserID) string { return "user:" + string(id) }

// Conversation returns the cached reference data of a conversation.
func (r *Registry) Conversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	return r.conversations.Get(ctx, id)
}

// Invalidate drops the cached copy of a conversation's membership, then
// evicts the local sessions of users who are no longer members. Evicted
// sessions receive Left.
func (r *Registry) Invalidate(id domain.ConversationID) {
	r.conversations.Invalidate(id)
	r.exec.Submit(roomKey(id), func() {
		ctx, cancel := context.WithTimeout(context.Background(), membershipTimeout)
		defer cancel()
		conv, err := r.conversations.Get(ctx, id)
		if err != nil && !errors.Is(err, errors.ErrConversationNotFound) {
			r.log.Warn("Membership refresh failed", "conversation_id", id, "error", err)
			return
		}
		r.mu.Lock()
		var evicted []contract.EventSink
		for sessionID, sink := range r.rooms[id] {
			if !conv.IsMember(sink.UserID()) {
				delete(r.rooms[id], sessionID)
				evicted = append(evicted, sink)
			}
		}
		if len(r.rooms[id]) == 0 {
			delete(r.rooms, id)
		}
		r.mu.Unlock()
		for _, sink := range evicted {
			r.log.Debug("Session evicted from conversation", "session_id", sink.ID(), "user_id", sink.UserID(), "conversation_id", id)
			_ = sink.Consume(ctx, event.Left{ConversationID: id})
		}
	})
}

// apply runs a membership mutation to completion, even once ctx ends.
func (r *Registry) apply(ctx context.Context, key string, fn func()) error {
	return r.exec.Do(context.WithoutCancel(ctx), key, fn)
}

// Attach makes a session reachable by user-targeted events.
func (r *Registry) Attach(ctx context.Context, sink contract.EventSink) error {
	return r.apply(ctx, userKey(sink.UserID()), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		sessions, ok := r.users[sink.UserID()]
		if !ok {
			sessions = make(Set)
			r.users[sink.UserID()] = sessions
		}
		sessions[sink.ID()] = sink
	})
}

// Detach removes a session from user-targeted routing.
func (r *Registry) Detach(ctx context.Context, sink contract.EventSink) error {
	return r.apply(ctx, userKey(sink.UserID()), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sessions, ok := r.users[sink.UserID()]; ok {
			delete(sessions, sink.ID())
			if len(sessions) == 0 {
				delete(r.users, sink.UserID())
			}
		}
	})
}

// Subscribe adds a session to a conversation room and returns once applied.
// If the room does not yet exist in the registry, it is initialized on the fly.
func (r *Registry) Subscribe(ctx context.Context, sink contract.EventSink, id domain.ConversationID) error {
	return r.apply(ctx, roomKey(id), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		members, ok := r.rooms[id]
		if !ok {
			members = make(Set)
			r.rooms[id] = members
		}
		members[sink.ID()] = sink
	})
}

// Unsubscribe removes a session from a room and drops empty rooms.
func (r *Registry) Unsubscribe(ctx context.Context, sink contract.EventSink, id domain.ConversationID) error {
	return r.apply(ctx, roomKey(id), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if members, ok := r.rooms[id]; ok {
			delete(members, sink.ID())
			if len(members) == 0 {
				delete(r.rooms, id)
			}
		}
	})
}

// PublishLocal delivers e to every local session of the room except exceptSession.
func (r *Registry) PublishLocal(id domain.ConversationID, e event.Event, exceptSession string) {
	r.exec.Submit(roomKey(id), func() {
		r.deliver(snapshotOf(&r.mu, r.rooms, id), e, exceptSession)
	})
}

// PublishToUser delivers e to every local session of the user except exceptSession.
func (r *Registry) PublishToUser(id domain.UserID, e event.Event, exceptSession string) {
	r.exec.Submit(userKey(id), func() {
		r.deliver(snapshotOf(&r.mu, r.users, id), e, exceptSession)
	})
}

// SinksForRoom returns the sessions subscribed to a room once every
// previously submitted operation on that room has run.
func (r *Registry) SinksForRoom(ctx context.Context, id domain.ConversationID) ([]contract.EventSink, error) {
	var sinks []contract.EventSink
	err := r.exec.Do(ctx, roomKey(id), func() {
		sinks = snapshotOf(&r.mu, r.rooms, id)
	})
	return sinks, err
}

// Rooms returns the number of rooms with at least one local session.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Pending returns the number of rooms and users with queued work.
func (r *Registry) Pending() int {
	return r.exec.Pending()
}

// CachedConversations returns the size of the membership cache.
func (r *Registry) CachedConversations() int {
	return r.conversations.Len()
}

// Drain waits for every pending publish.
func (r *Registry) Drain() {
	r.exec.Wait()
}

func (r *Registry) deliver(sinks []contract.EventSink, e event.Event, exceptSession string) {
	ctx := context.Background()
	for _, sink := range sinks {
		if sink.ID() == exceptSession {
			continue
		}
		if err := sink.Consume(ctx, e); err != nil {
			r.log.Debug("Session rejected event",
				"session_id", sink.ID(),
				"user_id", sink.UserID(),
				"type", e.Type(),
				"error", err)
		}
	}
}

func snapshotOf[K comparable](mu *sync.Mutex, m map[K]Set, key K) []contract.EventSink {
	mu.Lock()
	defer mu.Unlock()
	set, ok := m[key]
	if !ok {
		return nil
	}
	sinks := make([]contract.EventSink, 0, len(set))
	for _, s := range set {
		sinks = append(sinks, s)
	}
	return sinks
}
