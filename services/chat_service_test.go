package services

import (
	"chat-relay/broker"
	"chat-relay/delivery"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/history"
	"chat-relay/presence"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/session"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type chanConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	events []event.Event
}

func (c *chanConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanConn) WriteFrame(_ context.Context, raw []byte) error {
	e, err := event.Decode(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *chanConn) Close(session.CloseReason) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type client struct {
	conn *chanConn
}

func (c client) send(t *testing.T, frame string) {
	select {
	case c.conn.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("client frame not consumed")
	}
}

func eventsOf[E event.Event](c client) []E {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	var out []E
	for _, e := range c.conn.events {
		if typed, ok := e.(E); ok {
			out = append(out, typed)
		}
	}
	return out
}

type node struct {
	service  *ChatService
	adapter  *broker.Adapter
	presence *presence.Aggregator
}

func newStore(t *testing.T) *repositories.BadgerStore {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := repositories.NewBadgerStore(db, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, store.SaveConversation(context.Background(), domain.Conversation{
		ID: "group", Kind: domain.KindGroup, Members: []domain.UserID{"alice", "bob"},
	}))
	return store
}

func startNode(t *testing.T, ctx context.Context, hub *broker.Hub, store *repositories.BadgerStore, id string) node {
	return startNodeWithGrace(t, ctx, hub, store, id, time.Minute)
}

func startNodeWithGrace(t *testing.T, ctx context.Context, hub *broker.Hub, store *repositories.BadgerStore, id string, grace time.Duration) node {
	log := logs.GetLoggerFromLevel(slog.LevelDebug).With("instance", id)
	registry := runtime.NewRegistry(log, runtime.NewMembershipCache(store, 16, time.Minute))
	adapter := broker.NewAdapter(log, broker.NewMemory(hub), registry, id,
		broker.WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	go func() { _ = adapter.Run(ctx) }()
	require.Eventually(t, adapter.Connected, time.Second, 5*time.Millisecond)

	fanout := broker.NewFanout(registry, adapter)
	tracker := delivery.NewTracker(log, store, store, fanout)
	aggregator := presence.NewAggregator(log, fanout, time.Second, grace, presence.WithPeers(fanout, time.Minute))
	adapter.HandlePresence(func(instanceID string, userID domain.UserID, online bool) {
		aggregator.PeerPresence(ctx, instanceID, userID, online)
	})
	service := NewChatService(log, registry, tracker, history.NewReader(store, 0, 0), aggregator)
	return node{service: service, adapter: adapter, presence: aggregator}
}

func connect(t *testing.T, ctx context.Context, n node, user domain.UserID) client {
	conn := &chanConn{in: make(chan []byte), closed: make(chan struct{})}
	s := session.New(logs.GetLoggerFromLevel(slog.LevelDebug), user, conn, n.service, session.NewParser(0), session.Config{}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		s.Close(session.CloseNormal)
		<-done
	})
	return client{conn: conn}
}

func join(t *testing.T, c client, id domain.ConversationID) {
	c.send(t, fmt.Sprintf(`{"type":"join","id":"join-%s","data":{"conversationId":%q}}`, id, id))
	require.Eventually(t, func() bool { return len(eventsOf[event.Joined](c)) > 0 }, time.Second, 5*time.Millisecond)
}

func TestChat_Message_Reaches_Other_Instance_Exactly_Once(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := broker.NewHub()
	store := newStore(t)
	a := startNode(t, ctx, hub, store, "instance-a")
	b := startNode(t, ctx, hub, store, "instance-b")

	// Given alice on instance A and bob on instance B in the same conversation
	alice := connect(t, ctx, a, "alice")
	bob := connect(t, ctx, b, "bob")
	join(t, alice, "group")
	join(t, bob, "group")

	// When alice sends a message
	alice.send(t, `{"type":"send","id":"s1","data":{"conversationId":"group","body":"hello","idempotencyKey":"k1"}}`)

	// Then she gets an ack and bob gets the message once
	req.Eventually(func() bool { return len(eventsOf[event.Ack](alice)) == 1 }, time.Second, 5*time.Millisecond)
	ack := eventsOf[event.Ack](alice)[0]
	req.Equal("s1", ack.RequestID)
	req.Equal(domain.StatusSent, ack.Status)
	req.NotEmpty(ack.MessageID)

	req.Eventually(func() bool { return len(eventsOf[event.MessageCreated](bob)) == 1 }, time.Second, 5*time.Millisecond)
	req.Equal(ack.MessageID, eventsOf[event.MessageCreated](bob)[0].Message.ID)
	req.Empty(eventsOf[event.MessageCreated](alice))

	// And bob's session acknowledged delivery back to alice across instances
	req.Eventually(func() bool {
		for _, u := range eventsOf[event.StatusUpdate](alice) {
			if u.MessageID == ack.MessageID && u.Status == domain.StatusDelivered {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// When alice retries the same send
	alice.send(t, `{"type":"send","id":"s2","data":{"conversationId":"group","body":"hello","idempotencyKey":"k1"}}`)

	// Then the ack carries the same message and bob sees nothing new
	req.Eventually(func() bool { return len(eventsOf[event.Ack](alice)) == 2 }, time.Second, 5*time.Millisecond)
	req.Equal(ack.MessageID, eventsOf[event.Ack](alice)[1].MessageID)
	req.Never(func() bool { return len(eventsOf[event.MessageCreated](bob)) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// When bob reads it
	bob.send(t, fmt.Sprintf(`{"type":"markRead","data":{"messageId":%q}}`, ack.MessageID))

	// Then alice is told
	req.Eventually(func() bool {
		for _, u := range eventsOf[event.StatusUpdate](alice) {
			if u.Status == domain.StatusRead {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestChat_Non_Member_Cannot_Join(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startNode(t, ctx, broker.NewHub(), newStore(t), "instance-a")
	carol := connect(t, ctx, a, "carol")

	carol.send(t, `{"type":"join","id":"j1","data":{"conversationId":"group"}}`)
	carol.send(t, `{"type":"join","id":"j2","data":{"conversationId":"missing"}}`)

	req.Eventually(func() bool { return len(eventsOf[event.Error](carol)) == 2 }, time.Second, 5*time.Millisecond)
	for _, e := range eventsOf[event.Error](carol) {
		req.Equal(errors.CodeNotAMember, e.Code)
	}
	req.Empty(eventsOf[event.Joined](carol))
}

func TestChat_Broker_Outage_Is_Recovered_Through_History(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := broker.NewHub()
	store := newStore(t)
	a := startNode(t, ctx, hub, store, "instance-a")
	b := startNode(t, ctx, hub, store, "instance-b")
	alice := connect(t, ctx, a, "alice")
	bob := connect(t, ctx, b, "bob")
	join(t, alice, "group")
	join(t, bob, "group")

	// Given the broker goes down
	hub.SetOnline(false)
	req.Eventually(func() bool { return !a.adapter.Connected() && !b.adapter.Connected() }, time.Second, 5*time.Millisecond)

	// When alice sends during the outage
	alice.send(t, `{"type":"send","id":"s1","data":{"conversationId":"group","body":"during outage","idempotencyKey":"k1"}}`)

	// Then the message is still accepted
	req.Eventually(func() bool { return len(eventsOf[event.Ack](alice)) == 1 }, time.Second, 5*time.Millisecond)
	req.Equal(domain.StatusSent, eventsOf[event.Ack](alice)[0].Status)
	req.Never(func() bool { return len(eventsOf[event.MessageCreated](bob)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// When the broker comes back
	hub.SetOnline(true)
	req.Eventually(func() bool { return a.adapter.Connected() && b.adapter.Connected() }, 2*time.Second, 5*time.Millisecond)

	// Then bob finds the message in history, and nothing is replayed live
	bob.send(t, `{"type":"history","id":"h1","data":{"conversationId":"group"}}`)
	req.Eventually(func() bool { return len(eventsOf[event.History](bob)) == 1 }, time.Second, 5*time.Millisecond)
	page := eventsOf[event.History](bob)[0]
	req.Len(page.Messages, 1)
	req.Equal("during outage", page.Messages[0].Body)
	req.Empty(eventsOf[event.MessageCreated](bob))
}

func TestChat_Left_Session_Receives_Nothing(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startNode(t, ctx, broker.NewHub(), newStore(t), "instance-a")
	alice := connect(t, ctx, a, "alice")
	bob := connect(t, ctx, a, "bob")
	join(t, alice, "group")
	join(t, bob, "group")

	// Given bob left the conversation
	bob.send(t, `{"type":"leave","id":"l1","data":{"conversationId":"group"}}`)
	req.Eventually(func() bool { return len(eventsOf[event.Left](bob)) == 1 }, time.Second, 5*time.Millisecond)
	req.Equal("l1", eventsOf[event.Left](bob)[0].RequestID)

	// When alice sends
	alice.send(t, `{"type":"send","id":"s1","data":{"conversationId":"group","body":"anyone?","idempotencyKey":"k1"}}`)
	req.Eventually(func() bool { return len(eventsOf[event.Ack](alice)) == 1 }, time.Second, 5*time.Millisecond)

	// Then bob's session gets no message
	req.Never(func() bool { return len(eventsOf[event.MessageCreated](bob)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func offlineSeen(c client, userID domain.UserID) bool {
	for _, p := range eventsOf[event.Presence](c) {
		if p.UserID == userID && p.Status == event.Offline {
			return true
		}
	}
	return false
}

func TestChat_Presence_Follows_Sessions_On_Every_Instance(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := broker.NewHub()
	store := newStore(t)
	a := startNodeWithGrace(t, ctx, hub, store, "instance-a", 20*time.Millisecond)
	b := startNodeWithGrace(t, ctx, hub, store, "instance-b", 20*time.Millisecond)

	// Given bob watching the conversation and alice connected on both instances
	bob := connect(t, ctx, a, "bob")
	join(t, bob, "group")
	aliceOnA := connect(t, ctx, a, "alice")
	aliceOnB := connect(t, ctx, b, "alice")
	join(t, aliceOnA, "group")
	join(t, aliceOnB, "group")
	req.True(a.presence.OnlineAnywhere("alice"))

	// When her session on A goes away past the grace window
	_ = aliceOnA.conn.Close(session.CloseNormal)
	req.Eventually(func() bool { return !a.presence.Online("alice") }, time.Second, 5*time.Millisecond)

	// Then bob never sees her offline
	req.Never(func() bool { return offlineSeen(bob, "alice") }, 100*time.Millisecond, 10*time.Millisecond)

	// When her session on B goes away too
	_ = aliceOnB.conn.Close(session.CloseNormal)

	// Then bob sees her offline
	req.Eventually(func() bool { return offlineSeen(bob, "alice") }, time.Second, 5*time.Millisecond)
}
