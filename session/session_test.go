package session

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	block   chan struct{} // when set, writes wait on it
	mu      sync.Mutex
	written []event.Frame
	reason  CloseReason
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, raw []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var f event.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close(reason CloseReason) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) frames() []event.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Frame(nil), c.written...)
}

func (c *fakeConn) closeReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

type fakeHandler struct {
	mu           sync.Mutex
	joined       []domain.ConversationID
	delivered    []domain.MessageID
	disconnected bool
}

func (h *fakeHandler) Connected(context.Context, *Session) error { return nil }

func (h *fakeHandler) Join(_ context.Context, s *Session, id domain.ConversationID, requestID string) (event.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == "forbidden" {
		return nil, errors.ErrNotAMember
	}
	h.joined = append(h.joined, id)
	s.AddRoom(id)
	return event.Joined{RequestID: requestID, ConversationID: id, Messages: []domain.Message{}}, nil
}

func (h *fakeHandler) Leave(context.Context, *Session, domain.ConversationID, string) (event.Event, error) {
	return nil, nil
}

func (h *fakeHandler) Send(_ context.Context, _ *Session, req SendRequest, requestID string) (event.Event, error) {
	return event.Ack{RequestID: requestID, IdempotencyKey: req.IdempotencyKey, ConversationID: req.ConversationID, Status: domain.StatusSent}, nil
}

func (h *fakeHandler) Typing(context.Context, *Session, domain.ConversationID) error { return nil }

func (h *fakeHandler) StopTyping(context.Context, *Session, domain.ConversationID) error { return nil }

func (h *fakeHandler) MarkRead(context.Context, *Session, domain.MessageID) error { return nil }

func (h *fakeHandler) MarkDelivered(_ context.Context, _ *Session, id domain.MessageID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, id)
	return nil
}

func (h *fakeHandler) History(context.Context, *Session, HistoryRequest, string) (event.Event, error) {
	return nil, nil
}

func (h *fakeHandler) Disconnected(context.Context, *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = true
}

func (h *fakeHandler) deliveredIDs() []domain.MessageID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.MessageID(nil), h.delivered...)
}

func (h *fakeHandler) isDisconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

func startSession(t *testing.T, conn *fakeConn, handler *fakeHandler, cfg Config) (*Session, chan error) {
	s := New(logs.GetLoggerFromLevel(slog.LevelDebug), "alice", conn, handler, NewParser(100), cfg, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	t.Cleanup(func() { s.Close(CloseNormal) })
	return s, done
}

func hasFrame(conn *fakeConn, typ event.Type) func() bool {
	return func() bool {
		for _, f := range conn.frames() {
			if f.Type == typ {
				return true
			}
		}
		return false
	}
}

func TestSession_Malformed_Frame_Gets_Protocol_Error_And_Stays_Open(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	handler := &fakeHandler{}
	s, _ := startSession(t, conn, handler, Config{})

	// When a malformed frame arrives
	conn.in <- []byte(`{"type":"join","id":"r1","data":{}}`)

	// Then an error frame references the request
	req.Eventually(hasFrame(conn, event.TypeError), time.Second, 5*time.Millisecond)
	e, err := event.DecodeFrame(conn.frames()[0])
	req.NoError(err)
	req.Equal(errors.CodeProtocol, e.(event.Error).Code)
	req.Equal("r1", e.(event.Error).RequestID)

	// And the session keeps serving requests
	conn.in <- []byte(`{"type":"join","id":"r2","data":{"conversationId":"c1"}}`)
	req.Eventually(hasFrame(conn, event.TypeJoined), time.Second, 5*time.Millisecond)
	req.Equal(StateOpen, s.State())
	req.True(s.InRoom("c1"))
}

func TestSession_Request_Error_Does_Not_Close(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	s, _ := startSession(t, conn, &fakeHandler{}, Config{})

	conn.in <- []byte(`{"type":"join","id":"r1","data":{"conversationId":"forbidden"}}`)

	req.Eventually(hasFrame(conn, event.TypeError), time.Second, 5*time.Millisecond)
	e, err := event.DecodeFrame(conn.frames()[0])
	req.NoError(err)
	req.Equal(errors.CodeNotAMember, e.(event.Error).Code)
	req.Equal(StateOpen, s.State())
}

func TestSession_Abuse_Threshold_Closes_Session(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	handler := &fakeHandler{}
	_, done := startSession(t, conn, handler, Config{MalformedLimit: 3, MalformedWindow: time.Minute})

	for i := 0; i < 4; i++ {
		conn.in <- []byte(`not json`)
	}

	select {
	case err := <-done:
		req.ErrorIs(err, errors.ErrAbuseThreshold)
	case <-time.After(time.Second):
		req.Fail("session should have been closed")
	}
	req.Equal(CloseAbuse, conn.closeReason())
	req.True(handler.isDisconnected())
}

func TestSession_Slow_Consumer_Is_Closed(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	conn.block = make(chan struct{})
	handler := &fakeHandler{}
	s, done := startSession(t, conn, handler, Config{BufferSize: 2})

	// Given a connection that stopped reading
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = s.Consume(context.Background(), event.TypingStart{UserID: "bob", ConversationID: "c1"})
	}

	// Then the session is closed instead of blocking the publisher
	req.ErrorIs(err, errors.ErrSlowConsumer)
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("session should have been closed")
	}
	req.Equal(CloseSlowConsumer, conn.closeReason())
	req.ErrorIs(s.Consume(context.Background(), event.TypingStop{}), errors.ErrSessionClosed)
}

func TestSession_Acknowledges_Delivered_After_Writing_Message(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	handler := &fakeHandler{}
	s, _ := startSession(t, conn, handler, Config{})

	req.NoError(s.Consume(context.Background(), event.MessageCreated{Message: domain.Message{ID: "m1", SenderID: "bob", Status: domain.StatusSent}}))
	req.NoError(s.Consume(context.Background(), event.MessageCreated{Message: domain.Message{ID: "m2", SenderID: "alice", Status: domain.StatusSent}}))

	req.Eventually(func() bool { return len(conn.frames()) == 2 }, time.Second, 5*time.Millisecond)
	req.Eventually(func() bool { return len(handler.deliveredIDs()) == 1 }, time.Second, 5*time.Millisecond)
	// Own messages echoed to another session of the sender are not acknowledged
	req.Equal([]domain.MessageID{"m1"}, handler.deliveredIDs())
}

func TestSession_Disconnect_Releases_Session(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	handler := &fakeHandler{}
	s, done := startSession(t, conn, handler, Config{})

	// When the client goes away
	conn.Close(CloseNormal)

	req.NoError(<-done)
	req.True(handler.isDisconnected())
	req.Equal(StateClosed, s.State())
}

func TestSlidingWindow(t *testing.T) {
	req := require.New(t)
	w := NewSlidingWindow(2, time.Second)
	now := time.Now()

	req.False(w.Record(now))
	req.False(w.Record(now.Add(100 * time.Millisecond)))
	req.True(w.Record(now.Add(200 * time.Millisecond)))

	// Events at 0 and 100ms leave the window, the one at 200ms stays
	req.False(w.Record(now.Add(1150 * time.Millisecond)))
	req.Equal(2, w.Count())

	// Once the window is past every event, only the new one is counted
	req.False(w.Record(now.Add(3 * time.Second)))
	req.Equal(1, w.Count())
}
