// Package session owns one client connection: it decodes inbound frames,
// dispatches them to a Handler and serializes every outbound event on a
// single writer.
package session

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/observability"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is the physical connection as seen by a session.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close(reason CloseReason) error
}

type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseGoingAway
	CloseAbuse
	CloseSlowConsumer
)

func (r CloseReason) String() string {
	switch r {
	case CloseGoingAway:
		return "going away"
	case CloseAbuse:
		return "too many malformed frames"
	case CloseSlowConsumer:
		return "slow consumer"
	default:
		return "normal closure"
	}
}

// Handler implements the chat operations requested by a session.
// A non-nil reply is written to the session before the error, if any.
type Handler interface {
	Connected(ctx context.Context, s *Session) error
	Join(ctx context.Context, s *Session, id domain.ConversationID, requestID string) (event.Event, error)
	Leave(ctx context.Context, s *Session, id domain.ConversationID, requestID string) (event.Event, error)
	Send(ctx context.Context, s *Session, req SendRequest, requestID string) (event.Event, error)
	Typing(ctx context.Context, s *Session, id domain.ConversationID) error
	StopTyping(ctx context.Context, s *Session, id domain.ConversationID) error
	MarkRead(ctx context.Context, s *Session, id domain.MessageID) error
	MarkDelivered(ctx context.Context, s *Session, id domain.MessageID) error
	History(ctx context.Context, s *Session, req HistoryRequest, requestID string) (event.Event, error)
	Disconnected(ctx context.Context, s *Session)
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

type Config struct {
	BufferSize      int
	MalformedLimit  int
	MalformedWindow time.Duration
}

// Session is created once the connection is authenticated and lives until
// it is closed. It is the EventSink registered in the room registry.
type Session struct {
	id      string
	userID  domain.UserID
	conn    Conn
	handler Handler
	parser  *Parser
	log     *slog.Logger
	metrics *observability.Metrics

	out       chan event.Event
	malformed *SlidingWindow

	state        atomic.Int32
	lastActivity atomic.Int64

	mu    sync.Mutex
	rooms map[domain.ConversationID]struct{}

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Int32
	acks      sync.WaitGroup
}

func New(log *slog.Logger, userID domain.UserID, conn Conn, handler Handler, parser *Parser, cfg Config, metrics *observability.Metrics) *Session {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.MalformedLimit <= 0 {
		cfg.MalformedLimit = 5
	}
	if cfg.MalformedWindow <= 0 {
		cfg.MalformedWindow = 10 * time.Second
	}
	id := uuid.NewString()
	s := &Session{
		id:        id,
		userID:    userID,
		conn:      conn,
		handler:   handler,
		parser:    parser,
		log:       log.With("session_id", id, "user_id", userID),
		metrics:   metrics,
		out:       make(chan event.Event, cfg.BufferSize),
		malformed: NewSlidingWindow(cfg.MalformedLimit, cfg.MalformedWindow),
		rooms:     make(map[domain.ConversationID]struct{}),
		done:      make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() domain.UserID { return s.userID }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session starts closing.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Consume enqueues e for the writer. It never blocks: a full buffer closes
// the session, which catches up through history on its next join.
func (s *Session) Consume(_ context.Context, e event.Event) error {
	if st := s.State(); st == StateClosing || st == StateClosed {
		return errors.ErrSessionClosed
	}
	select {
	case s.out <- e:
		return nil
	default:
		s.log.Warn("Outbound buffer full, closing session", "type", e.Type())
		s.metrics.SlowConsumer()
		s.Close(CloseSlowConsumer)
		return errors.ErrSlowConsumer
	}
}

func (s *Session) AddRoom(id domain.ConversationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[id] = struct{}{}
}

func (s *Session) RemoveRoom(id domain.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[id]
	delete(s.rooms, id)
	return ok
}

func (s *Session) InRoom(id domain.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[id]
	return ok
}

// Rooms returns the joined conversations, sorted.
func (s *Session) Rooms() []domain.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]domain.ConversationID, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	slices.Sort(rooms)
	return rooms
}

// Close asks the session to stop. Only the first reason is kept.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reason.Store(int32(reason))
		s.state.Store(int32(StateClosing))
		close(s.done)
		// Unblocks a pending read
		_ = s.conn.Close(reason)
	})
}

// Run serves the connection until the client disconnects, ctx is canceled
// or the session is closed. Rooms are released before it returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.handler.Connected(ctx, s); err != nil {
		s.Close(CloseNormal)
		return err
	}
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()
	s.log.Debug("Session open")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	err := s.readLoop(ctx)

	s.Close(CloseGoingAway)
	<-writerDone
	s.acks.Wait()
	s.handler.Disconnected(context.WithoutCancel(ctx), s)
	s.state.Store(int32(StateClosed))
	s.log.Debug("Session closed", "reason", CloseReason(s.reason.Load()), "error", err)
	if errors.Is(err, errors.ErrAbuseThreshold) {
		return err
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		raw, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		s.touch()
		req, err := s.parser.Parse(raw)
		if err != nil {
			s.metrics.MalformedFrame()
			if s.malformed.Record(time.Now()) {
				s.log.Warn("Malformed frame threshold exceeded", "count", s.malformed.Count())
				s.metrics.AbuseDisconnect()
				s.Close(CloseAbuse)
				return errors.ErrAbuseThreshold
			}
			s.log.Debug("Malformed frame dropped", "error", err)
			s.replyError(req.ID, err)
			continue
		}
		s.dispatch(ctx, req)
	}
}

func (s *Session) dispatch(ctx context.Context, req Request) {
	var (
		reply event.Event
		err   error
	)
	switch req.Type {
	case FrameJoin:
		reply, err = s.handler.Join(ctx, s, req.Conversation.ConversationID, req.ID)
	case FrameLeave:
		reply, err = s.handler.Leave(ctx, s, req.Conversation.ConversationID, req.ID)
	case FrameSend:
		reply, err = s.handler.Send(ctx, s, req.Send, req.ID)
	case FrameTyping:
		err = s.handler.Typing(ctx, s, req.Conversation.ConversationID)
	case FrameStopTyping:
		err = s.handler.StopTyping(ctx, s, req.Conversation.ConversationID)
	case FrameMarkRead:
		err = s.handler.MarkRead(ctx, s, req.MarkRead.MessageID)
	case FrameHistory:
		reply, err = s.handler.History(ctx, s, req.History, req.ID)
	}
	if reply != nil {
		_ = s.Consume(ctx, reply)
	}
	if err != nil && ctx.Err() == nil {
		s.log.Debug("Request failed", "type", req.Type, "error", err)
		s.replyError(req.ID, err)
	}
}

func (s *Session) replyError(requestID string, err error) {
	_ = s.Consume(context.Background(), event.Error{
		Code:      errors.Code(err),
		Message:   err.Error(),
		RequestID: requestID,
	})
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.out:
			raw, err := event.Encode(e)
			if err != nil {
				s.log.Error("Failed to encode event", "type", e.Type(), "error", err)
				continue
			}
			if err := s.conn.WriteFrame(ctx, raw); err != nil {
				s.log.Debug("Write failed, closing session", "error", err)
				s.Close(CloseGoingAway)
				return
			}
			if m, ok := e.(event.MessageCreated); ok && m.Message.SenderID != s.userID {
				s.acknowledgeDelivered(ctx, m.Message.ID)
			}
		}
	}
}

// acknowledgeDelivered reports the message as delivered to this session's user
// once its frame has been written.
func (s *Session) acknowledgeDelivered(ctx context.Context, id domain.MessageID) {
	s.acks.Add(1)
	go func() {
		defer s.acks.Done()
		if err := s.handler.MarkDelivered(context.WithoutCancel(ctx), s, id); err != nil {
			s.log.Debug("Delivered acknowledgement failed", "message_id", id, "error", err)
		}
	}()
}
