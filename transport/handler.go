package transport

import (
	"chat-relay/auth"
	"chat-relay/observability"
	"chat-relay/session"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	MaxFrameSize int64
	Session      session.Config
}

// WebSocketHandler authenticates the upgrade request and serves one session
// per connection until it closes or Shutdown is called.
type WebSocketHandler struct {
	log      *slog.Logger
	verifier *auth.Verifier
	handler  session.Handler
	parser   *session.Parser
	metrics  *observability.Metrics
	cfg      WebSocketConfig
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWebSocketHandler(log *slog.Logger,
	verifier *auth.Verifier,
	handler session.Handler,
	parser *session.Parser,
	cfg WebSocketConfig,
	metrics *observability.Metrics) *WebSocketHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHandler{
		log:      log,
		verifier: verifier,
		handler:  handler,
		parser:   parser,
		metrics:  metrics,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with a token, not with cookies
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		h.log.Debug("Rejected connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.log.Debug("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	ws := newWSConn(conn, h.cfg.WriteTimeout, h.cfg.PingInterval, h.cfg.MaxFrameSize)
	s := session.New(h.log, userID, ws, h.handler, h.parser, h.cfg.Session, h.metrics)

	stop := context.AfterFunc(h.ctx, func() { s.Close(session.CloseGoingAway) })
	defer stop()
	if err := s.Run(h.ctx); err != nil {
		h.log.Info("Session ended", "session_id", s.ID(), "user_id", userID, "error", err)
	}
}

// Shutdown closes every open session with a going-away frame and waits for
// them to release their rooms, or for ctx to end.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
