package broker

import (
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS relays events on subjects prefix.topic with one prefix.> subscription.
// Publishes are not buffered while disconnected so missed events are never replayed.
// An unreachable server at startup is retried in the background.
type NATS struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger

	mu   sync.Mutex
	lost chan struct{}
}

func NewNATS(log *slog.Logger, natsURL, prefix, name string) (*NATS, error) {
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	n := &NATS{prefix: prefix, log: log, lost: make(chan struct{})}
	conn, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectBufSize(-1),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info("NATS connected", "url", nc.ConnectedUrl())
			n.markConnected()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
			n.markLost()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
			n.markConnected()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	n.conn = conn
	return n, nil
}

func (n *NATS) markLost() {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-n.lost:
	default:
		close(n.lost)
	}
}

func (n *NATS) markConnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-n.lost:
		n.lost = make(chan struct{})
	default:
	}
}

func (n *NATS) lostSignal() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}

func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if err := n.conn.Publish(n.prefix+topic, payload); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, ready func(), h Handler) error {
	if !n.conn.IsConnected() {
		return errors.ErrBrokerUnavailable
	}
	lost := n.lostSignal()
	ch := make(chan *nats.Msg, 1024)
	sub, err := n.conn.ChanSubscribe(n.prefix+">", ch)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := n.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err)
	}
	ready()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return errors.ErrBrokerUnavailable
		case msg := <-ch:
			h(strings.TrimPrefix(msg.Subject, n.prefix), msg.Data)
		}
	}
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
