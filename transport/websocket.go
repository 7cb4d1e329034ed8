// Package transport exposes sessions over WebSocket and the operational
// endpoints of an instance.
package transport

import (
	"chat-relay/session"
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// wsConn adapts a gorilla connection to session.Conn. Reads happen on the
// session's read loop only. Control frames may be written concurrently.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
}

func newWSConn(conn *websocket.Conn, writeTimeout, pingInterval time.Duration, maxFrameSize int64) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	c := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		pongWait:     pingInterval * 2,
		stop:         make(chan struct{}),
	}
	if maxFrameSize > 0 {
		conn.SetReadLimit(maxFrameSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.ping(pingInterval)
	return c
}

func (c *wsConn) ReadFrame(_ context.Context) ([]byte, error) {
	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return raw, nil
		}
	}
}

func (c *wsConn) WriteFrame(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame carrying the reason, then drops the connection.
func (c *wsConn) Close(reason session.CloseReason) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		msg := websocket.FormatCloseMessage(closeCode(reason), reason.String())
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				// The read loop sees the broken connection on its next read
				return
			}
		}
	}
}

func closeCode(reason session.CloseReason) int {
	switch reason {
	case session.CloseGoingAway:
		return websocket.CloseGoingAway
	case session.CloseAbuse:
		return websocket.ClosePolicyViolation
	case session.CloseSlowConsumer:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
