// Package client is a WebSocket chat client used by the tester binary and
// the end-to-end suite.
package client

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

type Client struct {
	conn   *websocket.Conn
	events chan event.Event
	nextID atomic.Uint64

	mu   sync.Mutex // serializes writes
	done chan struct{}
	err  error
}

// Dial opens a connection authenticated by token.
func Dial(ctx context.Context, serverURL, token string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", serverURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	c := &Client{conn: conn, events: make(chan event.Event, 1024), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// Events yields every server event until the connection closes.
func (c *Client) Events() <-chan event.Event { return c.events }

// Err returns the error that ended the connection, once Events is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		e, err := event.Decode(raw)
		if err != nil {
			continue
		}
		c.events <- e
	}
}

// Next returns the first event accepted by match, dropping the others.
func (c *Client) Next(ctx context.Context, match func(event.Event) bool) (event.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-c.events:
			if !ok {
				return nil, fmt.Errorf("connection closed: %w", c.Err())
			}
			if match == nil || match(e) {
				return e, nil
			}
		}
	}
}

// Is matches events of type E.
func Is[E event.Event](e event.Event) bool {
	_, ok := e.(E)
	return ok
}

func (c *Client) Join(id domain.ConversationID) (string, error) {
	return c.write("join", map[string]any{"conversationId": id})
}

func (c *Client) Leave(id domain.ConversationID) (string, error) {
	return c.write("leave", map[string]any{"conversationId": id})
}

func (c *Client) Send(id domain.ConversationID, body, idempotencyKey string) (string, error) {
	return c.write("send", map[string]any{"conversationId": id, "body": body, "idempotencyKey": idempotencyKey})
}

func (c *Client) Typing(id domain.ConversationID) (string, error) {
	return c.write("typing", map[string]any{"conversationId": id})
}

func (c *Client) MarkRead(id domain.MessageID) (string, error) {
	return c.write("markRead", map[string]any{"messageId": id})
}

func (c *Client) History(id domain.ConversationID, cursor string, limit int) (string, error) {
	return c.write("history", map[string]any{"conversationId": id, "cursor": cursor, "limit": limit})
}

func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(frameType string, data any) (string, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	raw, err := json.Marshal(map[string]any{"type": frameType, "id": id, "data": data})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return id, c.conn.WriteMessage(websocket.TextMessage, raw)
}
