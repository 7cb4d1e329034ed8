package broker

import (
	"chat-relay/errors"
	"context"
	"sync"
)

// Hub is an in-process broker shared by the instances of a single process.
// Taking it offline drops every subscription, like a broker outage.
type Hub struct {
	mu      sync.Mutex
	online  bool
	lost    chan struct{}
	nextID  int
	clients map[int]chan message
}

type message struct {
	topic   string
	payload []byte
}

func NewHub() *Hub {
	return &Hub{online: true, lost: make(chan struct{}), clients: make(map[int]chan message)}
}

// SetOnline simulates a broker outage (false) or its recovery (true).
func (h *Hub) SetOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.online == online {
		return
	}
	h.online = online
	if online {
		h.lost = make(chan struct{})
		return
	}
	close(h.lost)
	h.clients = make(map[int]chan message)
}

// Memory is one instance's connection to a Hub.
type Memory struct {
	hub *Hub
}

func NewMemory(hub *Hub) *Memory {
	return &Memory{hub: hub}
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if !m.hub.online {
		return errors.ErrBrokerUnavailable
	}
	for _, ch := range m.hub.clients {
		select {
		case ch <- message{topic: topic, payload: payload}:
		default:
			// Subscriber too slow, the hub drops like a real broker would
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, ready func(), h Handler) error {
	m.hub.mu.Lock()
	if !m.hub.online {
		m.hub.mu.Unlock()
		return errors.ErrBrokerUnavailable
	}
	id := m.hub.nextID
	m.hub.nextID++
	ch := make(chan message, 4096)
	m.hub.clients[id] = ch
	lost := m.hub.lost
	m.hub.mu.Unlock()

	defer func() {
		m.hub.mu.Lock()
		delete(m.hub.clients, id)
		m.hub.mu.Unlock()
	}()
	ready()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return errors.ErrBrokerUnavailable
		case msg := <-ch:
			h(msg.topic, msg.payload)
		}
	}
}

func (m *Memory) Close() error { return nil }
