package broker

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LocalRegistry is where remote events are replayed.
type LocalRegistry interface {
	PublishLocal(id domain.ConversationID, e event.Event, exceptSession string)
	PublishToUser(id domain.UserID, e event.Event, exceptSession string)
	Invalidate(id domain.ConversationID)
}

// PresenceHandler receives the presence leases published by other instances.
type PresenceHandler func(instanceID string, userID domain.UserID, online bool)

// Adapter keeps one subscription to the broker alive and replays what other
// instances publish into the local registry. A lost connection puts the
// instance in degraded mode: local fan-out continues, the subscription is
// retried with exponential backoff and missed events are not replayed.
type Adapter struct {
	log        *slog.Logger
	broker     Broker
	registry   LocalRegistry
	instanceID string

	initialInterval time.Duration
	maxInterval     time.Duration
	onStateChange   func(connected bool)
	onPublishError  func()

	connected     atomic.Bool
	publishFailed atomic.Bool

	mu       sync.RWMutex
	presence PresenceHandler
}

type Option func(*Adapter)

func WithBackoff(initial, max time.Duration) Option {
	return func(a *Adapter) {
		if initial > 0 {
			a.initialInterval = initial
		}
		if max > 0 {
			a.maxInterval = max
		}
	}
}

func OnStateChange(fn func(connected bool)) Option {
	return func(a *Adapter) { a.onStateChange = fn }
}

func OnPublishError(fn func()) Option {
	return func(a *Adapter) { a.onPublishError = fn }
}

func NewAdapter(log *slog.Logger, broker Broker, registry LocalRegistry, instanceID string, opts ...Option) *Adapter {
	a := &Adapter{
		log:             log.With("instance_id", instanceID),
		broker:          broker,
		registry:        registry,
		instanceID:      instanceID,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) InstanceID() string { return a.instanceID }

// HandlePresence registers where presence leases of other instances go.
func (a *Adapter) HandlePresence(h PresenceHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence = h
}

// Connected reports whether the broker subscription is currently active.
func (a *Adapter) Connected() bool { return a.connected.Load() }

// Run maintains the subscription until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.initialInterval
	bo.MaxInterval = a.maxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := a.broker.Subscribe(ctx, func() {
			bo.Reset()
			a.setConnected(true)
		}, a.deliver)
		a.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		a.log.Debug("Broker subscription ended, retrying", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *Adapter) setConnected(connected bool) {
	if a.connected.Swap(connected) == connected {
		return
	}
	if connected {
		a.log.Info("Broker connected")
	} else {
		a.log.Warn("Broker unavailable, running in degraded mode")
	}
	if a.onStateChange != nil {
		a.onStateChange(connected)
	}
}

// Publish sends an event to the other instances. Failures are returned
// but only logged once per outage.
func (a *Adapter) Publish(ctx context.Context, topic string, scope Scope, key string, e event.Event, exceptSession string) error {
	env, err := NewEnvelope(a.instanceID, scope, key, e, exceptSession)
	if err != nil {
		return err
	}
	return a.send(ctx, topic, env)
}

// PublishPresence tells the other instances whether userID holds a session here.
func (a *Adapter) PublishPresence(ctx context.Context, userID domain.UserID, online bool) error {
	env := Envelope{Origin: a.instanceID, Scope: ScopePresence, Key: string(userID), Online: online}
	return a.send(ctx, PresenceTopic(userID), env)
}

func (a *Adapter) send(ctx context.Context, topic string, env Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := a.broker.Publish(ctx, topic, payload); err != nil {
		if a.onPublishError != nil {
			a.onPublishError()
		}
		if !a.publishFailed.Swap(true) {
			a.log.Warn("Broker publish failed, remote instances will catch up through history", "topic", topic, "error", err)
		} else {
			a.log.Debug("Broker publish failed", "topic", topic, "error", err)
		}
		return err
	}
	if a.publishFailed.Swap(false) {
		a.log.Info("Broker publish recovered")
	}
	return nil
}

func (a *Adapter) deliver(topic string, payload []byte) {
	env, e, err := UnmarshalEnvelope(payload)
	if err != nil {
		a.log.Warn("Dropping undecodable broker payload", "topic", topic, "error", err)
		return
	}
	if env.Origin == a.instanceID {
		return
	}
	switch env.Scope {
	case ScopeConversation:
		if e != nil {
			a.registry.PublishLocal(domain.ConversationID(env.Key), e, env.Except)
		}
	case ScopeUser:
		if e != nil {
			a.registry.PublishToUser(domain.UserID(env.Key), e, env.Except)
		}
	case ScopeMembership:
		a.registry.Invalidate(domain.ConversationID(env.Key))
	case ScopePresence:
		a.mu.RLock()
		h := a.presence
		a.mu.RUnlock()
		if h != nil {
			h(env.Origin, domain.UserID(env.Key), env.Online)
		}
	default:
		a.log.Debug("Unknown envelope scope", "scope", env.Scope, "topic", topic)
	}
}
