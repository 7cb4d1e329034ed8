// Package broker extends local fan-out to every instance through a shared
// publish/subscribe channel. Redis, NATS and an in-process hub are supported.
package broker

import (
	"chat-relay/domain"
	"context"
	"encoding/base64"
)

// Handler receives every payload published under the broker prefix.
// Topic is given without the prefix.
type Handler func(topic string, payload []byte)

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe calls ready once the subscription is active, then feeds h
	// until ctx ends (nil) or the connection is lost (ErrBrokerUnavailable).
	Subscribe(ctx context.Context, ready func(), h Handler) error
	Close() error
}

func ConversationTopic(id domain.ConversationID) string {
	return "conv." + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func UserTopic(id domain.UserID) string {
	return "user." + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func PresenceTopic(id domain.UserID) string {
	return "presence." + base64.RawURLEncoding.EncodeToString([]byte(id))
}
