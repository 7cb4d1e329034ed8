package broker

import (
	"chat-relay/domain/event"
	"encoding/json"
	"fmt"
)

type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeUser         Scope = "user"
	ScopeMembership   Scope = "membership"
	ScopePresence     Scope = "presence"
)

// Envelope is what travels between instances. Origin lets an instance drop
// its own events when the broker echoes them back.
type Envelope struct {
	Origin string          `json:"origin"`
	Scope  Scope           `json:"scope"`
	Key    string          `json:"key"`
	Except string          `json:"except,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
	Online bool            `json:"online,omitempty"`
}

func NewEnvelope(origin string, scope Scope, key string, e event.Event, except string) (Envelope, error) {
	env := Envelope{Origin: origin, Scope: scope, Key: key, Except: except}
	if e != nil {
		raw, err := event.Encode(e)
		if err != nil {
			return Envelope{}, err
		}
		env.Event = raw
	}
	return env, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(payload []byte) (Envelope, event.Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Event) == 0 {
		return env, nil, nil
	}
	e, err := event.Decode(env.Event)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, e, nil
}
