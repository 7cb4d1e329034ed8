package domain

import (
	"encoding/json"
	"fmt"
)

// DeliveryStatus is the lifecycle state of a message.
// Sending → Sent → Delivered → Read, with Failed reachable from Sending or Sent.
type DeliveryStatus uint8

const (
	StatusUnknown DeliveryStatus = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = map[DeliveryStatus]string{
	StatusUnknown:   "unknown",
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s DeliveryStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func ParseStatus(str string) (DeliveryStatus, error) {
	for s, name := range statusNames {
		if name == str && s != StatusUnknown {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown delivery status %q", str)
}

func (s DeliveryStatus) Valid() bool {
	return s >= StatusSending && s <= StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a forward step.
// Same-state and backward moves are rejected, Failed is terminal.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	if !next.Valid() || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending || s == StatusSent
	}
	return next > s
}

// Advance returns next when the transition is allowed, current otherwise.
func Advance(current, next DeliveryStatus) (DeliveryStatus, bool) {
	if current == StatusUnknown && next.Valid() {
		return next, true
	}
	if !current.CanTransitionTo(next) {
		return current, false
	}
	return next, true
}

// Aggregate computes the externally visible status of a message as the
// minimum status across recipients. Recipients without a receipt count as Sent.
// Receipts of users not listed in recipients are ignored.
func Aggregate(recipients []UserID, receipts Receipts) DeliveryStatus {
	if len(recipients) == 0 {
		return StatusSent
	}
	lowest := StatusRead
	for _, r := range recipients {
		s, ok := receipts[r]
		if !ok || s < StatusSent || s == StatusFailed {
			s = StatusSent
		}
		if s < lowest {
			lowest = s
		}
	}
	return lowest
}

func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == StatusUnknown.String() {
		*s = StatusUnknown
		return nil
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
