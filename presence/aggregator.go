// Package presence keeps the ephemeral online and typing state of users.
// Nothing here is persisted; a restart forgets everything.
package presence

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	DefaultTypingTTL = 3 * time.Second
	DefaultGrace     = 7 * time.Second
)

type typingKey struct {
	conversation domain.ConversationID
	user         domain.UserID
}

type userPresence struct {
	sessions      int
	conversations map[domain.ConversationID]struct{}
	offline       *time.Timer
	generation    uint64
}

// Aggregator tracks who is typing in each conversation and which users are
// online. Going offline is announced only after a grace window so a quick
// reconnect does not make presence flap.
type Aggregator struct {
	log       *slog.Logger
	fanout    contract.Fanout
	typingTTL time.Duration
	grace     time.Duration
	now       func() time.Time

	peers         Peers
	leaseInterval time.Duration
	leaseTTL      time.Duration

	mu     sync.Mutex
	typing map[typingKey]time.Time // expiry of each signal
	users  map[domain.UserID]*userPresence

	// lease expiry of the user on each other instance
	remote map[domain.UserID]map[string]time.Time

	// conversations whose offline announcement waits for other instances
	handedOff map[domain.UserID]map[domain.ConversationID]struct{}
	lastLease time.Time
}

// Peers shares which users hold a session on this instance with the other
// instances, so a user is announced offline only once every instance let go.
type Peers interface {
	AnnouncePresence(ctx context.Context, userID domain.UserID, online bool)
}

type Option func(*Aggregator)

// WithPeers renews this instance's leases every interval. A lease not renewed
// for three intervals is considered released.
func WithPeers(peers Peers, interval time.Duration) Option {
	return func(a *Aggregator) {
		a.peers = peers
		if interval > 0 {
			a.leaseInterval = interval
		}
	}
}

func NewAggregator(log *slog.Logger, fanout contract.Fanout, typingTTL, grace time.Duration, opts ...Option) *Aggregator {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	a := &Aggregator{
		log:           log,
		fanout:        fanout,
		typingTTL:     typingTTL,
		grace:         grace,
		leaseInterval: grace / 2,
		now:           time.Now,
		typing:        make(map[typingKey]time.Time),
		users:         make(map[domain.UserID]*userPresence),
		remote:        make(map[domain.UserID]map[string]time.Time),
		handedOff:     make(map[domain.UserID]map[domain.ConversationID]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.leaseTTL = 3 * a.leaseInterval
	return a
}

// SetTyping starts or refreshes the typing signal of a user.
// TypingStart is fanned out only when the user was not already typing.
func (a *Aggregator) SetTyping(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, exceptSession string) {
	key := typingKey{conversationID, userID}
	a.mu.Lock()
	_, already := a.typing[key]
	a.typing[key] = a.now().Add(a.typingTTL)
	a.mu.Unlock()
	if !already {
		a.fanout.Conversation(ctx, conversationID, event.TypingStart{UserID: userID, ConversationID: conversationID}, exceptSession)
	}
}

// ClearTyping removes the signal. A send also clears it.
func (a *Aggregator) ClearTyping(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, exceptSession string) {
	key := typingKey{conversationID, userID}
	a.mu.Lock()
	_, typing := a.typing[key]
	delete(a.typing, key)
	a.mu.Unlock()
	if typing {
		a.fanout.Conversation(ctx, conversationID, event.TypingStop{UserID: userID, ConversationID: conversationID}, exceptSession)
	}
}

// Typing returns the users currently typing in a conversation, sorted.
func (a *Aggregator) Typing(conversationID domain.ConversationID) []domain.UserID {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	var users []domain.UserID
	for key, expiry := range a.typing {
		if key.conversation == conversationID && now.Before(expiry) {
			users = append(users, key.user)
		}
	}
	slices.Sort(users)
	return users
}

// Sweep expires typing signals and announces TypingStop for each of them.
func (a *Aggregator) Sweep(ctx context.Context) {
	now := a.now()
	var expired []typingKey
	a.mu.Lock()
	for key, expiry := range a.typing {
		if !now.Before(expiry) {
			expired = append(expired, key)
			delete(a.typing, key)
		}
	}
	a.mu.Unlock()
	for _, key := range expired {
		a.fanout.Conversation(ctx, key.conversation, event.TypingStop{UserID: key.user, ConversationID: key.conversation}, "")
	}
}

// Run sweeps expired typing signals and peer leases until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(min(a.typingTTL, a.leaseInterval) / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Sweep(ctx)
			a.SweepPeers(ctx)
		}
	}
}

// Connected registers a new session of userID and cancels a pending offline announcement.
func (a *Aggregator) Connected(ctx context.Context, userID domain.UserID) {
	a.mu.Lock()
	p := a.user(userID)
	p.sessions++
	first := p.sessions == 1
	if p.offline != nil {
		p.offline.Stop()
		p.offline = nil
		a.log.Debug("Reconnected within grace window", "user_id", userID)
	}
	delete(a.handedOff, userID)
	a.mu.Unlock()
	if first && a.peers != nil {
		a.peers.AnnouncePresence(ctx, userID, true)
	}
}

// Joined announces the user online in a conversation the first time one of
// their sessions joins it.
func (a *Aggregator) Joined(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, exceptSession string) {
	a.mu.Lock()
	p := a.user(userID)
	_, known := p.conversations[conversationID]
	p.conversations[conversationID] = struct{}{}
	a.mu.Unlock()
	if !known {
		a.fanout.Conversation(ctx, conversationID, event.Presence{UserID: userID, ConversationID: conversationID, Status: event.Online}, exceptSession)
	}
}

// Disconnected releases one session. When it was the last one, the user is
// announced offline after the grace window unless a session comes back.
func (a *Aggregator) Disconnected(ctx context.Context, userID domain.UserID) {
	ctx = context.WithoutCancel(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.users[userID]
	if !ok {
		return
	}
	p.sessions--
	if p.sessions > 0 {
		return
	}
	if p.offline != nil {
		p.offline.Stop()
	}
	p.generation++
	generation := p.generation
	p.offline = time.AfterFunc(a.grace, func() { a.goOffline(ctx, userID, generation) })
}

// goOffline forgets the user locally. Offline is only announced when no other
// instance holds a lease for the user; otherwise the conversations are handed
// off until the last instance releases it.
func (a *Aggregator) goOffline(ctx context.Context, userID domain.UserID, generation uint64) {
	a.mu.Lock()
	p, ok := a.users[userID]
	if !ok || p.offline == nil || p.generation != generation || p.sessions > 0 {
		a.mu.Unlock()
		return
	}
	delete(a.users, userID)
	var typing []domain.ConversationID
	for key := range a.typing {
		if key.user == userID {
			typing = append(typing, key.conversation)
			delete(a.typing, key)
		}
	}
	var offline map[domain.ConversationID]struct{}
	if a.onlineElsewhere(userID, a.now()) {
		handed := a.handedOff[userID]
		if handed == nil {
			handed = make(map[domain.ConversationID]struct{})
			a.handedOff[userID] = handed
		}
		for conv := range p.conversations {
			handed[conv] = struct{}{}
		}
		a.log.Debug("User still online on another instance", "user_id", userID)
	} else {
		offline = p.conversations
		for conv := range a.handedOff[userID] {
			offline[conv] = struct{}{}
		}
		delete(a.handedOff, userID)
	}
	a.mu.Unlock()

	for _, conv := range typing {
		a.fanout.Conversation(ctx, conv, event.TypingStop{UserID: userID, ConversationID: conv}, "")
	}
	a.announceOffline(ctx, userID, offline)
	if a.peers != nil {
		a.peers.AnnouncePresence(ctx, userID, false)
	}
}

func (a *Aggregator) announceOffline(ctx context.Context, userID domain.UserID, conversations map[domain.ConversationID]struct{}) {
	if len(conversations) == 0 {
		return
	}
	for conv := range conversations {
		a.fanout.Conversation(ctx, conv, event.Presence{UserID: userID, ConversationID: conv, Status: event.Offline}, "")
	}
	a.log.Debug("User offline", "user_id", userID, "conversations", len(conversations))
}

// PeerPresence records what another instance reports about userID. A release
// from the last instance holding the user announces the handed-off
// conversations offline.
func (a *Aggregator) PeerPresence(ctx context.Context, instanceID string, userID domain.UserID, online bool) {
	now := a.now()
	a.mu.Lock()
	if online {
		leases, ok := a.remote[userID]
		if !ok {
			leases = make(map[string]time.Time)
			a.remote[userID] = leases
		}
		leases[instanceID] = now.Add(a.leaseTTL)
		a.mu.Unlock()
		return
	}
	if leases, ok := a.remote[userID]; ok {
		delete(leases, instanceID)
		if len(leases) == 0 {
			delete(a.remote, userID)
		}
	}
	released := a.release(userID, now)
	a.mu.Unlock()
	a.announceOffline(ctx, userID, released)
}

// SweepPeers expires the leases of instances that stopped renewing them and
// renews the leases of this instance's users.
func (a *Aggregator) SweepPeers(ctx context.Context) {
	now := a.now()
	released := make(map[domain.UserID]map[domain.ConversationID]struct{})
	var renew []domain.UserID
	a.mu.Lock()
	for userID, leases := range a.remote {
		for instanceID, expiry := range leases {
			if !now.Before(expiry) {
				delete(leases, instanceID)
			}
		}
		if len(leases) == 0 {
			delete(a.remote, userID)
		}
	}
	for userID := range a.handedOff {
		if convs := a.release(userID, now); len(convs) > 0 {
			released[userID] = convs
		}
	}
	if a.peers != nil && now.Sub(a.lastLease) >= a.leaseInterval {
		a.lastLease = now
		for userID, p := range a.users {
			if p.sessions > 0 {
				renew = append(renew, userID)
			}
		}
	}
	a.mu.Unlock()

	for userID, convs := range released {
		a.announceOffline(ctx, userID, convs)
	}
	for _, userID := range renew {
		a.peers.AnnouncePresence(ctx, userID, true)
	}
}

// release returns the handed-off conversations of userID once no instance
// holds the user anymore. Must be called with a.mu held.
func (a *Aggregator) release(userID domain.UserID, now time.Time) map[domain.ConversationID]struct{} {
	convs, ok := a.handedOff[userID]
	if !ok || a.onlineElsewhere(userID, now) {
		return nil
	}
	if _, local := a.users[userID]; local {
		return nil
	}
	delete(a.handedOff, userID)
	return convs
}

func (a *Aggregator) onlineElsewhere(userID domain.UserID, now time.Time) bool {
	for _, expiry := range a.remote[userID] {
		if now.Before(expiry) {
			return true
		}
	}
	return false
}

func (a *Aggregator) user(userID domain.UserID) *userPresence {
	p, ok := a.users[userID]
	if !ok {
		p = &userPresence{conversations: make(map[domain.ConversationID]struct{})}
		a.users[userID] = p
	}
	return p
}

// Online reports whether userID has a live session or is within its grace window.
func (a *Aggregator) Online(userID domain.UserID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.users[userID]
	return ok
}

// OnlineAnywhere reports whether userID is online here or holds a live lease
// on another instance.
func (a *Aggregator) OnlineAnywhere(userID domain.UserID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[userID]; ok {
		return true
	}
	return a.onlineElsewhere(userID, a.now())
}
