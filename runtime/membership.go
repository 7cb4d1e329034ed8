package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MembershipCache keeps recently used conversations in memory.
// Entries expire after ttl, and callers invalidate them when another
// instance reports a membership change.
type MembershipCache struct {
	store contract.ConversationStore
	lru   *expirable.LRU[domain.ConversationID, domain.Conversation]
}

func NewMembershipCache(store contract.ConversationStore, size int, ttl time.Duration) *MembershipCache {
	if size <= 0 {
		size = 1024
	}
	return &MembershipCache{
		store: store,
		lru:   expirable.NewLRU[domain.ConversationID, domain.Conversation](size, nil, ttl),
	}
}

func (c *MembershipCache) Get(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	if conv, ok := c.lru.Get(id); ok {
		return conv, nil
	}
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	c.lru.Add(id, conv)
	return conv, nil
}

func (c *MembershipCache) Invalidate(id domain.ConversationID) {
	c.lru.Remove(id)
}

func (c *MembershipCache) Len() int {
	return c.lru.Len()
}
