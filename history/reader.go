// Package history reads conversation history in stable, newest-first pages.
package history

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"context"
	"fmt"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Page struct {
	Messages   []domain.Message
	NextCursor string // empty on the last page
}

type Reader struct {
	store       contract.MessageStore
	defaultSize int
	maxSize     int
}

func NewReader(store contract.MessageStore, defaultSize, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = MaxPageSize
	}
	if defaultSize <= 0 || defaultSize > maxSize {
		defaultSize = min(DefaultPageSize, maxSize)
	}
	return &Reader{store: store, defaultSize: defaultSize, maxSize: maxSize}
}

// Fetch returns up to limit messages older than cursor, newest first.
// An empty cursor starts from the newest message. Messages persisted after
// the cursor was issued never show up in later pages.
func (r *Reader) Fetch(ctx context.Context, conversationID domain.ConversationID, cursor string, limit int) (Page, error) {
	var before uint64
	if cursor != "" {
		c, err := DecodeCursor(cursor, conversationID)
		if err != nil {
			return Page{}, err
		}
		before = c.Seq
	}
	switch {
	case limit <= 0:
		limit = r.defaultSize
	case limit > r.maxSize:
		limit = r.maxSize
	}

	// One extra message tells whether another page exists
	messages, err := r.store.ReadPage(ctx, conversationID, before, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("read history of %s: %w", conversationID, err)
	}
	page := Page{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = Cursor{ConversationID: conversationID, Seq: last.Seq}.Encode()
	}
	if page.Messages == nil {
		page.Messages = []domain.Message{}
	}
	return page, nil
}
