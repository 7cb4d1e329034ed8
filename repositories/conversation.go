package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"

	"github.com/dgraph-io/badger/v4"
)

func (s *BadgerStore) GetConversation(_ context.Context, id domain.ConversationID) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(convKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			conv, err = decodeConversation(v)
			return err
		})
	})
	return conv, err
}

// SaveConversation creates or replaces a conversation.
func (s *BadgerStore) SaveConversation(ctx context.Context, c domain.Conversation) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(convKey(c.ID), encodeConversation(c))
	})
}

// Conversations lists every stored conversation.
func (s *BadgerStore) Conversations(_ context.Context) ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("conv:")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				conv, err := decodeConversation(v)
				if err != nil {
					return err
				}
				conversations = append(conversations, conv)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return conversations, err
}
