package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const maxConflictRetries = 10

// BadgerStore persists conversations, messages and receipts in BadgerDB.
//
// Keys:
//
//	conv:{conv}                 encoded conversation
//	seq:{conv}                  last sequence assigned in the conversation
//	msg:{conv}:{seq padded}     encoded message, sorted by sequence
//	idem:{conv}:{key}           message id of an idempotency key
//	mid:{message id}            msg key of a message
//	rcpt:{message id}:{user}    per-recipient status
//
// Identifiers are base64url encoded so a ':' inside an id cannot break a prefix scan.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func enc(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func convKey(id domain.ConversationID) []byte { return []byte("conv:" + enc(string(id))) }

func seqKey(id domain.ConversationID) []byte { return []byte("seq:" + enc(string(id))) }

func msgPrefix(id domain.ConversationID) []byte { return []byte("msg:" + enc(string(id)) + ":") }

// The sequence is padded to 20 digits so that lexicographical order is numeric order.
func msgKey(id domain.ConversationID, seq uint64) []byte {
	return append(msgPrefix(id), fmt.Sprintf("%020d", seq)...)
}

func idemKey(id domain.ConversationID, key string) []byte {
	return []byte("idem:" + enc(string(id)) + ":" + enc(key))
}

func midKey(id domain.MessageID) []byte { return []byte("mid:" + string(id)) }

func rcptPrefix(id domain.MessageID) []byte { return []byte("rcpt:" + string(id) + ":") }

func rcptKey(id domain.MessageID, user domain.UserID) []byte {
	return append(rcptPrefix(id), enc(string(user))...)
}

// update retries fn when a concurrent transaction touched the same keys.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug("Badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}

// InsertMessageIfAbsent assigns the next sequence of the conversation and
// stores the message, unless its idempotency key is already known.
func (s *BadgerStore) InsertMessageIfAbsent(ctx context.Context, msg domain.Message) (domain.Message, bool, error) {
	var stored domain.Message
	var created bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		if msg.IdempotencyKey != "" {
			item, err := txn.Get(idemKey(msg.ConversationID, msg.IdempotencyKey))
			switch {
			case err == nil:
				id, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				stored, err = getMessage(txn, domain.MessageID(id))
				return err
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}

		seq, err := nextSeq(txn, msg.ConversationID)
		if err != nil {
			return err
		}
		stored = msg
		stored.Seq = seq
		if stored.ID == "" {
			stored.ID = domain.MessageID(uuid.NewString())
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		key := msgKey(stored.ConversationID, seq)
		if err := txn.Set(key, encodeMessage(stored)); err != nil {
			return err
		}
		if err := txn.Set(midKey(stored.ID), key); err != nil {
			return err
		}
		if stored.IdempotencyKey != "" {
			if err := txn.Set(idemKey(stored.ConversationID, stored.IdempotencyKey), []byte(stored.ID)); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return stored, created, nil
}

func nextSeq(txn *badger.Txn, id domain.ConversationID) (uint64, error) {
	var last uint64
	item, err := txn.Get(seqKey(id))
	switch {
	case err == nil:
		if err := item.Value(func(v []byte) error {
			last = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	next := last + 1
	if err := txn.Set(seqKey(id), binary.BigEndian.AppendUint64(nil, next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *BadgerStore) GetMessage(_ context.Context, id domain.MessageID) (domain.Message, error) {
	var msg domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, id)
		return err
	})
	return msg, err
}

func getMessage(txn *badger.Txn, id domain.MessageID) (domain.Message, error) {
	item, err := txn.Get(midKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, errors.ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return domain.Message{}, err
	}
	return getMessageAt(txn, key)
}

func getMessageAt(txn *badger.Txn, key []byte) (domain.Message, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, errors.ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	var msg domain.Message
	err = item.Value(func(v []byte) error {
		msg, err = decodeMessage(v)
		return err
	})
	return msg, err
}

// UpdateStatus moves the receipt of recipient forward and returns every
// receipt recorded for the message.
func (s *BadgerStore) UpdateStatus(ctx context.Context, id domain.MessageID, recipient domain.UserID, status domain.DeliveryStatus) (domain.Receipts, error) {
	var receipts domain.Receipts
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(midKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errors.ErrMessageNotFound
			}
			return err
		}
		current := domain.StatusUnknown
		item, err := txn.Get(rcptKey(id, recipient))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				if len(v) == 1 {
					current = domain.DeliveryStatus(v[0])
				}
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if next, ok := domain.Advance(current, status); ok {
			if err := txn.Set(rcptKey(id, recipient), []byte{byte(next)}); err != nil {
				return err
			}
		}
		receipts, err = readReceipts(txn, id)
		return err
	})
	return receipts, err
}

func readReceipts(txn *badger.Txn, id domain.MessageID) (domain.Receipts, error) {
	receipts := make(domain.Receipts)
	prefix := rcptPrefix(id)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		user, err := base64.RawURLEncoding.DecodeString(string(item.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("corrupted receipt key %q: %w", item.Key(), err)
		}
		err = item.Value(func(v []byte) error {
			if len(v) == 1 {
				receipts[domain.UserID(user)] = domain.DeliveryStatus(v[0])
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

// SetStatus rewrites the aggregate status of a message when it moves forward.
func (s *BadgerStore) SetStatus(ctx context.Context, id domain.MessageID, status domain.DeliveryStatus) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(midKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		msg, err := getMessageAt(txn, key)
		if err != nil {
			return err
		}
		next, ok := domain.Advance(msg.Status, status)
		if !ok {
			return nil
		}
		msg.Status = next
		return txn.Set(key, encodeMessage(msg))
	})
}

// ReadPage walks the conversation backwards from before (exclusive).
// Thanks to the padded sequence in the key, messages are naturally sorted.
func (s *BadgerStore) ReadPage(_ context.Context, conversationID domain.ConversationID, before uint64, limit int) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(conversationID)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch before {
		case 0:
			// Reverse iteration starts at the greatest key lower or equal to the seek key
			seekKey = append(prefix, "99999999999999999999"...)
		default:
			seekKey = msgKey(conversationID, before-1)
		}

		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			err := it.Item().Value(func(v []byte) error {
				msg, err := decodeMessage(v)
				if err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return messages, err
}
