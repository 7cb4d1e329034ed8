// Package postgres implements the message and conversation stores on PostgreSQL,
// for deployments where several instances share one database.
package postgres

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const messageColumns = `seq, id, conversation_id, sender_id, body, attachments, status, COALESCE(idempotency_key, ''), created_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m           domain.Message
		seq         int64
		status      int16
		attachments []byte
	)
	err := row.Scan(&seq, &m.ID, &m.ConversationID, &m.SenderID, &m.Body, &attachments, &status, &m.IdempotencyKey, &m.CreatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	m.Seq = uint64(seq)
	m.Status = domain.DeliveryStatus(status)
	m.CreatedAt = m.CreatedAt.UTC()
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return domain.Message{}, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
	}
	return m, nil
}

// InsertMessageIfAbsent relies on the partial unique index on
// (conversation_id, idempotency_key): a conflicting insert returns no row
// and the existing message is read back.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, msg domain.Message) (domain.Message, bool, error) {
	if msg.ID == "" {
		msg.ID = domain.MessageID(uuid.NewString())
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	attachments, err := json.Marshal(lo.Ternary(msg.Attachments == nil, []domain.Attachment{}, msg.Attachments))
	if err != nil {
		return domain.Message{}, false, err
	}
	var key *string
	if msg.IdempotencyKey != "" {
		key = lo.ToPtr(msg.IdempotencyKey)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, attachments, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		string(msg.ID), string(msg.ConversationID), string(msg.SenderID), msg.Body, attachments,
		int16(msg.Status), key, msg.CreatedAt)
	stored, err := scanMessage(row)
	switch {
	case err == nil:
		return stored, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.Message{}, false, err
	}

	row = s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND idempotency_key = $2`,
		string(msg.ConversationID), msg.IdempotencyKey)
	stored, err = scanMessage(row)
	if err != nil {
		return domain.Message{}, false, err
	}
	return stored, false, nil
}

func (s *Store) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, string(id))
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, errors.ErrMessageNotFound
	}
	return m, err
}

// UpdateStatus upserts the receipt, keeping the highest status.
func (s *Store) UpdateStatus(ctx context.Context, id domain.MessageID, recipient domain.UserID, status domain.DeliveryStatus) (domain.Receipts, error) {
	var receipts domain.Receipts
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errors.ErrMessageNotFound
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO receipts (message_id, user_id, status) VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id) DO UPDATE SET status = GREATEST(receipts.status, EXCLUDED.status)`,
			string(id), string(recipient), int16(status))
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT user_id, status FROM receipts WHERE message_id = $1`, string(id))
		if err != nil {
			return err
		}
		receipts = make(domain.Receipts)
		var user string
		var st int16
		_, err = pgx.ForEachRow(rows, []any{&user, &st}, func() error {
			receipts[domain.UserID(user)] = domain.DeliveryStatus(st)
			return nil
		})
		return err
	})
	return receipts, err
}

// SetStatus locks the row and applies the transition rules of the domain.
func (s *Store) SetStatus(ctx context.Context, id domain.MessageID, status domain.DeliveryStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current int16
		err := tx.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1 FOR UPDATE`, string(id)).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		next, ok := domain.Advance(domain.DeliveryStatus(current), status)
		if !ok {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, string(id), int16(next))
		return err
	})
}

func (s *Store) ReadPage(ctx context.Context, conversationID domain.ConversationID, before uint64, limit int) ([]domain.Message, error) {
	var rows pgx.Rows
	var err error
	if before == 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2`,
			string(conversationID), limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND seq < $2 ORDER BY seq DESC LIMIT $3`,
			string(conversationID), int64(before), limit)
	}
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		return scanMessage(row)
	})
}

func (s *Store) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	var (
		c       domain.Conversation
		kind    string
		members []string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, kind, members, created_at FROM conversations WHERE id = $1`, string(id)).
		Scan(&c.ID, &kind, &members, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, errors.ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	c.Kind = domain.Kind(kind)
	c.Members = lo.Map(members, func(m string, _ int) domain.UserID { return domain.UserID(m) })
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) SaveConversation(ctx context.Context, c domain.Conversation) error {
	members := lo.Map(c.Members, func(m domain.UserID, _ int) string { return string(m) })
	createdAt := lo.Ternary(c.CreatedAt.IsZero(), time.Now().UTC(), c.CreatedAt)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, kind, members, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, members = EXCLUDED.members`,
		string(c.ID), string(c.Kind), members, createdAt)
	return err
}
