// Package store persists inbound messages, reply tasks, and session status
// projections in Postgres, and exposes the reply-task change feed.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMessageNotFound indicates the row id does not exist.
var ErrMessageNotFound = errors.New("message not found")

// InboundMessage is one persisted inbound message row. The queue fields
// (ReplyPending, AutoReplyText, ReplySentAt, Processed) double as the reply
// task: a task is any row with ReplyPending set and a non-null AutoReplyText.
type InboundMessage struct {
	ID               string
	TenantID         string
	SenderAddress    string
	RecipientAddress string
	MessageType      string
	Ciphertext       *string
	IV               *string
	Tag              *string
	PlaintextBody    *string
	SourceMessageID  string
	ReceivedAt       time.Time
	Processed        bool
	IsLead           *bool
	ReplyPending     bool
	AutoReplyText    *string
	ReplySentAt      *time.Time
}

// MessageStore reads and writes inbound message rows.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a MessageStore backed by the given pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const inboundColumns = `id, tenant_id, sender_address, recipient_address, message_type,
	body_ciphertext, body_iv, body_tag, body_plaintext, source_message_id,
	received_at, processed, is_lead, reply_pending, auto_reply_text, reply_sent_at`

// UpsertInbound appends an inbound message. Re-delivery of the same source
// message id for a tenant is absorbed: the existing row is kept and inserted
// reports false.
func (s *MessageStore) UpsertInbound(ctx context.Context, msg InboundMessage) (inserted bool, err error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_messages (
			id, tenant_id, sender_address, recipient_address, message_type,
			body_ciphertext, body_iv, body_tag, body_plaintext,
			source_message_id, received_at, processed, is_lead,
			reply_pending, auto_reply_text, reply_sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, NULL, false, NULL, NULL)
		ON CONFLICT (tenant_id, source_message_id) DO NOTHING`,
		id, msg.TenantID, msg.SenderAddress, msg.RecipientAddress, msg.MessageType,
		msg.Ciphertext, msg.IV, msg.Tag, msg.PlaintextBody,
		msg.SourceMessageID, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbound message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID loads one row.
func (s *MessageStore) GetByID(ctx context.Context, id string) (InboundMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+inboundColumns+` FROM inbound_messages WHERE id = $1`, id)
	msg, err := scanInbound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return InboundMessage{}, ErrMessageNotFound
	}
	return msg, err
}

// PendingReplies returns reply tasks oldest-first.
func (s *MessageStore) PendingReplies(ctx context.Context, limit int) ([]InboundMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+inboundColumns+`
		FROM inbound_messages
		WHERE reply_pending AND auto_reply_text IS NOT NULL
		ORDER BY received_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending replies: %w", err)
	}
	defer rows.Close()
	var msgs []InboundMessage
	for rows.Next() {
		msg, err := scanInbound(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkReplySent atomically claims a reply task: it clears reply_pending and
// stamps reply_sent_at only if the task is still pending. claimed reports
// whether this caller won the claim, which makes duplicate feed notifications
// harmless.
func (s *MessageStore) MarkReplySent(ctx context.Context, id string) (claimed bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbound_messages
		SET reply_pending = false, reply_sent_at = now()
		WHERE id = $1 AND reply_pending`, id)
	if err != nil {
		return false, fmt.Errorf("mark reply sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetAutoReply stages a reply task on a stored message. In production the
// task writer is an external process; this path serves tests and operational
// tooling.
func (s *MessageStore) SetAutoReply(ctx context.Context, id, text string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbound_messages
		SET auto_reply_text = $2, reply_pending = true
		WHERE id = $1`, id, text)
	if err != nil {
		return fmt.Errorf("set auto reply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ExpirePending drops reply tasks older than the cutoff from the pending set.
// Expired tasks keep a null reply_sent_at, which distinguishes them from
// delivered ones.
func (s *MessageStore) ExpirePending(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbound_messages
		SET reply_pending = false
		WHERE reply_pending AND received_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("expire pending replies: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInbound(row rowScanner) (InboundMessage, error) {
	var msg InboundMessage
	err := row.Scan(
		&msg.ID, &msg.TenantID, &msg.SenderAddress, &msg.RecipientAddress, &msg.MessageType,
		&msg.Ciphertext, &msg.IV, &msg.Tag, &msg.PlaintextBody, &msg.SourceMessageID,
		&msg.ReceivedAt, &msg.Processed, &msg.IsLead, &msg.ReplyPending, &msg.AutoReplyText, &msg.ReplySentAt,
	)
	if err != nil {
		return InboundMessage{}, err
	}
	return msg, nil
}
