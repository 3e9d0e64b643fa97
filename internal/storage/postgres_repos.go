package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxgate/voxgate/internal/message"
)

type messageRepo struct {
	db *sql.DB
}

const messageColumns = `id, channel, conversation_id, sender_id, sender_name, sender_type,
	recipient_id, content, content_type, delivered, delivered_at, read, read_at,
	sequence, client_msg_id, created_at, deleted`

// Save persists a message. Sequence numbers are assigned here, under a
// per-conversation advisory lock so concurrent writers to one conversation
// serialize instead of racing. When the client idempotency id already exists,
// the original record is returned and nothing new is written.
func (r *messageRepo) Save(ctx context.Context, m message.Message) (message.Message, error) {
	if m.ID == "" || m.SenderID == "" || m.CreatedAt.IsZero() {
		return message.Message{}, fmt.Errorf("message id, sender_id, and created_at are required")
	}
	if !m.Channel.Valid() {
		return message.Message{}, fmt.Errorf("unknown channel %q", m.Channel)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE client_msg_id = $1`, m.ClientMsgID))
		if err == nil {
			return existing, tx.Commit()
		}
		if !errors.Is(err, ErrNotFound) {
			return message.Message{}, err
		}
	}

	if m.ConversationID != "" {
		key := string(m.Channel) + ":" + m.ConversationID
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return message.Message{}, fmt.Errorf("lock conversation: %w", err)
		}
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages
			 WHERE channel = $1 AND conversation_id = $2`,
			m.Channel, m.ConversationID).Scan(&m.Sequence)
		if err != nil {
			return message.Message{}, fmt.Errorf("next sequence: %w", err)
		}
	}

	var seq, conversation, senderName, recipient, clientMsgID any
	if m.Sequence > 0 {
		seq = m.Sequence
	}
	if m.ConversationID != "" {
		conversation = m.ConversationID
	}
	if m.SenderName != "" {
		senderName = m.SenderName
	}
	if m.RecipientID != "" {
		recipient = m.RecipientID
	}
	if m.ClientMsgID != "" {
		clientMsgID = m.ClientMsgID
	}
	senderType := m.SenderType
	if senderType == "" {
		senderType = message.SenderUser
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = message.ContentText
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO messages
		(id, channel, conversation_id, sender_id, sender_name, sender_type,
		 recipient_id, content, content_type, sequence, client_msg_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING`,
		m.ID, m.Channel, conversation, m.SenderID, senderName, senderType,
		recipient, m.Content, contentType, seq, clientMsgID, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost a race on the idempotency id: hand back the winner's row.
			return r.replay(ctx, m.ClientMsgID)
		}
		return message.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && m.ClientMsgID != "" {
		if err := tx.Commit(); err != nil {
			return message.Message{}, fmt.Errorf("commit save: %w", err)
		}
		return r.replay(ctx, m.ClientMsgID)
	}

	m.SenderType = senderType
	m.ContentType = contentType
	if err := tx.Commit(); err != nil {
		return message.Message{}, fmt.Errorf("commit save: %w", err)
	}
	return m, nil
}

func (r *messageRepo) replay(ctx context.Context, clientMsgID string) (message.Message, error) {
	existing, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE client_msg_id = $1`, clientMsgID))
	if err != nil {
		return message.Message{}, fmt.Errorf("load idempotent replay: %w", err)
	}
	return existing, nil
}

func (r *messageRepo) GetByID(ctx context.Context, id message.ID) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND NOT deleted`, id))
	if errors.Is(err, ErrNotFound) {
		return message.Message{}, message.ErrNotFound
	}
	return m, err
}

func (r *messageRepo) History(ctx context.Context, ch message.Channel, conversationID string, limit int, before time.Time) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE channel = $1 AND NOT deleted`
	args := []any{ch}
	if conversationID != "" {
		args = append(args, conversationID)
		query += fmt.Sprintf(` AND conversation_id = $%d`, len(args))
	}
	if !before.IsZero() {
		args = append(args, before)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *messageRepo) Unread(ctx context.Context, recipientID string) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE recipient_id = $1 AND NOT read AND NOT deleted
		ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *messageRepo) MarkRead(ctx context.Context, recipientID, senderID string) (int64, error) {
	query := `UPDATE messages SET read = TRUE, read_at = $2
		WHERE recipient_id = $1 AND NOT read`
	args := []any{recipientID, time.Now().UTC()}
	if senderID != "" {
		query += ` AND sender_id = $3`
		args = append(args, senderID)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

func (r *messageRepo) MarkDelivered(ctx context.Context, id message.ID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET delivered = TRUE, delivered_at = $2 WHERE id = $1 AND NOT delivered`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (r *messageRepo) SoftDelete(ctx context.Context, id message.ID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return message.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (message.Message, error) {
	var m message.Message
	var conversation, senderName, recipient, clientMsgID sql.NullString
	var deliveredAt, readAt sql.NullTime
	var seq sql.NullInt64

	err := row.Scan(&m.ID, &m.Channel, &conversation, &m.SenderID, &senderName,
		&m.SenderType, &recipient, &m.Content, &m.ContentType,
		&m.Delivered, &deliveredAt, &m.Read, &readAt,
		&seq, &clientMsgID, &m.CreatedAt, &m.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, ErrNotFound
		}
		return message.Message{}, fmt.Errorf("scan message: %w", err)
	}

	m.ConversationID = conversation.String
	m.SenderName = senderName.String
	m.RecipientID = recipient.String
	m.ClientMsgID = clientMsgID.String
	m.Sequence = seq.Int64
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]message.Message, error) {
	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
