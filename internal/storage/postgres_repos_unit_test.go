package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/voxgate/voxgate/internal/message"
)

func newRepoSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("sqlmock expectations: %v", err)
		}
		_ = db.Close()
	}
	return db, mock, cleanup
}

var messageRowColumns = []string{
	"id", "channel", "conversation_id", "sender_id", "sender_name", "sender_type",
	"recipient_id", "content", "content_type", "delivered", "delivered_at",
	"read", "read_at", "sequence", "client_msg_id", "created_at", "deleted",
}

func messageRow(m message.Message) *sqlmock.Rows {
	return sqlmock.NewRows(messageRowColumns).AddRow(
		string(m.ID), string(m.Channel), nullStr(m.ConversationID), m.SenderID,
		nullStr(m.SenderName), string(m.SenderType), nullStr(m.RecipientID),
		m.Content, string(m.ContentType), m.Delivered, nil, m.Read, nil,
		nullSeq(m.Sequence), nullStr(m.ClientMsgID), m.CreatedAt, m.Deleted)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullSeq(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func TestMessageRepoSQL(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	base := message.Message{
		ID:        "m-1",
		Channel:   message.ChannelVox,
		SenderID:  "alice",
		Content:   "hello",
		CreatedAt: now,
	}

	t.Run("Save validation", func(t *testing.T) {
		repo := &messageRepo{}
		_, err := repo.Save(ctx, message.Message{})
		if err == nil || !strings.Contains(err.Error(), "required") {
			t.Fatalf("expected validation error, got %v", err)
		}

		bad := base
		bad.Channel = "gossip"
		_, err = repo.Save(ctx, bad)
		if err == nil || !strings.Contains(err.Error(), "unknown channel") {
			t.Fatalf("expected channel error, got %v", err)
		}
	})

	t.Run("Save broadcast no sequence", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO messages`).
			WithArgs("m-1", "vox", nil, "alice", nil, "user", nil,
				"hello", "text", nil, nil, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, err := repo.Save(ctx, base)
		if err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		if got.SenderType != message.SenderUser || got.ContentType != message.ContentText {
			t.Errorf("defaults not applied: %+v", got)
		}
		if got.Sequence != 0 {
			t.Errorf("Sequence = %d, want 0 for broadcast", got.Sequence)
		}
	})

	t.Run("Save conversation assigns sequence under lock", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		m := base
		m.ConversationID = "conv-9"

		mock.ExpectBegin()
		mock.ExpectExec(`pg_advisory_xact_lock`).
			WithArgs("vox:conv-9").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`COALESCE\(MAX\(sequence\), 0\) \+ 1`).
			WithArgs("vox", "conv-9").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))
		mock.ExpectExec(`INSERT INTO messages`).
			WithArgs("m-1", "vox", "conv-9", "alice", nil, "user", nil,
				"hello", "text", int64(4), nil, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, err := repo.Save(ctx, m)
		if err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		if got.Sequence != 4 {
			t.Errorf("Sequence = %d, want 4", got.Sequence)
		}
	})

	t.Run("Save idempotent replay before insert", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		m := base
		m.ID = "m-new"
		m.ClientMsgID = "client-1"
		stored := base
		stored.ClientMsgID = "client-1"
		stored.SenderType = message.SenderUser
		stored.ContentType = message.ContentText

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM messages WHERE client_msg_id = \$1`).
			WithArgs("client-1").
			WillReturnRows(messageRow(stored))
		mock.ExpectCommit()

		got, err := repo.Save(ctx, m)
		if err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		if got.ID != "m-1" {
			t.Errorf("ID = %s, want the original m-1", got.ID)
		}
	})

	t.Run("Save idempotent replay after conflict", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		m := base
		m.ID = "m-new"
		m.ClientMsgID = "client-2"
		stored := base
		stored.ClientMsgID = "client-2"
		stored.SenderType = message.SenderUser
		stored.ContentType = message.ContentText

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM messages WHERE client_msg_id = \$1`).
			WithArgs("client-2").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO messages`).
			WithArgs("m-new", "vox", nil, "alice", nil, "user", nil,
				"hello", "text", nil, "client-2", now).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery(`FROM messages WHERE client_msg_id = \$1`).
			WithArgs("client-2").
			WillReturnRows(messageRow(stored))

		got, err := repo.Save(ctx, m)
		if err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		if got.ID != "m-1" {
			t.Errorf("ID = %s, want the winner m-1", got.ID)
		}
	})

	t.Run("GetByID success", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		stored := base
		stored.SenderType = message.SenderUser
		stored.ContentType = message.ContentText
		mock.ExpectQuery(`FROM messages WHERE id = \$1 AND NOT deleted`).
			WithArgs(message.ID("m-1")).
			WillReturnRows(messageRow(stored))

		got, err := repo.GetByID(ctx, "m-1")
		if err != nil {
			t.Fatalf("GetByID() error: %v", err)
		}
		if got.Content != "hello" {
			t.Errorf("Content = %q", got.Content)
		}
	})

	t.Run("GetByID not found", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectQuery(`FROM messages WHERE id = \$1 AND NOT deleted`).
			WithArgs(message.ID("missing")).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByID(ctx, "missing")
		if !errors.Is(err, message.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("History with conversation filter", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		stored := base
		stored.SenderType = message.SenderUser
		stored.ContentType = message.ContentText
		stored.ConversationID = "conv-1"
		mock.ExpectQuery(`AND conversation_id = \$2 ORDER BY created_at DESC LIMIT 25`).
			WithArgs("vox", "conv-1").
			WillReturnRows(messageRow(stored))

		got, err := repo.History(ctx, message.ChannelVox, "conv-1", 25, time.Time{})
		if err != nil {
			t.Fatalf("History() error: %v", err)
		}
		if len(got) != 1 || got[0].ConversationID != "conv-1" {
			t.Errorf("History() = %+v", got)
		}
	})

	t.Run("History default limit", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectQuery(`ORDER BY created_at DESC LIMIT 50`).
			WithArgs("vox").
			WillReturnRows(sqlmock.NewRows(messageRowColumns))

		got, err := repo.History(ctx, message.ChannelVox, "", 0, time.Time{})
		if err != nil {
			t.Fatalf("History() error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("History() = %+v, want empty", got)
		}
	})

	t.Run("History before cursor", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		cursor := now.Add(-time.Minute)
		mock.ExpectQuery(`AND created_at < \$2 ORDER BY created_at DESC LIMIT 50`).
			WithArgs("vox", cursor).
			WillReturnRows(sqlmock.NewRows(messageRowColumns))

		if _, err := repo.History(ctx, message.ChannelVox, "", 0, cursor); err != nil {
			t.Fatalf("History() error: %v", err)
		}
	})

	t.Run("Unread", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		stored := base
		stored.SenderType = message.SenderUser
		stored.ContentType = message.ContentText
		stored.RecipientID = "bob"
		mock.ExpectQuery(`WHERE recipient_id = \$1 AND NOT read AND NOT deleted`).
			WithArgs("bob").
			WillReturnRows(messageRow(stored))

		got, err := repo.Unread(ctx, "bob")
		if err != nil {
			t.Fatalf("Unread() error: %v", err)
		}
		if len(got) != 1 || got[0].RecipientID != "bob" {
			t.Errorf("Unread() = %+v", got)
		}
	})

	t.Run("MarkRead all senders", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectExec(`UPDATE messages SET read = TRUE`).
			WithArgs("bob", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := repo.MarkRead(ctx, "bob", "")
		if err != nil {
			t.Fatalf("MarkRead() error: %v", err)
		}
		if n != 3 {
			t.Errorf("MarkRead() = %d, want 3", n)
		}
	})

	t.Run("MarkRead scoped to sender", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectExec(`AND sender_id = \$3`).
			WithArgs("bob", sqlmock.AnyArg(), "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := repo.MarkRead(ctx, "bob", "alice")
		if err != nil {
			t.Fatalf("MarkRead() error: %v", err)
		}
		if n != 1 {
			t.Errorf("MarkRead() = %d, want 1", n)
		}
	})

	t.Run("MarkDelivered", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectExec(`UPDATE messages SET delivered = TRUE`).
			WithArgs(message.ID("m-1"), now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := repo.MarkDelivered(ctx, "m-1", now); err != nil {
			t.Fatalf("MarkDelivered() error: %v", err)
		}
	})

	t.Run("SoftDelete missing row", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectExec(`UPDATE messages SET deleted = TRUE`).
			WithArgs(message.ID("missing")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := repo.SoftDelete(ctx, "missing"); !errors.Is(err, message.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SoftDelete success", func(t *testing.T) {
		db, mock, cleanup := newRepoSQLMock(t)
		defer cleanup()
		repo := &messageRepo{db: db}

		mock.ExpectExec(`UPDATE messages SET deleted = TRUE`).
			WithArgs(message.ID("m-1")).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := repo.SoftDelete(ctx, "m-1"); err != nil {
			t.Fatalf("SoftDelete() error: %v", err)
		}
	})
}
