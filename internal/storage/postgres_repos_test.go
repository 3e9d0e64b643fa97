package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/voxgate/voxgate/internal/message"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "voxgate",
			"POSTGRES_PASSWORD": "voxgate",
			"POSTGRES_DB":       "voxgate",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres port: %v", err)
	}
	conn := fmt.Sprintf("postgres://voxgate:voxgate@%s:%s/voxgate?sslmode=disable", host, port.Port())

	// The port is up before the server accepts logins; NewPostgresStore pings,
	// so retry it until the database is genuinely ready.
	var store *PostgresStore
	deadline := time.Now().Add(30 * time.Second)
	for {
		store, err = NewPostgresStore(ctx, conn)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = container.Terminate(ctx)
			t.Fatalf("connect postgres: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close(ctx)
		_ = container.Terminate(ctx)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		_ = store.Close(context.Background())
		_ = container.Terminate(context.Background())
	}
	return store, cleanup
}

func newTestMessage(ch message.Channel) message.Message {
	return message.Message{
		ID:        message.ID(uuid.NewString()),
		Channel:   ch,
		SenderID:  "alice",
		Content:   "integration hello",
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgresMessageRepo(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	ctx := context.Background()
	repo := store.Messages()

	t.Run("save and fetch", func(t *testing.T) {
		m := newTestMessage(message.ChannelVox)
		stored, err := repo.Save(ctx, m)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if stored.SenderType != message.SenderUser || stored.ContentType != message.ContentText {
			t.Errorf("defaults not applied: %+v", stored)
		}

		got, err := repo.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Content != m.Content || got.Channel != message.ChannelVox {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("conversation sequences are gapless per conversation", func(t *testing.T) {
		conv := uuid.NewString()
		for want := int64(1); want <= 3; want++ {
			m := newTestMessage(message.ChannelSupport)
			m.ConversationID = conv
			stored, err := repo.Save(ctx, m)
			if err != nil {
				t.Fatalf("Save #%d: %v", want, err)
			}
			if stored.Sequence != want {
				t.Errorf("Sequence = %d, want %d", stored.Sequence, want)
			}
		}
	})

	t.Run("concurrent writers never share a sequence", func(t *testing.T) {
		conv := uuid.NewString()
		const writers = 8

		var wg sync.WaitGroup
		seqs := make(chan int64, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m := newTestMessage(message.ChannelCouriers)
				m.ConversationID = conv
				stored, err := repo.Save(ctx, m)
				if err != nil {
					t.Errorf("concurrent Save: %v", err)
					return
				}
				seqs <- stored.Sequence
			}()
		}
		wg.Wait()
		close(seqs)

		seen := make(map[int64]bool)
		for s := range seqs {
			if seen[s] {
				t.Errorf("duplicate sequence %d", s)
			}
			seen[s] = true
		}
		if len(seen) != writers {
			t.Errorf("distinct sequences = %d, want %d", len(seen), writers)
		}
	})

	t.Run("idempotent save on client id", func(t *testing.T) {
		first := newTestMessage(message.ChannelVox)
		first.ClientMsgID = "client-" + uuid.NewString()
		stored, err := repo.Save(ctx, first)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}

		dup := newTestMessage(message.ChannelVox)
		dup.ClientMsgID = first.ClientMsgID
		replayed, err := repo.Save(ctx, dup)
		if err != nil {
			t.Fatalf("replay Save: %v", err)
		}
		if replayed.ID != stored.ID {
			t.Errorf("replay ID = %s, want %s", replayed.ID, stored.ID)
		}

		history, err := repo.History(ctx, message.ChannelVox, "", 500, time.Time{})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		count := 0
		for _, m := range history {
			if m.ClientMsgID == first.ClientMsgID {
				count++
			}
		}
		if count != 1 {
			t.Errorf("stored copies = %d, want 1", count)
		}
	})

	t.Run("unread and mark read", func(t *testing.T) {
		recipient := "bob-" + uuid.NewString()
		m := newTestMessage(message.ChannelDefault)
		m.RecipientID = recipient
		if _, err := repo.Save(ctx, m); err != nil {
			t.Fatalf("Save: %v", err)
		}

		unread, err := repo.Unread(ctx, recipient)
		if err != nil {
			t.Fatalf("Unread: %v", err)
		}
		if len(unread) != 1 {
			t.Fatalf("unread = %d, want 1", len(unread))
		}

		n, err := repo.MarkRead(ctx, recipient, "alice")
		if err != nil {
			t.Fatalf("MarkRead: %v", err)
		}
		if n != 1 {
			t.Errorf("MarkRead = %d, want 1", n)
		}

		unread, err = repo.Unread(ctx, recipient)
		if err != nil {
			t.Fatalf("Unread after mark: %v", err)
		}
		if len(unread) != 0 {
			t.Errorf("unread after mark = %d, want 0", len(unread))
		}
	})

	t.Run("mark delivered", func(t *testing.T) {
		m := newTestMessage(message.ChannelVox)
		if _, err := repo.Save(ctx, m); err != nil {
			t.Fatalf("Save: %v", err)
		}
		at := time.Now().UTC()
		if err := repo.MarkDelivered(ctx, m.ID, at); err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
		got, err := repo.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if !got.Delivered || got.DeliveredAt == nil {
			t.Errorf("delivered state = %v/%v", got.Delivered, got.DeliveredAt)
		}
	})

	t.Run("soft delete hides from reads", func(t *testing.T) {
		m := newTestMessage(message.ChannelVox)
		if _, err := repo.Save(ctx, m); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := repo.SoftDelete(ctx, m.ID); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}
		if _, err := repo.GetByID(ctx, m.ID); !errors.Is(err, message.ErrNotFound) {
			t.Errorf("GetByID after delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("notify trigger installed", func(t *testing.T) {
		ok, err := store.NotifyTriggerInstalled(ctx)
		if err != nil {
			t.Fatalf("NotifyTriggerInstalled: %v", err)
		}
		if !ok {
			t.Error("notify trigger missing after migration")
		}
	})
}
