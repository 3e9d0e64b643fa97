package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxgate/voxgate/internal/message"
)

// notifyChannelPrefix matches the pg_notify prefix used by the messages
// trigger installed in the store migrations.
const notifyChannelPrefix = "voxgate_msg_"

type pgWatcher struct {
	conn *pgx.Conn
}

// NewPgWatcherFactory returns a WatcherFactory that opens one dedicated
// LISTEN connection per channel against the given database.
func NewPgWatcherFactory(dbURL string) WatcherFactory {
	return func(ctx context.Context, ch message.Channel) (Watcher, error) {
		conn, err := pgx.Connect(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("connect listener: %w", err)
		}
		name := notifyChannelPrefix + string(ch)
		if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %q`, name)); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("listen %s: %w", name, err)
		}
		return &pgWatcher{conn: conn}, nil
	}
}

func (w *pgWatcher) Next(ctx context.Context) (message.ID, error) {
	n, err := w.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return message.ID(n.Payload), nil
}

func (w *pgWatcher) Close(ctx context.Context) error {
	return w.conn.Close(ctx)
}
