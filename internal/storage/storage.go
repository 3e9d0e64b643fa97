package storage

import (
	"context"
	"embed"
	"errors"

	"github.com/voxgate/voxgate/internal/message"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("not found")

// Store is the durable side of the gateway: message persistence plus the
// metadata the change-feed bridge needs to decide whether notifications work.
type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Messages() message.Repository
	// NotifyTriggerInstalled reports whether the insert/update notification
	// trigger exists, i.e. whether the store supports change notification.
	NotifyTriggerInstalled(ctx context.Context) (bool, error)
}
