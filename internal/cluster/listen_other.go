//go:build !linux && !darwin

package cluster

import (
	"context"
	"net"
)

// Listen opens a plain TCP listener. SO_REUSEPORT is unavailable here, so
// clustered workers cannot share a port; run a single worker instead.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
