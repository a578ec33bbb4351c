//go:build !windows

package api

import (
	"fmt"
	"net"
)

func listenPipe(addr string) (net.Listener, error) {
	return nil, fmt.Errorf("npipe listener is Windows-only, use a unix: socket instead (got %s)", addr)
}
