// Package portutil provides TCP port allocation helpers.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}
