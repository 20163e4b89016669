//go:build windows

package ipc

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// owner and SYSTEM only
const pipeSDDL = "D:P(A;;GA;;;OW)(A;;GA;;;SY)"

// DefaultAddress is the helper named pipe.
func DefaultAddress() string { return `\\.\pipe\dbhelm-helper` }

func listen(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, &winio.PipeConfig{SecurityDescriptor: pipeSDDL})
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, addr)
}

func cleanupAddress(string) {}
