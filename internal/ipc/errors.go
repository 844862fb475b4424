package ipc

import (
	"errors"

	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/pending"
)

var (
	ErrNotConnected   = errors.New("ipc: not connected")
	ErrShutdown       = errors.New("ipc: client shut down")
	ErrConnectFailed  = errors.New("ipc: connect failed")
	ErrConnectionLost = errors.New("ipc: connection lost")
	ErrWriteQueueFull = errors.New("ipc: write queue full")
	ErrWriteFailed    = errors.New("ipc: write failed")
	ErrHandlerExists  = errors.New("ipc: handler already registered")
	ErrNilHandler     = errors.New("ipc: nil handler")

	// ErrRequestTimeout fails requests older than Config.RequestTimeout.
	ErrRequestTimeout = pending.ErrRequestTimeout
)

// RemoteError is a failure reported by the peer through the Error destination.
type RemoteError = protocol.RemoteError

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	return protocol.IsRemote(err)
}
