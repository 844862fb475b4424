package ipc

import "github.com/danmuck/edgeipc/internal/logging"

// Logger is the sink for connection lifecycle and dispatch events.
// *logging.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

func defaultLogger() Logger {
	return logging.New("ipc.client")
}
