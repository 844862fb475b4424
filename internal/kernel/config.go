package kernel

import (
	"strings"

	"github.com/danmuck/edgeipc/internal/auth"
	"github.com/danmuck/edgeipc/internal/logging"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/session"
)

const DefaultListenAddr = "127.0.0.1:8033"

// Logger is the sink for connection and dispatch events.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type ServerConfig struct {
	ListenAddr string
	// Session supplies timeouts, frame limits, queue sizes and TLS policy.
	// Its Address is replaced by ListenAddr.
	Session        session.Config
	Authenticator  auth.Authenticator
	HandlerWorkers int
	Logger         Logger
	Metrics        *observability.IPCMetrics
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: DefaultListenAddr,
		Session:    session.DefaultConfig(),
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultListenAddr
	}
	c.Session.Address = c.ListenAddr
	c.Session = c.Session.WithDefaults()
	if c.HandlerWorkers <= 0 {
		c.HandlerWorkers = c.Session.HandlerWorkers
	}
	if c.Logger == nil {
		c.Logger = logging.New("kernel")
	}
	return c
}
