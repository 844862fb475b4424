package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAddressRequired = errors.New("session: address required")
	ErrInvalidConfig   = errors.New("session: invalid config")
)

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig configures TLS for the tcp transport.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines connection, handshake and request reliability settings for
// one client (or the kernel side of each accepted client).
type Config struct {
	Address       string
	Token         string
	ClientVersion string

	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	RequestTimeout     time.Duration
	MaxConnectAttempts int

	// HandlerWorkers caps concurrent handlers per destination;
	// HandlerBacklog caps requests per destination waiting for one.
	HandlerWorkers int
	HandlerBacklog int
	WriteQueueSize int
	MaxFrameBytes  uint32

	Backoff BackoffConfig

	SecurityMode SecurityMode
	TLS          TLSConfig
}

// DefaultConfig returns defaults for a local kernel connection. RequestTimeout
// is zero: requests wait until answered, cancelled, or the connection drops.
func DefaultConfig() Config {
	return Config{
		ClientVersion:      "1",
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxConnectAttempts: 10,
		HandlerWorkers:     16,
		HandlerBacklog:     256,
		WriteQueueSize:     256,
		MaxFrameBytes:      maxFrameBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// frame header plus the largest u16 payload
const maxFrameBytes = 9 + 65535

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Address = strings.TrimSpace(c.Address)
	if strings.TrimSpace(c.ClientVersion) == "" {
		c.ClientVersion = def.ClientVersion
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.HandlerWorkers <= 0 {
		c.HandlerWorkers = def.HandlerWorkers
	}
	if c.HandlerBacklog <= 0 {
		c.HandlerBacklog = def.HandlerBacklog
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = def.WriteQueueSize
	}
	if c.MaxFrameBytes == 0 || c.MaxFrameBytes > maxFrameBytes {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = def.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

// Validate checks a client-side config after WithDefaults.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	if _, err := ParseEndpoint(c.Address); err != nil {
		return err
	}
	if c.Backoff.Multiplier < 0 {
		return fmt.Errorf("%w: negative backoff multiplier", ErrInvalidConfig)
	}
	return c.ValidateClientTransport()
}
