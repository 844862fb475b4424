// Package config loads the TOML files used by the ipcctl and kernelctl tools.
// Every key is optional: values start from the package defaults and only keys
// present in the file override them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/edgeipc/internal/kernel"
	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/session"
)

// ClientConfig is the ipcctl configuration.
type ClientConfig struct {
	Session session.Config
}

// KernelConfig is the kernelctl configuration.
type KernelConfig struct {
	ListenAddr string
	// Tokens maps accepted tokens to the service name assigned on handshake.
	Tokens          map[string]string
	EchoDestination protocol.Destination
	// AdminAddr serves the admin HTTP API (/health, /metrics, /clients);
	// empty disables it.
	AdminAddr   string
	CORSOrigins []string
	Session     session.Config
}

type sessionFile struct {
	ConnectTimeout     string  `toml:"connect_timeout"`
	HandshakeTimeout   string  `toml:"handshake_timeout"`
	WriteTimeout       string  `toml:"write_timeout"`
	RequestTimeout     string  `toml:"request_timeout"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	HandlerWorkers     int     `toml:"handler_workers"`
	HandlerBacklog     int     `toml:"handler_backlog"`
	WriteQueueSize     int     `toml:"write_queue_size"`
	BackoffInitial     string  `toml:"backoff_initial"`
	BackoffMax         string  `toml:"backoff_max"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffJitter      bool    `toml:"backoff_jitter"`
	SecurityMode       string  `toml:"security_mode"`
	TLS                tlsFile `toml:"tls"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type clientFile struct {
	Address       string      `toml:"address"`
	Token         string      `toml:"token"`
	ClientVersion string      `toml:"client_version"`
	Session       sessionFile `toml:"session"`
}

type kernelFile struct {
	ListenAddr      string      `toml:"listen_addr"`
	Tokens          []tokenFile `toml:"tokens"`
	EchoDestination int         `toml:"echo_destination"`
	AdminAddr       string      `toml:"admin_addr"`
	CORSOrigins     []string    `toml:"cors_origins"`
	Session         sessionFile `toml:"session"`
}

type tokenFile struct {
	Token   string `toml:"token"`
	Service string `toml:"service"`
}

const defaultEchoDestination = protocol.ApplicationStart

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := ClientConfig{Session: session.DefaultConfig()}

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if meta.IsDefined("address") {
		cfg.Session.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("token") {
		cfg.Session.Token = raw.Token
	}
	if meta.IsDefined("client_version") {
		cfg.Session.ClientVersion = strings.TrimSpace(raw.ClientVersion)
	}
	if err := applySession(&cfg.Session, meta, raw.Session); err != nil {
		return ClientConfig{}, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("client config: %w", err)
	}
	return cfg, nil
}

func LoadKernelConfig(path string) (KernelConfig, error) {
	cfg := KernelConfig{
		ListenAddr:      kernel.DefaultListenAddr,
		Tokens:          map[string]string{},
		EchoDestination: defaultEchoDestination,
		Session:         session.DefaultConfig(),
	}

	var raw kernelFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return KernelConfig{}, fmt.Errorf("load kernel config: %w", err)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("echo_destination") {
		if raw.EchoDestination < 0 || raw.EchoDestination > 0xFFFF {
			return KernelConfig{}, fmt.Errorf("kernel config: echo_destination out of range: %d", raw.EchoDestination)
		}
		cfg.EchoDestination = protocol.Destination(raw.EchoDestination)
	}
	for i, entry := range raw.Tokens {
		token := strings.TrimSpace(entry.Token)
		service := strings.TrimSpace(entry.Service)
		if token == "" || service == "" {
			return KernelConfig{}, fmt.Errorf("kernel config: tokens[%d] needs token and service", i)
		}
		cfg.Tokens[token] = service
	}
	if err := applySession(&cfg.Session, meta, raw.Session); err != nil {
		return KernelConfig{}, err
	}
	cfg.Session.Address = cfg.ListenAddr
	cfg.Session = cfg.Session.WithDefaults()
	if err := ValidateKernelConfig(cfg); err != nil {
		return KernelConfig{}, err
	}
	return cfg, nil
}

func ValidateKernelConfig(cfg KernelConfig) error {
	if _, err := session.ParseEndpoint(cfg.ListenAddr); err != nil {
		return fmt.Errorf("kernel config: listen_addr: %w", err)
	}
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("kernel config: at least one [[tokens]] entry required")
	}
	if err := protocol.ValidateHandlerDestination(cfg.EchoDestination); err != nil {
		return fmt.Errorf("kernel config: echo_destination: %w", err)
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return fmt.Errorf("kernel config: %w", err)
	}
	return nil
}

func applySession(cfg *session.Config, meta toml.MetaData, raw sessionFile) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("session", "handler_workers") {
		cfg.HandlerWorkers = raw.HandlerWorkers
	}
	if meta.IsDefined("session", "handler_backlog") {
		cfg.HandlerBacklog = raw.HandlerBacklog
	}
	if meta.IsDefined("session", "write_queue_size") {
		cfg.WriteQueueSize = raw.WriteQueueSize
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session", "tls") {
		cfg.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return nil
}
