package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidEndpoint = errors.New("session: invalid endpoint")

// Network names the stream transport used to reach the kernel.
type Network string

const (
	NetworkTCP   Network = "tcp"
	NetworkUnix  Network = "unix"
	NetworkVsock Network = "vsock"
)

// Endpoint is a parsed kernel address.
type Endpoint struct {
	Network Network
	// Address is host:port for tcp and the socket path for unix.
	Address string
	// ContextID and Port are set for vsock.
	ContextID uint32
	Port      uint32
}

func (e Endpoint) String() string {
	switch e.Network {
	case NetworkVsock:
		return fmt.Sprintf("vsock://%d:%d", e.ContextID, e.Port)
	case NetworkUnix:
		return "unix://" + e.Address
	default:
		return "tcp://" + e.Address
	}
}

// ParseEndpoint accepts tcp://host:port, host:port, unix:///path and
// vsock://cid:port.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, ErrAddressRequired
	}
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		scheme, rest = string(NetworkTCP), raw
	}
	switch Network(strings.ToLower(scheme)) {
	case NetworkTCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
		}
		return Endpoint{Network: NetworkTCP, Address: rest}, nil
	case NetworkUnix:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: %q: missing socket path", ErrInvalidEndpoint, raw)
		}
		return Endpoint{Network: NetworkUnix, Address: rest}, nil
	case NetworkVsock:
		cidRaw, portRaw, ok := strings.Cut(rest, ":")
		if !ok {
			return Endpoint{}, fmt.Errorf("%w: %q: expected cid:port", ErrInvalidEndpoint, raw)
		}
		cid, err := strconv.ParseUint(cidRaw, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: cid: %v", ErrInvalidEndpoint, raw, err)
		}
		port, err := strconv.ParseUint(portRaw, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: port: %v", ErrInvalidEndpoint, raw, err)
		}
		return Endpoint{Network: NetworkVsock, ContextID: uint32(cid), Port: uint32(port)}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: %q: unknown scheme %q", ErrInvalidEndpoint, raw, scheme)
	}
}
