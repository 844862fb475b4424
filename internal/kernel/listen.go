package kernel

import (
	"crypto/tls"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/danmuck/edgeipc/internal/protocol/session"
)

// Listen opens the configured endpoint: tcp (TLS when enabled), unix or vsock.
func (s *Server) Listen() (net.Listener, error) {
	ep, err := session.ParseEndpoint(s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	switch ep.Network {
	case session.NetworkVsock:
		var (
			ln  *vsock.Listener
			err error
		)
		if ep.ContextID == 0 {
			ln, err = vsock.Listen(ep.Port, nil)
		} else {
			ln, err = vsock.ListenContextID(ep.ContextID, ep.Port, nil)
		}
		if err != nil {
			return nil, err
		}
		return ln, nil
	case session.NetworkUnix:
		return net.Listen("unix", ep.Address)
	default:
		if !s.cfg.Session.TLS.Enabled {
			return net.Listen("tcp", ep.Address)
		}
		tlsCfg, err := s.cfg.Session.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", ep.Address, tlsCfg)
	}
}
