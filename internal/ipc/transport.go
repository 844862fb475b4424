package ipc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/danmuck/edgeipc/internal/protocol/session"
)

// Dialer opens the byte stream to the kernel.
type Dialer interface {
	DialContext(ctx context.Context, ep session.Endpoint) (net.Conn, error)
}

// NetDialer dials tcp (optionally TLS), unix and vsock endpoints.
type NetDialer struct {
	Session session.Config
}

func (d NetDialer) DialContext(ctx context.Context, ep session.Endpoint) (net.Conn, error) {
	if err := d.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	switch ep.Network {
	case session.NetworkVsock:
		return dialVsock(ctx, ep)
	case session.NetworkUnix:
		dialer := net.Dialer{Timeout: d.Session.ConnectTimeout}
		return dialer.DialContext(ctx, "unix", ep.Address)
	case session.NetworkTCP:
		return d.dialTCP(ctx, ep.Address)
	default:
		return nil, fmt.Errorf("%w: %s", session.ErrInvalidEndpoint, ep.Network)
	}
}

func (d NetDialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !d.Session.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := d.Session.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hsCtx := ctx
	if d.Session.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, d.Session.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// dialVsock runs the blocking vsock dial so ctx can abandon it.
func dialVsock(ctx context.Context, ep session.Endpoint) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(ep.ContextID, ep.Port, nil)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{conn: conn}
	}()
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
