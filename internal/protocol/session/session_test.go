package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour, Multiplier: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := NewBackoff(BackoffConfig{}).Wait(context.Background(), 3); err != nil {
		t.Fatalf("zero backoff should not wait: %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Address: " 127.0.0.1:8033 ", Token: "t"}.WithDefaults()
	def := DefaultConfig()
	if cfg.Address != "127.0.0.1:8033" {
		t.Fatalf("address not trimmed: %q", cfg.Address)
	}
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.MaxConnectAttempts != def.MaxConnectAttempts {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.RequestTimeout != 0 {
		t.Fatalf("request timeout should stay disabled, got %v", cfg.RequestTimeout)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.SecurityMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (Config{}).WithDefaults().Validate(); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestValidateClientTransportPolicy(t *testing.T) {
	testlog.Start(t)
	prod := Config{Address: "10.0.0.1:8033", SecurityMode: SecurityModeProduction}
	if err := prod.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	prod.TLS = TLSConfig{Enabled: true, CAFile: "ca.pem"}
	if err := prod.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
	local := Config{Address: "unix:///run/kernel.sock", SecurityMode: SecurityModeProduction}
	if err := local.ValidateClientTransport(); err != nil {
		t.Fatalf("local transport should not require tls: %v", err)
	}
	local.TLS.Enabled = true
	if err := local.ValidateClientTransport(); !errors.Is(err, ErrTLSNotSupported) {
		t.Fatalf("expected ErrTLSNotSupported, got %v", err)
	}
	if err := (Config{Address: "a:1", SecurityMode: "strict"}).ValidateClientTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw  string
		want Endpoint
	}{
		{"127.0.0.1:8033", Endpoint{Network: NetworkTCP, Address: "127.0.0.1:8033"}},
		{"tcp://localhost:1", Endpoint{Network: NetworkTCP, Address: "localhost:1"}},
		{"unix:///tmp/kernel.sock", Endpoint{Network: NetworkUnix, Address: "/tmp/kernel.sock"}},
		{"vsock://3:8033", Endpoint{Network: NetworkVsock, ContextID: 3, Port: 8033}},
	}
	for _, tc := range cases {
		got, err := ParseEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got=%+v want=%+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"nohost", "unix://", "vsock://x:1", "vsock://3", "quic://a:1"} {
		if _, err := ParseEndpoint(raw); !errors.Is(err, ErrInvalidEndpoint) {
			t.Fatalf("parse %q: expected ErrInvalidEndpoint, got %v", raw, err)
		}
	}
}

func TestStatusString(t *testing.T) {
	testlog.Start(t)
	if StatusConnected.String() != "connected" || StatusShutdown.String() != "shutdown" {
		t.Fatalf("unexpected status strings")
	}
	if !StatusShutdown.Terminal() || StatusDisconnected.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestAuthPayloadRoundTrip(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeAuthRequest(AuthRequest{Token: "secret", ClientVersion: "1"})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	req, err := DecodeAuthRequest(b)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Token != "secret" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := EncodeAuthRequest(AuthRequest{}); !errors.Is(err, ErrInvalidAuthRequest) {
		t.Fatalf("expected ErrInvalidAuthRequest, got %v", err)
	}

	b, err = EncodeAuthResponse(AuthResponse{ServiceName: "svc.a", ClientID: "c1"})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	resp, err := DecodeAuthResponse(b)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ServiceName != "svc.a" || resp.ClientID != "c1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	wrongVersion := envelope.Encode(envelope.Message{Version: 9, OpCode: OpAuthenticate, Payload: []byte(`{}`)})
	if _, err := DecodeAuthResponse(wrongVersion); !errors.Is(err, ErrInvalidAuthResponse) {
		t.Fatalf("expected ErrInvalidAuthResponse, got %v", err)
	}
}

func TestClientHandshakeOverPipe(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		fr, req, err := ReadAuthRequest(server, frame.DefaultLimits())
		if err != nil {
			done <- err
			return
		}
		if req.Token != "tok" {
			done <- WriteAuthRejection(server, fr.RequestID, "bad token")
			return
		}
		done <- WriteAuthResponse(server, fr.RequestID, AuthResponse{ServiceName: "svc.main", ClientID: "client-1"})
	}()

	resp, err := ClientHandshake(client, 7, AuthRequest{Token: "tok"}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if resp.ServiceName != "svc.main" || resp.ClientID != "client-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if err := <-done; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestClientHandshakeRejected(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		fr, _, err := ReadAuthRequest(server, frame.DefaultLimits())
		if err != nil {
			return
		}
		_ = WriteAuthRejection(server, fr.RequestID, "bad token")
	}()

	_, err := ClientHandshake(client, 1, AuthRequest{Token: "nope"}, frame.DefaultLimits())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestReadAuthRequestRejectsOtherDestinations(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, frame.Request(protocol.DestPubSub, 1, []byte("x"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := ReadAuthRequest(&buf, frame.DefaultLimits()); !errors.Is(err, ErrUnexpectedHandshake) {
		t.Fatalf("expected ErrUnexpectedHandshake, got %v", err)
	}
}
