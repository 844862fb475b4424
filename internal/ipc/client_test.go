package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/pending"
	"github.com/danmuck/edgeipc/internal/protocol/session"
	"github.com/danmuck/edgeipc/internal/testutil/testlog"
)

func dialTest(t *testing.T, k *fakeKernel, mutate func(*session.Config)) *Client {
	t.Helper()
	cfg := testConfig(k.addr())
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), harnessWait)
	defer cancel()
	c, err := Dial(ctx, cfg, Options{Logger: testlog.Start(t)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitFuture(t *testing.T, fut *pending.Future) (frame.Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), harnessWait)
	defer cancel()
	fr, err := fut.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future %d never completed", fut.ID())
	}
	return fr, err
}

func TestSendRequestPingPong(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	if c.ServiceName() != "svc.test" || c.ClientID() != "client-1" || !c.IsConnected() {
		t.Fatalf("unexpected session: service=%q client=%q status=%s", c.ServiceName(), c.ClientID(), c.Status())
	}

	fut := c.SendRequest(protocol.DestPubSub, []byte("ping"))
	req := fc.read(t)
	if req.IsResponse() || req.Destination != protocol.DestPubSub || string(req.Payload) != "ping" {
		t.Fatalf("unexpected request frame: %+v", req)
	}
	fc.write(t, frame.Response(protocol.DestPubSub, req.RequestID, []byte("pong")))

	resp, err := waitFuture(t, fut)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp.Payload) != "pong" || resp.RequestID != req.RequestID {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestConcurrentRequestsWithReorderedResponses(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	const n = 32
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := fmt.Sprintf("req-%d", i)
			resp, err := c.Request(context.Background(), 1024, []byte(body))
			if err != nil {
				errs <- err
				return
			}
			if string(resp.Payload) != "resp-"+body {
				errs <- fmt.Errorf("caller %d got %q", i, resp.Payload)
			}
		}()
	}

	reqs := make([]frame.Frame, 0, n)
	for range n {
		reqs = append(reqs, fc.read(t))
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		r := reqs[i]
		fc.write(t, frame.Response(r.Destination, r.RequestID, []byte("resp-"+string(r.Payload))))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request: %v", err)
	}
	if c.table.Len() != 0 {
		t.Fatalf("pending entries left: %d", c.table.Len())
	}
}

func TestHandlerIsolation(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	release := make(chan struct{})
	blocked := make(chan struct{})
	if err := c.RegisterMessageHandler(2000, func(ctx context.Context, msg Message) ([]byte, error) {
		close(blocked)
		<-release
		return []byte("slow"), nil
	}); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	if err := c.RegisterMessageHandler(2001, func(context.Context, Message) ([]byte, error) {
		panic("handler exploded")
	}); err != nil {
		t.Fatalf("register panicking: %v", err)
	}
	if err := c.RegisterMessageHandler(2002, func(_ context.Context, msg Message) ([]byte, error) {
		return append([]byte("echo:"), msg.Payload...), nil
	}); err != nil {
		t.Fatalf("register echo: %v", err)
	}

	fc.write(t, frame.Request(2000, 100, nil))
	<-blocked
	fc.write(t, frame.Request(2001, 101, nil))
	fc.write(t, frame.Request(2002, 102, []byte("hi")))

	got := map[uint32]frame.Frame{}
	for len(got) < 2 {
		fr := fc.read(t)
		got[fr.RequestID] = fr
	}
	if fr := got[101]; fr.Destination != protocol.DestError || !strings.Contains(string(fr.Payload), "handler exploded") {
		t.Fatalf("panicking handler reply: %+v", fr)
	}
	if fr := got[102]; fr.Destination != 2002 || string(fr.Payload) != "echo:hi" {
		t.Fatalf("echo reply: %+v", fr)
	}

	// outbound requests still complete while a handler is stuck
	fut := c.SendRequest(protocol.DestConfigStore, []byte("get"))
	req := fc.read(t)
	fc.write(t, frame.Response(req.Destination, req.RequestID, []byte("value")))
	if resp, err := waitFuture(t, fut); err != nil || string(resp.Payload) != "value" {
		t.Fatalf("request during blocked handler: %+v err=%v", resp, err)
	}

	close(release)
	if fr := fc.read(t); fr.RequestID != 100 || string(fr.Payload) != "slow" {
		t.Fatalf("slow handler reply: %+v", fr)
	}
}

func TestUnknownDestinationGetsErrorResponse(t *testing.T) {
	k := newFakeKernel(t)
	dialTest(t, k, nil)
	fc := k.next(t)

	fc.write(t, frame.Request(3000, 9, []byte("x")))
	fr := fc.read(t)
	if !fr.IsResponse() || fr.Destination != protocol.DestError || fr.RequestID != 9 {
		t.Fatalf("unexpected reply: %+v", fr)
	}
	if !strings.Contains(string(fr.Payload), "unknown destination 3000") {
		t.Fatalf("unexpected error text: %q", fr.Payload)
	}
}

func TestRegisterMessageHandlerPolicy(t *testing.T) {
	testlog.Start(t)
	c, err := NewClient(testConfig("127.0.0.1:1"), Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Disconnect()
	h := func(context.Context, Message) ([]byte, error) { return nil, nil }

	if err := c.RegisterMessageHandler(protocol.DestShadow, h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.RegisterMessageHandler(protocol.DestShadow, h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists, got %v", err)
	}
	if err := c.RegisterMessageHandler(protocol.DestAuthentication, h); !errors.Is(err, protocol.ErrControlDestination) {
		t.Fatalf("expected ErrControlDestination, got %v", err)
	}
	if err := c.RegisterMessageHandler(500, h); !errors.Is(err, protocol.ErrReservedDestination) {
		t.Fatalf("expected ErrReservedDestination, got %v", err)
	}
	if err := c.RegisterMessageHandler(1024, nil); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
	if !c.UnregisterMessageHandler(protocol.DestShadow) || c.UnregisterMessageHandler(protocol.DestShadow) {
		t.Fatalf("unregister should report presence once")
	}
	if err := c.RegisterMessageHandler(protocol.DestShadow, h); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
}

func TestConnectionLossFailsPendingThenReconnects(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	var hookRuns atomic.Int32
	c.OnReconnect(func(context.Context) error {
		hookRuns.Add(1)
		return nil
	})

	const n = 8
	futs := make([]*pending.Future, n)
	for i := range futs {
		futs[i] = c.SendRequest(1024, []byte("pending"))
	}
	for range n {
		fc.read(t)
	}
	_ = fc.nc.Close()

	for _, fut := range futs {
		if _, err := waitFuture(t, fut); !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	}

	fc2 := k.next(t)
	waitUntil(t, "reconnect", func() bool { return c.IsConnected() && hookRuns.Load() == 1 })
	if c.ClientID() != "client-2" {
		t.Fatalf("client id not refreshed: %q", c.ClientID())
	}

	fut := c.SendRequest(1024, []byte("after"))
	req := fc2.read(t)
	fc2.write(t, frame.Response(req.Destination, req.RequestID, []byte("ok")))
	if resp, err := waitFuture(t, fut); err != nil || string(resp.Payload) != "ok" {
		t.Fatalf("request after reconnect: %+v err=%v", resp, err)
	}
}

func TestReconnectHookRunsOncePerReconnect(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	var runs atomic.Int32
	c.OnReconnect(func(context.Context) error {
		runs.Add(1)
		return errors.New("resubscribe failed")
	})

	for want := int32(1); want <= 3; want++ {
		_ = fc.nc.Close()
		fc = k.next(t)
		waitUntil(t, "hook run", func() bool { return c.IsConnected() && runs.Load() == want })
	}
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 3 {
		t.Fatalf("hook runs=%d want 3", got)
	}
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect on live session: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("reconnect on a live session must not rerun hooks, runs=%d", got)
	}
}

func TestSendAndReceiveVersionCheck(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	type result struct {
		msg envelope.Message
		err error
	}
	call := func() <-chan result {
		ch := make(chan result, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), harnessWait)
			defer cancel()
			msg, err := c.SendAndReceive(ctx, protocol.DestConfigStore, 2, 3, []byte("q"))
			ch <- result{msg, err}
		}()
		return ch
	}

	pendingCall := call()
	req := fc.read(t)
	in, err := envelope.Decode(req.Payload)
	if err != nil || in.Version != 2 || in.OpCode != 3 || string(in.Payload) != "q" {
		t.Fatalf("request envelope: %+v err=%v", in, err)
	}
	out := envelope.Encode(envelope.Message{Version: in.Version, OpCode: in.OpCode, Payload: []byte("match")})
	fc.write(t, frame.Response(req.Destination, req.RequestID, out))
	res := <-pendingCall
	if res.err != nil || string(res.msg.Payload) != "match" || res.msg.OpCode != 3 {
		t.Fatalf("matching version: %+v err=%v", res.msg, res.err)
	}

	pendingCall = call()
	req = fc.read(t)
	out = envelope.Encode(envelope.Message{Version: 1, OpCode: 3, Payload: []byte("stale")})
	fc.write(t, frame.Response(req.Destination, req.RequestID, out))
	if res := <-pendingCall; !errors.Is(res.err, envelope.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", res.err)
	}
}

func TestRemoteErrorResponse(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	fut := c.SendRequest(protocol.DestSecret, []byte("get"))
	req := fc.read(t)
	fc.write(t, frame.Response(protocol.DestError, req.RequestID, []byte("secret not found")))
	_, err := waitFuture(t, fut)
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "secret not found" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestMalformedResponseFailsWaiter(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	fut := c.SendRequest(1024, []byte("q"))
	req := fc.read(t)

	// payload length field claims more bytes than the frame carries
	bad := mustMarshal(t, frame.Response(1024, req.RequestID, []byte("ab")))
	binary.BigEndian.PutUint16(bad[frame.LengthFieldLen+7:], 5)
	fc.writeRaw(t, bad)
	if _, err := waitFuture(t, fut); !errors.Is(err, frame.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	// the stream stays usable
	fut = c.SendRequest(1024, []byte("q2"))
	req = fc.read(t)
	fc.write(t, frame.Response(1024, req.RequestID, []byte("fine")))
	if resp, err := waitFuture(t, fut); err != nil || string(resp.Payload) != "fine" {
		t.Fatalf("after malformed frame: %+v err=%v", resp, err)
	}
}

func TestRequestTimeoutEvictsPending(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, func(cfg *session.Config) { cfg.RequestTimeout = 40 * time.Millisecond })
	fc := k.next(t)

	fut := c.SendRequest(1024, []byte("never answered"))
	req := fc.read(t)
	if _, err := waitFuture(t, fut); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if c.table.Len() != 0 {
		t.Fatalf("timed out entry not evicted")
	}
	// a late answer is dropped without effect
	fc.write(t, frame.Response(1024, req.RequestID, []byte("late")))
}

func TestRequestContextCancelEvictsPending(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Request(ctx, 1024, []byte("slow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	fc.read(t)
	if c.table.Len() != 0 {
		t.Fatalf("cancelled entry not evicted")
	}
}

func TestSendRequestFailsFastWhenNotConnected(t *testing.T) {
	testlog.Start(t)
	c, err := NewClient(testConfig("127.0.0.1:1"), Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	fut := c.SendRequest(1024, nil)
	select {
	case <-fut.Done():
	default:
		t.Fatalf("future should already be failed")
	}
	if _, err := fut.Result(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := c.SendRequest(1024, nil).Result(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("connect after disconnect: %v", err)
	}
	if c.Status() != session.StatusShutdown {
		t.Fatalf("status=%s", c.Status())
	}
}

func TestDisconnectFailsOutstanding(t *testing.T) {
	k := newFakeKernel(t)
	c := dialTest(t, k, nil)
	fc := k.next(t)

	fut := c.SendRequest(1024, []byte("x"))
	fc.read(t)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := waitFuture(t, fut); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := k.accepted.Load(); got != 1 {
		t.Fatalf("client reconnected after shutdown, accepted=%d", got)
	}
}

func TestConnectRejectedTokenIsNotRetried(t *testing.T) {
	testlog.Start(t)
	k := newFakeKernel(t)
	k.reject.Store(true)
	c, err := NewClient(testConfig(k.addr()), Options{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Disconnect()
	err = c.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) || !errors.Is(err, session.ErrAuthRejected) {
		t.Fatalf("expected auth rejection, got %v", err)
	}
	if got := k.accepted.Load(); got != 1 {
		t.Fatalf("rejected token retried, accepted=%d", got)
	}
	if c.Status() != session.StatusDisconnected {
		t.Fatalf("status=%s", c.Status())
	}
}

func TestConnectExhaustsAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	var dials atomic.Int32
	cfg := testConfig(addr)
	cfg.MaxConnectAttempts = 3
	c, err := NewClient(cfg, Options{Dialer: countingDialer{inner: NetDialer{Session: cfg.WithDefaults()}, n: &dials}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if got := dials.Load(); got != 3 {
		t.Fatalf("dials=%d want 3", got)
	}
}

type countingDialer struct {
	inner Dialer
	n     *atomic.Int32
}

func (d countingDialer) DialContext(ctx context.Context, ep session.Endpoint) (net.Conn, error) {
	d.n.Add(1)
	return d.inner.DialContext(ctx, ep)
}
