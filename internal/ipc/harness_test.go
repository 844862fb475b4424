package ipc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/session"
)

const harnessWait = 2 * time.Second

// fakeKernel speaks the raw wire protocol so tests control every frame.
type fakeKernel struct {
	t        *testing.T
	ln       net.Listener
	conns    chan *fakeConn
	reject   atomic.Bool
	accepted atomic.Int32

	mu  sync.Mutex
	all []*fakeConn
}

type fakeConn struct {
	nc     net.Conn
	frames chan frame.Frame
	wmu    sync.Mutex
}

func newFakeKernel(t *testing.T) *fakeKernel {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	k := &fakeKernel{t: t, ln: ln, conns: make(chan *fakeConn, 16)}
	go k.acceptLoop()
	t.Cleanup(k.close)
	return k
}

func (k *fakeKernel) addr() string {
	return k.ln.Addr().String()
}

func (k *fakeKernel) acceptLoop() {
	for {
		nc, err := k.ln.Accept()
		if err != nil {
			return
		}
		n := k.accepted.Add(1)
		go k.serve(nc, n)
	}
}

func (k *fakeKernel) serve(nc net.Conn, n int32) {
	fr, _, err := session.ReadAuthRequest(nc, frame.DefaultLimits())
	if err != nil {
		_ = nc.Close()
		return
	}
	if k.reject.Load() {
		_ = session.WriteAuthRejection(nc, fr.RequestID, "bad token")
		_ = nc.Close()
		return
	}
	resp := session.AuthResponse{ServiceName: "svc.test", ClientID: fmt.Sprintf("client-%d", n)}
	if err := session.WriteAuthResponse(nc, fr.RequestID, resp); err != nil {
		_ = nc.Close()
		return
	}
	fc := &fakeConn{nc: nc, frames: make(chan frame.Frame, 256)}
	k.mu.Lock()
	k.all = append(k.all, fc)
	k.mu.Unlock()
	k.conns <- fc
	for {
		in, err := frame.ReadFrame(nc, frame.DefaultLimits())
		if err != nil {
			if frame.IsRecoverable(err) {
				continue
			}
			close(fc.frames)
			return
		}
		fc.frames <- in
	}
}

func (k *fakeKernel) close() {
	_ = k.ln.Close()
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, fc := range k.all {
		_ = fc.nc.Close()
	}
}

// next waits for the next authenticated connection.
func (k *fakeKernel) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-k.conns:
		return fc
	case <-time.After(harnessWait):
		t.Fatalf("no client connection within %s", harnessWait)
		return nil
	}
}

func (fc *fakeConn) read(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case fr, ok := <-fc.frames:
		if !ok {
			t.Fatalf("connection closed while waiting for a frame")
		}
		return fr
	case <-time.After(harnessWait):
		t.Fatalf("no frame within %s", harnessWait)
		return frame.Frame{}
	}
}

func (fc *fakeConn) write(t *testing.T, fr frame.Frame) {
	t.Helper()
	fc.writeRaw(t, mustMarshal(t, fr))
}

func (fc *fakeConn) writeRaw(t *testing.T, b []byte) {
	t.Helper()
	fc.wmu.Lock()
	defer fc.wmu.Unlock()
	if _, err := fc.nc.Write(b); err != nil {
		t.Fatalf("harness write: %v", err)
	}
}

func mustMarshal(t *testing.T, fr frame.Frame) []byte {
	t.Helper()
	b, err := frame.Marshal(fr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func testConfig(addr string) session.Config {
	return session.Config{
		Address:            addr,
		Token:              "tok",
		MaxConnectAttempts: 5,
		HandlerWorkers:     4,
		Backoff: session.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   1,
			MaxDelay:     5 * time.Millisecond,
		},
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(harnessWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
