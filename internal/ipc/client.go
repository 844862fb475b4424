package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/pending"
	"github.com/danmuck/edgeipc/internal/protocol/session"
	"github.com/danmuck/edgeipc/internal/workers"
)

// Options carries the collaborators a Client uses. Zero values select
// defaults: the "ipc.client" logger, no metrics and NetDialer.
type Options struct {
	Logger  Logger
	Metrics *observability.IPCMetrics
	Dialer  Dialer
}

// ReconnectHook runs after every successful connect. Hooks must be idempotent.
type ReconnectHook func(ctx context.Context) error

type identity struct {
	serviceName string
	clientID    string
}

type Client struct {
	cfg      session.Config
	endpoint session.Endpoint
	limits   frame.Limits
	log      Logger
	metrics  *observability.IPCMetrics
	dialer   Dialer
	backoff  *session.Backoff

	table *pending.Table
	pool  *workers.Pool[frame.Destination]

	status atomic.Int32
	sess   atomic.Pointer[conn]
	ident  atomic.Pointer[identity]
	gen    atomic.Uint64
	authID atomic.Uint32

	connectMu sync.Mutex
	flight    singleflight.Group

	handlersMu sync.RWMutex
	handlers   map[frame.Destination]Handler

	hooksMu sync.Mutex
	hooks   []ReconnectHook

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewClient validates cfg and prepares a client without connecting.
func NewClient(cfg session.Config, opts Options) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ep, err := session.ParseEndpoint(cfg.Address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		endpoint: ep,
		limits:   frame.Limits{MaxFrameBytes: cfg.MaxFrameBytes},
		log:      opts.Logger,
		metrics:  opts.Metrics,
		dialer:   opts.Dialer,
		backoff:  session.NewBackoff(cfg.Backoff),
		table:    pending.New(),
		handlers: make(map[frame.Destination]Handler),
	}
	if c.log == nil {
		c.log = defaultLogger()
	}
	if c.dialer == nil {
		c.dialer = NetDialer{Session: cfg}
	}
	c.pool = workers.New[frame.Destination](cfg.HandlerWorkers, cfg.HandlerBacklog, func(v any) {
		c.log.Errorf("ipc.Client handler panic escaped recovery value=%v", v)
	})
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	c.status.Store(int32(session.StatusDisconnected))
	if cfg.RequestTimeout > 0 || c.metrics != nil {
		go c.janitor()
	}
	return c, nil
}

// Dial builds a client and connects it.
func Dial(ctx context.Context, cfg session.Config, opts Options) (*Client, error) {
	c, err := NewClient(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	return c, nil
}

func (c *Client) Status() session.Status {
	return session.Status(c.status.Load())
}

func (c *Client) IsConnected() bool {
	return c.Status() == session.StatusConnected
}

// ServiceName is the name the kernel assigned in the last handshake.
func (c *Client) ServiceName() string {
	if id := c.ident.Load(); id != nil {
		return id.serviceName
	}
	return ""
}

// ClientID is the id the kernel assigned in the last handshake.
func (c *Client) ClientID() string {
	if id := c.ident.Load(); id != nil {
		return id.clientID
	}
	return ""
}

// setStatus never leaves Shutdown.
func (c *Client) setStatus(next session.Status) bool {
	for {
		cur := c.status.Load()
		if session.Status(cur) == session.StatusShutdown {
			return false
		}
		if c.status.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// OnReconnect appends a hook run after every successful connect.
func (c *Client) OnReconnect(hook ReconnectHook) {
	if hook == nil {
		return
	}
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, hook)
	c.hooksMu.Unlock()
}

// Connect blocks until the client is connected and authenticated, or the
// attempt budget is spent. It is a no-op on a live session.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

// Reconnect is Connect shared between concurrent callers: every caller that
// arrives while an attempt runs gets that attempt's result.
func (c *Client) Reconnect(ctx context.Context) error {
	_, err, _ := c.flight.Do("connect", func() (any, error) {
		return nil, c.Connect(ctx)
	})
	return err
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.Status() == session.StatusShutdown {
		return ErrShutdown
	}
	if s := c.sess.Load(); s != nil && !s.closed() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifeCtx, cancel)
	defer stop()

	for attempt := 1; ; attempt++ {
		if !c.setStatus(session.StatusConnecting) {
			return ErrShutdown
		}
		s, err := c.connectOnce(ctx)
		if err == nil {
			if err := c.install(s); err != nil {
				return err
			}
			c.metrics.RecordConnect(true)
			c.log.Infof("ipc.Client connected addr=%q service=%q client_id=%q gen=%d attempt=%d", c.endpoint.String(), s.serviceName, s.clientID, s.gen, attempt)
			c.runHooks(ctx)
			return nil
		}
		c.metrics.RecordConnect(false)
		c.log.Warnf("ipc.Client connect attempt=%d addr=%q err=%v", attempt, c.endpoint.String(), err)
		if c.Status() == session.StatusShutdown || c.lifeCtx.Err() != nil {
			return ErrShutdown
		}
		if errors.Is(err, session.ErrAuthRejected) || attempt >= c.cfg.MaxConnectAttempts {
			c.setStatus(session.StatusDisconnected)
			return fmt.Errorf("%w: attempts=%d: %w", ErrConnectFailed, attempt, err)
		}
		if werr := c.backoff.Wait(ctx, attempt); werr != nil {
			c.setStatus(session.StatusDisconnected)
			if c.lifeCtx.Err() != nil {
				return ErrShutdown
			}
			return werr
		}
	}
}

// connectOnce dials and authenticates one socket.
func (c *Client) connectOnce(ctx context.Context) (*conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	nc, err := c.dialer.DialContext(dialCtx, c.endpoint)
	if err != nil {
		return nil, err
	}
	if !c.setStatus(session.StatusAuthenticating) {
		_ = nc.Close()
		return nil, ErrShutdown
	}
	s, err := c.authenticate(nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return s, nil
}

// authenticate runs the handshake before any goroutine owns nc. The buffered
// reader is handed to the dispatch loop so no read-ahead is lost.
func (c *Client) authenticate(nc net.Conn) (*conn, error) {
	_ = nc.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	reader := bufio.NewReader(nc)
	resp, err := session.ClientHandshake(handshakeRW{Reader: reader, Writer: nc}, c.authID.Add(1), session.AuthRequest{
		Token:         c.cfg.Token,
		ClientVersion: c.cfg.ClientVersion,
	}, c.limits)
	if err != nil {
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return newConn(c.gen.Add(1), nc, reader, resp.ServiceName, resp.ClientID, c.cfg.WriteQueueSize), nil
}

type handshakeRW struct {
	io.Reader
	io.Writer
}

// install publishes s and starts its goroutines.
func (c *Client) install(s *conn) error {
	c.sess.Store(s)
	c.ident.Store(&identity{serviceName: s.serviceName, clientID: s.clientID})
	if !c.setStatus(session.StatusConnected) {
		s.close(ErrShutdown)
		close(s.loopDone)
		return ErrShutdown
	}
	go c.writeLoop(s)
	go c.readLoop(s)
	return nil
}

func (c *Client) runHooks(ctx context.Context) {
	c.hooksMu.Lock()
	hooks := append([]ReconnectHook(nil), c.hooks...)
	c.hooksMu.Unlock()
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			c.log.Warnf("ipc.Client reconnect hook index=%d err=%v", i, err)
		}
	}
}

// Disconnect shuts the client down permanently. Outstanding requests fail
// with ErrShutdown.
func (c *Client) Disconnect() error {
	prev := session.Status(c.status.Swap(int32(session.StatusShutdown)))
	if prev == session.StatusShutdown {
		return nil
	}
	c.lifeCancel()
	if s := c.sess.Load(); s != nil {
		s.close(ErrShutdown)
		<-s.loopDone
	}
	n := c.table.FailAll(ErrShutdown)
	c.pool.Stop()
	c.metrics.SetPending(0)
	c.log.Infof("ipc.Client disconnected addr=%q failed_pending=%d", c.endpoint.String(), n)
	return nil
}

// janitor expires timed-out requests and samples the pending gauge.
func (c *Client) janitor() {
	interval := time.Second
	if ttl := c.cfg.RequestTimeout; ttl > 0 {
		interval = min(max(ttl/4, 10*time.Millisecond), time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case now := <-ticker.C:
			if n := c.table.Expire(now, c.cfg.RequestTimeout); n > 0 {
				c.log.Warnf("ipc.Client expired requests=%d timeout=%s", n, c.cfg.RequestTimeout)
			}
			c.metrics.SetPending(c.table.Len())
		}
	}
}
