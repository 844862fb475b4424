package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeipc/internal/auth"
	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/pending"
	"github.com/danmuck/edgeipc/internal/workers"
)

var (
	ErrServerClosed   = errors.New("kernel: server closed")
	ErrUnknownClient  = errors.New("kernel: unknown client")
	ErrClientGone     = errors.New("kernel: client disconnected")
	ErrHandlerExists  = errors.New("kernel: handler already registered")
	ErrNilHandler     = errors.New("kernel: nil handler")
	ErrNoAuthenticate = errors.New("kernel: authenticator required")
)

// Call is one request a client sent to the kernel.
type Call struct {
	ClientID    string
	ServiceName string
	Destination frame.Destination
	RequestID   uint32
	Payload     []byte
}

// Handler answers a client request. An error is returned to the client as an
// Error response.
type Handler func(ctx context.Context, call Call) ([]byte, error)

// ClientInfo describes an attached client.
type ClientInfo struct {
	ID          string
	ServiceName string
	RemoteAddr  string
	ConnectedAt time.Time
}

type Server struct {
	cfg ServerConfig
	log Logger

	limits frame.Limits
	ids    *idSource
	table  *pending.Table
	pool   *workers.Pool[frame.Destination]
	gen    atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[frame.Destination]Handler

	clientsMu sync.RWMutex
	clients   map[string]*clientConn

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	connWG    sync.WaitGroup
}

func NewServer(cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Authenticator == nil {
		return nil, ErrNoAuthenticate
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		limits:   frame.Limits{MaxFrameBytes: cfg.Session.MaxFrameBytes},
		ids:      newIDSource(),
		table:    pending.New(),
		handlers: make(map[frame.Destination]Handler),
		clients:  make(map[string]*clientConn),
		done:     make(chan struct{}),
	}
	s.pool = workers.New[frame.Destination](cfg.HandlerWorkers, cfg.Session.HandlerBacklog, func(v any) {
		s.log.Errorf("kernel handler panic escaped recovery value=%v", v)
	})
	return s, nil
}

// RegisterHandler binds h to dest. A destination holds at most one handler.
func (s *Server) RegisterHandler(dest frame.Destination, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if err := protocol.ValidateHandlerDestination(dest); err != nil {
		return err
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, ok := s.handlers[dest]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, protocol.Name(dest))
	}
	s.handlers[dest] = h
	return nil
}

func (s *Server) handler(dest frame.Destination) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[dest]
	return h, ok
}

// ListenAndServe listens on the configured endpoint and serves until ctx ends
// or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Infof("kernel listening addr=%q", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln. It returns nil after ctx ends or Close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.closed.Load() {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer ln.Close()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(nc)
		}()
	}
}

// Clients returns the attached clients ordered by id.
func (s *Server) Clients() []ClientInfo {
	s.clientsMu.RLock()
	out := make([]ClientInfo, 0, len(s.clients))
	for _, cc := range s.clients {
		out = append(out, cc.info)
	}
	s.clientsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Disconnect force-closes a client connection.
func (s *Server) Disconnect(clientID string) bool {
	cc, ok := s.client(clientID)
	if !ok {
		return false
	}
	cc.close(ErrClientGone)
	return true
}

func (s *Server) client(id string) (*clientConn, bool) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	cc, ok := s.clients[id]
	return cc, ok
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) attach(cc *clientConn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[cc.info.ID] = cc
}

func (s *Server) detach(cc *clientConn) int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if cur, ok := s.clients[cc.info.ID]; ok && cur == cc {
		delete(s.clients, cc.info.ID)
	}
	return len(s.clients)
}

// Close stops accepting, closes every client and waits for their goroutines.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.clientsMu.RLock()
		for _, cc := range s.clients {
			cc.close(ErrServerClosed)
		}
		s.clientsMu.RUnlock()
		s.pool.Stop()
		s.connWG.Wait()
		s.table.FailAll(ErrServerClosed)
	})
	return nil
}

func (s *Server) authenticate(token string) (auth.Identity, error) {
	return s.cfg.Authenticator.Authenticate(token)
}
