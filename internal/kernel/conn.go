package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/session"
	"github.com/danmuck/edgeipc/internal/workers"
)

var errWriteQueueFull = errors.New("kernel: write queue full")

type outbound struct {
	frame   frame.Frame
	tracked bool
}

// clientConn is one authenticated client. gen tags kernel-initiated requests
// so they fail when this connection goes away.
type clientConn struct {
	info   ClientInfo
	gen    uint64
	nc     net.Conn
	writes chan outbound
	done   chan struct{}

	closeOnce sync.Once
}

func (cc *clientConn) close(error) {
	cc.closeOnce.Do(func() {
		close(cc.done)
		_ = cc.nc.Close()
	})
}

func (cc *clientConn) tryEnqueue(out outbound) error {
	select {
	case <-cc.done:
		return ErrClientGone
	default:
	}
	select {
	case cc.writes <- out:
		return nil
	case <-cc.done:
		return ErrClientGone
	default:
		return fmt.Errorf("%w: client %s", errWriteQueueFull, cc.info.ID)
	}
}

func (cc *clientConn) enqueue(out outbound) error {
	select {
	case cc.writes <- out:
		return nil
	case <-cc.done:
		return ErrClientGone
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	if s.closed.Load() {
		return
	}
	remote := nc.RemoteAddr().String()
	reader := bufio.NewReader(nc)

	cc, err := s.handshake(nc, reader)
	if err != nil {
		s.log.Warnf("kernel handshake remote=%q err=%v", remote, err)
		return
	}
	active := s.clientCount()
	s.cfg.Metrics.SetClients(active)
	s.log.Infof("kernel client connected id=%s service=%q remote=%q active_clients=%d", cc.info.ID, cc.info.ServiceName, remote, active)
	if s.closed.Load() {
		cc.close(ErrServerClosed)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(cc)
	}()

	err = s.readLoop(cc, reader)
	cc.close(err)
	<-writerDone

	remaining := s.detach(cc)
	s.cfg.Metrics.SetClients(remaining)
	failed := s.table.FailGeneration(cc.gen, fmt.Errorf("%w: %s", ErrClientGone, cc.info.ID))
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.log.Infof("kernel client disconnected id=%s active_clients=%d failed_pending=%d", cc.info.ID, remaining, failed)
		return
	}
	s.log.Warnf("kernel client dropped id=%s active_clients=%d failed_pending=%d err=%v", cc.info.ID, remaining, failed, err)
}

// handshake authenticates the first frame, registers the client and answers.
// Rejected clients get an Error response before the connection closes.
func (s *Server) handshake(nc net.Conn, reader *bufio.Reader) (*clientConn, error) {
	_ = nc.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	fr, req, err := session.ReadAuthRequest(reader, s.limits)
	if err != nil {
		if errors.Is(err, session.ErrUnexpectedHandshake) || errors.Is(err, session.ErrInvalidAuthRequest) {
			_ = session.WriteAuthRejection(nc, fr.RequestID, err.Error())
		}
		return nil, err
	}
	ident, err := s.authenticate(req.Token)
	if err != nil {
		_ = session.WriteAuthRejection(nc, fr.RequestID, "authentication failed")
		return nil, err
	}
	now := time.Now()
	cc := &clientConn{
		info: ClientInfo{
			ID:          s.ids.next(now),
			ServiceName: ident.ServiceName,
			RemoteAddr:  nc.RemoteAddr().String(),
			ConnectedAt: now,
		},
		gen:    s.gen.Add(1),
		nc:     nc,
		writes: make(chan outbound, s.cfg.Session.WriteQueueSize),
		done:   make(chan struct{}),
	}
	// attach before answering so the id is routable once the client sees it
	s.attach(cc)
	resp := session.AuthResponse{ServiceName: cc.info.ServiceName, ClientID: cc.info.ID}
	if err := session.WriteAuthResponse(nc, fr.RequestID, resp); err != nil {
		s.detach(cc)
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return cc, nil
}

func (s *Server) writeLoop(cc *clientConn) {
	w := bufio.NewWriter(cc.nc)
	for {
		select {
		case out := <-cc.writes:
			if s.cfg.Session.WriteTimeout > 0 {
				_ = cc.nc.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
			}
			err := frame.WriteFrame(w, out.frame)
			if err == nil && len(cc.writes) == 0 {
				err = w.Flush()
			}
			if err != nil {
				if out.tracked {
					s.table.Fail(out.frame.RequestID, err)
				}
				s.log.Warnf("kernel write id=%s request_id=%d err=%v", cc.info.ID, out.frame.RequestID, err)
				cc.close(err)
				return
			}
		case <-cc.done:
			return
		}
	}
}

func (s *Server) readLoop(cc *clientConn, reader *bufio.Reader) error {
	for {
		fr, err := frame.ReadFrame(reader, s.limits)
		if err != nil {
			if frame.IsRecoverable(err) {
				s.cfg.Metrics.RecordDroppedFrame("decode")
				if fr.IsResponse() {
					s.table.Fail(fr.RequestID, fmt.Errorf("kernel: malformed response: %w", err))
				}
				s.log.Warnf("kernel dropped malformed frame id=%s request_id=%d err=%v", cc.info.ID, fr.RequestID, err)
				continue
			}
			return err
		}
		if fr.IsResponse() {
			s.deliverResponse(cc, fr)
			continue
		}
		s.dispatch(cc, fr)
	}
}

func (s *Server) deliverResponse(cc *clientConn, fr frame.Frame) {
	var ok bool
	if fr.Destination == protocol.DestError {
		ok = s.table.Fail(fr.RequestID, &protocol.RemoteError{Message: string(fr.Payload)})
	} else {
		ok = s.table.Resolve(fr.RequestID, fr)
	}
	if !ok {
		s.cfg.Metrics.RecordDroppedFrame("unknown_request_id")
		s.log.Debugf("kernel response for unknown request id=%s request_id=%d", cc.info.ID, fr.RequestID)
	}
}

func (s *Server) dispatch(cc *clientConn, fr frame.Frame) {
	h, ok := s.handler(fr.Destination)
	if !ok {
		s.cfg.Metrics.RecordDroppedFrame("unknown_destination")
		reason := fmt.Sprintf("unknown destination %d", fr.Destination)
		if fr.Destination == protocol.DestAuthentication {
			reason = "already authenticated"
		}
		s.replyError(cc, fr.RequestID, reason)
		return
	}
	call := Call{
		ClientID:    cc.info.ID,
		ServiceName: cc.info.ServiceName,
		Destination: fr.Destination,
		RequestID:   fr.RequestID,
		Payload:     fr.Payload,
	}
	if err := s.pool.Go(fr.Destination, func(ctx context.Context) { s.invoke(ctx, cc, h, call) }); err != nil {
		s.cfg.Metrics.RecordDroppedFrame("handler_unavailable")
		s.log.Warnf("kernel handler not scheduled id=%s dest=%d err=%v", cc.info.ID, fr.Destination, err)
		s.replyError(cc, fr.RequestID, fmt.Sprintf("destination %d unavailable: %v", fr.Destination, err))
	}
}

// replyError queues an Error-destination response without blocking the read
// loop; a full queue hands the reply to its own goroutine.
func (s *Server) replyError(cc *clientConn, requestID uint32, reason string) {
	out := outbound{frame: frame.Response(protocol.DestError, requestID, []byte(reason))}
	err := cc.tryEnqueue(out)
	if errors.Is(err, errWriteQueueFull) {
		go func() { _ = cc.enqueue(out) }()
		return
	}
	if err != nil {
		s.log.Warnf("kernel error reply id=%s request_id=%d err=%v", cc.info.ID, requestID, err)
	}
}

func (s *Server) invoke(ctx context.Context, cc *clientConn, h Handler, call Call) {
	payload, err := runHandler(ctx, h, call)
	if err == nil && len(payload) > frame.MaxPayloadLen {
		err = fmt.Errorf("%w: %d", frame.ErrPayloadTooLarge, len(payload))
	}
	s.cfg.Metrics.RecordHandler(uint16(call.Destination), err == nil)
	reply := frame.Response(call.Destination, call.RequestID, payload)
	if err != nil {
		s.log.Warnf("kernel handler id=%s dest=%d request_id=%d err=%v", call.ClientID, call.Destination, call.RequestID, err)
		msg := []byte(err.Error())
		if len(msg) > frame.MaxPayloadLen {
			msg = msg[:frame.MaxPayloadLen]
		}
		reply = frame.Response(protocol.DestError, call.RequestID, msg)
	}
	_ = cc.enqueue(outbound{frame: reply})
}

func runHandler(ctx context.Context, h Handler, call Call) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload, err = nil, &workers.PanicError{Value: r}
		}
	}()
	return h(ctx, call)
}
