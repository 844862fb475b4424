package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
)

const (
	// HandshakeVersion is the envelope version of authentication payloads.
	HandshakeVersion uint8 = 1
	OpAuthenticate   uint8 = 1
)

var (
	ErrInvalidAuthRequest   = errors.New("session: invalid auth request")
	ErrInvalidAuthResponse  = errors.New("session: invalid auth response")
	ErrAuthRejected         = errors.New("session: authentication rejected")
	ErrUnexpectedHandshake  = errors.New("session: unexpected handshake frame")
	ErrHandshakeMessageSize = errors.New("session: handshake message too large")
)

// AuthRequest is the first request a client sends on a new connection.
type AuthRequest struct {
	Token         string `json:"token"`
	ClientVersion string `json:"client_version,omitempty"`
}

func (r AuthRequest) Validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidAuthRequest)
	}
	return nil
}

// AuthResponse carries the identity the kernel assigned to the client.
type AuthResponse struct {
	ServiceName string `json:"service_name"`
	ClientID    string `json:"client_id"`
}

func (r AuthResponse) Validate() error {
	if strings.TrimSpace(r.ServiceName) == "" {
		return fmt.Errorf("%w: missing service_name", ErrInvalidAuthResponse)
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidAuthResponse)
	}
	return nil
}

func EncodeAuthRequest(req AuthRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return encodeControl(req)
}

func DecodeAuthRequest(b []byte) (AuthRequest, error) {
	var req AuthRequest
	if err := decodeControl(b, &req); err != nil {
		return AuthRequest{}, fmt.Errorf("%w: %v", ErrInvalidAuthRequest, err)
	}
	if err := req.Validate(); err != nil {
		return AuthRequest{}, err
	}
	return req, nil
}

func EncodeAuthResponse(resp AuthResponse) ([]byte, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return encodeControl(resp)
}

func DecodeAuthResponse(b []byte) (AuthResponse, error) {
	var resp AuthResponse
	if err := decodeControl(b, &resp); err != nil {
		return AuthResponse{}, fmt.Errorf("%w: %v", ErrInvalidAuthResponse, err)
	}
	if err := resp.Validate(); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// ClientHandshake writes the authentication request and reads its response
// from rw. It must run before the dispatch loop owns the connection.
func ClientHandshake(rw io.ReadWriter, requestID uint32, req AuthRequest, limits frame.Limits) (AuthResponse, error) {
	payload, err := EncodeAuthRequest(req)
	if err != nil {
		return AuthResponse{}, err
	}
	if err := frame.WriteFrame(rw, frame.Request(protocol.DestAuthentication, requestID, payload)); err != nil {
		return AuthResponse{}, err
	}
	fr, err := frame.ReadFrame(rw, limits)
	if err != nil {
		return AuthResponse{}, err
	}
	if !fr.IsResponse() || fr.RequestID != requestID {
		return AuthResponse{}, fmt.Errorf("%w: type=%s request_id=%d", ErrUnexpectedHandshake, fr.Type, fr.RequestID)
	}
	switch fr.Destination {
	case protocol.DestAuthentication:
		return DecodeAuthResponse(fr.Payload)
	case protocol.DestError:
		return AuthResponse{}, fmt.Errorf("%w: %s", ErrAuthRejected, string(fr.Payload))
	default:
		return AuthResponse{}, fmt.Errorf("%w: destination=%s", ErrUnexpectedHandshake, protocol.Name(fr.Destination))
	}
}

// ReadAuthRequest reads the first frame of a server-side connection.
func ReadAuthRequest(r io.Reader, limits frame.Limits) (frame.Frame, AuthRequest, error) {
	fr, err := frame.ReadFrame(r, limits)
	if err != nil {
		return fr, AuthRequest{}, err
	}
	if fr.IsResponse() || fr.Destination != protocol.DestAuthentication {
		return fr, AuthRequest{}, fmt.Errorf("%w: type=%s destination=%s", ErrUnexpectedHandshake, fr.Type, protocol.Name(fr.Destination))
	}
	req, err := DecodeAuthRequest(fr.Payload)
	return fr, req, err
}

func WriteAuthResponse(w io.Writer, requestID uint32, resp AuthResponse) error {
	payload, err := EncodeAuthResponse(resp)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, frame.Response(protocol.DestAuthentication, requestID, payload))
}

func WriteAuthRejection(w io.Writer, requestID uint32, reason string) error {
	return frame.WriteFrame(w, frame.Response(protocol.DestError, requestID, []byte(reason)))
}

func encodeControl(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body)+envelope.HeaderLen > frame.MaxPayloadLen {
		return nil, ErrHandshakeMessageSize
	}
	return envelope.Encode(envelope.Message{Version: HandshakeVersion, OpCode: OpAuthenticate, Payload: body}), nil
}

func decodeControl(b []byte, out any) error {
	msg, err := envelope.DecodeResponse(envelope.Message{Version: HandshakeVersion}, b)
	if err != nil {
		return err
	}
	if msg.OpCode != OpAuthenticate {
		return fmt.Errorf("unexpected opcode %d", msg.OpCode)
	}
	return json.Unmarshal(msg.Payload, out)
}
