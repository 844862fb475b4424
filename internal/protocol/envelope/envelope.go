// Package envelope implements the application layer carried inside a frame
// payload: one version byte, one opcode byte, then the opaque payload.
package envelope

import (
	"errors"
	"fmt"
)

const HeaderLen = 2

var (
	ErrShortEnvelope   = errors.New("envelope: short envelope")
	ErrVersionMismatch = errors.New("envelope: version mismatch")
)

// Message is one decoded application envelope.
type Message struct {
	Version uint8
	OpCode  uint8
	Payload []byte
}

func Encode(m Message) []byte {
	buf := make([]byte, HeaderLen+len(m.Payload))
	buf[0] = m.Version
	buf[1] = m.OpCode
	copy(buf[HeaderLen:], m.Payload)
	return buf
}

func Decode(b []byte) (Message, error) {
	if len(b) < HeaderLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortEnvelope, len(b))
	}
	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])
	return Message{Version: b[0], OpCode: b[1], Payload: payload}, nil
}

// CheckResponse fails when the response was produced for a different
// application version than the request.
func CheckResponse(req, resp Message) error {
	if req.Version != resp.Version {
		return fmt.Errorf("%w: request=%d response=%d", ErrVersionMismatch, req.Version, resp.Version)
	}
	return nil
}

// DecodeResponse decodes b and validates it against req.
func DecodeResponse(req Message, b []byte) (Message, error) {
	resp, err := Decode(b)
	if err != nil {
		return Message{}, err
	}
	if err := CheckResponse(req, resp); err != nil {
		return Message{}, err
	}
	return resp, nil
}
