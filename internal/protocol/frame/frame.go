package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// Version is the only frame protocol version this codec speaks.
	Version uint8 = 1
	// MaxVersion is the largest version that fits next to the type bit.
	MaxVersion uint8 = 0x7F

	HeaderLen      = 9
	LengthFieldLen = 4
	MaxPayloadLen  = math.MaxUint16
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrShortLengthField   = errors.New("frame: short length field")
	ErrLengthMismatch     = errors.New("frame: payload length mismatch")
	ErrFrameTooLarge      = errors.New("frame: frame too large")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrInvalidType        = errors.New("frame: invalid type")
	ErrInvalidVersion     = errors.New("frame: invalid version")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
)

// Type distinguishes requests from responses on the wire.
type Type uint8

const (
	TypeRequest  Type = 0
	TypeResponse Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Destination identifies the logical service a frame is addressed to.
type Destination uint16

// Frame is one complete wire message.
type Frame struct {
	Version     uint8
	Type        Type
	Destination Destination
	RequestID   uint32
	Payload     []byte
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: HeaderLen + MaxPayloadLen}
}

// Request builds a version-1 request frame.
func Request(dest Destination, requestID uint32, payload []byte) Frame {
	return Frame{Version: Version, Type: TypeRequest, Destination: dest, RequestID: requestID, Payload: payload}
}

// Response builds a version-1 response frame.
func Response(dest Destination, requestID uint32, payload []byte) Frame {
	return Frame{Version: Version, Type: TypeResponse, Destination: dest, RequestID: requestID, Payload: payload}
}

func (f Frame) IsResponse() bool {
	return f.Type == TypeResponse
}

// Encode serializes f into its inner form (header + payload) without the
// outer length prefix.
func Encode(f Frame) ([]byte, error) {
	if f.Version == 0 || f.Version > MaxVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, f.Version)
	}
	if f.Type != TypeRequest && f.Type != TypeResponse {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, f.Type)
	}
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	buf[0] = f.Version<<1 | uint8(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(f.Destination))
	binary.BigEndian.PutUint32(buf[3:7], f.RequestID)
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// Decode parses one inner frame. b must hold exactly one frame as delimited
// by the outer length prefix. Once the header is readable, errors return the
// header fields so the receiver can still correlate the frame.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	f := Frame{
		Version:     b[0] >> 1,
		Type:        Type(b[0] & 0x01),
		Destination: Destination(binary.BigEndian.Uint16(b[1:3])),
		RequestID:   binary.BigEndian.Uint32(b[3:7]),
	}
	payloadLen := int(binary.BigEndian.Uint16(b[7:9]))
	if payloadLen != len(b)-HeaderLen {
		return f, fmt.Errorf("%w: declared=%d available=%d", ErrLengthMismatch, payloadLen, len(b)-HeaderLen)
	}
	if f.Version != Version {
		return f, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, b[HeaderLen:])
	return f, nil
}

// Marshal returns the length-prefixed wire bytes for f.
func Marshal(f Frame) ([]byte, error) {
	inner, err := Encode(f)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, LengthFieldLen+len(inner))
	binary.BigEndian.PutUint32(buf[:LengthFieldLen], uint32(len(inner)))
	copy(buf[LengthFieldLen:], inner)
	return buf, nil
}

func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadRaw reads one length-delimited chunk from r. Errors from ReadRaw leave
// the stream position undefined and are fatal for the connection.
func ReadRaw(r io.Reader, limits Limits) ([]byte, error) {
	var lenBuf [LengthFieldLen]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortLengthField
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if limits.MaxFrameBytes > 0 && n > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limits.MaxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReadFrame reads and decodes one frame. A decode error is returned as a
// *DecodeError so callers can drop the frame and keep reading.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	raw, err := ReadRaw(r, limits)
	if err != nil {
		return Frame{}, err
	}
	f, err := Decode(raw)
	if err != nil {
		return f, &DecodeError{Err: err, Frame: f}
	}
	return f, nil
}

// DecodeError reports a frame that was delimited correctly but could not be
// decoded. The stream is still aligned after a DecodeError.
type DecodeError struct {
	Err   error
	Frame Frame
}

func (e *DecodeError) Error() string {
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err left the stream aligned on a frame boundary.
func IsRecoverable(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
