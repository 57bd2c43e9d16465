package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame layout: a fixed 13-byte header followed by the payload.
//
//	bytes 0..3   payload length, big endian
//	bytes 4..11  request identifier, big endian
//	byte  12     frame kind
const HeaderSize = 13

// DefaultMaxPayload bounds the payload size accepted from a peer.
const DefaultMaxPayload = 10 * 1024 * 1024

// Kind discriminates the frame types on the wire.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindPing
	KindPong
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

var (
	// ErrNeedMoreData is returned by ParseFrame when the buffer does not yet
	// hold a complete frame. No input is consumed.
	ErrNeedMoreData = errors.New("protocol: need more data")
	// ErrFrameTooLarge is returned when a frame declares a payload larger
	// than the configured maximum. The declared size is never allocated.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max payload size")
	// ErrUnknownKind is returned for a frame with an unrecognized kind byte.
	ErrUnknownKind = errors.New("protocol: unknown frame kind")
)

// Frame is one length-delimited unit of the wire protocol.
type Frame struct {
	ID      uint64
	Kind    Kind
	Payload []byte
}

// Codec encodes and decodes frames with a configured payload bound.
type Codec struct {
	maxPayload uint32
}

// NewCodec creates a codec. maxPayload <= 0 selects DefaultMaxPayload.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{maxPayload: uint32(maxPayload)}
}

// MaxPayload returns the configured payload bound.
func (c *Codec) MaxPayload() int {
	return int(c.maxPayload)
}

// EncodeFrame serializes a frame into a fresh byte slice.
func (c *Codec) EncodeFrame(f *Frame) ([]byte, error) {
	if len(f.Payload) > int(c.maxPayload) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.Payload), c.maxPayload)
	}
	if f.Kind < KindRequest || f.Kind > KindPong {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, f.Kind)
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[4:12], f.ID)
	buf[12] = byte(f.Kind)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// ParseFrame decodes one frame from the front of buf without consuming input
// on a short read. It returns the frame and the number of bytes it occupies,
// ErrNeedMoreData when buf holds less than a full frame, or ErrFrameTooLarge
// when the header declares a payload beyond the configured maximum. The
// oversize check happens before any payload allocation.
func (c *Codec) ParseFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}

	size := binary.BigEndian.Uint32(buf[0:4])
	if size > c.maxPayload {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxPayload)
	}

	total := HeaderSize + int(size)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	kind := Kind(buf[12])
	if kind < KindRequest || kind > KindPong {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownKind, buf[12])
	}

	payload := make([]byte, size)
	copy(payload, buf[HeaderSize:total])

	return &Frame{
		ID:      binary.BigEndian.Uint64(buf[4:12]),
		Kind:    kind,
		Payload: payload,
	}, total, nil
}

// ReadFrame reads exactly one frame from r, blocking until the frame is
// complete or r fails. A declared payload beyond the configured maximum
// fails before allocation.
func (c *Codec) ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[0:4])
	if size > c.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxPayload)
	}

	kind := Kind(header[12])
	if kind < KindRequest || kind > KindPong {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, header[12])
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	return &Frame{
		ID:      binary.BigEndian.Uint64(header[4:12]),
		Kind:    kind,
		Payload: payload,
	}, nil
}

// WriteFrame serializes f and writes it to w in one call.
func (c *Codec) WriteFrame(w io.Writer, f *Frame) error {
	buf, err := c.EncodeFrame(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// SendRequest encodes req and writes it as a request frame carrying id.
func (c *Codec) SendRequest(w io.Writer, id uint64, req *Request) error {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}
	return c.WriteFrame(w, &Frame{ID: id, Kind: KindRequest, Payload: payload})
}

// ReceiveResponse reads one response frame and decodes its payload. The
// returned id is the identifier echoed by the peer.
func (c *Codec) ReceiveResponse(r io.Reader) (*Response, uint64, error) {
	frame, err := c.ReadFrame(r)
	if err != nil {
		return nil, 0, err
	}
	if frame.Kind != KindResponse {
		return nil, frame.ID, fmt.Errorf("expected response frame, got %s", frame.Kind)
	}

	var resp Response
	if err := msgpack.Unmarshal(frame.Payload, &resp); err != nil {
		return nil, frame.ID, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return &resp, frame.ID, nil
}

// ReceiveRequest reads one request frame and decodes its payload. Used by
// in-process worker stand-ins during tests.
func (c *Codec) ReceiveRequest(r io.Reader) (*Request, uint64, error) {
	frame, err := c.ReadFrame(r)
	if err != nil {
		return nil, 0, err
	}
	if frame.Kind != KindRequest {
		return nil, frame.ID, fmt.Errorf("expected request frame, got %s", frame.Kind)
	}

	var req Request
	if err := msgpack.Unmarshal(frame.Payload, &req); err != nil {
		return nil, frame.ID, fmt.Errorf("failed to deserialize request: %w", err)
	}
	return &req, frame.ID, nil
}

// DecodeRequest decodes the payload of an already-read request frame. Useful
// when a reader dispatches on frame kind before decoding.
func DecodeRequest(frame *Frame) (*Request, error) {
	if frame.Kind != KindRequest {
		return nil, fmt.Errorf("expected request frame, got %s", frame.Kind)
	}
	var req Request
	if err := msgpack.Unmarshal(frame.Payload, &req); err != nil {
		return nil, fmt.Errorf("failed to deserialize request: %w", err)
	}
	return &req, nil
}

// SendResponse encodes resp and writes it as a response frame echoing id.
func (c *Codec) SendResponse(w io.Writer, id uint64, resp *Response) error {
	payload, err := msgpack.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return c.WriteFrame(w, &Frame{ID: id, Kind: KindResponse, Payload: payload})
}

// SendPing writes a liveness probe frame carrying id.
func (c *Codec) SendPing(w io.Writer, id uint64) error {
	return c.WriteFrame(w, &Frame{ID: id, Kind: KindPing})
}

// SendPong writes a probe acknowledgement echoing id.
func (c *Codec) SendPong(w io.Writer, id uint64) error {
	return c.WriteFrame(w, &Frame{ID: id, Kind: KindPong})
}
