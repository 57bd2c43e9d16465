package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameWriteRead(t *testing.T) {
	codec := NewCodec(0)

	original := &Frame{ID: 42, Kind: KindRequest, Payload: []byte("hello workers")}

	var buf bytes.Buffer
	if err := codec.WriteFrame(&buf, original); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	if buf.Len() != HeaderSize+len(original.Payload) {
		t.Fatalf("wrong size: expected %d, got %d", HeaderSize+len(original.Payload), buf.Len())
	}

	result, err := codec.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}

	if result.ID != original.ID {
		t.Errorf("ID: expected %d, got %d", original.ID, result.ID)
	}
	if result.Kind != original.Kind {
		t.Errorf("Kind: expected %s, got %s", original.Kind, result.Kind)
	}
	if !bytes.Equal(result.Payload, original.Payload) {
		t.Errorf("payload mismatch: expected %q, got %q", original.Payload, result.Payload)
	}
}

func TestParseFrameNeedMoreData(t *testing.T) {
	codec := NewCodec(0)

	encoded, err := codec.EncodeFrame(&Frame{ID: 7, Kind: KindResponse, Payload: []byte("partial")})
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}

	// Every prefix short of the full frame must report ErrNeedMoreData
	// without consuming input.
	for cut := 0; cut < len(encoded); cut++ {
		_, consumed, err := codec.ParseFrame(encoded[:cut])
		if !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("prefix of %d bytes: expected ErrNeedMoreData, got %v", cut, err)
		}
		if consumed != 0 {
			t.Fatalf("prefix of %d bytes: consumed %d bytes on short read", cut, consumed)
		}
	}

	frame, consumed, err := codec.ParseFrame(encoded)
	if err != nil {
		t.Fatalf("full frame failed to parse: %v", err)
	}
	if consumed != len(encoded) {
		t.Errorf("expected %d bytes consumed, got %d", len(encoded), consumed)
	}
	if frame.ID != 7 || frame.Kind != KindResponse {
		t.Errorf("unexpected frame header: id=%d kind=%s", frame.ID, frame.Kind)
	}
}

func TestParseFrameTooLargeDoesNotAllocate(t *testing.T) {
	codec := NewCodec(10 * 1024 * 1024)

	// Header declaring a 50MB payload against a 10MB bound. Only the header
	// is supplied: a correct decoder must reject from the header alone.
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], 50*1024*1024)
	binary.BigEndian.PutUint64(header[4:12], 1)
	header[12] = byte(KindRequest)

	if _, _, err := codec.ParseFrame(header); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	if _, err := codec.ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame: expected ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeFrameRejectsOversizedPayload(t *testing.T) {
	codec := NewCodec(16)

	_, err := codec.EncodeFrame(&Frame{ID: 1, Kind: KindRequest, Payload: make([]byte, 17)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestParseFrameUnknownKind(t *testing.T) {
	codec := NewCodec(0)

	buf := make([]byte, HeaderSize)
	buf[12] = 0xFF

	if _, _, err := codec.ParseFrame(buf); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	codec := NewCodec(0)

	id := NextRequestID()
	req := &Request{
		Method: "POST",
		Path:   "/api/users",
		Query:  "page=1",
		Headers: map[string][]string{
			"Content-Type": {"application/json"},
			"Accept":       {"application/json"},
		},
		Body:       []byte(`{"name":"John","email":"john@example.com"}`),
		RemoteAddr: "127.0.0.1:54321",
		Host:       "localhost:8080",
		TimeoutMs:  5000,
	}

	var buf bytes.Buffer
	if err := codec.SendRequest(&buf, id, req); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	readReq, readID, err := codec.ReceiveRequest(&buf)
	if err != nil {
		t.Fatalf("failed to receive request: %v", err)
	}

	if readID != id {
		t.Errorf("ID: expected %d, got %d", id, readID)
	}
	if readReq.Method != req.Method {
		t.Errorf("Method: expected %s, got %s", req.Method, readReq.Method)
	}
	if readReq.Path != req.Path {
		t.Errorf("Path: expected %s, got %s", req.Path, readReq.Path)
	}
	if !bytes.Equal(readReq.Body, req.Body) {
		t.Errorf("Body: expected %s, got %s", req.Body, readReq.Body)
	}
	if len(readReq.Headers["Content-Type"]) != 1 || readReq.Headers["Content-Type"][0] != "application/json" {
		t.Errorf("headers did not survive round trip: %v", readReq.Headers)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	codec := NewCodec(0)

	resp := &Response{
		Status:  201,
		Headers: map[string][]string{"Location": {"/api/users/9"}},
		Body:    []byte(`{"id":9}`),
		Meta:    ResponseMeta{ReqCount: 17, MemUsage: 1 << 20, Recycle: true},
	}

	var buf bytes.Buffer
	if err := codec.SendResponse(&buf, 99, resp); err != nil {
		t.Fatalf("failed to send response: %v", err)
	}

	readResp, id, err := codec.ReceiveResponse(&buf)
	if err != nil {
		t.Fatalf("failed to receive response: %v", err)
	}

	if id != 99 {
		t.Errorf("ID: expected 99, got %d", id)
	}
	if readResp.Status != resp.Status {
		t.Errorf("Status: expected %d, got %d", resp.Status, readResp.Status)
	}
	if !bytes.Equal(readResp.Body, resp.Body) {
		t.Errorf("Body: expected %s, got %s", resp.Body, readResp.Body)
	}
	if !readResp.Meta.Recycle || readResp.Meta.ReqCount != 17 {
		t.Errorf("meta did not survive round trip: %+v", readResp.Meta)
	}
}

func TestPingPong(t *testing.T) {
	codec := NewCodec(0)

	var buf bytes.Buffer
	if err := codec.SendPing(&buf, 5); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}

	frame, err := codec.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("failed to read ping: %v", err)
	}
	if frame.Kind != KindPing || frame.ID != 5 {
		t.Fatalf("unexpected ping frame: kind=%s id=%d", frame.Kind, frame.ID)
	}

	if err := codec.SendPong(&buf, frame.ID); err != nil {
		t.Fatalf("failed to send pong: %v", err)
	}
	frame, err = codec.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("failed to read pong: %v", err)
	}
	if frame.Kind != KindPong || frame.ID != 5 {
		t.Fatalf("unexpected pong frame: kind=%s id=%d", frame.Kind, frame.ID)
	}
}

func TestNextRequestIDMonotonic(t *testing.T) {
	a := NextRequestID()
	b := NextRequestID()
	if b <= a {
		t.Errorf("request IDs not increasing: %d then %d", a, b)
	}
}
