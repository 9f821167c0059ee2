package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 64 << 10

// headerSize is the length prefix size. Three bytes caps frames at 16 MiB on
// the wire; MaxFrameSize is enforced on top of that.
const headerSize = 3

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize. The stream
// cannot be resynchronised after this.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	n := len(payload)
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, headerSize+n)
	buf[0] = byte(n >> 16)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n)
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned only when the
// stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteMessage marshals v to JSON and writes it as one frame.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return WriteFrame(w, data)
}

// DecodeRequest parses and validates a request payload. Failures are *Error
// values so they can be sent straight back to the client.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, Errorf(CodeMalformed, "invalid json: %v", err)
	}
	return req, req.Validate()
}

// DecodeResponse parses a response payload.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Validate checks that the fields required by the op are present.
func (r Request) Validate() error {
	switch r.Op {
	case OpReadTemp, OpStatus:
		return nil
	case OpAcquire:
		if r.Client == "" {
			return Errorf(CodeMalformed, "acquire requires client")
		}
	case OpRelease, OpHeartbeat:
		if r.SessionID == "" {
			return Errorf(CodeMalformed, "%s requires sessionId", r.Op)
		}
	case OpSetPeltier, OpSetFan:
		if r.SessionID == "" {
			return Errorf(CodeMalformed, "%s requires sessionId", r.Op)
		}
		if r.On == nil {
			return Errorf(CodeMalformed, "%s requires on", r.Op)
		}
	case "":
		return Errorf(CodeMalformed, "missing op")
	default:
		return Errorf(CodeUnknownOp, "%q", r.Op)
	}
	return nil
}
