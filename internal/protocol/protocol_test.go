package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	on := true
	req := Request{ID: 7, Op: OpSetPeltier, SessionID: "abc", On: &on}
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := DecodeRequest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 7 || got.Op != OpSetPeltier || got.SessionID != "abc" || got.On == nil || !*got.On {
		t.Errorf("unexpected request: %+v", got)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestFrameHeaderIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("x"), 0x0102)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	hdr := buf.Bytes()[:3]
	if hdr[0] != 0x00 || hdr[1] != 0x01 || hdr[2] != 0x02 {
		t.Errorf("header: got % x, want 00 01 02", hdr)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if err != ErrFrameTooLarge {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected nothing written, got %d bytes", buf.Len())
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	n := MaxFrameSize + 1
	hdr := []byte{byte(n >> 16), byte(n >> 8), byte(n)}
	_, err := ReadFrame(bytes.NewReader(hdr))
	if err != ErrFrameTooLarge {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	data := []byte{0, 0, 10, 'a', 'b'}
	_, err := ReadFrame(bytes.NewReader(data))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Code
	}{
		{"invalid json", `{"op":`, CodeMalformed},
		{"missing op", `{}`, CodeMalformed},
		{"unknown op", `{"op":"reboot"}`, CodeUnknownOp},
		{"acquire without client", `{"op":"acquire","exclusive":true}`, CodeMalformed},
		{"set without on", `{"op":"set_fan","sessionId":"s"}`, CodeMalformed},
		{"set without session", `{"op":"set_peltier","on":true}`, CodeMalformed},
		{"heartbeat without session", `{"op":"heartbeat"}`, CodeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.payload))
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if pe.Code != tt.want {
				t.Errorf("code: got %s, want %s", pe.Code, tt.want)
			}
			if pe.Kind() != KindProtocol {
				t.Errorf("kind: got %s, want protocol", pe.Kind())
			}
		})
	}
}

func TestDecodeRequestReadOnlyOps(t *testing.T) {
	for _, op := range []string{"read_temp", "status"} {
		if _, err := DecodeRequest([]byte(fmt.Sprintf(`{"op":%q}`, op))); err != nil {
			t.Errorf("%s: unexpected error: %v", op, err)
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("set peltier: %w", Errorf(CodeNotOwner, "session abc"))
	if !errors.Is(err, ErrNotOwner) {
		t.Error("expected errors.Is(err, ErrNotOwner)")
	}
	if errors.Is(err, ErrExpired) {
		t.Error("did not expect errors.Is(err, ErrExpired)")
	}
}

func TestKindOf(t *testing.T) {
	tests := map[Code]Kind{
		CodeMalformed:         KindProtocol,
		CodeUnknownOp:         KindProtocol,
		CodeDenied:            KindSession,
		CodeNotOwner:          KindSession,
		CodeExpired:           KindSession,
		CodeAlreadyHeld:       KindSession,
		CodeInvalidTransition: KindTransition,
		CodeActuationFailed:   KindHardware,
		CodeSensorFailed:      KindHardware,
		Code("bogus"):         KindUnknown,
	}
	for code, want := range tests {
		if got := KindOf(code); got != want {
			t.Errorf("%s: got %s, want %s", code, got, want)
		}
	}
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(3, fmt.Errorf("wrapped: %w", ErrDenied))
	if resp.ID != 3 || resp.Error != CodeDenied {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !errors.Is(resp.Err(), ErrDenied) {
		t.Errorf("Err(): got %v, want denied", resp.Err())
	}

	resp = ErrorResponse(4, errors.New("boom"))
	if resp.Error != CodeMalformed || resp.Detail != "boom" {
		t.Errorf("plain error: got %+v", resp)
	}
}

func TestSampleResponse(t *testing.T) {
	ts := time.Date(2026, 2, 2, 22, 18, 12, 345000000, time.UTC)
	resp := SampleResponse(9, Sample{Value: 24.5, ObservedAt: ts})
	if resp.TS != "2026-02-02T22:18:12.345Z" {
		t.Errorf("ts: got %q", resp.TS)
	}

	s, err := SampleFrom(resp)
	if err != nil {
		t.Fatalf("SampleFrom: %v", err)
	}
	if s.Value != 24.5 {
		t.Errorf("value: got %v, want 24.5", s.Value)
	}
	if !s.ObservedAt.Equal(ts) {
		t.Errorf("observedAt: got %v, want %v", s.ObservedAt, ts)
	}
}

func TestSampleFromError(t *testing.T) {
	_, err := SampleFrom(Response{Error: CodeSensorFailed, Detail: "no sensor"})
	if !errors.Is(err, ErrSensorFailed) {
		t.Errorf("got %v, want sensor_failed", err)
	}
	_, err = SampleFrom(Response{OK: true})
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("missing value: got %v, want malformed", err)
	}
}

func TestLevelOf(t *testing.T) {
	if LevelOf(true) != LevelOn {
		t.Error("LevelOf(true) should be ON")
	}
	if LevelOf(false) != LevelOff {
		t.Error("LevelOf(false) should be OFF")
	}
}
