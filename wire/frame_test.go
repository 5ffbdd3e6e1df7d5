package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	encoded := Encode("chan1", []byte("hello"))
	dec := NewDecoder()
	frames, err := dec.Feed(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Channel != "chan1" || string(frames[0].Payload) != "hello" {
		t.Fatalf("unexpected frame: %+v", frames[0])
	}
	if dec.Pending() {
		t.Fatal("did not expect pending bytes")
	}
}

func TestControlFrameEmptyChannel(t *testing.T) {
	encoded := Encode("", []byte(`{"command":"ping"}`))
	dec := NewDecoder()
	frames, err := dec.Feed(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frames[0].Channel != "" {
		t.Fatalf("expected empty channel, got %q", frames[0].Channel)
	}
}

func TestZeroLengthPayload(t *testing.T) {
	encoded := Encode("c", nil)
	dec := NewDecoder()
	frames, err := dec.Feed(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames[0].Payload) != 0 {
		t.Fatalf("expected zero-length payload, got %q", frames[0].Payload)
	}
}

func TestPartialFrameBuffered(t *testing.T) {
	full := Encode("c", []byte("payload-data"))
	dec := NewDecoder()
	frames, err := dec.Feed(full[:5])
	if err != nil {
		t.Fatalf("unexpected error on partial feed: %v", err)
	}
	if len(frames) != 0 {
		t.Fatal("expected no complete frames yet")
	}
	if !dec.Pending() {
		t.Fatal("expected pending partial data")
	}
	frames, err = dec.Feed(full[5:])
	if err != nil {
		t.Fatalf("unexpected error completing frame: %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "payload-data" {
		t.Fatalf("unexpected result: %+v", frames)
	}
	if dec.Pending() {
		t.Fatal("expected no pending data after full frame consumed")
	}
}

func TestSevenDigitLengthAccepted(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1000000-2) // channel "c" + '\n' + payload == 7 digits
	encoded := Encode("c", payload)
	dec := NewDecoder()
	frames, err := dec.Feed(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
}

func TestEightDigitLengthRejected(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed([]byte("10000000\nc\npayload"))
	if err == nil {
		t.Fatal("expected protocol error for 8-digit length prefix")
	}
}

func TestInvalidLengthCharacter(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed([]byte("12x\nc\npayload"))
	if err == nil {
		t.Fatal("expected protocol error for non-digit in length prefix")
	}
}

func TestMissingSeparatorIsProtocolError(t *testing.T) {
	dec := NewDecoder()
	// length 3, but no '\n' within those 3 bytes.
	_, err := dec.Feed([]byte("3\nabc"))
	if err == nil {
		t.Fatal("expected protocol error for missing channel/payload separator")
	}
}

func TestMultipleFramesInOneFeed(t *testing.T) {
	var buf []byte
	buf = append(buf, Encode("a", []byte("1"))...)
	buf = append(buf, Encode("b", []byte("2"))...)
	dec := NewDecoder()
	frames, err := dec.Feed(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}
