// Package wire implements the length-prefixed, channel-multiplexed frame
// codec that rides on top of an arbitrary byte stream (socket pair, pipe,
// TLS connection, or spawned-process stdio). On the wire:
//
//	<decimal-length>\n<channel-id>\n<payload>
//
// where channel-id may be empty (meaning a control message) and the first
// '\n' inside the length-declared payload region separates the channel id
// from the opaque payload bytes.
package wire

import (
	"strconv"

	"github.com/deskbridge/bridge/internal/bridgeerr"
)

// MaxLengthDigits bounds the decimal length prefix as a defence against
// pathological input. A prefix of 8 or more digits is a protocol error.
// See DESIGN.md's Open Question decisions for why this is kept exactly as
// specified rather than widened.
const MaxLengthDigits = 7

// Frame is one decoded wire frame. Channel == "" means a control message.
type Frame struct {
	Channel string
	Payload []byte
}

// Decoder incrementally parses a byte stream into Frames. It is not safe
// for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes and returns every complete frame that can
// now be parsed out of the accumulated buffer. A partial trailing frame
// remains buffered for the next call. Returns a *bridgeerr.Error with
// bridgeerr.ProtocolError on any malformed input.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		frame, consumed, err := parseOne(d.buf)
		if err != nil {
			return frames, err
		}
		if consumed == 0 {
			break
		}
		frames = append(frames, frame)
		d.buf = d.buf[consumed:]
	}
	return frames, nil
}

// Pending reports whether unconsumed, incomplete frame bytes remain
// buffered. The transport uses this at end-of-stream to decide whether
// the disconnect happened mid-frame ("disconnected") or cleanly.
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0
}

// parseOne attempts to parse exactly one frame from buf. consumed == 0
// with a nil error means "not enough data yet".
func parseOne(buf []byte) (Frame, int, error) {
	digits := 0
	for digits < len(buf) && buf[digits] != '\n' {
		if buf[digits] < '0' || buf[digits] > '9' {
			return Frame{}, 0, bridgeerr.Protocolf(bridgeerr.ProtocolError,
				"invalid character %q in frame length prefix", buf[digits])
		}
		digits++
		if digits > MaxLengthDigits {
			return Frame{}, 0, bridgeerr.Protocolf(bridgeerr.ProtocolError,
				"frame length prefix exceeds %d digits", MaxLengthDigits)
		}
	}
	if digits == len(buf) {
		// No newline seen yet; wait for more data, unless we already
		// know it can never be valid.
		return Frame{}, 0, nil
	}
	if digits == 0 {
		return Frame{}, 0, bridgeerr.Protocolf(bridgeerr.ProtocolError, "empty frame length prefix")
	}

	n, err := strconv.Atoi(string(buf[:digits]))
	if err != nil {
		return Frame{}, 0, bridgeerr.Protocolf(bridgeerr.ProtocolError, "malformed frame length: %v", err)
	}

	frameStart := digits + 1
	frameEnd := frameStart + n
	if len(buf) < frameEnd {
		return Frame{}, 0, nil
	}

	body := buf[frameStart:frameEnd]
	sep := indexByte(body, '\n')
	if sep < 0 {
		return Frame{}, 0, bridgeerr.Protocolf(bridgeerr.ProtocolError,
			"frame of length %d has no channel/payload separator", n)
	}

	channel := string(body[:sep])
	payload := make([]byte, len(body)-sep-1)
	copy(payload, body[sep+1:])

	return Frame{Channel: channel, Payload: payload}, frameEnd, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Encode serializes a frame for channel (possibly "") carrying payload,
// as "<N>\n<channel>\n"+payload, N = len(channel)+1+len(payload).
func Encode(channel string, payload []byte) []byte {
	n := len(channel) + 1 + len(payload)
	prefix := strconv.Itoa(n)
	out := make([]byte, 0, len(prefix)+1+len(channel)+1+len(payload))
	out = append(out, prefix...)
	out = append(out, '\n')
	out = append(out, channel...)
	out = append(out, '\n')
	out = append(out, payload...)
	return out
}
