package channel

import "strings"

// sendText implements the non-binary, non-trusted send path: any
// incomplete trailing UTF-8 sequence is held back and coalesced with the
// next send (or flushed after utf8Flush if none arrives), per spec §4.D.
// Complete bytes are sanitized (invalid sequences replaced with U+FFFD)
// and sent immediately.
func (c *Channel) sendText(payload []byte) {
	c.mu.Lock()
	full := append(c.pendingUTF8, payload...)
	c.pendingUTF8 = nil
	if c.utf8Timer != nil {
		c.utf8Timer.Cancel()
		c.utf8Timer = nil
	}
	c.mu.Unlock()

	complete, tail := splitIncompleteUTF8Tail(full)

	if len(tail) > 0 {
		c.mu.Lock()
		c.pendingUTF8 = tail
		c.utf8Timer = c.loop.After(utf8Flush, c.flushPending)
		c.mu.Unlock()
	}

	if len(complete) > 0 {
		c.sendData(sanitizeUTF8(complete))
	}
}

func (c *Channel) flushPending() {
	c.mu.Lock()
	buf := c.pendingUTF8
	c.pendingUTF8 = nil
	c.utf8Timer = nil
	c.mu.Unlock()
	if len(buf) > 0 {
		c.sendData(sanitizeUTF8(buf))
	}
}

// flushPendingNow is used at close time: whatever is held back is sent
// (with invalid sequences replaced by U+FFFD) rather than discarded.
func (c *Channel) flushPendingNow() {
	c.mu.Lock()
	buf := c.pendingUTF8
	c.pendingUTF8 = nil
	if c.utf8Timer != nil {
		c.utf8Timer.Cancel()
		c.utf8Timer = nil
	}
	c.mu.Unlock()
	if len(buf) > 0 {
		c.sendData(sanitizeUTF8(buf))
	}
}

// splitIncompleteUTF8Tail returns payload split into a complete prefix and
// an incomplete trailing multi-byte sequence (if the last 1-3 bytes begin
// a multi-byte rune that payload doesn't yet carry enough continuation
// bytes for). If payload ends cleanly, tail is empty.
func splitIncompleteUTF8Tail(payload []byte) (complete, tail []byte) {
	n := len(payload)
	if n == 0 {
		return payload, nil
	}
	limit := 3
	if n < limit {
		limit = n
	}
	for back := 1; back <= limit; back++ {
		b := payload[n-back]
		if b < 0x80 {
			// ASCII byte this far back: no sequence started here.
			break
		}
		if b&0xC0 == 0x80 {
			// continuation byte, keep scanning further back
			continue
		}
		want := 0
		switch {
		case b&0xE0 == 0xC0:
			want = 2
		case b&0xF0 == 0xE0:
			want = 3
		case b&0xF8 == 0xF0:
			want = 4
		default:
			return payload, nil
		}
		if back < want {
			return payload[:n-back], payload[n-back:]
		}
		return payload, nil
	}
	return payload, nil
}

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD.
func sanitizeUTF8(b []byte) []byte {
	return []byte(strings.ToValidUTF8(string(b), "�"))
}
