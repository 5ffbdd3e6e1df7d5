package restjson

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/deskbridge/bridge/internal/jsonx"
)

// response incrementally parses one HTTP/1.0 response: status line,
// headers, then a body that is either streamed as JSON values (the
// common case) or collected as a plain-text failure message, grounded on
// cockpitrestjson.c's cockpit_rest_response_process/_parse state machine.
type response struct {
	raw bytes.Buffer // bytes not yet consumed by status/header parsing

	gotStatus bool
	status    int
	message   string

	headersDone bool
	skipBody    bool
	remaining   int64 // -1 means unknown, read until connection EOF

	failure *bytes.Buffer // set when a non-2xx text/plain body is collected

	bodyBuf *bytes.Buffer

	repliesSent int
}

func newResponse() *response {
	return &response{remaining: -1}
}

// feed appends data and drives the state machine forward, invoking
// onValue for every JSON value decoded from a non-skipped body and
// returning done=true once the response is fully read (remaining == 0,
// or EOF with unknown length).
func (r *response) feed(data []byte, eof bool, onValue func(body any, complete bool)) (done bool, err error) {
	r.raw.Write(data)

	if !r.gotStatus {
		line, ok := takeLine(&r.raw)
		if !ok {
			if eof {
				return false, fmt.Errorf("connection closed before status line")
			}
			return false, nil
		}
		status, message, perr := parseStatusLine(line)
		if perr != nil {
			return false, perr
		}
		r.status = status
		r.message = message
		r.gotStatus = true
		if !strings.HasPrefix(line, "HTTP/1.0") {
			r.skipBody = true
		}
	}

	if !r.headersDone {
		headerBlock, ok := takeHeaderBlock(&r.raw)
		if !ok {
			if eof {
				return false, fmt.Errorf("connection closed before headers complete")
			}
			return false, nil
		}
		hdr, perr := parseHeaderBlock(headerBlock)
		if perr != nil {
			return false, perr
		}
		r.headersDone = true

		if cl := hdr.Get("Content-Length"); cl != "" {
			n, cerr := strconv.ParseInt(cl, 10, 64)
			if cerr != nil || n < 0 {
				return false, fmt.Errorf("invalid Content-Length")
			}
			r.remaining = n
		}

		ctype := hdr.Get("Content-Type")
		if ctype == "" {
			if r.status >= 200 && r.status <= 299 {
				ctype = "application/json"
			} else {
				ctype = "text/plain"
			}
		}
		if !strings.HasPrefix(ctype, "text/json") && !strings.HasPrefix(ctype, "application/json") {
			r.skipBody = true
		}
		if strings.HasPrefix(ctype, "text/plain") && (r.status < 200 || r.status > 299) {
			r.failure = &bytes.Buffer{}
		}
		r.bodyBuf = &bytes.Buffer{}
	}

	block := r.raw.Bytes()
	blockLen := int64(len(block))
	consume := blockLen
	blockEOF := eof
	if r.remaining >= 0 && r.remaining <= blockLen {
		consume = r.remaining
		blockEOF = true
	}
	chunk := block[:consume]
	r.raw.Next(int(consume))

	if r.skipBody {
		if r.failure != nil && utf8.Valid(chunk) {
			r.failure.Write(chunk)
		}
	} else if len(chunk) > 0 {
		r.bodyBuf.Write(chunk)
		for {
			n, ws, ok, serr := skipJSONValue(r.bodyBuf.Bytes())
			if serr != nil {
				return false, fmt.Errorf("invalid JSON in response body: %w", serr)
			}
			if !ok {
				if blockEOF && r.bodyBuf.Len() > 0 {
					return false, fmt.Errorf("invalid JSON in response body: truncated value")
				}
				break
			}
			raw := r.bodyBuf.Bytes()[ws:n]
			remaining := r.bodyBuf.Bytes()[n:]
			nextBuf := &bytes.Buffer{}
			nextBuf.Write(remaining)
			r.bodyBuf = nextBuf

			var v any
			if derr := jsonx.Unmarshal(raw, &v); derr != nil {
				return false, fmt.Errorf("invalid JSON in response body: %w", derr)
			}
			r.repliesSent++
			complete := blockEOF && r.bodyBuf.Len() == 0
			onValue(v, complete)
		}
	}

	if r.remaining >= 0 {
		r.remaining -= consume
		done = r.remaining == 0
	} else {
		done = eof
	}

	if done && r.repliesSent == 0 {
		onValue(nil, true)
	}

	return done, nil
}

func takeLine(buf *bytes.Buffer) (string, bool) {
	b := buf.Bytes()
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return "", false
	}
	line := string(b[:idx])
	buf.Next(idx + 2)
	return line, true
}

func takeHeaderBlock(buf *bytes.Buffer) (string, bool) {
	b := buf.Bytes()
	if bytes.HasPrefix(b, []byte("\r\n")) {
		// No headers at all: the blank line terminating the header
		// section immediately follows the status line.
		buf.Next(2)
		return "", true
	}
	idx := bytes.Index(b, []byte("\r\n\r\n"))
	if idx < 0 {
		return "", false
	}
	block := string(b[:idx+2])
	buf.Next(idx + 4)
	return block, true
}

func parseStatusLine(line string) (int, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("malformed HTTP status line")
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", fmt.Errorf("malformed HTTP status code")
	}
	message := ""
	if len(parts) == 3 {
		message = parts[2]
	}
	return status, message, nil
}

func parseHeaderBlock(block string) (http.Header, error) {
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(block + "\r\n")))
	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("malformed HTTP headers: %w", err)
	}
	return http.Header(mh), nil
}

// failureMessage returns the text/plain failure body collected (if any),
// falling back to the status line's reason phrase.
func (r *response) failureMessage() string {
	if r.failure != nil && r.failure.Len() > 0 {
		return r.failure.String()
	}
	return r.message
}

// skipJSONValue scans data for one complete top-level JSON value after
// any leading whitespace, reporting the total bytes consumed (including
// leading whitespace), the whitespace length, and whether a complete
// value was found. Grounded on cockpitrestjson.c's use of
// cockpit_json_skip to let a response body carry more than one
// concatenated JSON document.
func skipJSONValue(data []byte) (total int, wsLen int, ok bool, err error) {
	i := 0
	for i < len(data) && isJSONSpace(data[i]) {
		i++
	}
	wsLen = i
	if i == len(data) {
		return 0, 0, false, nil
	}

	end, ok, err := scanJSONValue(data, i)
	if err != nil {
		return 0, 0, false, err
	}
	if !ok {
		return 0, 0, false, nil
	}
	return end, wsLen, true, nil
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// scanJSONValue returns the index just past one JSON value starting at
// start, or ok=false if data doesn't yet hold a complete value.
func scanJSONValue(data []byte, start int) (end int, ok bool, err error) {
	if start >= len(data) {
		return 0, false, nil
	}
	switch c := data[start]; {
	case c == '{' || c == '[':
		open, close := byte('{'), byte('}')
		if c == '[' {
			open, close = '[', ']'
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(data); i++ {
			b := data[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case b == '\\':
					escaped = true
				case b == '"':
					inString = false
				}
				continue
			}
			switch {
			case b == '"':
				inString = true
			case b == open:
				depth++
			case b == close:
				depth--
				if depth == 0 {
					return i + 1, true, nil
				}
			}
		}
		return 0, false, nil
	case c == '"':
		escaped := false
		for i := start + 1; i < len(data); i++ {
			b := data[i]
			if escaped {
				escaped = false
				continue
			}
			if b == '\\' {
				escaped = true
				continue
			}
			if b == '"' {
				return i + 1, true, nil
			}
		}
		return 0, false, nil
	case c == 't':
		return matchLiteral(data, start, "true")
	case c == 'f':
		return matchLiteral(data, start, "false")
	case c == 'n':
		return matchLiteral(data, start, "null")
	case c == '-' || (c >= '0' && c <= '9'):
		i := start
		for i < len(data) && (data[i] == '-' || data[i] == '+' || data[i] == '.' || data[i] == 'e' || data[i] == 'E' || (data[i] >= '0' && data[i] <= '9')) {
			i++
		}
		if i == len(data) {
			// could still be mid-number; caller treats as "need more data"
			return 0, false, nil
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected character %q", c)
	}
}

func matchLiteral(data []byte, start int, literal string) (int, bool, error) {
	end := start + len(literal)
	if end > len(data) {
		return 0, false, nil
	}
	if string(data[start:end]) != literal {
		return 0, false, fmt.Errorf("invalid literal at offset %d", start)
	}
	return end, true, nil
}
