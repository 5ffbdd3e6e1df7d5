// Package restjson implements the "rest-json1" channel payload: a
// multiplexed HTTP/1.0 request/response bridge with poll/watch semantics
// (spec component F).
package restjson

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/deskbridge/bridge/internal/bridgeerr"
)

// parseOpenOptions validates the channel's open options and returns a
// dial function plus a debug label, grounded on cockpitrestjson.c's
// address construction (exactly one of "port" or "unix" must be given).
func parseOpenOptions(opts map[string]any) (dial func() (net.Conn, error), name string, err error) {
	portAny, hasPort := opts["port"]
	unixAny, hasUnix := opts["unix"]

	switch {
	case hasPort && hasUnix:
		return nil, "", bridgeerr.Protocolf(bridgeerr.ProtocolError, "cannot specify both \"port\" and \"unix\"")
	case hasPort:
		port, ok := toInt(portAny)
		if !ok || port <= 0 || port > 65535 {
			return nil, "", bridgeerr.Protocolf(bridgeerr.ProtocolError, "invalid \"port\" option")
		}
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		return func() (net.Conn, error) { return net.Dial("tcp", addr) }, addr, nil
	case hasUnix:
		path, ok := unixAny.(string)
		if !ok || path == "" {
			return nil, "", bridgeerr.Protocolf(bridgeerr.ProtocolError, "invalid \"unix\" option")
		}
		return func() (net.Conn, error) { return net.Dial("unix", path) }, path, nil
	default:
		return nil, "", bridgeerr.Protocolf(bridgeerr.ProtocolError, "must specify either \"port\" or \"unix\"")
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// validatePath matches cockpitrestjson.c's path validation: must start
// with "/" and contain no whitespace.
func validatePath(path string) error {
	if path == "" {
		return bridgeerr.Protocolf(bridgeerr.ProtocolError, "missing \"path\" member")
	}
	if path[0] != '/' {
		return bridgeerr.Protocolf(bridgeerr.ProtocolError, "\"path\" must start with a slash")
	}
	if strings.ContainsAny(path, " \r\t\n\v") {
		return bridgeerr.Protocolf(bridgeerr.ProtocolError, "\"path\" must not contain whitespace")
	}
	return nil
}

// validateMethod resolves the spec's Open Question by using the real
// RFC 7230 token grammar (httpguts.IsTokenRune) rather than the source's
// stray-bracket character class.
func validateMethod(method string) error {
	if method == "" {
		return bridgeerr.Protocolf(bridgeerr.ProtocolError, "\"method\" must not be empty")
	}
	for _, r := range method {
		if !httpguts.IsTokenRune(r) {
			return bridgeerr.Protocolf(bridgeerr.ProtocolError, "\"method\" contains invalid characters")
		}
	}
	return nil
}

// buildHeaders synthesizes the HTTP/1.0 request line and headers,
// matching cockpitrestjson.c's byte-for-byte layout.
func buildHeaders(method, path string, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.0\r\n", method, path)
	b.WriteString("Connection: keep-alive\r\n")
	if body != nil {
		b.WriteString("Content-Type: application/json\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("\r\n")
	return []byte(b.String())
}

const maxPollInterval = 1 << 31 // exclusive bound: the largest accepted interval is G_MAXINT32 (2^31-1)
