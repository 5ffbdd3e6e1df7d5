package wsproto

import (
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskbridge/bridge/loop"
)

// TestInteropWithGorillaClient uses github.com/gorilla/websocket as an
// independent peer implementation to exercise this package's server-side
// handshake and frame codec end to end, the way the teacher's own
// tests/go.mod pulls in an external client for integration coverage.
func TestInteropWithGorillaClient(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	type serverResult struct {
		engine *Engine
		err    error
	}
	serverReady := make(chan serverResult, 1)

	go func() {
		hs, err := AcceptHandshake(serverConn, ServerConfig{})
		if err != nil {
			serverReady <- serverResult{nil, err}
			return
		}
		if err := WriteAccept(serverConn, hs.ResponseHeader); err != nil {
			serverReady <- serverResult{nil, err}
			return
		}
		serverReady <- serverResult{nil, nil}
	}()

	u := url.URL{Scheme: "ws", Host: "example.test", Path: "/ws"}
	dialDone := make(chan error, 1)
	var clientWS *websocket.Conn
	go func() {
		conn, _, err := websocket.NewClient(clientConn, &u, http.Header{}, 4096, 4096)
		clientWS = conn
		dialDone <- err
	}()

	select {
	case res := <-serverReady:
		if res.err != nil {
			t.Fatalf("server handshake: %v", res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
	select {
	case err := <-dialDone:
		if err != nil {
			t.Fatalf("client dial: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client dial")
	}

	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	serverEngine := New(serverConn, l, true)
	received := make(chan string, 1)
	serverEngine.OnMessage(func(opcode byte, payload []byte) {
		if opcode == OpText {
			received <- string(payload)
		}
	})
	serverEngine.Start()

	if err := clientWS.WriteMessage(websocket.TextMessage, []byte("hello from gorilla")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello from gorilla" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server to receive client message")
	}

	if err := serverEngine.SendText([]byte("hello from server")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	_, data, err := clientWS.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != "hello from server" {
		t.Fatalf("unexpected client-received message %q", data)
	}
}

func newEnginePair(t *testing.T) (*Engine, *Engine, *loop.Loop) {
	t.Helper()
	a, b := net.Pipe()
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	server := New(a, l, true)
	client := New(b, l, false)
	server.Start()
	client.Start()
	return server, client, l
}

func TestFragmentedTextReassembly(t *testing.T) {
	server, client, _ := newEnginePair(t)

	received := make(chan string, 1)
	server.OnMessage(func(opcode byte, payload []byte) {
		if opcode == OpText {
			received <- string(payload)
		}
	})

	// Manually frame a 3-part fragmented message, since Engine's public
	// API only sends unfragmented messages.
	client.enqueueWrite(Encode(false, OpText, []byte("Hello, "), false))
	client.enqueueWrite(Encode(false, OpContinuation, []byte("frag"), false))
	client.enqueueWrite(Encode(true, OpContinuation, []byte("mented!"), false))

	select {
	case msg := <-received:
		if msg != "Hello, fragmented!" {
			t.Fatalf("unexpected reassembled message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}
}

func TestOutOfOrderFragmentationClosesWithProtocolError(t *testing.T) {
	server, client, _ := newEnginePair(t)

	closedCh := make(chan int, 1)
	server.OnClosed(func(code int, reason string) { closedCh <- code })

	// A continuation frame with no preceding start frame is a protocol
	// violation.
	client.enqueueWrite(Encode(true, OpContinuation, []byte("orphan"), false))

	select {
	case code := <-closedCh:
		if code != CloseProtocolError {
			t.Fatalf("expected close code %d, got %d", CloseProtocolError, code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestInvalidUTF8ClosesWithInvalidPayload(t *testing.T) {
	server, client, _ := newEnginePair(t)

	closedCh := make(chan int, 1)
	server.OnClosed(func(code int, reason string) { closedCh <- code })

	invalid := []byte{0xff, 0xfe, 0xfd}
	client.enqueueWrite(Encode(true, OpText, invalid, false))

	select {
	case code := <-closedCh:
		if code != CloseInvalidPayload {
			t.Fatalf("expected close code %d, got %d", CloseInvalidPayload, code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestCloseHandshakeEcho(t *testing.T) {
	server, client, _ := newEnginePair(t)

	clientClosed := make(chan int, 1)
	client.OnClosed(func(code int, reason string) { clientClosed <- code })

	server.Close(CloseNormal, "bye")

	select {
	case code := <-clientClosed:
		if code != CloseNormal {
			t.Fatalf("expected echoed code %d, got %d", CloseNormal, code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client to observe close")
	}
}

func TestBackpressurePressureEdge(t *testing.T) {
	server, _, _ := newEnginePair(t)

	var edges []bool
	server.OnPressure(func(v bool) { edges = append(edges, v) })

	big := make([]byte, QueuePressure+1)
	server.mu.Lock()
	server.writeQueue.Add(Encode(true, OpBinary, big, false))
	before := server.queuedBytes
	server.queuedBytes += int64(len(big))
	after := server.queuedBytes
	server.mu.Unlock()
	if before <= QueuePressure && after > QueuePressure {
		server.setPressure(true)
	}

	if len(edges) != 1 || !edges[0] {
		t.Fatalf("expected single pressure-on edge, got %v", edges)
	}
}
