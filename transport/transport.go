// Package transport implements the framed, channel-multiplexed message
// protocol (spec component C) carried over an arbitrary byte stream.
package transport

import (
	"io"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/deskbridge/bridge/internal/blog"
	"github.com/deskbridge/bridge/internal/bridgeerr"
	"github.com/deskbridge/bridge/loop"
	"github.com/deskbridge/bridge/wire"
)

// Config configures a Transport. The zero value is valid.
type Config struct {
	// WellKnownPeer marks the underlying byte stream as a spawned
	// well-known-named bridge process, affecting exit status mapping
	// (spec §6).
	WellKnownPeer bool
	// ReadBufferSize sizes the scratch buffer used for stream reads.
	ReadBufferSize int
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 64 * 1024
	}
	return c
}

type queuedEvent struct {
	isControl bool
	channel   string
	payload   []byte
	control   Control
}

// Transport multiplexes channels over a single byte stream. All public
// methods and registered callbacks run (or are posted to run) on the
// owning Loop; Transport performs no locking of its own beyond what's
// needed to hand data from the background reader goroutine to the loop.
type Transport struct {
	conn io.ReadWriteCloser
	loop *loop.Loop
	cfg  Config
	log  interface {
		Debugf(string, ...any)
		Warnf(string, ...any)
	}

	id string

	decoder *wire.Decoder

	mu       sync.Mutex
	frozen   map[string]*queue.Queue
	closed   bool
	wroteEnd bool

	onRecv    func(channel string, payload []byte)
	onControl func(Control)
	onClosed  func(problem string)
}

// New constructs a Transport over conn, driven by l. Call Start to begin
// reading.
func New(conn io.ReadWriteCloser, l *loop.Loop, cfg Config) *Transport {
	cfg = cfg.WithDefaults()
	t := &Transport{
		conn:    conn,
		loop:    l,
		cfg:     cfg,
		log:     blog.For("transport"),
		id:      uuid.NewString(),
		decoder: wire.NewDecoder(),
		frozen:  make(map[string]*queue.Queue),
	}
	return t
}

// OnRecv registers the callback fired for every inbound data frame.
func (t *Transport) OnRecv(fn func(channel string, payload []byte)) { t.onRecv = fn }

// OnControl registers the callback fired for every inbound control frame,
// after built-in ping/pong handling (spec §4.C) has already consumed
// channel-less ping/pong.
func (t *Transport) OnControl(fn func(Control)) { t.onControl = fn }

// OnClosed registers the callback fired once, when the transport's
// underlying stream closes (by local Close or remote EOF/error).
func (t *Transport) OnClosed(fn func(problem string)) { t.onClosed = fn }

// Start begins reading from the underlying stream on a dedicated
// goroutine, posting decoded frames back to the Loop for dispatch.
func (t *Transport) Start() {
	go t.readLoop()
}

func (t *Transport) readLoop() {
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.loop.Post(func() { t.handleChunk(chunk) })
		}
		if err != nil {
			t.loop.Post(func() { t.handleReadError(err) })
			return
		}
	}
}

func (t *Transport) handleChunk(chunk []byte) {
	frames, err := t.decoder.Feed(chunk)
	for _, f := range frames {
		t.dispatch(f)
	}
	if err != nil {
		t.log.Warnf("protocol error: %v", err)
		t.finish(string(bridgeerr.ProtocolError))
		_ = t.conn.Close()
	}
}

func (t *Transport) handleReadError(err error) {
	pending := t.decoder.Pending()
	problem := classifyReadError(err, pending)
	t.finish(problem)
}

func classifyReadError(err error, pending bool) string {
	if err == io.EOF {
		if pending {
			return string(bridgeerr.Disconnected)
		}
		return ""
	}
	return string(bridgeerr.InternalError)
}

func (t *Transport) dispatch(f wire.Frame) {
	if f.Channel == "" {
		ctrl, err := parseControl(f.Payload)
		if err != nil {
			t.log.Warnf("%v", err)
			t.finish(string(bridgeerr.ProtocolError))
			_ = t.conn.Close()
			return
		}
		if t.builtinControl(ctrl) {
			return
		}
		t.deliverControl(ctrl)
		return
	}
	t.deliverRecv(f.Channel, f.Payload)
}

// builtinControl implements spec §4.C's automatic handling: respond to a
// channel-less ping with a pong, and silently swallow a channel-less pong.
// Reports whether it consumed the message.
func (t *Transport) builtinControl(ctrl Control) bool {
	if ctrl.Channel != "" {
		return false
	}
	switch ctrl.Command {
	case "ping":
		extra := map[string]any{}
		if seq, ok := ctrl.Options["sequence"]; ok {
			extra["sequence"] = seq
		}
		_ = t.sendRaw(encodeControl("pong", "", extra))
		return true
	case "pong":
		return true
	}
	return false
}

func (t *Transport) deliverRecv(channel string, payload []byte) {
	if t.isFrozen(channel) {
		t.queueFrozen(channel, queuedEvent{channel: channel, payload: payload})
		return
	}
	if t.onRecv != nil {
		t.onRecv(channel, payload)
	}
}

func (t *Transport) deliverControl(ctrl Control) {
	if ctrl.Channel != "" && t.isFrozen(ctrl.Channel) {
		t.queueFrozen(ctrl.Channel, queuedEvent{isControl: true, channel: ctrl.Channel, control: ctrl})
		return
	}
	if t.onControl != nil {
		t.onControl(ctrl)
	}
}

func (t *Transport) isFrozen(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.frozen[channel]
	return ok
}

func (t *Transport) queueFrozen(channel string, ev queuedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.frozen[channel]
	if !ok {
		return
	}
	q.Add(ev)
}

// Freeze begins buffering recv/control events naming channel instead of
// delivering them. Channels start frozen at creation (spec §4.D).
func (t *Transport) Freeze(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frozen[channel]; !ok {
		t.frozen[channel] = queue.New()
	}
}

// Thaw stops buffering channel and redelivers whatever was captured, in
// arrival order.
func (t *Transport) Thaw(channel string) {
	t.mu.Lock()
	q, ok := t.frozen[channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.frozen, channel)
	t.mu.Unlock()

	for q.Length() > 0 {
		ev := q.Remove().(queuedEvent)
		if ev.isControl {
			if t.onControl != nil {
				t.onControl(ev.control)
			}
		} else {
			if t.onRecv != nil {
				t.onRecv(ev.channel, ev.payload)
			}
		}
	}
}

// Send frames payload for channel (empty for a control message) and
// writes it to the underlying stream.
func (t *Transport) Send(channel string, payload []byte) error {
	return t.sendRaw(wire.Encode(channel, payload))
}

// SendControl frames and sends a control command for channel (may be "")
// with extra fields merged in.
func (t *Transport) SendControl(command, channel string, extra map[string]any) error {
	return t.sendRaw(encodeControl(command, channel, extra))
}

func (t *Transport) sendRaw(framed []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return bridgeerr.New(bridgeerr.TierInternal, bridgeerr.InternalError, "transport closed")
	}
	_, err := t.conn.Write(framed)
	return err
}

// Close shuts down the underlying stream and stops emitting. problem, if
// non-empty, is reported on the Closed callback.
func (t *Transport) Close(problem string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	_ = t.conn.Close()
	t.fireClosed(problem)
}

// finish is the internal path for a stream that closed itself (read
// error/EOF), as opposed to an explicit Close call.
func (t *Transport) finish(problem string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.fireClosed(problem)
}

func (t *Transport) fireClosed(problem string) {
	if t.onClosed != nil {
		t.onClosed(problem)
	}
}

// ID returns the transport's log-correlation identifier.
func (t *Transport) ID() string { return t.id }
