package wsproto

import (
	"encoding/binary"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"

	"github.com/deskbridge/bridge/internal/blog"
	"github.com/deskbridge/bridge/loop"
)

// QueuePressure is the outbound-queue high-water mark (in bytes) above
// which the engine signals back-pressure to its producer, per spec §4.E.
const QueuePressure = 1 * 1024 * 1024

// closeGrace is how long the engine waits for a peer to echo our close
// frame before hard-closing the connection.
const closeGrace = 5 * time.Second

// Metrics is the subset of control.Metrics an Engine reports
// back-pressure edges to. Optional: Config.Metrics may be left nil.
type Metrics interface {
	PressureEdge(engine string)
}

// Config carries per-engine construction parameters that would otherwise
// be constructor positional soup, per Design Notes §9's "explicit
// configuration records" guidance.
type Config struct {
	// QueuePressureBytes is the outbound-queue high-water mark; zero means
	// QueuePressure.
	QueuePressureBytes int64
	// CloseGrace is how long to wait for a peer's close echo; zero means
	// closeGrace.
	CloseGrace time.Duration
	// Metrics is optional; nil disables back-pressure reporting.
	Metrics Metrics
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.QueuePressureBytes == 0 {
		c.QueuePressureBytes = QueuePressure
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = closeGrace
	}
	return c
}

// Engine drives one WebSocket connection: fragmentation reassembly, UTF-8
// validation of text messages, the close handshake, and back-pressure.
// isServer controls whether outbound frames are masked (clients mask,
// servers never do, per RFC 6455 §5.1).
type Engine struct {
	conn     io.ReadWriteCloser
	loop     *loop.Loop
	isServer bool
	decoder  *Decoder
	log      interface {
		Debugf(string, ...any)
		Warnf(string, ...any)
	}

	queuePressure int64
	closeGrace    time.Duration
	metrics       Metrics

	mu          sync.Mutex
	closed      bool
	sentClose   bool
	writeQueue  *queue.Queue
	queuedBytes int64
	pressure    bool
	wake        chan struct{}
	stopCh      chan struct{}

	fragActive bool
	fragOpcode byte
	fragBuf    []byte

	closeTimer *loop.Timer

	onMessage func(opcode byte, payload []byte)
	onPressure func(bool)
	onClosed   func(code int, reason string)
}

// New constructs an Engine over conn with default tuning. isServer selects
// masking direction.
func New(conn io.ReadWriteCloser, l *loop.Loop, isServer bool) *Engine {
	return NewWithConfig(conn, l, isServer, Config{})
}

// NewWithConfig constructs an Engine over conn with explicit tuning,
// defaulting any zero field of cfg.
func NewWithConfig(conn io.ReadWriteCloser, l *loop.Loop, isServer bool, cfg Config) *Engine {
	cfg = cfg.WithDefaults()
	return &Engine{
		conn:          conn,
		loop:          l,
		isServer:      isServer,
		decoder:       NewDecoder(),
		log:           blog.For("wsproto"),
		queuePressure: cfg.QueuePressureBytes,
		closeGrace:    cfg.CloseGrace,
		metrics:       cfg.Metrics,
		writeQueue:    queue.New(),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

func (e *Engine) OnMessage(fn func(opcode byte, payload []byte)) { e.onMessage = fn }
func (e *Engine) OnPressure(fn func(bool))                       { e.onPressure = fn }
func (e *Engine) OnClosed(fn func(code int, reason string))      { e.onClosed = fn }

// Start begins the background read and write goroutines.
func (e *Engine) Start() {
	go e.readLoop()
	go e.writeLoop()
}

func (e *Engine) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.loop.Post(func() { e.handleChunk(chunk) })
		}
		if err != nil {
			e.loop.Post(func() { e.handleReadError(err) })
			return
		}
	}
}

func (e *Engine) handleChunk(chunk []byte) {
	frames, err := e.decoder.Feed(chunk)
	for _, f := range frames {
		e.dispatch(f)
	}
	if err != nil {
		if ce, ok := err.(*CloseError); ok {
			e.Close(ce.Code, ce.Reason)
		} else {
			e.Close(CloseProtocolError, err.Error())
		}
	}
}

func (e *Engine) handleReadError(err error) {
	if err == io.EOF {
		e.finish(CloseNormal, "")
		return
	}
	e.finish(CloseProtocolError, err.Error())
}

func (e *Engine) dispatch(f Frame) {
	if isControlOpcode(f.Opcode) && !f.Fin {
		e.Close(CloseProtocolError, "fragmented control frame")
		return
	}
	switch f.Opcode {
	case OpClose:
		code, reason := decodeClosePayload(f.Payload)
		e.handleInboundClose(code, reason)
	case OpPing:
		e.enqueueWrite(Encode(true, OpPong, f.Payload, !e.isServer))
	case OpPong:
		// no action required; nothing in spec scope consumes pong timing.
	case OpText, OpBinary:
		if e.fragActive {
			e.Close(CloseProtocolError, "data frame received mid-fragmentation")
			return
		}
		if f.Fin {
			e.deliver(f.Opcode, f.Payload)
			return
		}
		e.fragActive = true
		e.fragOpcode = f.Opcode
		e.fragBuf = append([]byte(nil), f.Payload...)
	case OpContinuation:
		if !e.fragActive {
			e.Close(CloseProtocolError, "continuation frame without a preceding start frame")
			return
		}
		e.fragBuf = append(e.fragBuf, f.Payload...)
		if f.Fin {
			opcode := e.fragOpcode
			payload := e.fragBuf
			e.fragActive = false
			e.fragBuf = nil
			e.deliver(opcode, payload)
		}
	default:
		if f.Opcode >= 0x3 && f.Opcode <= 0x7 {
			// Reserved data-range opcode: ignored but logged, stream continues.
			e.log.Debugf("ignoring reserved opcode 0x%x", f.Opcode)
			return
		}
		e.Close(CloseProtocolError, "unknown opcode")
	}
}

func isControlOpcode(op byte) bool {
	return op == OpClose || op == OpPing || op == OpPong
}

func (e *Engine) deliver(opcode byte, payload []byte) {
	if opcode == OpText && !utf8.Valid(payload) {
		e.Close(CloseInvalidPayload, "invalid UTF-8 in text message")
		return
	}
	if e.onMessage != nil {
		e.onMessage(opcode, payload)
	}
}

// SendText sends a single, unfragmented text message.
func (e *Engine) SendText(payload []byte) error { return e.sendFrame(OpText, payload) }

// SendBinary sends a single, unfragmented binary message.
func (e *Engine) SendBinary(payload []byte) error { return e.sendFrame(OpBinary, payload) }

func (e *Engine) sendFrame(opcode byte, payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	e.enqueueWrite(Encode(true, opcode, payload, !e.isServer))
	return nil
}

func (e *Engine) enqueueWrite(framed []byte) {
	e.mu.Lock()
	e.writeQueue.Add(framed)
	before := e.queuedBytes
	e.queuedBytes += int64(len(framed))
	after := e.queuedBytes
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	if before <= e.queuePressure && after > e.queuePressure {
		e.setPressure(true)
	}
}

func (e *Engine) writeLoop() {
	for {
		e.mu.Lock()
		if e.writeQueue.Length() == 0 {
			e.mu.Unlock()
			select {
			case <-e.wake:
				continue
			case <-e.stopCh:
				return
			}
		}
		item := e.writeQueue.Remove().([]byte)
		e.mu.Unlock()

		_, err := e.conn.Write(item)

		e.mu.Lock()
		e.queuedBytes -= int64(len(item))
		after := e.queuedBytes
		e.mu.Unlock()
		if after <= e.queuePressure {
			e.setPressure(false)
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) setPressure(v bool) {
	e.mu.Lock()
	if e.pressure == v {
		e.mu.Unlock()
		return
	}
	e.pressure = v
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PressureEdge("wsproto")
	}
	if e.onPressure != nil {
		e.onPressure(v)
	}
}

// Close begins a local-initiated close handshake: sends a close frame and
// waits up to the close grace (Config.CloseGrace, 5s by default) for the
// peer to echo before hard-closing.
func (e *Engine) Close(code int, reason string) {
	e.mu.Lock()
	if e.sentClose {
		e.mu.Unlock()
		return
	}
	e.sentClose = true
	e.mu.Unlock()

	e.enqueueWrite(Encode(true, OpClose, encodeClosePayload(code, reason), !e.isServer))
	e.closeTimer = e.loop.After(e.closeGrace, func() { e.finish(code, reason) })
}

func (e *Engine) handleInboundClose(code int, reason string) {
	e.mu.Lock()
	alreadySent := e.sentClose
	e.mu.Unlock()
	if !alreadySent {
		e.mu.Lock()
		e.sentClose = true
		e.mu.Unlock()
		e.enqueueWrite(Encode(true, OpClose, encodeClosePayload(code, reason), !e.isServer))
	}
	if e.closeTimer != nil {
		e.closeTimer.Cancel()
	}
	e.finish(code, reason)
}

func (e *Engine) finish(code int, reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.stopCh)
	_ = e.conn.Close()
	if e.onClosed != nil {
		e.onClosed(code, reason)
	}
}

func encodeClosePayload(code int, reason string) []byte {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

func decodeClosePayload(payload []byte) (int, string) {
	if len(payload) < 2 {
		return CloseNormal, ""
	}
	code := int(binary.BigEndian.Uint16(payload))
	return code, string(payload[2:])
}
