// Package channel implements the per-channel lifecycle, flow control,
// freeze/thaw, and close-negotiation engine shared by every channel
// (spec component D). Concrete channel kinds (REST/JSON, DBus cache
// consumer, etc.) implement the small Prepare/Recv/Control/Close hook
// interfaces rather than subclassing, per Design Notes §9's "trait-like
// capability set" guidance.
package channel

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/deskbridge/bridge/internal/blog"
	"github.com/deskbridge/bridge/loop"
)

// Flow-control constants, grounded on cockpitchannel.c exactly.
const (
	PingStride = 16 * 1024        // CHANNEL_FLOW_PING
	Window     = 2 * 1024 * 1024  // CHANNEL_FLOW_WINDOW
	utf8Flush  = 500 * time.Millisecond
)

// Peer is what a Channel needs from the framed transport hosting it.
type Peer interface {
	Send(channel string, payload []byte) error
	SendControl(command, channel string, extra map[string]any) error
	Freeze(channel string)
	Thaw(channel string)
}

// Metrics is the subset of control.Metrics a Channel reports lifecycle
// events to. Optional: Config.Metrics may be left nil, the same way a
// nil *control.Metrics is a valid no-op.
type Metrics interface {
	ChannelOpened()
	ChannelClosed()
}

// Preparer is called once, after construction, on the loop.
type Preparer interface{ Prepare() }

// Receiver is called for every inbound data frame on the channel.
type Receiver interface{ Recv(payload []byte) }

// Controller is called for every inbound control frame naming the channel
// that the base engine does not itself own (anything but close/done/ping/
// pong/ready).
type Controller interface{ Control(command string, options map[string]any) }

// ImplCloser performs implementation-specific teardown before the base
// engine emits its own close control frame and the final closed
// notification.
type ImplCloser interface{ OnClose(problem string) }

// State is the channel's lifecycle state (spec §4.D).
type State int

const (
	Constructed State = iota
	Preparing
	Open
	Closing
	Closed
)

// Config carries per-channel construction parameters that would otherwise
// be constructor positional soup; it corresponds to Design Notes §9's
// "explicit configuration records" guidance.
type Config struct {
	ID           string
	OpenOptions  map[string]any
	Capabilities []string // declared capabilities this implementation supports
	Binary       bool     // if true, Send never attempts UTF-8 validation/coalescing
	Metrics      Metrics  // optional; nil disables lifecycle reporting
}

// WithDefaults returns a copy of c with zero/nil fields set to their
// defaults: an empty (non-nil) OpenOptions and Capabilities.
func (c Config) WithDefaults() Config {
	if c.OpenOptions == nil {
		c.OpenOptions = map[string]any{}
	}
	if c.Capabilities == nil {
		c.Capabilities = []string{}
	}
	return c
}

// Channel is the base engine. Embed or hold one per concrete channel type.
type Channel struct {
	id           string
	peer         Peer
	loop         *loop.Loop
	impl         any
	capabilities []string
	binary       bool
	openOptions  map[string]any
	metrics      Metrics

	log interface {
		Debugf(string, ...any)
		Warnf(string, ...any)
	}

	mu           sync.Mutex
	state        State
	ready        bool
	closing      bool
	sentClose    bool
	receivedDone bool
	sentDone     bool
	closeOptions map[string]any

	// flow control
	outSequence int64
	outWindow   int64
	pressure    bool
	onPressure  func(bool)

	// receiver-side throttling of ping replies
	throttled     bool
	throttledPing *queue.Queue

	// UTF-8 coalescing
	pendingUTF8 []byte
	utf8Timer   *loop.Timer

	onClosed func(problem string)
}

// New constructs a Channel frozen on peer (spec: "Each channel is created
// frozen ... and must transition to Ready before the freeze is lifted"),
// and schedules impl's Prepare hook (if any) to run on the loop.
func New(cfg Config, peer Peer, l *loop.Loop, impl any) *Channel {
	cfg = cfg.WithDefaults()
	c := &Channel{
		id:            cfg.ID,
		peer:          peer,
		loop:          l,
		impl:          impl,
		capabilities:  cfg.Capabilities,
		binary:        cfg.Binary,
		openOptions:   cfg.OpenOptions,
		metrics:       cfg.Metrics,
		log:           blog.For("channel").WithField("channel", cfg.ID),
		outWindow:     Window,
		closeOptions:  map[string]any{},
		throttledPing: queue.New(),
	}
	peer.Freeze(c.id)
	l.Post(c.construct)
	return c
}

func (c *Channel) construct() {
	c.mu.Lock()
	c.state = Preparing
	c.mu.Unlock()

	if missing := c.missingCapabilities(); len(missing) > 0 {
		c.SetCloseOption("capabilities", c.capabilities)
		c.Close("not-supported")
		return
	}

	if p, ok := c.impl.(Preparer); ok {
		p.Prepare()
	}
}

func (c *Channel) missingCapabilities() []string {
	raw, ok := c.openOptions["capabilities"]
	if !ok {
		return nil
	}
	requested, ok := raw.([]any)
	if !ok {
		return nil
	}
	have := make(map[string]struct{}, len(c.capabilities))
	for _, cap := range c.capabilities {
		have[cap] = struct{}{}
	}
	var missing []string
	for _, r := range requested {
		s, _ := r.(string)
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// ID returns the channel's wire id.
func (c *Channel) ID() string { return c.id }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnPressure registers the callback fired on every pressure edge.
func (c *Channel) OnPressure(fn func(bool)) { c.onPressure = fn }

// OnClosed registers the callback fired once the channel has fully closed.
func (c *Channel) OnClosed(fn func(problem string)) { c.onClosed = fn }

// Ready thaws the transport for this channel and announces readiness,
// merging extra options into the outbound "ready" control frame.
func (c *Channel) Ready(options map[string]any) {
	c.mu.Lock()
	if c.ready || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.ready = true
	c.state = Open
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ChannelOpened()
	}
	c.peer.Thaw(c.id)
	_ = c.peer.SendControl("ready", c.id, options)
}

// SetCloseOption stages a field to be merged into the eventual "close"
// control frame, per cockpitchannel.c's close_options.
func (c *Channel) SetCloseOption(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeOptions[key] = value
}

// Capabilities returns the implementation's declared capability list.
func (c *Channel) Capabilities() []string { return c.capabilities }

// Fail is a convenience for closing with problem and a human-readable
// message close option.
func (c *Channel) Fail(problem, message string) {
	c.SetCloseOption("message", message)
	c.Close(problem)
}

// Close idempotently tears the channel down: invokes the implementation's
// OnClose hook, flushes any pending UTF-8 buffer, sends a "close" control
// frame, and emits the closed notification.
func (c *Channel) Close(problem string) {
	c.closeInternal(problem, true)
}

// handleInboundClose is driven by a peer-initiated "close" control frame;
// it tears down without re-emitting a close frame of our own.
func (c *Channel) handleInboundClose(problem string) {
	c.closeInternal(problem, false)
}

func (c *Channel) closeInternal(problem string, sendFrame bool) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	wasReady := c.ready
	c.state = Closing
	c.mu.Unlock()

	if wasReady && c.metrics != nil {
		c.metrics.ChannelClosed()
	}

	if closer, ok := c.impl.(ImplCloser); ok {
		closer.OnClose(problem)
	}
	c.flushPendingNow()

	if sendFrame {
		c.mu.Lock()
		opts := make(map[string]any, len(c.closeOptions)+1)
		for k, v := range c.closeOptions {
			opts[k] = v
		}
		c.mu.Unlock()
		if problem != "" {
			opts["problem"] = problem
		}
		_ = c.peer.SendControl("close", c.id, opts)
	}

	c.mu.Lock()
	c.sentClose = true
	c.state = Closed
	c.mu.Unlock()

	if c.onClosed != nil {
		c.onClosed(problem)
	}
}

// Done sends a one-shot EOF marker on this channel; each side may do this
// at most once.
func (c *Channel) Done() {
	c.mu.Lock()
	if c.sentDone {
		c.mu.Unlock()
		return
	}
	c.sentDone = true
	c.mu.Unlock()
	_ = c.peer.SendControl("done", c.id, nil)
}

// ReceivedDone reports whether the peer has sent "done" on this channel.
func (c *Channel) ReceivedDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivedDone
}

// HandleRecv dispatches an inbound data frame to the implementation.
func (c *Channel) HandleRecv(payload []byte) {
	if r, ok := c.impl.(Receiver); ok {
		r.Recv(payload)
	}
}

// HandleControl dispatches an inbound control frame naming this channel.
// It pre-handles close/done/ping/pong/ready exactly as spec §4.D
// specifies ("The base implements close, done, ping, pong exactly as
// specified by the flow-control rules ... ready is also pre-owned");
// any other command reaches the implementation's Control hook.
func (c *Channel) HandleControl(command string, options map[string]any) {
	switch command {
	case "close":
		problem, _ := options["problem"].(string)
		c.handleInboundClose(problem)
	case "done":
		c.mu.Lock()
		c.receivedDone = true
		c.mu.Unlock()
	case "ping":
		c.handlePing(options)
	case "pong":
		c.handlePong(options)
	case "ready":
		// pre-owned: the base already emits its own ready; an inbound
		// one for a channel we host requires no action.
	default:
		if ctl, ok := c.impl.(Controller); ok {
			ctl.Control(command, options)
		} else {
			c.log.Debugf("unhandled control command %q", command)
		}
	}
}

// SetThrottled marks whether this channel's own consumer is currently
// back-pressured. While throttled, ping replies are queued in FIFO order
// instead of sent immediately, and replayed once released (spec §3's
// "If the receiver is itself throttled by some upstream flow...").
func (c *Channel) SetThrottled(throttled bool) {
	c.mu.Lock()
	was := c.throttled
	c.throttled = throttled
	c.mu.Unlock()
	if was && !throttled {
		c.drainThrottledPings()
	}
}

func (c *Channel) handlePing(options map[string]any) {
	extra := map[string]any{}
	if seq, ok := options["sequence"]; ok {
		extra["sequence"] = seq
	}
	c.mu.Lock()
	throttled := c.throttled
	c.mu.Unlock()
	if throttled {
		c.mu.Lock()
		c.throttledPing.Add(extra)
		c.mu.Unlock()
		return
	}
	_ = c.peer.SendControl("pong", c.id, extra)
}

func (c *Channel) drainThrottledPings() {
	for {
		c.mu.Lock()
		if c.throttledPing.Length() == 0 {
			c.mu.Unlock()
			return
		}
		extra := c.throttledPing.Remove().(map[string]any)
		c.mu.Unlock()
		_ = c.peer.SendControl("pong", c.id, extra)
	}
}

func (c *Channel) handlePong(options map[string]any) {
	seqAny, ok := options["sequence"]
	if !ok {
		return
	}
	seq := toInt64(seqAny)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Guard against a bogus/far-future sequence from a confused peer
	// (see SPEC_FULL.md §5, grounded on cockpitchannel.c:236).
	if seq > c.outWindow+10*Window {
		return
	}
	if seq >= c.outWindow {
		c.outWindow = seq + Window
		if c.outSequence <= c.outWindow {
			c.setPressureLocked(false)
		}
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Send enqueues a data frame. If the channel is not binary and payload is
// not declared trustworthy UTF-8, an incomplete trailing multi-byte
// sequence is coalesced with the next send (spec §4.D).
func (c *Channel) Send(payload []byte, trustIsUTF8 bool) {
	if c.binary || trustIsUTF8 {
		c.sendData(payload)
		return
	}
	c.sendText(payload)
}

func (c *Channel) sendData(payload []byte) {
	c.mu.Lock()
	prevSeq := c.outSequence
	newSeq := prevSeq + int64(len(payload))
	triggerPressure := prevSeq <= c.outWindow && newSeq > c.outWindow
	needPing := newSeq/PingStride != prevSeq/PingStride || triggerPressure
	c.outSequence = newSeq
	c.mu.Unlock()

	_ = c.peer.Send(c.id, payload)
	if needPing {
		_ = c.peer.SendControl("ping", c.id, map[string]any{"sequence": newSeq})
	}
	if triggerPressure {
		c.setPressure(true)
	}
}

func (c *Channel) setPressure(v bool) {
	c.mu.Lock()
	c.setPressureLocked(v)
	c.mu.Unlock()
}

func (c *Channel) setPressureLocked(v bool) {
	if c.pressure == v {
		return
	}
	c.pressure = v
	cb := c.onPressure
	if cb != nil {
		cb(v)
	}
}
