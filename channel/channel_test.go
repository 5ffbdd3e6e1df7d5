package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/deskbridge/bridge/loop"
)

type controlCall struct {
	command string
	channel string
	extra   map[string]any
}

type fakePeer struct {
	mu       sync.Mutex
	sent     [][]byte
	control  []controlCall
	frozen   map[string]bool
	controlC chan controlCall
}

func newFakePeer() *fakePeer {
	return &fakePeer{frozen: map[string]bool{}, controlC: make(chan controlCall, 32)}
}

func (p *fakePeer) Send(channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), payload...)
	p.sent = append(p.sent, cp)
	return nil
}

func (p *fakePeer) SendControl(command, channel string, extra map[string]any) error {
	p.mu.Lock()
	p.control = append(p.control, controlCall{command, channel, extra})
	p.mu.Unlock()
	p.controlC <- controlCall{command, channel, extra}
	return nil
}

func (p *fakePeer) Freeze(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen[channel] = true
}

func (p *fakePeer) Thaw(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frozen, channel)
}

func (p *fakePeer) lastControl(command string) (controlCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.control) - 1; i >= 0; i-- {
		if p.control[i].command == command {
			return p.control[i], true
		}
	}
	return controlCall{}, false
}

func (p *fakePeer) waitControl(t *testing.T, command string) controlCall {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case c := <-p.controlC:
			if c.command == command {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for control %q", command)
		}
	}
}

type fakeImpl struct {
	mu       sync.Mutex
	prepared bool
	closed   []string
	controls []controlCall
}

func (f *fakeImpl) Prepare() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = true
}

func (f *fakeImpl) OnClose(problem string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, problem)
}

func (f *fakeImpl) Control(command string, options map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, controlCall{command: command, extra: options})
}

func runningLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func TestPrepareRunsOnLoop(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}

	New(Config{ID: "c1"}, peer, l, impl)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		impl.mu.Lock()
		ok := impl.prepared
		impl.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Prepare was never called")
}

func TestReadyThawsAndAnnounces(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}

	ch := New(Config{ID: "c1"}, peer, l, impl)
	ch.Ready(map[string]any{"foo": "bar"})

	call := peer.waitControl(t, "ready")
	if call.extra["foo"] != "bar" {
		t.Fatalf("expected merged ready options, got %v", call.extra)
	}
	peer.mu.Lock()
	frozen := peer.frozen["c1"]
	peer.mu.Unlock()
	if frozen {
		t.Fatal("expected channel to be thawed after Ready")
	}
}

func TestCapabilityMismatchAutoCloses(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}

	New(Config{
		ID:           "c1",
		OpenOptions:  map[string]any{"capabilities": []any{"binary"}},
		Capabilities: []string{"text"},
	}, peer, l, impl)

	call := peer.waitControl(t, "close")
	if call.extra["problem"] != "not-supported" {
		t.Fatalf("expected not-supported, got %v", call.extra)
	}
}

func TestCloseIsIdempotentAndInvokesImpl(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1"}, peer, l, impl)

	closedCh := make(chan string, 2)
	ch.OnClosed(func(problem string) { closedCh <- problem })

	ch.Close("test-problem")
	ch.Close("ignored-second-problem")

	select {
	case p := <-closedCh:
		if p != "test-problem" {
			t.Fatalf("unexpected problem %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case p := <-closedCh:
		t.Fatalf("close fired twice, second problem %q", p)
	case <-time.After(50 * time.Millisecond):
	}

	impl.mu.Lock()
	defer impl.mu.Unlock()
	if len(impl.closed) != 1 || impl.closed[0] != "test-problem" {
		t.Fatalf("expected OnClose called exactly once with test-problem, got %v", impl.closed)
	}
}

func TestInboundCloseDoesNotReEmitCloseFrame(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1"}, peer, l, impl)

	ch.HandleControl("close", map[string]any{"problem": "peer-said-so"})

	time.Sleep(50 * time.Millisecond)
	if _, ok := peer.lastControl("close"); ok {
		t.Fatal("expected no close frame to be sent back for a peer-initiated close")
	}
	if ch.State() != Closed {
		t.Fatalf("expected Closed, got %v", ch.State())
	}
}

func TestBuiltinPingPongAndThrottling(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1"}, peer, l, impl)

	ch.HandleControl("ping", map[string]any{"sequence": float64(5)})
	call := peer.waitControl(t, "pong")
	if call.extra["sequence"] != float64(5) {
		t.Fatalf("expected echoed sequence, got %v", call.extra)
	}

	ch.SetThrottled(true)
	ch.HandleControl("ping", map[string]any{"sequence": float64(6)})

	select {
	case c := <-peer.controlC:
		t.Fatalf("expected pong to be queued while throttled, got %v", c)
	case <-time.After(50 * time.Millisecond):
	}

	ch.SetThrottled(false)
	call = peer.waitControl(t, "pong")
	if call.extra["sequence"] != float64(6) {
		t.Fatalf("expected queued sequence 6 replayed, got %v", call.extra)
	}
}

func TestFlowControlPressureEdgeTriggered(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1", Binary: true}, peer, l, impl)

	var edges []bool
	ch.OnPressure(func(v bool) { edges = append(edges, v) })

	big := make([]byte, Window+1)
	ch.Send(big, true)

	peer.waitControl(t, "ping")

	if len(edges) != 1 || edges[0] != true {
		t.Fatalf("expected a single pressure-on edge, got %v", edges)
	}

	ch.handlePong(map[string]any{"sequence": float64(Window + 1)})
	if len(edges) != 2 || edges[1] != false {
		t.Fatalf("expected a pressure-off edge after pong, got %v", edges)
	}
}

func TestBogusPongSequenceIgnored(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1", Binary: true}, peer, l, impl)

	ch.mu.Lock()
	before := ch.outWindow
	ch.mu.Unlock()

	ch.handlePong(map[string]any{"sequence": float64(before + 10*Window + 1)})

	ch.mu.Lock()
	after := ch.outWindow
	ch.mu.Unlock()
	if after != before {
		t.Fatalf("expected bogus far-future sequence to be ignored, outWindow changed %d -> %d", before, after)
	}
}

func TestUTF8IncompleteTailCoalesced(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1"}, peer, l, impl)

	euro := []byte("\xe2\x82\xac") // "€"
	ch.Send(euro[:2], false)       // incomplete: first two bytes of a 3-byte sequence

	time.Sleep(20 * time.Millisecond)
	peer.mu.Lock()
	sentSoFar := len(peer.sent)
	peer.mu.Unlock()
	if sentSoFar != 0 {
		t.Fatalf("expected incomplete tail to be held, but %d frame(s) were sent", sentSoFar)
	}

	ch.Send(euro[2:], false)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.sent) != 1 || string(peer.sent[0]) != "\xe2\x82\xac" {
		t.Fatalf("expected coalesced euro sign, got %v", peer.sent)
	}
}

func TestUTF8TimerFlushesWithoutFollowup(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1"}, peer, l, impl)

	euro := []byte("\xe2\x82\xac")
	ch.Send(euro[:1], false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		peer.mu.Lock()
		n := len(peer.sent)
		peer.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected pending UTF-8 tail to flush after timer")
}

func TestUnknownControlForwardedToImpl(t *testing.T) {
	l := runningLoop(t)
	peer := newFakePeer()
	impl := &fakeImpl{}
	ch := New(Config{ID: "c1"}, peer, l, impl)

	ch.HandleControl("options", map[string]any{"batch": float64(10)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		impl.mu.Lock()
		n := len(impl.controls)
		impl.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected unknown control command forwarded to impl.Control")
}
