package restjson

import (
	"net"
	"sync"
	"time"

	"github.com/deskbridge/bridge/channel"
	"github.com/deskbridge/bridge/internal/blog"
	"github.com/deskbridge/bridge/internal/jsonx"
	"github.com/deskbridge/bridge/loop"
)

type pollState struct {
	last     any
	hasLast  bool
	interval time.Duration
	watching int64
	timer    *loop.Timer
}

type pendingRequest struct {
	cookie  int64
	label   string
	headers []byte
	body    []byte
	poll    *pollState
	resp    *response
	conn    net.Conn
}

// Metrics is the subset of control.Metrics a Channel reports in-flight
// request counts to. Optional.
type Metrics interface {
	RESTRequestStarted()
	RESTRequestFinished()
}

// Channel implements the rest-json1 payload as a channel.Channel
// implementation (Prepare/Recv/OnClose hooks), grounded on
// cockpitrestjson.c's CockpitRestJson.
type Channel struct {
	ch          *channel.Channel
	loop        *loop.Loop
	openOptions map[string]any
	metrics     Metrics

	log interface {
		Debugf(string, ...any)
		Warnf(string, ...any)
	}

	dial func() (net.Conn, error)
	name string

	mu       sync.Mutex
	requests map[int64]*pendingRequest
	watches  map[int64]map[int64]int // watched cookie -> watching cookie -> refcount
	inactive net.Conn
}

// NewChannel constructs a rest-json1 channel with no metrics reporting.
// The returned *channel.Channel is always non-nil; invalid open options
// surface as a "protocol-error" close once Prepare runs.
func NewChannel(id string, peer channel.Peer, l *loop.Loop, openOptions map[string]any) *channel.Channel {
	return NewChannelWithMetrics(id, peer, l, openOptions, nil)
}

// NewChannelWithMetrics is NewChannel with an optional Metrics sink for
// in-flight request counts.
func NewChannelWithMetrics(id string, peer channel.Peer, l *loop.Loop, openOptions map[string]any, metrics Metrics) *channel.Channel {
	rc := &Channel{
		loop:        l,
		openOptions: openOptions,
		metrics:     metrics,
		log:         blog.For("restjson").WithField("channel", id),
		requests:    map[int64]*pendingRequest{},
		watches:     map[int64]map[int64]int{},
	}
	cfg := channel.Config{ID: id, OpenOptions: openOptions, Binary: false}
	rc.ch = channel.New(cfg, peer, l, rc)
	return rc.ch
}

func (rc *Channel) Prepare() {
	dial, name, err := parseOpenOptions(rc.openOptions)
	if err != nil {
		rc.ch.Fail("protocol-error", err.Error())
		return
	}
	rc.dial = dial
	rc.name = name
	rc.ch.Ready(nil)
}

func (rc *Channel) OnClose(problem string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, req := range rc.requests {
		rc.cancelRequestLocked(req)
	}
	rc.requests = map[int64]*pendingRequest{}
	if rc.inactive != nil {
		_ = rc.inactive.Close()
		rc.inactive = nil
	}
}

func (rc *Channel) Recv(payload []byte) {
	var obj map[string]any
	if err := jsonx.Unmarshal(payload, &obj); err != nil {
		rc.ch.Fail("protocol-error", "invalid REST JSON request")
		return
	}
	rc.createRequest(obj)
}

func (rc *Channel) createRequest(obj map[string]any) {
	cookie, ok := toInt64(obj["cookie"])
	if !ok {
		rc.ch.Fail("protocol-error", "invalid \"cookie\" member in REST JSON request")
		return
	}

	methodAny, hasMethod := obj["method"]
	if !hasMethod || methodAny == nil {
		// Cancel a request with this cookie. Not an error if absent.
		rc.mu.Lock()
		req, ok := rc.requests[cookie]
		if ok {
			rc.cancelRequestLocked(req)
			delete(rc.requests, cookie)
		}
		rc.mu.Unlock()
		return
	}

	method, ok := methodAny.(string)
	if !ok {
		rc.ch.Fail("protocol-error", "invalid \"method\" member in REST JSON request")
		return
	}
	path, _ := obj["path"].(string)

	if err := validatePath(path); err != nil {
		rc.ch.Fail("protocol-error", err.Error())
		return
	}
	if err := validateMethod(method); err != nil {
		rc.ch.Fail("protocol-error", err.Error())
		return
	}

	var poll *pollState
	if pollRaw, ok := obj["poll"]; ok {
		pollOpts, ok := pollRaw.(map[string]any)
		if !ok {
			rc.ch.Fail("protocol-error", "invalid \"poll\" member in REST JSON request")
			return
		}
		interval := int64(1000)
		if v, present := pollOpts["interval"]; present {
			n, ok := toInt64(v)
			if !ok || n < 0 || n >= maxPollInterval {
				rc.ch.Fail("protocol-error", "invalid \"interval\" member in REST JSON request")
				return
			}
			interval = n
		}
		watch := int64(0)
		if v, present := pollOpts["watch"]; present {
			n, ok := toInt64(v)
			if !ok {
				rc.ch.Fail("protocol-error", "invalid \"watch\" member in REST JSON request")
				return
			}
			watch = n
		}
		poll = &pollState{interval: time.Duration(interval) * time.Millisecond, watching: watch}
	}

	var body []byte
	if bodyAny, ok := obj["body"]; ok && bodyAny != nil {
		b, err := jsonx.Marshal(bodyAny)
		if err == nil {
			body = b
		}
	}

	req := &pendingRequest{
		cookie:  cookie,
		label:   path,
		headers: buildHeaders(method, path, body),
		body:    body,
		poll:    poll,
	}

	rc.mu.Lock()
	if prior, ok := rc.requests[cookie]; ok {
		rc.cancelRequestLocked(prior)
	}
	rc.requests[cookie] = req
	if poll != nil && poll.watching != 0 {
		rc.addWatchLocked(poll.watching, cookie)
	}
	rc.mu.Unlock()

	rc.sendRequest(req)

	if poll != nil && poll.interval > 0 {
		rc.schedulePoll(req)
	}
}

func (rc *Channel) schedulePoll(req *pendingRequest) {
	req.poll.timer = rc.loop.After(req.poll.interval, func() {
		rc.mu.Lock()
		_, live := rc.requests[req.cookie]
		rc.mu.Unlock()
		if !live {
			return
		}
		if req.resp == nil {
			rc.sendRequest(req)
		}
		rc.schedulePoll(req)
	})
}

// addWatchLocked records that watching re-dispatches whenever watched's
// response produces data, refcounting duplicate adds for the same pair.
func (rc *Channel) addWatchLocked(watched, watching int64) {
	m, ok := rc.watches[watched]
	if !ok {
		m = map[int64]int{}
		rc.watches[watched] = m
	}
	m[watching]++
}

// removeWatchLocked undoes one addWatchLocked for the pair, dropping the
// entry once its refcount reaches zero.
func (rc *Channel) removeWatchLocked(watched, watching int64) {
	m, ok := rc.watches[watched]
	if !ok {
		return
	}
	m[watching]--
	if m[watching] <= 0 {
		delete(m, watching)
	}
	if len(m) == 0 {
		delete(rc.watches, watched)
	}
}

func (rc *Channel) cancelRequestLocked(req *pendingRequest) {
	if req.poll != nil {
		if req.poll.timer != nil {
			req.poll.timer.Cancel()
		}
		if req.poll.watching != 0 {
			rc.removeWatchLocked(req.poll.watching, req.cookie)
		}
	}
	if req.conn != nil {
		_ = req.conn.Close()
	}
}

func (rc *Channel) getConnection() (net.Conn, error) {
	rc.mu.Lock()
	if rc.inactive != nil {
		c := rc.inactive
		rc.inactive = nil
		rc.mu.Unlock()
		return c, nil
	}
	rc.mu.Unlock()
	return rc.dial()
}

func (rc *Channel) sendRequest(req *pendingRequest) {
	conn, err := rc.getConnection()
	if err != nil {
		rc.log.Warnf("rest-json1 %s: dial %s failed: %v", req.label, rc.name, err)
		rc.ch.Fail("not-found", err.Error())
		return
	}
	req.conn = conn
	req.resp = newResponse()
	rc.log.Debugf("rest-json1 %s: request sent to %s", req.label, rc.name)

	if _, err := conn.Write(req.headers); err != nil {
		_ = conn.Close()
		rc.ch.Fail("not-found", err.Error())
		return
	}
	if len(req.body) > 0 {
		if _, err := conn.Write(req.body); err != nil {
			_ = conn.Close()
			rc.ch.Fail("not-found", err.Error())
			return
		}
	}

	if rc.metrics != nil {
		rc.metrics.RESTRequestStarted()
	}
	go rc.readResponse(req, conn)
}

func (rc *Channel) readResponse(req *pendingRequest, conn net.Conn) {
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		var chunk []byte
		if n > 0 {
			chunk = make([]byte, n)
			copy(chunk, buf[:n])
		}
		eof := err != nil
		rc.loop.Post(func() { rc.handleResponseChunk(req, chunk, eof) })
		if err != nil {
			return
		}
	}
}

func (rc *Channel) handleResponseChunk(req *pendingRequest, chunk []byte, eof bool) {
	done, err := req.resp.feed(chunk, eof, func(body any, complete bool) {
		rc.reply(req, body, complete)
	})
	if err != nil {
		if rc.metrics != nil {
			rc.metrics.RESTRequestFinished()
		}
		rc.ch.Fail("protocol-error", err.Error())
		return
	}
	// Any bytes read on the watched response's connection mark its
	// watchers dirty, not just a fully completed response: a long-lived
	// stream's watcher has to re-dispatch on every chunk.
	rc.notifyWatchers(req.cookie)
	if done {
		rc.finishRequest(req)
	}
}

func (rc *Channel) finishRequest(req *pendingRequest) {
	if rc.metrics != nil {
		rc.metrics.RESTRequestFinished()
	}

	rc.mu.Lock()
	if rc.inactive != nil {
		_ = rc.inactive.Close()
	}
	rc.inactive = req.conn
	rc.mu.Unlock()
	req.conn = nil
	req.resp = nil
}

func (rc *Channel) notifyWatchers(cookie int64) {
	rc.mu.Lock()
	var watchers []int64
	for watcher := range rc.watches[cookie] {
		watchers = append(watchers, watcher)
	}
	rc.mu.Unlock()
	for _, watcher := range watchers {
		rc.notifyWatcher(watcher)
	}
}

func (rc *Channel) notifyWatcher(cookie int64) {
	rc.loop.After(0, func() {
		rc.mu.Lock()
		req, ok := rc.requests[cookie]
		rc.mu.Unlock()
		if ok && req.resp == nil {
			rc.sendRequest(req)
		}
	})
}

func (rc *Channel) reply(req *pendingRequest, body any, complete bool) {
	status := req.resp.status
	message := req.resp.failureMessage()

	if req.poll != nil {
		if status >= 200 && status <= 299 {
			if body == nil {
				return
			}
			if req.poll.hasLast && jsonx.DeepEqual(req.poll.last, body) {
				return
			}
			req.poll.last = body
			req.poll.hasLast = true
			complete = false
		} else {
			if req.poll.timer != nil {
				req.poll.timer.Cancel()
			}
			complete = true
		}
	}

	out := map[string]any{
		"cookie":  req.cookie,
		"status":  status,
		"message": message,
	}
	if complete {
		out["complete"] = true
	}
	if body != nil {
		out["body"] = body
	}
	raw, err := jsonx.Marshal(out)
	if err != nil {
		rc.ch.Fail("internal-error", "failed to encode REST JSON reply")
		return
	}
	rc.ch.Send(raw, true)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}
