// Package loop implements the single-threaded cooperative scheduler that
// every engine in the bridge (transport, channel, restjson, dbuscache) is
// constructed against, per the system's concurrency model: "The entire
// core executes in a single-threaded cooperative task context driven by a
// main event loop. No component expects concurrent entry."
//
// It is adapted from the teacher's internal/concurrency/eventloop.go, with
// the multi-worker/lock-free-MPMC shape removed (wrong concurrency model
// for a cooperative loop: there is exactly one goroutine draining tasks)
// and timer support added, since batches, barriers, UTF-8 flush deadlines,
// and REST poll intervals all need deferred work scheduled on the same
// loop that handles I/O completions.
package loop

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Task is a unit of work scheduled on the loop.
type Task func()

// Loop is a single-threaded cooperative task/timer executor. All values
// it schedules run sequentially, in FIFO order of submission (for Post)
// interleaved with timers as they expire — never concurrently with each
// other. A Loop must be driven by exactly one goroutine calling Run.
type Loop struct {
	mu      sync.Mutex
	tasks   *queue.Queue
	timers  []*timerEntry
	wake    chan struct{}
	closed  bool
	closeCh chan struct{}
}

type timerEntry struct {
	deadline time.Time
	task     Task
	cancel   bool
}

// Timer is a handle allowing a scheduled deferred task to be cancelled
// before it fires.
type Timer struct {
	entry *timerEntry
}

// Cancel prevents the timer's task from running, if it has not already
// fired. Safe to call more than once.
func (t *Timer) Cancel() {
	if t == nil || t.entry == nil {
		return
	}
	t.entry.cancel = true
}

// New creates a Loop ready to accept Post/After calls before Run starts;
// posting before Run is fine, the tasks simply wait in queue.
func New() *Loop {
	return &Loop{
		tasks:   queue.New(),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Post enqueues task to run on the loop goroutine, in FIFO order relative
// to other Post calls. Safe to call from any goroutine (this is the only
// way other goroutines — e.g. a blocking DBus RPC completion, or a socket
// reader — may hand work back to the loop thread, per the system's
// "post back to the loop thread" shared-resource policy).
func (l *Loop) Post(task Task) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks.Add(task)
	l.mu.Unlock()
	l.notify()
}

// After schedules task to run no earlier than d from now, on the loop
// goroutine. Returns a Timer that can cancel it.
func (l *Loop) After(d time.Duration, task Task) *Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return &Timer{}
	}
	entry := &timerEntry{deadline: time.Now().Add(d), task: task}
	l.timers = append(l.timers, entry)
	l.notifyLocked()
	return &Timer{entry: entry}
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) notifyLocked() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains tasks and fires timers until Stop is called. It blocks the
// calling goroutine; callers typically run it in its own goroutine (or
// are themselves the dedicated loop goroutine for a single transport).
func (l *Loop) Run() {
	for {
		select {
		case <-l.closeCh:
			return
		default:
		}

		task, ok := l.popTask()
		if ok {
			task()
			continue
		}

		wait := l.nextTimerWait()
		if wait <= 0 {
			if l.fireDueTimers() {
				continue
			}
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-l.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Stop halts the loop after its current task, if any, finishes. Pending
// tasks and timers are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.closeCh)
}

func (l *Loop) popTask() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks.Length() == 0 {
		return nil, false
	}
	t := l.tasks.Remove().(Task)
	return t, true
}

// nextTimerWait returns how long until the earliest live timer fires: zero
// or negative if one is already due, and -1 if there are none.
func (l *Loop) nextTimerWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var earliest time.Time
	found := false
	for _, e := range l.timers {
		if e.cancel {
			continue
		}
		if !found || e.deadline.Before(earliest) {
			earliest = e.deadline
			found = true
		}
	}
	if !found {
		return -1
	}
	return time.Until(earliest)
}

// fireDueTimers runs (on the calling/loop goroutine) every timer whose
// deadline has passed, removing it from the pending list. Reports whether
// any timer fired.
func (l *Loop) fireDueTimers() bool {
	l.mu.Lock()
	now := time.Now()
	var due []Task
	remaining := l.timers[:0]
	for _, e := range l.timers {
		if e.cancel {
			continue
		}
		if !e.deadline.After(now) {
			due = append(due, e.task)
		} else {
			remaining = append(remaining, e)
		}
	}
	l.timers = remaining
	l.mu.Unlock()

	for _, task := range due {
		task()
	}
	return len(due) > 0
}
