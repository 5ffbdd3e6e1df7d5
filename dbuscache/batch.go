package dbuscache

// batch is a ref-counted ordering token grouping asynchronous work whose
// effects must surface as exactly one update map, grounded on
// cockpitdbuscache.c's BatchData / batch_create / batch_ref / _batch_unref
// / batch_progress.
type batch struct {
	number int
	refs   int
	orphan bool
}

// barrierEntry is a user callback waiting for every batch at or before
// number to finish, grounded on BarrierData / barrier_progress.
type barrierEntry struct {
	number int
	fn     func()
}

func (c *Cache) batchCreate() *batch {
	c.number++
	b := &batch{number: c.number, refs: 1}
	c.batches = append(c.batches, b)
	c.reportQueueDepth()
	return b
}

// reportQueueDepth samples the outstanding batch/barrier counts into
// metrics, if configured. Called whenever either queue's length changes.
func (c *Cache) reportQueueDepth() {
	if c.metrics != nil {
		c.metrics.SetCacheQueueDepth(len(c.batches), len(c.barriers))
	}
}

func (c *Cache) batchRef(b *batch) *batch {
	b.refs++
	return b
}

func (c *Cache) batchUnref(b *batch) {
	b.refs--
	if b.refs == 0 && b.orphan {
		c.removeBatch(b)
		return
	}
	c.batchProgress()
}

func (c *Cache) removeBatch(b *batch) {
	for i, x := range c.batches {
		if x == b {
			c.batches = append(c.batches[:i], c.batches[i+1:]...)
			return
		}
	}
}

// batchProgress pops completed batches (refs == 0) off the head of the
// queue in order, emitting the update map accumulated since the last
// flush after each pop, then lets barriers progress.
func (c *Cache) batchProgress() {
	for len(c.batches) > 0 {
		head := c.batches[0]
		if head.refs > 0 {
			return
		}
		c.batches = c.batches[1:]
		c.reportQueueDepth()

		update := c.pending
		c.pending = nil
		if len(update) > 0 && c.onUpdate != nil {
			c.onUpdate(update)
		}
		c.barrierProgress()
	}
}

// batchFlush discards outstanding batches without emitting further
// updates, for the dispose path: a batch still referenced by in-flight
// work is marked orphan so its eventual unref just frees it silently.
func (c *Cache) batchFlush() {
	for _, b := range c.batches {
		if b.refs > 0 {
			b.orphan = true
		}
	}
	c.batches = nil
	c.pending = nil
	c.reportQueueDepth()
}

// Barrier schedules fn to run once every batch outstanding right now has
// completed (and so every update those batches will produce has been
// delivered). Fires synchronously if nothing is in flight.
func (c *Cache) Barrier(fn func()) {
	if len(c.batches) == 0 {
		fn()
		return
	}
	c.barriers = append(c.barriers, &barrierEntry{number: c.batches[len(c.batches)-1].number, fn: fn})
	c.reportQueueDepth()
}

// barrierProgress fires barriers from the head of the queue while the
// current head batch's number has already passed the barrier's recorded
// number (or there is no head batch at all).
func (c *Cache) barrierProgress() {
	hasBatch := len(c.batches) > 0
	var headNumber int
	if hasBatch {
		headNumber = c.batches[0].number
	}
	for len(c.barriers) > 0 {
		next := c.barriers[0]
		if hasBatch && headNumber <= next.number {
			return
		}
		c.barriers = c.barriers[1:]
		next.fn()
	}
	c.reportQueueDepth()
}

func (c *Cache) barrierFlush() {
	pending := c.barriers
	c.barriers = nil
	c.reportQueueDepth()
	for _, b := range pending {
		b.fn()
	}
}
