package pubsub

import "sync"

// OfferResult describes the outcome of a non-blocking enqueue.
type OfferResult int

const (
	// OfferAccepted means the message was enqueued through the normal path.
	OfferAccepted OfferResult = iota
	// OfferEvicted means the oldest pending message was dropped to make
	// room, then the new message was enqueued.
	OfferEvicted
	// OfferRejected means the queue is closed.
	OfferRejected
)

// CloseReason records why a SubscriberQueue was closed so the writer
// draining it can react (e.g. notify the session when its topic was
// deleted).
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseUnsubscribed
	CloseTopicDeleted
	CloseSessionClosed
	CloseShutdown
)

// SubscriberQueue is the bounded FIFO of pending deliveries for one
// (session, topic) pair. Offer never blocks: on overflow the oldest entry
// is evicted and the consecutive-drop counter incremented; an offer that
// goes through the normal path resets the counter. When consecutive drops
// reach slowThreshold the queue latches slow, and the writer draining it
// evicts the session. A slowThreshold of 0 disables the latch (drops are
// absorbed silently).
type SubscriberQueue struct {
	clientID string
	topic    string

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Message
	head   int
	count  int
	closed bool
	reason CloseReason

	consecutiveDrops int
	slowThreshold    int
	slow             bool
}

// NewSubscriberQueue creates a queue of the given capacity for clientID's
// subscription to topic.
func NewSubscriberQueue(clientID, topic string, capacity, slowThreshold int) *SubscriberQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &SubscriberQueue{
		clientID:      clientID,
		topic:         topic,
		buf:           make([]Message, capacity),
		slowThreshold: slowThreshold,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Offer enqueues m without blocking. Drop-oldest is the only overflow
// behavior; publishers must never stall on a slow subscriber.
func (q *SubscriberQueue) Offer(m Message) OfferResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return OfferRejected
	}

	res := OfferAccepted
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.consecutiveDrops++
		if q.slowThreshold > 0 && q.consecutiveDrops >= q.slowThreshold {
			q.slow = true
		}
		res = OfferEvicted
	} else {
		q.consecutiveDrops = 0
	}

	q.buf[(q.head+q.count)%len(q.buf)] = m
	q.count++
	q.cond.Signal()
	return res
}

// Take blocks until a message is available or the queue is closed.
// The second return is false once the queue is closed; pending messages
// are discarded at that point.
func (q *SubscriberQueue) Take() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Message{}, false
	}

	m := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return m, true
}

// Close marks the queue closed with the given reason, unblocks all takers
// and rejects future offers. Only the first call records a reason.
func (q *SubscriberQueue) Close(reason CloseReason) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.reason = reason
	q.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (q *SubscriberQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Reason returns the close reason, CloseNone while open.
func (q *SubscriberQueue) Reason() CloseReason {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason
}

// Len returns the number of pending messages.
func (q *SubscriberQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// ConsecutiveDrops returns the current consecutive-drop count.
func (q *SubscriberQueue) ConsecutiveDrops() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consecutiveDrops
}

// Slow reports whether the consecutive-drop threshold has been reached.
// The latch never resets; the subscription is evicted once observed.
func (q *SubscriberQueue) Slow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.slow
}

// ClientID returns the caller-supplied subscriber identifier.
func (q *SubscriberQueue) ClientID() string { return q.clientID }

// TopicName returns the topic this queue is attached to.
func (q *SubscriberQueue) TopicName() string { return q.topic }
