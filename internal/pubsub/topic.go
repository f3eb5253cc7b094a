package pubsub

import "sync"

// Topic holds the ring of recent messages and the set of attached
// subscriber queues. The mutex guards both; fan-out offers run outside it
// so one slow queue cannot stall the other subscribers of the topic.
type Topic struct {
	name string

	mu             sync.Mutex
	ring           *RingBuffer
	subs           map[*SubscriberQueue]struct{}
	totalPublished int64
}

func newTopic(name string, ringSize int) *Topic {
	return &Topic{
		name: name,
		ring: NewRingBuffer(ringSize),
		subs: make(map[*SubscriberQueue]struct{}),
	}
}

// PublishResult carries fan-out accounting for the broker's counters.
type PublishResult struct {
	Subscribers int
	Delivered   int
	Dropped     int
}

// Publish appends m to the ring and offers it to every attached queue.
// The append, counter increment and subscriber snapshot happen under the
// topic lock; the offers happen after it is released.
func (t *Topic) Publish(m Message) PublishResult {
	t.mu.Lock()
	t.ring.Append(m)
	t.totalPublished++
	snapshot := make([]*SubscriberQueue, 0, len(t.subs))
	for q := range t.subs {
		snapshot = append(snapshot, q)
	}
	t.mu.Unlock()

	var res PublishResult
	for _, q := range snapshot {
		switch q.Offer(m) {
		case OfferAccepted:
			res.Subscribers++
			res.Delivered++
		case OfferEvicted:
			res.Subscribers++
			res.Delivered++
			res.Dropped++
		case OfferRejected:
			// Queue closed under us; detach happens elsewhere. Not counted
			// as a subscriber so the accounting matches deliveries.
		}
	}
	return res
}

// Attach reads the replay batch and inserts q into the subscriber set as
// one atomic step. Serializing with Publish guarantees that no message is
// both replayed and enqueued live, and that none falls between.
func (t *Topic) Attach(q *SubscriberQueue, lastN int) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	replay := t.ring.Tail(lastN)
	t.subs[q] = struct{}{}
	return replay
}

// Detach removes q from the subscriber set. Idempotent; reports whether
// q was attached.
func (t *Topic) Detach(q *SubscriberQueue) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[q]; !ok {
		return false
	}
	delete(t.subs, q)
	return true
}

// detachAll empties the subscriber set and returns the detached queues.
// Used by topic deletion and final shutdown.
func (t *Topic) detachAll() []*SubscriberQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SubscriberQueue, 0, len(t.subs))
	for q := range t.subs {
		out = append(out, q)
	}
	t.subs = make(map[*SubscriberQueue]struct{})
	return out
}

// Queues returns a snapshot of the attached queues.
func (t *Topic) Queues() []*SubscriberQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SubscriberQueue, 0, len(t.subs))
	for q := range t.subs {
		out = append(out, q)
	}
	return out
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Subscribers returns the number of attached queues.
func (t *Topic) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// RingSize returns the fixed ring capacity.
func (t *Topic) RingSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Cap()
}

// HistoryLen returns the number of messages currently held in the ring.
func (t *Topic) HistoryLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Len()
}

// TotalPublished returns the monotone publish counter.
func (t *Topic) TotalPublished() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalPublished
}
