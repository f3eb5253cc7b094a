package pubsub

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/codev-labs/pubsub-ws/internal/monitoring"
)

// Options holds the broker's tunables, read once at startup.
type Options struct {
	// QueueSize bounds every subscriber queue.
	QueueSize int
	// DefaultRingSize is used when create_topic omits ring_size.
	DefaultRingSize int
	// MaxRingSize caps ring_size at creation.
	MaxRingSize int
	// SlowConsumerThreshold is the consecutive-drop count that evicts a
	// subscriber. 0 disables eviction.
	SlowConsumerThreshold int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 50
	}
	if o.DefaultRingSize <= 0 {
		o.DefaultRingSize = 100
	}
	if o.MaxRingSize <= 0 {
		o.MaxRingSize = 10000
	}
	return o
}

// Stats is the aggregate counter snapshot returned by Broker.Stats.
type Stats struct {
	PublishedTotal    int64 `json:"published_total"`
	DeliveredTotal    int64 `json:"delivered_total"`
	DroppedTotal      int64 `json:"dropped_total"`
	ActiveSubscribers int64 `json:"active_subscribers"`
	ActiveSessions    int64 `json:"active_sessions"`
	ShuttingDown      bool  `json:"shutting_down"`
}

// TopicInfo is one row of the list_topics snapshot.
type TopicInfo struct {
	Name              string `json:"name"`
	Subscribers       int    `json:"subscribers"`
	RingBufferSize    int    `json:"ring_buffer_size"`
	MessagesInHistory int    `json:"messages_in_history"`
	TotalMessages     int64  `json:"total_messages"`
}

// TopicStats is the per-topic block of the stats endpoint.
type TopicStats struct {
	Messages    int64 `json:"messages"`
	Subscribers int   `json:"subscribers"`
}

// Broker is the process-wide state engine: topic registry, fan-out
// routing and global counters. One coarse mutex guards the registry;
// each Topic owns its own lock. Lock order is always Broker then Topic.
// Counters are atomics updated outside any lock.
type Broker struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*Topic

	shuttingDown atomic.Bool
	startTime    time.Time

	published   atomic.Int64
	delivered   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
	sessions    atomic.Int64
}

// New creates a broker. Pass it explicitly through constructors; tests
// instantiate isolated brokers in parallel.
func New(opts Options, logger zerolog.Logger) *Broker {
	return &Broker{
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "broker").Logger(),
		topics:    make(map[string]*Topic),
		startTime: time.Now(),
	}
}

// Options returns the broker's effective options.
func (b *Broker) Options() Options { return b.opts }

// CreateTopic registers a new topic. ringSize 0 selects the default;
// negative or above-max values are rejected. Returns the effective ring
// size.
func (b *Broker) CreateTopic(name string, ringSize int) (int, error) {
	if b.shuttingDown.Load() {
		return 0, ErrShuttingDown
	}
	if !ValidTopicName(name) {
		return 0, fmt.Errorf("%w: invalid topic name %q", ErrBadRequest, name)
	}
	if ringSize == 0 {
		ringSize = b.opts.DefaultRingSize
	}
	if ringSize < 1 || ringSize > b.opts.MaxRingSize {
		return 0, fmt.Errorf("%w: ring_size must be between 1 and %d", ErrBadRequest, b.opts.MaxRingSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return 0, ErrTopicExists
	}
	b.topics[name] = newTopic(name, ringSize)
	monitoring.TopicsActive.Inc()

	b.logger.Info().Str("topic", name).Int("ring_size", ringSize).Msg("Topic created")
	return ringSize, nil
}

// DeleteTopic atomically removes the topic, detaches every subscriber and
// closes their queues so the per-subscription writers unblock. The writers
// observe the CloseTopicDeleted reason and emit the terminal info frame.
func (b *Broker) DeleteTopic(name string) error {
	if b.shuttingDown.Load() {
		return ErrShuttingDown
	}

	b.mu.Lock()
	t, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()
	if !ok {
		return ErrTopicNotFound
	}
	monitoring.TopicsActive.Dec()

	detached := t.detachAll()
	for _, q := range detached {
		q.Close(CloseTopicDeleted)
		b.subscribers.Add(-1)
		monitoring.SubscriptionsActive.Dec()
	}

	b.logger.Info().
		Str("topic", name).
		Int("subscribers", len(detached)).
		Msg("Topic deleted")
	return nil
}

// lookup fetches a topic under the registry lock, then drops it. A topic
// deleted concurrently is reported as not found by the caller's operation.
func (b *Broker) lookup(name string) (*Topic, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	return t, ok
}

// HasTopic reports whether the topic currently exists.
func (b *Broker) HasTopic(name string) bool {
	_, ok := b.lookup(name)
	return ok
}

// Publish validates the message, stamps its timestamp and fans it out to
// every subscriber of the topic. Never blocks on a slow subscriber.
func (b *Broker) Publish(topic, id string, payload []byte) (Message, error) {
	if b.shuttingDown.Load() {
		return Message{}, ErrShuttingDown
	}
	if !ValidTopicName(topic) {
		return Message{}, fmt.Errorf("%w: invalid topic name %q", ErrBadRequest, topic)
	}
	if !ValidMessageID(id) {
		return Message{}, fmt.Errorf("%w: message.id must be a canonical UUID", ErrBadRequest)
	}

	t, ok := b.lookup(topic)
	if !ok {
		return Message{}, ErrTopicNotFound
	}

	m := Message{ID: id, Payload: payload, TS: time.Now().UTC()}
	res := t.Publish(m)

	b.published.Add(1)
	b.delivered.Add(int64(res.Delivered))
	b.dropped.Add(int64(res.Dropped))
	monitoring.MessagesPublished.Inc()
	monitoring.MessagesDelivered.Add(float64(res.Delivered))
	monitoring.MessagesDropped.Add(float64(res.Dropped))

	if res.Dropped > 0 {
		b.logger.Warn().
			Str("topic", topic).
			Str("message_id", id).
			Int("dropped", res.Dropped).
			Msg("Queue overflow during fan-out, oldest messages dropped")
	}
	return m, nil
}

// Subscribe attaches a fresh queue to the topic and returns it together
// with the replay batch of up to lastN recent messages. lastN is clamped
// to [0, ring size]; the caller must deliver the batch before any live
// event from the queue.
func (b *Broker) Subscribe(topic, clientID string, lastN int) (*SubscriberQueue, []Message, error) {
	if b.shuttingDown.Load() {
		return nil, nil, ErrShuttingDown
	}
	if !ValidTopicName(topic) {
		return nil, nil, fmt.Errorf("%w: invalid topic name %q", ErrBadRequest, topic)
	}
	if clientID == "" {
		return nil, nil, fmt.Errorf("%w: client_id is required", ErrBadRequest)
	}
	if lastN < 0 {
		return nil, nil, fmt.Errorf("%w: last_n must be >= 0", ErrBadRequest)
	}

	t, ok := b.lookup(topic)
	if !ok {
		return nil, nil, ErrTopicNotFound
	}

	q := NewSubscriberQueue(clientID, topic, b.opts.QueueSize, b.opts.SlowConsumerThreshold)
	replay := t.Attach(q, lastN)
	b.subscribers.Add(1)
	monitoring.SubscriptionsActive.Inc()

	b.logger.Info().
		Str("topic", topic).
		Str("client_id", clientID).
		Int("replay", len(replay)).
		Msg("Subscriber attached")
	return q, replay, nil
}

// Unsubscribe detaches q from its topic (if the topic still exists) and
// closes it with the given reason. Idempotent with respect to queues
// already detached by topic deletion or shutdown.
func (b *Broker) Unsubscribe(q *SubscriberQueue, reason CloseReason) {
	if t, ok := b.lookup(q.TopicName()); ok {
		if t.Detach(q) {
			b.subscribers.Add(-1)
			monitoring.SubscriptionsActive.Dec()
		}
	}
	q.Close(reason)
}

// ListTopics returns a per-topic snapshot sorted by name.
func (b *Broker) ListTopics() []TopicInfo {
	b.mu.Lock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	out := make([]TopicInfo, 0, len(topics))
	for _, t := range topics {
		out = append(out, TopicInfo{
			Name:              t.Name(),
			Subscribers:       t.Subscribers(),
			RingBufferSize:    t.RingSize(),
			MessagesInHistory: t.HistoryLen(),
			TotalMessages:     t.TotalPublished(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TopicStatsSnapshot returns the per-topic message/subscriber counts for
// the stats endpoint.
func (b *Broker) TopicStatsSnapshot() map[string]TopicStats {
	b.mu.Lock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	out := make(map[string]TopicStats, len(topics))
	for _, t := range topics {
		out[t.Name()] = TopicStats{
			Messages:    t.TotalPublished(),
			Subscribers: t.Subscribers(),
		}
	}
	return out
}

// Stats returns the aggregate counters.
func (b *Broker) Stats() Stats {
	return Stats{
		PublishedTotal:    b.published.Load(),
		DeliveredTotal:    b.delivered.Load(),
		DroppedTotal:      b.dropped.Load(),
		ActiveSubscribers: b.subscribers.Load(),
		ActiveSessions:    b.sessions.Load(),
		ShuttingDown:      b.shuttingDown.Load(),
	}
}

// SessionOpened records a new live connection.
func (b *Broker) SessionOpened() { b.sessions.Add(1) }

// SessionClosed records a connection teardown.
func (b *Broker) SessionClosed() { b.sessions.Add(-1) }

// BeginShutdown sets the shutting_down flag. Create, publish and
// subscribe admissions are rejected from this point on. Returns
// ErrShuttingDown when the flag was already set.
func (b *Broker) BeginShutdown() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return ErrShuttingDown
	}
	b.logger.Info().Msg("Shutdown initiated, rejecting new operations")
	return nil
}

// ShuttingDown reports the drain flag.
func (b *Broker) ShuttingDown() bool { return b.shuttingDown.Load() }

// Drained reports whether every subscriber queue is empty.
func (b *Broker) Drained() bool {
	b.mu.Lock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		for _, q := range t.Queues() {
			if q.Len() > 0 {
				return false
			}
		}
	}
	return true
}

// CloseAll detaches and closes every remaining queue and releases topic
// storage. The final step of graceful shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*Topic)
	b.mu.Unlock()

	closed := 0
	for _, t := range topics {
		for _, q := range t.detachAll() {
			q.Close(CloseShutdown)
			b.subscribers.Add(-1)
			monitoring.SubscriptionsActive.Dec()
			closed++
		}
		monitoring.TopicsActive.Dec()
	}
	b.logger.Info().Int("queues_closed", closed).Int("topics_released", len(topics)).Msg("Broker state released")
}

// Uptime returns time since the broker was constructed.
func (b *Broker) Uptime() time.Duration { return time.Since(b.startTime) }
