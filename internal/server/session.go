package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/codev-labs/pubsub-ws/internal/limits"
	"github.com/codev-labs/pubsub-ws/internal/monitoring"
	"github.com/codev-labs/pubsub-ws/internal/protocol"
	"github.com/codev-labs/pubsub-ws/internal/pubsub"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed between reads before the connection is considered dead.
	pongWait = 30 * time.Second

	// Transport-level pings are sent with this period. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Session states. Admission happens before the Session is constructed,
// so the zero state is already ACTIVE.
const (
	stateActive int32 = iota
	stateDraining
	stateClosed
)

// Session is one live WebSocket connection: a reader goroutine running
// the frame protocol, one writer goroutine per subscription draining its
// queue, and a ping goroutine. sendMu serializes every transport write so
// frames from concurrent writers interleave atomically at frame
// boundaries.
type Session struct {
	id      int64
	conn    net.Conn
	broker  *pubsub.Broker
	logger  zerolog.Logger
	limiter *limits.FrameLimiter
	onClose func(*Session)

	sendMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

// subscription pairs a topic with the queue this session owns for it.
// At most one per topic per session.
type subscription struct {
	topic    string
	clientID string
	queue    *pubsub.SubscriberQueue
}

func newSession(id int64, conn net.Conn, broker *pubsub.Broker, limiter *limits.FrameLimiter, logger zerolog.Logger, onClose func(*Session)) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		broker:  broker,
		logger:  logger.With().Int64("session_id", id).Logger(),
		limiter: limiter,
		onClose: onClose,
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
}

// lockedWriter serializes control-frame replies with the data writes in
// sendFrame so a pong cannot interleave mid-frame with an event.
type lockedWriter struct {
	mu   *sync.Mutex
	conn net.Conn
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.Write(p)
}

// readLoop reads frames from the connection and dispatches them until the
// transport fails or closes. Its exit tears the session down.
func (s *Session) readLoop() {
	defer monitoring.RecoverPanic(s.logger, "readLoop", map[string]any{"session_id": s.id})
	defer s.Close(0, "read_error")

	controls := wsutil.ControlFrameHandler(&lockedWriter{mu: &s.sendMu, conn: s.conn}, ws.StateServerSide)
	reader := &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controls,
	}

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			// Pings are answered here; a close frame surfaces as an error.
			if err := controls(hdr, reader); err != nil {
				return
			}
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		msg, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if hdr.OpCode == ws.OpText {
			monitoring.FramesReceived.Inc()
			s.handleFrame(msg)
		}
	}
}

// pingLoop keeps the connection alive with transport-level pings.
func (s *Session) pingLoop() {
	defer monitoring.RecoverPanic(s.logger, "pingLoop", map[string]any{"session_id": s.id})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sendMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil)
			s.sendMu.Unlock()
			if err != nil {
				s.Close(0, "ping_error")
				return
			}
		case <-s.done:
			return
		}
	}
}

// handleFrame dispatches one inbound frame by type.
func (s *Session) handleFrame(data []byte) {
	if !s.limiter.Allow() {
		monitoring.FramesRateLimited.Inc()
		s.logger.Warn().Msg("Inbound frame dropped by rate limiter")
		return
	}

	var f protocol.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError("", protocol.CodeBadRequest, "invalid JSON")
		return
	}

	// While draining, only ping survives.
	if s.state.Load() != stateActive && f.Type != protocol.TypePing {
		s.sendError(f.RequestID, protocol.CodeServiceUnavailable, "server is shutting down")
		return
	}

	switch f.Type {
	case protocol.TypeSubscribe:
		s.handleSubscribe(f)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(f)
	case protocol.TypePublish:
		s.handlePublish(f)
	case protocol.TypePing:
		s.sendFrame(protocol.NewPong(f.RequestID))
	default:
		s.sendError(f.RequestID, protocol.CodeBadRequest, "unknown message type: "+f.Type)
	}
}

func (s *Session) handleSubscribe(f protocol.ClientFrame) {
	if f.Topic == "" || f.ClientID == "" {
		s.sendError(f.RequestID, protocol.CodeBadRequest, "missing required fields: topic, client_id")
		return
	}
	if f.LastN < 0 {
		s.sendError(f.RequestID, protocol.CodeBadRequest, "last_n must be >= 0")
		return
	}

	s.mu.Lock()
	if _, dup := s.subs[f.Topic]; dup {
		s.mu.Unlock()
		s.sendError(f.RequestID, protocol.CodeBadRequest, "already subscribed to topic '"+f.Topic+"'")
		return
	}
	queue, replay, err := s.broker.Subscribe(f.Topic, f.ClientID, f.LastN)
	if err != nil {
		s.mu.Unlock()
		s.sendBrokerError(f.RequestID, err)
		return
	}
	sub := &subscription{topic: f.Topic, clientID: f.ClientID, queue: queue}
	s.subs[f.Topic] = sub
	s.mu.Unlock()

	// Replay precedes any live event: the writer only starts draining the
	// queue after the batch is on the wire.
	s.sendFrame(protocol.NewAck(f.RequestID, f.Topic))
	for _, m := range replay {
		if err := s.sendFrame(protocol.NewEvent(f.Topic, m.ID, m.Payload, m.TS)); err != nil {
			s.Close(0, "write_error")
			return
		}
	}
	go s.subscriptionWriter(sub)
}

func (s *Session) handleUnsubscribe(f protocol.ClientFrame) {
	if f.Topic == "" || f.ClientID == "" {
		s.sendError(f.RequestID, protocol.CodeBadRequest, "missing required fields: topic, client_id")
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[f.Topic]
	if ok {
		delete(s.subs, f.Topic)
	}
	s.mu.Unlock()

	if !ok {
		if s.broker.HasTopic(f.Topic) {
			s.sendError(f.RequestID, protocol.CodeBadRequest, "not subscribed to topic '"+f.Topic+"'")
		} else {
			s.sendError(f.RequestID, protocol.CodeTopicNotFound, "topic '"+f.Topic+"' not found")
		}
		return
	}

	// Closing the queue stops the writer; pending messages are discarded.
	s.broker.Unsubscribe(sub.queue, pubsub.CloseUnsubscribed)
	s.logger.Info().Str("topic", f.Topic).Str("client_id", sub.clientID).Msg("Client unsubscribed")
	s.sendFrame(protocol.NewAck(f.RequestID, f.Topic))
}

func (s *Session) handlePublish(f protocol.ClientFrame) {
	if f.Topic == "" || f.Message == nil {
		s.sendError(f.RequestID, protocol.CodeBadRequest, "missing required fields: topic, message")
		return
	}
	if f.Message.ID == "" || len(f.Message.Payload) == 0 {
		s.sendError(f.RequestID, protocol.CodeBadRequest, "missing required fields: message.id, message.payload")
		return
	}

	if _, err := s.broker.Publish(f.Topic, f.Message.ID, f.Message.Payload); err != nil {
		s.sendBrokerError(f.RequestID, err)
		return
	}
	s.sendFrame(protocol.NewAck(f.RequestID, f.Topic))
}

// subscriptionWriter drains one queue to the transport, in queue order.
// It is the sole producer of event frames for its subscription.
func (s *Session) subscriptionWriter(sub *subscription) {
	defer monitoring.RecoverPanic(s.logger, "subscriptionWriter", map[string]any{
		"session_id": s.id,
		"topic":      sub.topic,
	})

	for {
		m, ok := sub.queue.Take()
		if !ok {
			if sub.queue.Reason() == pubsub.CloseTopicDeleted {
				s.removeSubscription(sub.topic)
				s.sendFrame(protocol.NewInfo("topic '"+sub.topic+"' deleted", sub.topic))
			}
			return
		}

		// The slow latch is checked before every event so no further
		// events reach an evicted subscriber.
		if sub.queue.Slow() {
			s.logger.Warn().
				Str("topic", sub.topic).
				Str("client_id", sub.clientID).
				Int("consecutive_drops", sub.queue.ConsecutiveDrops()).
				Msg("Evicting slow consumer")
			monitoring.SlowConsumersEvicted.Inc()
			s.sendFrame(protocol.NewError("", protocol.CodeSlowConsumer, "consumer too slow, disconnecting"))
			s.Close(protocol.ClosePolicyViolation, "slow_consumer")
			return
		}

		if err := s.sendFrame(protocol.NewEvent(sub.topic, m.ID, m.Payload, m.TS)); err != nil {
			s.Close(0, "write_error")
			return
		}
	}
}

// removeSubscription drops the session's bookkeeping for topic. The queue
// itself is already closed by the caller's path.
func (s *Session) removeSubscription(topic string) {
	s.mu.Lock()
	delete(s.subs, topic)
	s.mu.Unlock()
}

// sendFrame marshals frame and writes it under the send mutex.
func (s *Session) sendFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(s.conn, ws.OpText, data); err != nil {
		return err
	}
	monitoring.FramesSent.Inc()
	return nil
}

func (s *Session) sendError(requestID, code, message string) {
	s.sendFrame(protocol.NewError(requestID, code, message))
}

// sendBrokerError maps broker sentinel errors onto wire codes.
func (s *Session) sendBrokerError(requestID string, err error) {
	switch {
	case errors.Is(err, pubsub.ErrTopicNotFound):
		s.sendError(requestID, protocol.CodeTopicNotFound, err.Error())
	case errors.Is(err, pubsub.ErrShuttingDown):
		s.sendError(requestID, protocol.CodeServiceUnavailable, err.Error())
	default:
		s.sendError(requestID, protocol.CodeBadRequest, err.Error())
	}
}

// BeginDraining moves an active session into the draining state. Writers
// keep delivering until their queues empty; new work is rejected.
func (s *Session) BeginDraining() {
	s.state.CompareAndSwap(stateActive, stateDraining)
}

// Close tears the session down exactly once: detaches and closes every
// queue (unblocking the writers), writes a close frame when code is
// non-zero, closes the transport and unregisters from the server.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		close(s.done)

		s.mu.Lock()
		subs := make([]*subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[string]*subscription)
		s.mu.Unlock()

		for _, sub := range subs {
			s.broker.Unsubscribe(sub.queue, pubsub.CloseSessionClosed)
		}

		if code != 0 {
			s.sendMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
			ws.WriteFrame(s.conn, frame)
			s.sendMu.Unlock()
		}
		s.conn.Close()

		s.broker.SessionClosed()
		monitoring.SessionsActive.Dec()
		monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()
		s.logger.Info().
			Str("reason", reason).
			Int("close_code", code).
			Int("subscriptions", len(subs)).
			Msg("Session closed")

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
