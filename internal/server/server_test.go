package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codev-labs/pubsub-ws/internal/config"
	"github.com/codev-labs/pubsub-ws/internal/server"
)

const apiKey = "test-123"

func newTestServer(t *testing.T, mutate func(*config.Config)) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Addr:                  "127.0.0.1:0",
		APIKeys:               []string{apiKey},
		SubscriberQueueSize:   50,
		DefaultRingBufferSize: 100,
		MaxRingBufferSize:     10000,
		SlowConsumerThreshold: 3,
		ShutdownTimeout:       2 * time.Second,
		MetricsInterval:       time.Minute,
		LogLevel:              "error",
		LogFormat:             "json",
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv := server.New(cfg, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reqBody)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func createTopic(t *testing.T, ts *httptest.Server, name string) {
	t.Helper()
	status, _ := doJSON(t, ts, http.MethodPost, "/topics/", apiKey, map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, status)
}

// readWriter pairs the post-handshake reader with the raw connection so
// wsutil can answer control frames while reading.
type readWriter struct {
	io.Reader
	io.Writer
}

type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dialWS(t *testing.T, ts *httptest.Server, key string) *wsClient {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if key != "" {
		u += "?api_key=" + key
	}
	conn, br, _, err := ws.Dial(context.Background(), u)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &wsClient{t: t, conn: conn, rw: readWriter{r, conn}}
}

func (c *wsClient) send(frame map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientMessage(c.conn, ws.OpText, data))
}

func (c *wsClient) read() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, _, err := wsutil.ReadServerData(c.rw)
	require.NoError(c.t, err)
	var out map[string]any
	require.NoError(c.t, json.Unmarshal(data, &out))
	return out
}

// readClose drains frames until the server closes, returning the close
// code and reason. The deadline is generous: teardown of a sibling
// session with a backed-up transport can hold the close back by a full
// write deadline.
func (c *wsClient) readClose() wsutil.ClosedError {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, _, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			var ce wsutil.ClosedError
			require.ErrorAs(c.t, err, &ce)
			return ce
		}
	}
}

func (c *wsClient) subscribe(topic, clientID string, lastN int) {
	c.t.Helper()
	frame := map[string]any{"type": "subscribe", "topic": topic, "client_id": clientID}
	if lastN > 0 {
		frame["last_n"] = lastN
	}
	c.send(frame)
	ack := c.read()
	require.Equal(c.t, "ack", ack["type"])
	require.Equal(c.t, topic, ack["topic"])
}

func (c *wsClient) publish(topic, id string) {
	c.t.Helper()
	c.publishPayload(topic, id, map[string]any{"v": 1})
}

func (c *wsClient) publishPayload(topic, id string, payload any) {
	c.t.Helper()
	c.send(map[string]any{
		"type":    "publish",
		"topic":   topic,
		"message": map[string]any{"id": id, "payload": payload},
	})
	ack := c.read()
	require.Equal(c.t, "ack", ack["type"])
}

func errorCode(t *testing.T, frame map[string]any) string {
	t.Helper()
	require.Equal(t, "error", frame["type"])
	body, ok := frame["error"].(map[string]any)
	require.True(t, ok)
	return body["code"].(string)
}

func eventMessageID(t *testing.T, frame map[string]any) string {
	t.Helper()
	require.Equal(t, "event", frame["type"])
	body, ok := frame["message"].(map[string]any)
	require.True(t, ok)
	return body["id"].(string)
}

func TestWebSocketRejectsInvalidKey(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dialWS(t, ts, "wrong-key")
	ce := c.readClose()
	assert.Equal(t, ws.StatusCode(4401), ce.Code)
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dialWS(t, ts, apiKey)
	c.send(map[string]any{"type": "ping", "request_id": "r1"})
	pong := c.read()
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "r1", pong["request_id"])
}

func TestUnknownFrameType(t *testing.T) {
	_, ts := newTestServer(t, nil)

	c := dialWS(t, ts, apiKey)
	c.send(map[string]any{"type": "bogus", "request_id": "r1"})
	f := c.read()
	assert.Equal(t, "BAD_REQUEST", errorCode(t, f))
	assert.Equal(t, "r1", f["request_id"])
}

func TestTopicCRUD(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doJSON(t, ts, http.MethodPost, "/topics/", apiKey, map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "orders", body["name"])
	assert.Equal(t, float64(100), body["ring_size"])

	status, _ = doJSON(t, ts, http.MethodPost, "/topics/", apiKey, map[string]any{"name": "orders"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, ts, http.MethodPost, "/topics/", apiKey, map[string]any{"name": "-bad-name"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, ts, http.MethodGet, "/topics/", apiKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = doJSON(t, ts, http.MethodDelete, "/topics/orders/", apiKey, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = doJSON(t, ts, http.MethodDelete, "/topics/orders/", apiKey, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRESTAuth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	status, body := doJSON(t, ts, http.MethodPost, "/topics/", "", map[string]any{"name": "orders"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, body["error"])

	status, _ = doJSON(t, ts, http.MethodGet, "/stats/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, ts, http.MethodGet, "/health/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = doJSON(t, ts, http.MethodGet, "/health/", apiKey, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, server.Version, body["version"])

	// Metrics stays open for the scraper.
	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	c := dialWS(t, ts, apiKey)
	c.subscribe("orders", "c1", 0)
	c.publish("orders", uuid.NewString())

	status, body := doJSON(t, ts, http.MethodGet, "/stats/", apiKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["published_total"])
	assert.Equal(t, float64(1), body["active_sessions"])

	topics, ok := body["topics"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, topics, "orders")
}

func TestSubscribeReplayAndLiveDelivery(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	pub := dialWS(t, ts, apiKey)
	published := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		published = append(published, id)
		pub.publish("orders", id)
	}

	sub := dialWS(t, ts, apiKey)
	sub.subscribe("orders", "c1", 2)
	assert.Equal(t, published[1], eventMessageID(t, sub.read()))
	assert.Equal(t, published[2], eventMessageID(t, sub.read()))

	live := uuid.NewString()
	pub.publish("orders", live)
	assert.Equal(t, live, eventMessageID(t, sub.read()))
}

func TestPublishErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	c := dialWS(t, ts, apiKey)

	c.send(map[string]any{
		"type":    "publish",
		"topic":   "ghost",
		"message": map[string]any{"id": uuid.NewString(), "payload": map[string]any{}},
	})
	assert.Equal(t, "TOPIC_NOT_FOUND", errorCode(t, c.read()))

	c.send(map[string]any{
		"type":    "publish",
		"topic":   "orders",
		"message": map[string]any{"id": "not-a-uuid", "payload": map[string]any{}},
	})
	assert.Equal(t, "BAD_REQUEST", errorCode(t, c.read()))

	c.send(map[string]any{"type": "publish", "topic": "orders"})
	assert.Equal(t, "BAD_REQUEST", errorCode(t, c.read()))
}

func TestDuplicateSubscribe(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	c := dialWS(t, ts, apiKey)
	c.subscribe("orders", "c1", 0)

	c.send(map[string]any{"type": "subscribe", "topic": "orders", "client_id": "c1"})
	assert.Equal(t, "BAD_REQUEST", errorCode(t, c.read()))
}

func TestUnsubscribe(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	c := dialWS(t, ts, apiKey)
	c.subscribe("orders", "c1", 0)

	c.send(map[string]any{"type": "unsubscribe", "topic": "orders", "client_id": "c1"})
	ack := c.read()
	assert.Equal(t, "ack", ack["type"])

	// No longer subscribed: live publishes must not reach this session.
	pub := dialWS(t, ts, apiKey)
	pub.publish("orders", uuid.NewString())

	c.send(map[string]any{"type": "ping", "request_id": "after"})
	f := c.read()
	assert.Equal(t, "pong", f["type"], "expected pong, not a stray event")

	c.send(map[string]any{"type": "unsubscribe", "topic": "orders", "client_id": "c1"})
	assert.Equal(t, "BAD_REQUEST", errorCode(t, c.read()))

	c.send(map[string]any{"type": "unsubscribe", "topic": "ghost", "client_id": "c1"})
	assert.Equal(t, "TOPIC_NOT_FOUND", errorCode(t, c.read()))
}

func TestTopicDeleteNotifiesSubscribers(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	c := dialWS(t, ts, apiKey)
	c.subscribe("orders", "c1", 0)

	status, _ := doJSON(t, ts, http.MethodDelete, "/topics/orders/", apiKey, nil)
	require.Equal(t, http.StatusNoContent, status)

	info := c.read()
	assert.Equal(t, "info", info["type"])
	assert.Equal(t, "orders", info["topic"])

	// Session stays usable and the topic slot is free again.
	c.send(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", c.read()["type"])
}

func TestMultiSubscriberFanout(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	sub1 := dialWS(t, ts, apiKey)
	sub2 := dialWS(t, ts, apiKey)
	sub1.subscribe("orders", "c1", 0)
	sub2.subscribe("orders", "c2", 0)

	pub := dialWS(t, ts, apiKey)
	id := uuid.NewString()
	pub.publish("orders", id)

	assert.Equal(t, id, eventMessageID(t, sub1.read()))
	assert.Equal(t, id, eventMessageID(t, sub2.read()))
}

func TestSlowConsumerEviction(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.SubscriberQueueSize = 2
		cfg.SlowConsumerThreshold = 2
	})
	createTopic(t, ts, "orders")

	sub := dialWS(t, ts, apiKey)
	sub.subscribe("orders", "c1", 0)

	// Large payloads fill the subscriber's transport buffers while it
	// reads nothing, so its queue overflows past the threshold.
	pub := dialWS(t, ts, apiKey)
	pad := strings.Repeat("x", 128<<10)
	for i := 0; i < 100; i++ {
		pub.publishPayload("orders", uuid.NewString(), map[string]any{"pad": pad})
	}

	// Now drain the backlog: some events, then exactly one SLOW_CONSUMER
	// error, then the 1008 close. No event may follow the error.
	sawError := false
	sub.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		data, _, err := wsutil.ReadServerData(sub.rw)
		if err != nil {
			var ce wsutil.ClosedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, ws.StatusCode(1008), ce.Code)
			break
		}
		var f map[string]any
		require.NoError(t, json.Unmarshal(data, &f))
		switch f["type"] {
		case "event":
			require.False(t, sawError, "no events may follow the eviction error")
		case "error":
			require.False(t, sawError, "eviction error must be sent once")
			assert.Equal(t, "SLOW_CONSUMER", errorCode(t, f))
			sawError = true
		}
	}
	require.True(t, sawError, "expected a SLOW_CONSUMER error before the close")
}

func TestShutdownDrainingRejectsFrames(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.ShutdownTimeout = time.Second
	})
	createTopic(t, ts, "orders")

	// A subscriber that reads nothing keeps its queue non-empty, so the
	// drain holds every session open until the budget expires.
	sub := dialWS(t, ts, apiKey)
	sub.subscribe("orders", "c1", 0)

	pub := dialWS(t, ts, apiKey)
	pad := strings.Repeat("x", 128<<10)
	for i := 0; i < 40; i++ {
		pub.publishPayload("orders", uuid.NewString(), map[string]any{"pad": pad})
	}

	status, _ := doJSON(t, ts, http.MethodPost, "/shutdown/", apiKey, nil)
	require.Equal(t, http.StatusAccepted, status)

	info := pub.read()
	require.Equal(t, "info", info["type"])
	require.Equal(t, "server shutting down", info["msg"])

	// Draining sessions reject everything but ping.
	pub.send(map[string]any{
		"type":       "publish",
		"topic":      "orders",
		"message":    map[string]any{"id": uuid.NewString(), "payload": map[string]any{"v": 1}},
		"request_id": "r1",
	})
	f := pub.read()
	assert.Equal(t, "SERVICE_UNAVAILABLE", errorCode(t, f))
	assert.Equal(t, "r1", f["request_id"])

	pub.send(map[string]any{"type": "ping", "request_id": "r2"})
	pong := pub.read()
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "r2", pong["request_id"])

	ce := pub.readClose()
	assert.Equal(t, ws.StatusCode(1001), ce.Code)
}

func TestGracefulShutdown(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createTopic(t, ts, "orders")

	c := dialWS(t, ts, apiKey)
	c.subscribe("orders", "c1", 0)

	status, body := doJSON(t, ts, http.MethodPost, "/shutdown/", apiKey, nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "shutting_down", body["status"])

	status, _ = doJSON(t, ts, http.MethodPost, "/shutdown/", apiKey, nil)
	assert.Equal(t, http.StatusConflict, status)

	info := c.read()
	assert.Equal(t, "info", info["type"])
	assert.Equal(t, "server shutting down", info["msg"])

	ce := c.readClose()
	assert.Equal(t, ws.StatusCode(1001), ce.Code)

	// The control plane rejects new work while draining.
	status, _ = doJSON(t, ts, http.MethodPost, "/topics/", apiKey, map[string]any{"name": "late"})
	assert.Equal(t, http.StatusServiceUnavailable, status)

	// New WebSocket connections are refused outright.
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?api_key=" + apiKey
	_, _, _, err := ws.Dial(context.Background(), u)
	assert.Error(t, err)

	status, body = doJSON(t, ts, http.MethodGet, "/health/", apiKey, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "shutting_down", body["status"])
}
