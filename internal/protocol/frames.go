// Package protocol defines the JSON frame shapes exchanged over the
// WebSocket boundary and the error/close codes of the wire contract.
package protocol

import (
	"encoding/json"
	"time"
)

// Error codes carried in error frames.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeTopicNotFound      = "TOPIC_NOT_FOUND"
	CodeSlowConsumer       = "SLOW_CONSUMER"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// WebSocket close codes.
const (
	CloseGoingAway       = 1001 // graceful shutdown
	ClosePolicyViolation = 1008 // slow-consumer eviction
	CloseUnauthorized    = 4401 // authentication failure
)

// Inbound frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"
)

// ClientFrame is the tagged variant for inbound frames. Which fields are
// required depends on Type; the session validates field-by-field.
type ClientFrame struct {
	Type      string         `json:"type"`
	Topic     string         `json:"topic,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	LastN     int            `json:"last_n,omitempty"`
	Message   *ClientMessage `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ClientMessage is the message body of a publish frame.
type ClientMessage struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// AckFrame acknowledges a successful subscribe, unsubscribe or publish.
type AckFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Status    string `json:"status"`
	TS        string `json:"ts"`
}

// EventFrame delivers one message (replayed or live) to a subscriber.
type EventFrame struct {
	Type    string       `json:"type"`
	Topic   string       `json:"topic"`
	Message EventMessage `json:"message"`
	TS      string       `json:"ts"`
}

// EventMessage is the message body of an event frame.
type EventMessage struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	TS      string          `json:"ts"`
}

// ErrorFrame reports a failed operation back on the same session.
type ErrorFrame struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Error     ErrorBody `json:"error"`
	TS        string    `json:"ts"`
}

// ErrorBody carries the machine code and the human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InfoFrame carries server-initiated notices (shutdown, topic deleted).
type InfoFrame struct {
	Type  string `json:"type"`
	Msg   string `json:"msg"`
	Topic string `json:"topic,omitempty"`
	TS    string `json:"ts"`
}

// PongFrame answers a ping, echoing its request_id.
type PongFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	TS        string `json:"ts"`
}

// Timestamp renders t for the wire (RFC3339 UTC).
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now renders the current wall clock for the wire.
func Now() string {
	return Timestamp(time.Now())
}

// NewAck builds an ack frame with a fresh timestamp.
func NewAck(requestID, topic string) AckFrame {
	return AckFrame{Type: "ack", RequestID: requestID, Topic: topic, Status: "ok", TS: Now()}
}

// NewEvent builds an event frame for a message on topic.
func NewEvent(topic, id string, payload json.RawMessage, ts time.Time) EventFrame {
	stamp := Timestamp(ts)
	return EventFrame{
		Type:    "event",
		Topic:   topic,
		Message: EventMessage{ID: id, Payload: payload, TS: stamp},
		TS:      stamp,
	}
}

// NewError builds an error frame.
func NewError(requestID, code, message string) ErrorFrame {
	return ErrorFrame{
		Type:      "error",
		RequestID: requestID,
		Error:     ErrorBody{Code: code, Message: message},
		TS:        Now(),
	}
}

// NewInfo builds an info frame. topic may be empty.
func NewInfo(msg, topic string) InfoFrame {
	return InfoFrame{Type: "info", Msg: msg, Topic: topic, TS: Now()}
}

// NewPong builds a pong frame echoing requestID.
func NewPong(requestID string) PongFrame {
	return PongFrame{Type: "pong", RequestID: requestID, TS: Now()}
}
