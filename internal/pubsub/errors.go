package pubsub

import "errors"

// Sentinel errors returned by Broker operations. The protocol and REST
// layers map these onto wire error codes and HTTP statuses.
var (
	ErrTopicExists       = errors.New("topic already exists")
	ErrTopicNotFound     = errors.New("topic not found")
	ErrShuttingDown      = errors.New("server is shutting down")
	ErrBadRequest        = errors.New("bad request")
	ErrAlreadySubscribed = errors.New("already subscribed to topic")
)
