package pubsub

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Message is one published record. The broker treats Payload as opaque
// bytes; identity is ID. TS is assigned by the broker at publish time.
type Message struct {
	ID      string
	Payload json.RawMessage
	TS      time.Time
}

// Topic names: alphanumeric first character, then alphanumerics and
// hyphens, at most 128 characters.
var topicNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

const maxTopicNameLen = 128

// ValidTopicName reports whether name is a well-formed topic name.
func ValidTopicName(name string) bool {
	return name != "" && len(name) <= maxTopicNameLen && topicNameRe.MatchString(name)
}

// ValidMessageID reports whether id is a canonical UUID in lowercase
// hyphenated form. uuid.Parse also accepts braced, URN-prefixed and
// uppercase forms, so the parsed value is compared back against the input.
func ValidMessageID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.String() == id
}
