// Package auth implements the shared allow-list credential check applied
// at both WebSocket admission and the REST surface.
package auth

import "net/http"

const (
	headerName = "X-API-Key"
	queryName  = "api_key"
)

// Keyring is the configured set of admitted API keys. Keys are opaque
// strings; the check is pure membership.
type Keyring struct {
	keys map[string]struct{}
}

// NewKeyring builds a keyring from the configured key list. Empty entries
// are ignored.
func NewKeyring(keys []string) *Keyring {
	k := &Keyring{keys: make(map[string]struct{}, len(keys))}
	for _, key := range keys {
		if key != "" {
			k.keys[key] = struct{}{}
		}
	}
	return k
}

// Valid reports whether key is on the allow-list.
func (k *Keyring) Valid(key string) bool {
	if key == "" {
		return false
	}
	_, ok := k.keys[key]
	return ok
}

// FromRequest extracts the credential from the X-API-Key header, falling
// back to the api_key query parameter.
func FromRequest(r *http.Request) string {
	if key := r.Header.Get(headerName); key != "" {
		return key
	}
	return r.URL.Query().Get(queryName)
}

// Authorize reports whether the request carries a valid credential.
func (k *Keyring) Authorize(r *http.Request) bool {
	return k.Valid(FromRequest(r))
}
