package relay

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"sbstate/cmd/identity/ids"
)

// NewSessionID returns a ULID used as relay session id, falling back to
// random hex when the entropy source fails.
func NewSessionID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return randomHex(13)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return randomHex(13)
}

func randomHex(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
