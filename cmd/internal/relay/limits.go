package relay

import "time"

const (
	// Max bytes per websocket frame read. A record blob is a few hundred bytes.
	maxFrameBytes = 64 << 10

	// Max serialized value length accepted in change_publish.
	maxValueBytes = 32 << 10

	// Max key length, mirrors the storage key rule.
	maxKeyLen = 128

	// Max keys one session may subscribe to.
	maxKeysPerSession = 32
)

const (
	defaultSendQueueSize = 64
	minSendQueueSize     = 16

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
