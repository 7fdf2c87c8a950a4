// Package constants holds the call agent's default timeouts and limits.
package constants

import "time"

const (
	// DefaultTimeout bounds writes the coordinator makes on its own behalf
	DefaultTimeout = 30 * time.Second

	WebSocketPingInterval = 60 * time.Second
	WebSocketWriteWait    = 10 * time.Second
	// WebSocketPongWait is how long a silent event stream peer is kept
	WebSocketPongWait = WebSocketPingInterval + WebSocketWriteWait

	GracefulShutdownTimeout = 30 * time.Second

	AccessTokenExpiry = 15 * time.Minute
)

// Connection pools
const (
	MaxConnLifetime   = time.Hour
	MaxConnIdleTime   = 30 * time.Minute
	HealthCheckPeriod = time.Minute

	// RedisHealthCheckInterval is how often a degraded Redis is probed for recovery
	RedisHealthCheckInterval = 10 * time.Second
)

// Call history page size
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Calls
const (
	// IncomingCallWindow is how long a CALLING or RINGING session stays answerable
	IncomingCallWindow = 2 * time.Minute

	// CandidateBufferSize caps remote ICE candidates held before the remote description is set
	CandidateBufferSize = 64

	// StreamBufferSize is the capacity of each coordinator output stream
	StreamBufferSize = 64

	MaxEventStreamConnections = 16

	ICEKeepaliveInterval = 2 * time.Second
)
