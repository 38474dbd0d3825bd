// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is how often Redis degraded mode is re-evaluated
	RedisHealthCheckInterval = 10 * time.Second
)

// WebSocket constants
const (
	// WebSocketWriteWait is the time allowed to write one frame
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound frames; SDP offers fit comfortably
	WebSocketMaxMessageSize = 64 * 1024

	// PresenceRefreshInterval keeps node presence keys alive
	PresenceRefreshInterval = 2 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Call-related constants
const (
	// RingTimeout is how long a client rings before giving up
	RingTimeout = 30 * time.Second

	// JanitorInterval is how often finished calls are evicted from memory
	JanitorInterval = time.Minute
)

// Directory cache constants
const (
	UserCacheTTL  = time.Minute
	UserCacheSize = 10000
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
