// Package duration provides canonical time constants for the scan pipeline.
// All timeout and interval values used across the codebase live here so
// that tuning happens in one place.
package duration

import "time"

// Replay timeouts. Replays fan out to many variants per scan; one slow
// target must not stall a consumer pool.
const (
	// Replay is the total budget for a single replayed request (5s).
	Replay = 5 * time.Second

	// ReplayDial bounds connection establishment during replay (3s).
	ReplayDial = 3 * time.Second

	// TLSHandshake bounds the TLS handshake during replay (3s).
	TLSHandshake = 3 * time.Second
)

// Pipeline intervals.
const (
	// ReconcileSweep is the cadence of the scan-completion sweep (15s).
	ReconcileSweep = 15 * time.Second

	// BrokerRedeliveryDelay is the pause before a nacked message is
	// requeued (2s).
	BrokerRedeliveryDelay = 2 * time.Second

	// ShutdownGrace is how long consumers get to drain on shutdown (10s).
	ShutdownGrace = 10 * time.Second
)

// Storage retry backoff.
const (
	// StoreRetryInit is the initial backoff for transient storage
	// failures inside message handlers (250ms).
	StoreRetryInit = 250 * time.Millisecond

	// StoreRetryMax caps storage retry backoff (2s).
	StoreRetryMax = 2 * time.Second
)

// Idle connection tuning for the replay client.
const (
	// IdleConn is how long pooled connections stay alive (90s).
	IdleConn = 90 * time.Second

	// KeepAlive is the TCP keep-alive interval for replay dials (30s).
	KeepAlive = 30 * time.Second
)
