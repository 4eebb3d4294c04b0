// Package httpclient provides the shared HTTP client used to replay
// mutated requests. The client pools connections across the consumer
// pool and never follows redirects: a redirect response is itself
// evidence the matcher may care about.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/apivet/apivet/pkg/duration"
)

// Config holds replay client options.
type Config struct {
	// Timeout is the total request timeout (default: duration.Replay).
	Timeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification. Scan
	// targets frequently run self-signed staging certs (default: true).
	InsecureSkipVerify bool

	// MaxIdleConns caps idle connections across all hosts (default: 100).
	MaxIdleConns int

	// MaxConnsPerHost caps connections per target host (default: 25).
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections stay pooled.
	IdleConnTimeout time.Duration

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	TLSHandshakeTimeout time.Duration
}

// DefaultConfig returns defaults tuned for high fan-out replay: short
// total timeout, pooled keep-alive connections.
func DefaultConfig() Config {
	return Config{
		Timeout:             duration.Replay,
		InsecureSkipVerify:  true,
		MaxIdleConns:        100,
		MaxConnsPerHost:     25,
		IdleConnTimeout:     duration.IdleConn,
		DialTimeout:         duration.ReplayDial,
		TLSHandshakeTimeout: duration.TLSHandshake,
	}
}

var (
	defaultClient *http.Client
	defaultOnce   sync.Once
)

// Default returns a shared, pre-configured client. Safe for concurrent
// use; all consumers should prefer Default() for connection reuse.
func Default() *http.Client {
	defaultOnce.Do(func() {
		defaultClient = New(DefaultConfig())
	})
	return defaultClient
}

// New creates a client with the given configuration. Zero values fall
// back to defaults.
func New(cfg Config) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = duration.Replay
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 25
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = duration.IdleConn
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = duration.ReplayDial
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = duration.TLSHandshake
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: duration.KeepAlive,
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,

		DialContext: dialer.DialContext,

		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// The matcher needs to see the redirect response itself.
			return http.ErrUseLastResponse
		},
	}
}

// WithTimeout returns a DefaultConfig with only the timeout changed.
func WithTimeout(timeout time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	return cfg
}
