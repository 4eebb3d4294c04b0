// Package iohelper provides bounded-read helpers for HTTP response
// bodies. Replayed targets are untrusted, so every body read is capped.
package iohelper

import (
	"io"
	"log/slog"
)

// Body size limits.
const (
	// SmallMaxBodySize is for error pages and status endpoints (8KB).
	SmallMaxBodySize int64 = 8 * 1024

	// DefaultMaxBodySize is for general replay responses (1MB).
	DefaultMaxBodySize int64 = 1024 * 1024
)

// ReadBody reads from r with a size limit. A nil reader yields an empty
// slice and no error.
func ReadBody(r io.Reader, maxSize int64) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadBodyDefault reads from r with the default 1MB limit.
func ReadBodyDefault(r io.Reader) ([]byte, error) {
	return ReadBody(r, DefaultMaxBodySize)
}

// DrainAndClose discards any unread body and closes it so the
// underlying connection can be reused.
func DrainAndClose(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, DefaultMaxBodySize))
	_ = rc.Close()
}

// ReadBodyOrLog reads the body with the default limit and logs any
// error instead of returning it. Returns nil on failure.
func ReadBodyOrLog(r io.Reader, logger *slog.Logger) []byte {
	data, err := ReadBodyDefault(r)
	if err != nil && logger != nil {
		logger.Warn("body read failed", slog.String("error", err.Error()))
	}
	return data
}
