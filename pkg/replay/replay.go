// Package replay issues one mutated request against the live target
// and captures whatever comes back. Any status code is a valid
// response; only transport-level failures (DNS, connection refused,
// timeout) are errors, and even those are returned as data rather than
// raised: a dead target is a terminal outcome for that variant. The
// executor never retries; retry policy belongs to the orchestrator.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/apivet/apivet/pkg/duration"
	"github.com/apivet/apivet/pkg/httpclient"
	"github.com/apivet/apivet/pkg/iohelper"
	"github.com/apivet/apivet/pkg/scan"
)

// Result is the structured outcome of one replay.
type Result struct {
	// Errored is true on transport failure; the response fields are
	// then empty and ErrorMessage explains why.
	Errored      bool           `json:"errored"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Response     *scan.Response `json:"response,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
}

// Executor replays transformed requests with a short fixed timeout.
type Executor struct {
	// Client defaults to the shared pooled replay client.
	Client *http.Client

	// MaxBodySize bounds response body reads (default 1MB).
	MaxBodySize int64

	// Limiter optionally throttles outbound replays so a large fan-out
	// does not hammer the target.
	Limiter *rate.Limiter

	// Timeout bounds one replay (default duration.Replay). Applied as
	// a context deadline so it composes with caller cancellation.
	Timeout time.Duration
}

// New returns an executor with pooled transport and default limits.
func New() *Executor {
	return &Executor{
		Client:      httpclient.Default(),
		MaxBodySize: iohelper.DefaultMaxBodySize,
		Timeout:     duration.Replay,
	}
}

// Do replays one request. The returned Result is always usable; the
// error return is reserved for context cancellation and request
// construction failures (a malformed URL is a mutation artifact, also
// folded into the Result).
func (e *Executor) Do(ctx context.Context, req scan.Request) Result {
	start := time.Now()
	res := Result{StartedAt: start}

	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return fail(res, start, err)
		}
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = duration.Replay
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return fail(res, start, fmt.Errorf("encode body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fail(res, start, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	client := e.Client
	if client == nil {
		client = httpclient.Default()
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fail(res, start, err)
	}

	maxBody := e.MaxBodySize
	if maxBody <= 0 {
		maxBody = iohelper.DefaultMaxBodySize
	}
	respBody, err := iohelper.ReadBody(resp.Body, maxBody)
	iohelper.DrainAndClose(resp.Body)
	if err != nil {
		return fail(res, start, fmt.Errorf("read body: %w", err))
	}

	res.Response = &scan.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}
	res.Duration = time.Since(start)
	return res
}

func fail(res Result, start time.Time, err error) Result {
	res.Errored = true
	res.ErrorMessage = err.Error()
	res.Duration = time.Since(start)
	return res
}

// encodeBody serializes the opaque body for the wire. Strings go out
// as-is; structured values are JSON-encoded.
func encodeBody(body any) (io.Reader, string, error) {
	switch t := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if t == "" {
			return nil, "", nil
		}
		return strings.NewReader(t), "", nil
	case []byte:
		return bytes.NewReader(t), "", nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
