package replay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/pkg/scan"
)

func TestDoCapturesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "PHP/8.1")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))
	defer srv.Close()

	res := New().Do(context.Background(), scan.Request{
		Method: http.MethodGet,
		URL:    srv.URL + "/items",
	})

	require.False(t, res.Errored)
	require.NotNil(t, res.Response)
	// Any status code is a valid response, not an error.
	assert.Equal(t, http.StatusTeapot, res.Response.StatusCode)
	assert.Equal(t, "PHP/8.1", res.Response.Headers.Get("X-Powered-By"))
	assert.Equal(t, "short and stout", string(res.Response.Body))
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestDoServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := New().Do(context.Background(), scan.Request{Method: http.MethodGet, URL: srv.URL})
	require.False(t, res.Errored)
	assert.Equal(t, http.StatusInternalServerError, res.Response.StatusCode)
}

func TestDoTransportFailure(t *testing.T) {
	// Nothing listens here; connection is refused immediately.
	res := New().Do(context.Background(), scan.Request{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/never",
	})

	assert.True(t, res.Errored)
	assert.NotEmpty(t, res.ErrorMessage)
	assert.Nil(t, res.Response)
}

func TestDoMalformedURL(t *testing.T) {
	res := New().Do(context.Background(), scan.Request{
		Method: http.MethodGet,
		URL:    "://not-a-url",
	})
	assert.True(t, res.Errored)
	assert.Nil(t, res.Response)
}

func TestDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	e := New()
	e.Timeout = 20 * time.Millisecond

	res := e.Do(context.Background(), scan.Request{Method: http.MethodGet, URL: srv.URL})
	assert.True(t, res.Errored)
}

func TestDoSendsHeadersAndJSONBody(t *testing.T) {
	var (
		gotAuth        string
		gotContentType string
		gotBody        map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	res := New().Do(context.Background(), scan.Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer tok"},
		Body:    map[string]any{"name": "'"},
	})

	require.False(t, res.Errored)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"name": "'"}, gotBody)
}

func TestDoTruncatesLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			io.WriteString(w, "0123456789")
		}
	}))
	defer srv.Close()

	e := New()
	e.MaxBodySize = 64

	res := e.Do(context.Background(), scan.Request{Method: http.MethodGet, URL: srv.URL})
	require.False(t, res.Errored)
	assert.Len(t, res.Response.Body, 64)
}

func TestDoDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	res := New().Do(context.Background(), scan.Request{Method: http.MethodGet, URL: srv.URL})
	require.False(t, res.Errored)
	assert.Equal(t, http.StatusFound, res.Response.StatusCode)
}
