package scan

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// RawRequest is a previously captured HTTP request supplied by the
// surrounding product. It is immutable input to the pipeline.
type RawRequest struct {
	ID         string            `json:"id"`
	OrgID      string            `json:"org_id"`
	ProjectIDs []string          `json:"project_ids"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	Body       any               `json:"body,omitempty"`
}

// Request is the mutable working form of a request inside the
// transformation engine: path and query are held separately so query
// re-serialization happens exactly once, after all mutations.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"` // absolute, derived after mutation
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`

	// QueryOrder preserves parameter order across mutations so the
	// re-serialized query string is deterministic: captured order
	// first, added keys appended in mutation order.
	QueryOrder []string `json:"query_order,omitempty"`

	// scheme://host of the capture, carried so mutated variants can be
	// re-assembled into absolute URLs.
	Base string `json:"base,omitempty"`
}

// ParseRaw converts a captured RawRequest into working form. Query
// parameters embedded in the URL merge with the explicit query map;
// the explicit map wins on key collisions.
func ParseRaw(raw *RawRequest) Request {
	req := Request{
		Method:  strings.ToUpper(raw.Method),
		Query:   make(map[string]string),
		Headers: make(map[string]string, len(raw.Headers)),
		Body:    raw.Body,
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	for k, v := range raw.Headers {
		req.Headers[k] = v
	}

	u, err := url.Parse(raw.URL)
	if err != nil {
		req.Path = raw.URL
	} else {
		req.Path = u.Path
		if u.Scheme != "" {
			req.Base = u.Scheme + "://" + u.Host
		}
		// Walk the raw query string directly to preserve the captured
		// parameter order, which url.Values would discard.
		for _, pair := range strings.Split(u.RawQuery, "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			key, err := url.QueryUnescape(k)
			if err != nil {
				key = k
			}
			val, err := url.QueryUnescape(v)
			if err != nil {
				val = v
			}
			if _, seen := req.Query[key]; !seen {
				req.QueryOrder = append(req.QueryOrder, key)
			}
			req.Query[key] = val
		}
	}

	extra := make([]string, 0, len(raw.Query))
	for k := range raw.Query {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		if _, seen := req.Query[k]; !seen {
			req.QueryOrder = append(req.QueryOrder, k)
		}
		req.Query[k] = raw.Query[k]
	}
	return req
}

// Clone returns a deep copy of the request. Body values are copied
// structurally for JSON-like trees (maps, slices, scalars).
func (r Request) Clone() Request {
	out := r
	out.Query = make(map[string]string, len(r.Query))
	for k, v := range r.Query {
		out.Query[k] = v
	}
	out.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out.Headers[k] = v
	}
	out.QueryOrder = append([]string(nil), r.QueryOrder...)
	out.Body = cloneValue(r.Body)
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Response is a replayed HTTP response in the form the matcher consumes.
type Response struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// AppliedMutation describes one mutation applied while deriving a
// variant. The ordered list forms the audit trail shown as evidence.
type AppliedMutation struct {
	Field string `json:"field"`           // method, path, query, headers, body
	Op    string `json:"op"`              // add, remove, modify, replace_all, replace_all_one_by_one, transformation
	Key   string `json:"key,omitempty"`   // target key or leaf path
	Value string `json:"value,omitempty"` // applied value, if any
}

// Variant is one concrete mutated request produced by the
// transformation engine.
type Variant struct {
	Request   Request           `json:"request"`
	Mutations []AppliedMutation `json:"mutations,omitempty"`
}
