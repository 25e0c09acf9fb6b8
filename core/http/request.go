package http

import (
	"strings"
	"sync"
)

// Request is a pooled HTTP request. Header and query tables are
// multimaps: repeated fields accumulate instead of overwriting.
type Request struct {
	Method string
	Path   string
	Proto  string

	Headers map[string][]string
	Query   map[string][]string

	Body       []byte
	RemoteAddr string
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Headers: make(map[string][]string, 8),
			Query:   make(map[string][]string, 4),
			Body:    make([]byte, 0, 1024),
		}
	},
}

func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// Reset clears the request for reuse without freeing its memory.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Proto = ""
	r.RemoteAddr = ""

	for k := range r.Headers {
		delete(r.Headers, k)
	}
	for k := range r.Query {
		delete(r.Query, k)
	}

	r.Body = r.Body[:0]
}

// AddHeader appends a header value under its canonical key.
func (r *Request) AddHeader(key, value string) {
	k := canonicalHeaderKey(key)
	r.Headers[k] = append(r.Headers[k], value)
}

// Header returns the first value for a header, or "".
func (r *Request) Header(key string) string {
	if vs := r.Headers[canonicalHeaderKey(key)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// QueryValue returns the first value for a query key, or "".
func (r *Request) QueryValue(key string) string {
	if vs := r.Query[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// KeepAlive reports whether the connection should stay open after this
// request: HTTP/1.1 unless the client said close, HTTP/1.0 only when it
// asked for keep-alive.
func (r *Request) KeepAlive() bool {
	conn := r.Header("Connection")
	if r.Proto == "HTTP/1.0" {
		return strings.EqualFold(conn, "keep-alive")
	}
	return !strings.EqualFold(conn, "close")
}

// WantsUpgrade reports whether the request asks for a WebSocket upgrade.
func (r *Request) WantsUpgrade() bool {
	if !strings.EqualFold(r.Header("Upgrade"), "websocket") {
		return false
	}
	// Connection may carry a token list, e.g. "keep-alive, Upgrade".
	for _, tok := range strings.Split(r.Header("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// canonicalHeaderKey converts a header name to Word-Dash-Word form.
// Already canonical keys come back unchanged without allocating.
func canonicalHeaderKey(key string) string {
	upper := true
	for i := 0; i < len(key); i++ {
		c := key[i]
		if upper && 'a' <= c && c <= 'z' || !upper && 'A' <= c && c <= 'Z' {
			return canonicalizeSlow(key)
		}
		upper = c == '-'
	}
	return key
}

func canonicalizeSlow(key string) string {
	b := []byte(key)
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			b[i] = c - 'a' + 'A'
		} else if !upper && 'A' <= c && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
		upper = c == '-'
	}
	return string(b)
}
