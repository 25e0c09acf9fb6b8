package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/searchktools/turbo-server/core/router"
)

// Request is the view of one request handed across the bridge into a
// handler. It is built once per dispatch and never shared between
// requests.
type Request struct {
	Method     string
	Path       string
	Headers    map[string][]string
	Query      map[string][]string
	Body       []byte
	Params     router.Params
	RemoteAddr string
}

// Header returns the first value for a header, or "".
func (r *Request) Header(name string) string {
	if vs := r.Headers[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// QueryValue returns the first value for a query key, or "".
func (r *Request) QueryValue(name string) string {
	if vs := r.Query[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Handler is a standard-mode handler.
type Handler func(*Request) (Result, error)

// TurboHandler runs on the turbo path and sees only the typed captures.
type TurboHandler func(params router.Params) (Result, error)

// Result is what a handler hands back across the bridge: raw bytes with
// a content type, a structured value serialized by the bridge, or a full
// (body, status, headers) triple. The zero Result is an empty 200.
type Result struct {
	Body        []byte
	Status      int
	ContentType string
	Headers     map[string]string

	value    any
	hasValue bool
}

// Raw wraps pre-encoded bytes.
func Raw(body []byte, contentType string) Result {
	return Result{Body: body, ContentType: contentType}
}

// Text wraps a string body. Markup-looking strings go out as text/html,
// everything else as text/plain.
func Text(s string) Result {
	ct := "text/plain; charset=utf-8"
	if looksLikeHTML(s) {
		ct = "text/html; charset=utf-8"
	}
	return Result{Body: []byte(s), ContentType: ct}
}

// Value wraps a structured value. proto.Message values serialize as
// protobuf, everything else as JSON.
func Value(v any) Result {
	return Result{value: v, hasValue: true}
}

// Full wraps an explicit body, status and header set.
func Full(body []byte, status int, headers map[string]string) Result {
	return Result{Body: body, Status: status, Headers: headers}
}

// WithStatus overrides the status code.
func (r Result) WithStatus(code int) Result {
	r.Status = code
	return r
}

// WithHeader adds a response header.
func (r Result) WithHeader(name, value string) Result {
	if r.Headers == nil {
		r.Headers = make(map[string]string, 4)
	}
	r.Headers[name] = value
	return r
}

// SetHeader sets a response header in place. Response hooks use this to
// decorate a result they did not build.
func (r *Result) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string, 4)
	}
	r.Headers[name] = value
}

// HandlerError is the typed failure a handler crosses the bridge with,
// whether it returned an error or panicked.
type HandlerError struct {
	Cause    error
	Panicked bool
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler panic: %v", e.Cause)
	}
	return fmt.Sprintf("handler error: %v", e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// Bridge is the marshaling boundary between the native core and user
// handler code. When serialization is on, at most one handler executes
// at a time process-wide; native paths never touch the Bridge and stay
// fully concurrent.
type Bridge struct {
	sem       chan struct{} // nil when free-threaded
	serialize bool
	inflight  atomic.Int64
	log       *logrus.Logger
}

// New creates a bridge. serialize models a runtime whose handler calls
// exclude each other; pass false for a free-threaded runtime.
func New(serialize bool, log *logrus.Logger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bridge{serialize: serialize, log: log}
	if serialize {
		b.sem = make(chan struct{}, 1)
	}
	return b
}

// Serialized reports whether handler calls exclude each other.
func (b *Bridge) Serialized() bool { return b.serialize }

// Inflight returns the number of handler calls currently executing.
func (b *Bridge) Inflight() int64 { return b.inflight.Load() }

// Invoke runs a standard handler. Waiting for the execution slot is
// cancellable through ctx; the handler itself, once entered, always runs
// to completion.
func (b *Bridge) Invoke(ctx context.Context, h Handler, req *Request) (Result, error) {
	if err := b.acquire(ctx); err != nil {
		return Result{}, err
	}
	res, err := b.call(func() (Result, error) { return h(req) })
	b.release()
	if err != nil {
		return Result{}, err
	}
	return b.finalize(res)
}

// Exec runs fn inside the execution slot with the same waiting and
// panic isolation as Invoke, for callers that do not produce an HTTP
// result. WebSocket message callbacks go through here.
func (b *Bridge) Exec(ctx context.Context, fn func() error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	_, err := b.call(func() (Result, error) { return Result{}, fn() })
	b.release()
	return err
}

// InvokeTurbo runs a turbo handler against the minimal request view.
func (b *Bridge) InvokeTurbo(ctx context.Context, h TurboHandler, params router.Params) (Result, error) {
	if err := b.acquire(ctx); err != nil {
		return Result{}, err
	}
	res, err := b.call(func() (Result, error) { return h(params) })
	b.release()
	if err != nil {
		return Result{}, err
	}
	return b.finalize(res)
}

func (b *Bridge) acquire(ctx context.Context) error {
	if !b.serialize {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.inflight.Add(1)
		return nil
	}
	select {
	case b.sem <- struct{}{}:
		b.inflight.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) release() {
	b.inflight.Add(-1)
	if b.serialize {
		<-b.sem
	}
}

func (b *Bridge) call(fn func() (Result, error)) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Cause: fmt.Errorf("%v", r), Panicked: true}
		}
	}()
	res, err = fn()
	if err != nil {
		var he *HandlerError
		if !errors.As(err, &he) {
			err = &HandlerError{Cause: err}
		}
	}
	return
}

// finalize resolves deferred structured values. Serialization happens
// outside the execution slot: encoding is native work and must not
// extend handler exclusion.
func (b *Bridge) finalize(res Result) (Result, error) {
	if res.hasValue {
		switch v := res.value.(type) {
		case proto.Message:
			body, err := proto.Marshal(v)
			if err != nil {
				return Result{}, &HandlerError{Cause: fmt.Errorf("protobuf encode: %w", err)}
			}
			res.Body = body
			if res.ContentType == "" {
				res.ContentType = "application/x-protobuf"
			}
		case string:
			t := Text(v)
			res.Body = t.Body
			if res.ContentType == "" {
				res.ContentType = t.ContentType
			}
		case []byte:
			res.Body = v
			if res.ContentType == "" {
				res.ContentType = "application/octet-stream"
			}
		default:
			body, err := json.Marshal(v)
			if err != nil {
				return Result{}, &HandlerError{Cause: fmt.Errorf("json encode: %w", err)}
			}
			res.Body = body
			if res.ContentType == "" {
				res.ContentType = "application/json"
			}
		}
		res.value = nil
		res.hasValue = false
	}

	if res.Status == 0 {
		res.Status = 200
	}
	if res.ContentType == "" && len(res.Body) > 0 {
		res.ContentType = "application/json"
	}
	return res, nil
}

func looksLikeHTML(s string) bool {
	return strings.HasPrefix(s, "<") && strings.Contains(s, "</")
}
