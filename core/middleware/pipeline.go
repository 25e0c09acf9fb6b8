// Package middleware implements the request and response hook chain
// that wraps standard-mode handlers. Hooks run inside the same bridge
// call as the handler, so they see the world the handler sees.
package middleware

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/searchktools/turbo-server/core/bridge"
)

// BeforeFunc runs ahead of the route handler. A non-nil result
// short-circuits the chain: remaining before hooks and the handler are
// skipped and the result becomes the response.
type BeforeFunc func(*bridge.Request) *bridge.Result

// AfterFunc observes the outgoing result and may mutate it in place.
type AfterFunc func(*bridge.Request, *bridge.Result)

// Chain is an ordered hook set. Registration happens before the server
// starts serving; after that the chain is read-only and safe to share.
type Chain struct {
	before []BeforeFunc
	after  []AfterFunc
}

func NewChain() *Chain {
	return &Chain{
		before: make([]BeforeFunc, 0, 8),
		after:  make([]AfterFunc, 0, 8),
	}
}

// Before appends a request hook.
func (c *Chain) Before(fn BeforeFunc) *Chain {
	c.before = append(c.before, fn)
	return c
}

// After appends a response hook.
func (c *Chain) After(fn AfterFunc) *Chain {
	c.after = append(c.after, fn)
	return c
}

// Empty reports whether the chain has no hooks at all, which lets the
// dispatcher skip the wrapping entirely.
func (c *Chain) Empty() bool {
	return len(c.before) == 0 && len(c.after) == 0
}

// RunBefore executes request hooks in registration order and returns
// the first short-circuit result, or nil when the handler should run.
func (c *Chain) RunBefore(req *bridge.Request) *bridge.Result {
	for _, fn := range c.before {
		if res := fn(req); res != nil {
			return res
		}
	}
	return nil
}

// RunAfter executes response hooks in reverse registration order, so
// the first-registered hook sees the final response last.
func (c *Chain) RunAfter(req *bridge.Request, res *bridge.Result) {
	for i := len(c.after) - 1; i >= 0; i-- {
		c.after[i](req, res)
	}
}

// Wrap folds the chain around a handler so the whole of it executes in
// one bridge call. A short-circuiting before hook still flows through
// the after hooks; handler errors bypass them.
func (c *Chain) Wrap(h bridge.Handler) bridge.Handler {
	if c.Empty() {
		return h
	}
	return func(req *bridge.Request) (bridge.Result, error) {
		if res := c.RunBefore(req); res != nil {
			c.RunAfter(req, res)
			return *res, nil
		}
		res, err := h(req)
		if err != nil {
			return res, err
		}
		c.RunAfter(req, &res)
		return res, nil
	}
}

// CORS returns a hook pair that answers OPTIONS preflights directly and
// stamps permissive cross-origin headers on every response.
func CORS() (BeforeFunc, AfterFunc) {
	before := func(req *bridge.Request) *bridge.Result {
		if req.Method != "OPTIONS" {
			return nil
		}
		res := bridge.Raw(nil, "").WithStatus(204)
		return &res
	}
	after := func(_ *bridge.Request, res *bridge.Result) {
		res.SetHeader("Access-Control-Allow-Origin", "*")
		res.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
		res.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization")
	}
	return before, after
}

// RequestID tags each response with a unique id for log correlation.
func RequestID() AfterFunc {
	return func(_ *bridge.Request, res *bridge.Result) {
		res.SetHeader("X-Request-Id", uuid.NewString())
	}
}

// AccessLog writes one info line per completed request.
func AccessLog(log *logrus.Logger) AfterFunc {
	return func(req *bridge.Request, res *bridge.Result) {
		status := res.Status
		if status == 0 {
			status = 200
		}
		log.WithFields(logrus.Fields{
			"method": req.Method,
			"path":   req.Path,
			"status": status,
		}).Info("request")
	}
}
