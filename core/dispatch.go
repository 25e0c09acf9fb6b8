package core

import (
	"context"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/turbo-server/core/bridge"
	"github.com/searchktools/turbo-server/core/cache"
	"github.com/searchktools/turbo-server/core/http"
	"github.com/searchktools/turbo-server/core/router"
	"github.com/searchktools/turbo-server/core/stats"
)

// dispatch routes one parsed request and returns the response to
// encode. It never returns nil.
func (e *Engine) dispatch(ctx context.Context, req *http.Request) *http.Response {
	started := time.Now()

	m, ok := e.router.Match(req.Method, req.Path)
	if !ok {
		return http.ErrorResponse(404, "Not Found")
	}
	entry := e.entries[m.Route.ID]

	limiter := entry.limiter
	if limiter == nil {
		limiter = e.limiter
	}
	if d := limiter.Allow(clientKey(req.RemoteAddr)); !d.Allowed {
		e.stats.RecordRateLimited()
		return rateLimitedResponse(d.RetryAfter)
	}

	var (
		res bridge.Result
		err error
	)
	switch entry.kind {
	case entryStatic:
		e.stats.RecordRequest(m.Route.Pattern, time.Since(started), false)
		return http.NewResponse(200, entry.staticType, entry.staticBody)

	case entryCompiled:
		body, rerr := entry.template.Render(m.Params)
		if rerr != nil {
			e.stats.RecordRequest(m.Route.Pattern, time.Since(started), true)
			return e.failure(req, m.Route, rerr)
		}
		e.stats.RecordRequest(m.Route.Pattern, time.Since(started), false)
		return http.JSONResponse(200, body)

	case entryFiles:
		name, _ := m.Params.Str(filesCapture)
		resp := http.ServeFile(entry.filesDir, name, req.Header(headerRange))
		e.stats.RecordRequest(m.Route.Pattern, time.Since(started), resp.Status >= 500)
		return resp

	case entryTurbo:
		h := entry.turbos[req.Method]
		if m.Route.TTL > 0 {
			return e.dispatchCached(ctx, req, m, h, started)
		}
		res, err = e.bridge.InvokeTurbo(ctx, h, m.Params)

	default:
		h := entry.handlers[req.Method]
		res, err = e.bridge.Invoke(ctx, h, &bridge.Request{
			Method:     req.Method,
			Path:       req.Path,
			Headers:    req.Headers,
			Query:      req.Query,
			Body:       req.Body,
			Params:     m.Params,
			RemoteAddr: req.RemoteAddr,
		})
	}

	if err != nil {
		e.stats.RecordRequest(m.Route.Pattern, time.Since(started), true)
		return e.failure(req, m.Route, err)
	}
	e.stats.RecordRequest(m.Route.Pattern, time.Since(started), false)
	return resultResponse(res)
}

// dispatchCached serves a turbo route through the response cache.
func (e *Engine) dispatchCached(ctx context.Context, req *http.Request, m router.MatchResult, h bridge.TurboHandler, started time.Time) *http.Response {
	key := cacheKey(m.Route.ID, m.Params)

	// The populate closure can run on a background worker after this
	// request's buffers are recycled, so it gets detached params and an
	// unscoped context.
	params := m.Params.Clone()
	populate := func() (cache.Entry, error) {
		res, err := e.bridge.InvokeTurbo(context.Background(), h, params)
		if err != nil {
			return cache.Entry{}, err
		}
		status := res.Status
		if status == 0 {
			status = 200
		}
		headers := make(map[string]string, len(res.Headers)+1)
		for k, v := range res.Headers {
			headers[k] = v
		}
		if res.ContentType != "" {
			headers[headerContentType] = res.ContentType
		}
		return cache.Entry{Body: res.Body, Status: status, Headers: headers}, nil
	}

	cres, err := e.cache.GetOrPopulate(ctx, key, m.Route.TTL, populate)
	if err != nil {
		e.stats.RecordCache(stats.CacheMiss)
		e.stats.RecordRequest(m.Route.Pattern, time.Since(started), true)
		return e.failure(req, m.Route, err)
	}

	outcome, tag := stats.CacheMiss, "MISS"
	switch {
	case cres.Stale:
		outcome, tag = stats.CacheStale, "STALE"
	case cres.Hit:
		outcome, tag = stats.CacheHit, "HIT"
	}
	e.stats.RecordCache(outcome)
	e.stats.RecordRequest(m.Route.Pattern, time.Since(started), false)

	resp := http.AcquireResponse()
	resp.Status = cres.Entry.Status
	resp.Body = cres.Entry.Body
	for k, v := range cres.Entry.Headers {
		if k == headerContentType {
			resp.ContentType = v
			continue
		}
		resp.AddHeader(k, v)
	}
	resp.SetHeader(headerCacheState, tag)
	resp.SetHeader(headerAge, strconv.Itoa(int(cres.Age/time.Second)))
	return resp
}

func cacheKey(id router.RouteID, params router.Params) string {
	var b strings.Builder
	b.Grow(24)
	b.WriteString(strconv.FormatUint(uint64(id), 10))
	b.WriteByte('|')
	b.WriteString(params.Key())
	return b.String()
}

// failure logs a handler error and maps it to a 500. Debug mode leaks
// the error string to the client, production mode does not.
func (e *Engine) failure(req *http.Request, rt *router.Route, err error) *http.Response {
	e.log.WithFields(logrus.Fields{
		"method": req.Method,
		"route":  rt.Pattern,
	}).WithError(err).Error("handler failed")

	if e.debug {
		return http.ErrorResponse(500, err.Error())
	}
	return http.ErrorResponse(500, "Internal Server Error")
}

// resultResponse converts a bridge result into a wire response.
func resultResponse(res bridge.Result) *http.Response {
	resp := http.AcquireResponse()
	resp.Status = res.Status
	if resp.Status == 0 {
		resp.Status = 200
	}
	resp.ContentType = res.ContentType
	resp.Body = res.Body
	for k, v := range res.Headers {
		if strings.EqualFold(k, headerContentType) {
			resp.ContentType = v
			continue
		}
		resp.AddHeader(k, v)
	}
	return resp
}

func rateLimitedResponse(retry time.Duration) *http.Response {
	resp := http.ErrorResponse(429, "Too Many Requests")
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	resp.AddHeader(headerRetryAfter, strconv.Itoa(secs))
	return resp
}

// clientKey buckets rate limiting by client address, ignoring the
// ephemeral port.
func clientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
