package router

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode selects the dispatch pipeline for a route.
type Mode uint8

const (
	// Standard routes run the full request lifecycle including hooks.
	Standard Mode = iota
	// Turbo routes bypass hooks and session context, optionally cached.
	Turbo
)

func (m Mode) String() string {
	if m == Turbo {
		return "turbo"
	}
	return "standard"
}

// RouteID identifies a registered route for the lifetime of the process.
type RouteID uint32

// Route is one registered pattern. Immutable once the router is frozen.
type Route struct {
	ID      RouteID
	Pattern string
	Mode    Mode
	TTL     time.Duration // turbo response cache TTL, 0 disables caching

	methods  map[string]struct{}
	segments []segment
	hasPath  bool // trailing path capture
}

// Allows reports whether the route accepts the given method.
func (rt *Route) Allows(method string) bool {
	_, ok := rt.methods[method]
	return ok
}

// Methods returns the route's method set, sorted.
func (rt *Route) Methods() []string {
	out := make([]string, 0, len(rt.methods))
	for m := range rt.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Captures returns the capture names in pattern order.
func (rt *Route) Captures() []string {
	var out []string
	for _, s := range rt.segments {
		if s.kind != segLiteral {
			out = append(out, s.name)
		}
	}
	return out
}

// MatchResult is the winning route plus its typed captures.
type MatchResult struct {
	Route  *Route
	Params Params
}

// ConflictError reports a duplicate registration: a pattern that is
// indistinguishable at match time from an existing one, for an already
// covered method.
type ConflictError struct {
	Pattern string
	Method  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route conflict: %s %s is already registered", e.Method, e.Pattern)
}

// Router compiles registered patterns into an immutable matching table.
// Registration is a build-time pass; Freeze must be called before the
// first Match and rejects any further registration.
type Router struct {
	routes []*Route
	shapes map[string]*Route // canonical pattern -> route

	// Snapshot built by Freeze.
	static  map[string]map[string]*Route // exact path -> method -> route
	dynamic map[int][]*Route             // segment count -> routes by priority
	tail    []*Route                     // routes with a trailing path capture
	frozen  bool
	nextID  RouteID
}

// New creates an empty router.
func New() *Router {
	return &Router{
		shapes: make(map[string]*Route),
	}
}

// Register adds a pattern for the given methods. Methods default to GET
// when empty. Registering a pattern that cannot be told apart from an
// existing one for an overlapping method returns a *ConflictError.
func (r *Router) Register(pattern string, methods []string, mode Mode, ttl time.Duration) (RouteID, error) {
	if r.frozen {
		return 0, fmt.Errorf("register %q: router already frozen", pattern)
	}

	segs, err := parsePattern(pattern)
	if err != nil {
		return 0, err
	}
	if len(methods) == 0 {
		methods = []string{"GET"}
	}

	shape := canonical(segs)
	if prev, ok := r.shapes[shape]; ok {
		for _, m := range methods {
			if prev.Allows(strings.ToUpper(m)) {
				return 0, &ConflictError{Pattern: pattern, Method: strings.ToUpper(m)}
			}
		}
		// Same shape, disjoint methods: extend the existing route only
		// when everything else agrees, otherwise it is a conflict in
		// disguise (two routes the matcher could not separate).
		if prev.Mode != mode || prev.TTL != ttl {
			return 0, &ConflictError{Pattern: pattern, Method: strings.ToUpper(methods[0])}
		}
		for _, m := range methods {
			prev.methods[strings.ToUpper(m)] = struct{}{}
		}
		return prev.ID, nil
	}

	r.nextID++
	rt := &Route{
		ID:      r.nextID,
		Pattern: pattern,
		Mode:    mode,
		TTL:     ttl,
		methods: make(map[string]struct{}, len(methods)),
	}
	rt.segments = segs
	rt.hasPath = len(segs) > 0 && segs[len(segs)-1].kind == segPath
	for _, m := range methods {
		rt.methods[strings.ToUpper(m)] = struct{}{}
	}

	r.shapes[shape] = rt
	r.routes = append(r.routes, rt)
	return rt.ID, nil
}

// Len returns the number of registered routes.
func (r *Router) Len() int {
	return len(r.routes)
}

// Routes returns all registered routes in registration order.
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Freeze builds the matching snapshot. No registration is accepted after
// this point; the snapshot itself is read-only and safe for concurrent
// Match calls.
func (r *Router) Freeze() {
	if r.frozen {
		return
	}

	r.static = make(map[string]map[string]*Route)
	r.dynamic = make(map[int][]*Route)

	for _, rt := range r.routes {
		if isStatic(rt.segments) {
			path := staticPath(rt.segments)
			if r.static[path] == nil {
				r.static[path] = make(map[string]*Route, len(rt.methods))
			}
			for m := range rt.methods {
				r.static[path][m] = rt
			}
			continue
		}
		if rt.hasPath {
			r.tail = append(r.tail, rt)
			continue
		}
		n := len(rt.segments)
		r.dynamic[n] = append(r.dynamic[n], rt)
	}

	for _, routes := range r.dynamic {
		sortByPriority(routes)
	}
	sortByPriority(r.tail)
	r.frozen = true
}

// Match resolves a request path against the frozen snapshot. It is a
// pure function of (method, path): no allocation is shared between
// calls and no internal state is touched.
func (r *Router) Match(method, path string) (MatchResult, bool) {
	if !r.frozen {
		panic("router: Match called before Freeze")
	}

	// Exact literal routes win outright.
	if methods, ok := r.static[normalize(path)]; ok {
		if rt, ok := methods[method]; ok {
			return MatchResult{Route: rt}, true
		}
	}

	segs := splitPath(path)

	for _, rt := range r.dynamic[len(segs)] {
		if !rt.Allows(method) {
			continue
		}
		if params, ok := rt.match(segs); ok {
			return MatchResult{Route: rt, Params: params}, true
		}
	}

	for _, rt := range r.tail {
		if !rt.Allows(method) {
			continue
		}
		if len(segs) < len(rt.segments) {
			continue
		}
		if params, ok := rt.match(segs); ok {
			return MatchResult{Route: rt, Params: params}, true
		}
	}

	return MatchResult{}, false
}

func (rt *Route) match(segs []string) (Params, bool) {
	var params Params
	for i, s := range rt.segments {
		if s.kind == segPath {
			rest := strings.Join(segs[i:], "/")
			if rest == "" {
				return nil, false
			}
			if params == nil {
				params = make(Params, 0, len(rt.segments)-i)
			}
			params = append(params, Param{Name: s.name, Value: Value{Kind: KindStr, Raw: rest}})
			return params, true
		}
		if s.kind == segLiteral {
			if segs[i] != s.literal {
				return nil, false
			}
			continue
		}
		v, ok := convertSegment(s.kind, segs[i])
		if !ok {
			return nil, false
		}
		if params == nil {
			params = make(Params, 0, 4)
		}
		params = append(params, Param{Name: s.name, Value: v})
	}
	return params, true
}

func isStatic(segs []segment) bool {
	for _, s := range segs {
		if s.kind != segLiteral {
			return false
		}
	}
	return true
}

func staticPath(segs []segment) string {
	if len(segs) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(s.literal)
	}
	return b.String()
}

// normalize collapses empty segments so /a//b/ and /a/b resolve alike.
func normalize(path string) string {
	if !strings.Contains(path, "//") && (len(path) <= 1 || path[len(path)-1] != '/') {
		return path
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sortByPriority orders candidates so the most specific pattern is tried
// first: segment ranks compared left to right, longer patterns ahead of
// shorter ones on a full tie, registration order as the final tie-break.
func sortByPriority(routes []*Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		n := len(a.segments)
		if len(b.segments) < n {
			n = len(b.segments)
		}
		for k := 0; k < n; k++ {
			ra, rb := a.segments[k].kind.rank(), b.segments[k].kind.rank()
			if ra != rb {
				return ra > rb
			}
		}
		if len(a.segments) != len(b.segments) {
			return len(a.segments) > len(b.segments)
		}
		return a.ID < b.ID
	})
}
