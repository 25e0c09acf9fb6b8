package router

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the runtime type of a captured path value.
type Kind uint8

const (
	KindStr Kind = iota
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "str"
	}
}

// Value is a single typed capture parsed out of a request path.
// Raw always holds the text as it appeared in the path; Int and Float
// are populated according to Kind.
type Value struct {
	Kind  Kind
	Raw   string
	Int   int64
	Float float64
}

// Any returns the capture as a plain Go value (int64, float64 or string).
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	default:
		return v.Raw
	}
}

// Param is one named capture.
type Param struct {
	Name  string
	Value Value
}

// Params is the ordered capture list produced by a match. Order follows
// the pattern left to right, which makes the list usable as a cache key
// component.
type Params []Param

// Get returns the capture with the given name.
func (ps Params) Get(name string) (Value, bool) {
	for i := range ps {
		if ps[i].Name == name {
			return ps[i].Value, true
		}
	}
	return Value{}, false
}

// Int returns a capture as int64. The second result is false when the
// capture is missing or not an int.
func (ps Params) Int(name string) (int64, bool) {
	v, ok := ps.Get(name)
	if !ok || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// Float returns a capture as float64.
func (ps Params) Float(name string) (float64, bool) {
	v, ok := ps.Get(name)
	if !ok || v.Kind != KindFloat {
		return 0, false
	}
	return v.Float, true
}

// Str returns a capture's raw text.
func (ps Params) Str(name string) (string, bool) {
	v, ok := ps.Get(name)
	if !ok {
		return "", false
	}
	return v.Raw, true
}

// Key renders the ordered capture values as a single string, used by
// callers that key storage on a route plus its captures.
func (ps Params) Key() string {
	if len(ps) == 0 {
		return ""
	}
	var b strings.Builder
	for i := range ps {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(ps[i].Value.Raw)
	}
	return b.String()
}

// Clone deep-copies the capture list. Raw values produced by a match
// alias the parse buffer they were cut from; Clone detaches them so
// the params can outlive the request that produced them.
func (ps Params) Clone() Params {
	if len(ps) == 0 {
		return nil
	}
	out := make(Params, len(ps))
	for i := range ps {
		out[i] = ps[i]
		out[i].Value.Raw = strings.Clone(ps[i].Value.Raw)
	}
	return out
}

type segKind uint8

const (
	segLiteral segKind = iota
	segInt
	segFloat
	segStr
	segPath
)

// Match priority per segment position. Literals outrank any capture;
// narrower capture kinds outrank wider ones.
func (k segKind) rank() uint8 {
	switch k {
	case segLiteral:
		return 4
	case segInt:
		return 3
	case segFloat:
		return 2
	case segStr:
		return 1
	default: // segPath
		return 0
	}
}

type segment struct {
	kind    segKind
	literal string // literal text, kind == segLiteral
	name    string // capture name otherwise
}

// parsePattern splits a registration pattern into segments. Captures use
// the <kind:name> form with kinds int, float, str and path; <name> alone
// is a str capture. A capture must span its whole segment and a path
// capture may only appear last.
// CaptureNames parses a pattern and returns its capture names in
// order, without registering anything.
func CaptureNames(pattern string) ([]string, error) {
	segs, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range segs {
		if s.kind != segLiteral {
			out = append(out, s.name)
		}
	}
	return out, nil
}

func parsePattern(pattern string) ([]segment, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("pattern %q must begin with '/'", pattern)
	}

	var segs []segment
	seen := make(map[string]struct{})

	for _, part := range strings.Split(pattern[1:], "/") {
		if part == "" {
			continue
		}
		if len(segs) > 0 && segs[len(segs)-1].kind == segPath {
			return nil, fmt.Errorf("pattern %q: path capture must be the last segment", pattern)
		}

		if part[0] == '<' || part[len(part)-1] == '>' {
			if part[0] != '<' || part[len(part)-1] != '>' || len(part) < 3 {
				return nil, fmt.Errorf("pattern %q: capture must span the whole segment", pattern)
			}
			kind, name, err := parseCapture(part[1 : len(part)-1])
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", pattern, err)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("pattern %q: duplicate capture %q", pattern, name)
			}
			seen[name] = struct{}{}
			segs = append(segs, segment{kind: kind, name: name})
			continue
		}

		if strings.ContainsAny(part, "<>") {
			return nil, fmt.Errorf("pattern %q: segment %q mixes literal text and capture markers", pattern, part)
		}
		segs = append(segs, segment{kind: segLiteral, literal: part})
	}
	return segs, nil
}

func parseCapture(inner string) (segKind, string, error) {
	kind := segStr
	name := inner
	if idx := strings.IndexByte(inner, ':'); idx >= 0 {
		name = inner[idx+1:]
		switch inner[:idx] {
		case "int":
			kind = segInt
		case "float":
			kind = segFloat
		case "str", "string":
			kind = segStr
		case "path":
			kind = segPath
		default:
			return 0, "", fmt.Errorf("unknown capture kind %q", inner[:idx])
		}
	}
	if name == "" || strings.ContainsAny(name, "<>:/") {
		return 0, "", fmt.Errorf("invalid capture name %q", name)
	}
	return kind, name, nil
}

// canonical renders segments with capture names stripped, so patterns
// that would be indistinguishable at match time collide on registration.
func canonical(segs []segment) string {
	if len(segs) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		switch s.kind {
		case segLiteral:
			b.WriteString(s.literal)
		case segInt:
			b.WriteString("<int>")
		case segFloat:
			b.WriteString("<float>")
		case segStr:
			b.WriteString("<str>")
		case segPath:
			b.WriteString("<path>")
		}
	}
	return b.String()
}

// convertSegment attempts a typed conversion of one path segment.
// Failure means the candidate route does not match, not an error.
func convertSegment(kind segKind, text string) (Value, bool) {
	switch kind {
	case segInt:
		return convertInt(text)
	case segFloat:
		return convertFloat(text)
	case segStr:
		if text == "" {
			return Value{}, false
		}
		return Value{Kind: KindStr, Raw: text}, true
	default:
		return Value{}, false
	}
}

func convertInt(text string) (Value, bool) {
	if text == "" {
		return Value{}, false
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Value{Kind: KindInt, Raw: text, Int: n}, true
	}
	// Digit runs too long for int64 still match; the raw text is kept
	// as the capture value.
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return Value{}, false
		}
	}
	return Value{Kind: KindStr, Raw: text}, true
}

func convertFloat(text string) (Value, bool) {
	if text == "" {
		return Value{}, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return Value{}, false
	}
	return Value{Kind: KindFloat, Raw: text, Float: f}, true
}
