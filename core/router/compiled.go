package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Template is a response body compiled ahead of time from a JSON-shaped
// value. Everything known at registration is flattened into static text;
// captures and arithmetic over captures remain as holes filled per
// request, so rendering never touches a handler.
type Template struct {
	parts []part
}

type partKind uint8

const (
	partStatic partKind = iota
	partParam
	partExpr
)

type part struct {
	kind partKind
	text string // static text
	name string // capture reference
	expr *Expr
}

// Expr is an arithmetic expression over captures and numeric constants.
// Build them with P, Int, Float and the operator constructors.
type Expr struct {
	op       byte // 0 for leaves, else one of + - * /
	lhs, rhs *Expr

	ref     string // capture name, leaves only
	isFloat bool
	i       int64
	f       float64
}

// P references a capture by name.
func P(name string) *Expr { return &Expr{ref: name} }

// Int is an integer constant.
func Int(v int64) *Expr { return &Expr{i: v} }

// Float is a floating point constant.
func Float(v float64) *Expr { return &Expr{isFloat: true, f: v} }

// Add returns lhs + rhs.
func Add(lhs, rhs *Expr) *Expr { return &Expr{op: '+', lhs: lhs, rhs: rhs} }

// Sub returns lhs - rhs.
func Sub(lhs, rhs *Expr) *Expr { return &Expr{op: '-', lhs: lhs, rhs: rhs} }

// Mul returns lhs * rhs.
func Mul(lhs, rhs *Expr) *Expr { return &Expr{op: '*', lhs: lhs, rhs: rhs} }

// Div returns lhs / rhs. Division always yields a float, matching the
// arithmetic handler code written against this server expects.
func Div(lhs, rhs *Expr) *Expr { return &Expr{op: '/', lhs: lhs, rhs: rhs} }

// Compile flattens a JSON-shaped value into a template. Supported node
// types: map[string]any, []any, string, bool, nil, int, int64, float64
// and *Expr. Map keys are emitted in sorted order so the static text is
// deterministic.
func Compile(v any) (*Template, error) {
	t := &Template{}
	var b strings.Builder
	if err := t.compile(&b, v); err != nil {
		return nil, err
	}
	t.flush(&b)
	return t, nil
}

func (t *Template) compile(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(x)
		if err != nil {
			return err
		}
		b.Write(enc)
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(jsonFloat(x))
	case *Expr:
		t.flush(b)
		if x.op == 0 && x.ref != "" {
			t.parts = append(t.parts, part{kind: partParam, name: x.ref})
		} else {
			t.parts = append(t.parts, part{kind: partExpr, expr: x})
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := t.compile(b, x[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := t.compile(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("template: unsupported value type %T", v)
	}
	return nil
}

func (t *Template) flush(b *strings.Builder) {
	if b.Len() == 0 {
		return
	}
	t.parts = append(t.parts, part{kind: partStatic, text: b.String()})
	b.Reset()
}

// Validate checks every capture reference against the route's capture
// names, so broken templates fail at registration instead of at request
// time.
func (t *Template) Validate(captures []string) error {
	known := make(map[string]struct{}, len(captures))
	for _, c := range captures {
		known[c] = struct{}{}
	}
	for _, p := range t.parts {
		switch p.kind {
		case partParam:
			if _, ok := known[p.name]; !ok {
				return fmt.Errorf("template references unknown capture %q", p.name)
			}
		case partExpr:
			if err := p.expr.validate(known); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Expr) validate(known map[string]struct{}) error {
	if e.op == 0 {
		if e.ref != "" {
			if _, ok := known[e.ref]; !ok {
				return fmt.Errorf("template references unknown capture %q", e.ref)
			}
		}
		return nil
	}
	if err := e.lhs.validate(known); err != nil {
		return err
	}
	return e.rhs.validate(known)
}

// Render fills the template's holes from the captures of one match.
func (t *Template) Render(params Params) ([]byte, error) {
	size := 0
	for _, p := range t.parts {
		if p.kind == partStatic {
			size += len(p.text)
		} else {
			size += 16
		}
	}

	buf := make([]byte, 0, size)
	for _, p := range t.parts {
		switch p.kind {
		case partStatic:
			buf = append(buf, p.text...)
		case partParam:
			v, ok := params.Get(p.name)
			if !ok {
				return nil, fmt.Errorf("template: capture %q not present in match", p.name)
			}
			switch v.Kind {
			case KindInt:
				buf = strconv.AppendInt(buf, v.Int, 10)
			case KindFloat:
				buf = append(buf, jsonFloat(v.Float)...)
			default:
				enc, err := json.Marshal(v.Raw)
				if err != nil {
					return nil, err
				}
				buf = append(buf, enc...)
			}
		case partExpr:
			n, err := p.expr.eval(params)
			if err != nil {
				return nil, err
			}
			if n.isFloat {
				buf = append(buf, jsonFloat(n.f)...)
			} else {
				buf = strconv.AppendInt(buf, n.i, 10)
			}
		}
	}
	return buf, nil
}

type number struct {
	isFloat bool
	i       int64
	f       float64
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (e *Expr) eval(params Params) (number, error) {
	if e.op == 0 {
		if e.ref == "" {
			return number{isFloat: e.isFloat, i: e.i, f: e.f}, nil
		}
		v, ok := params.Get(e.ref)
		if !ok {
			return number{}, fmt.Errorf("template: capture %q not present in match", e.ref)
		}
		switch v.Kind {
		case KindInt:
			return number{i: v.Int}, nil
		case KindFloat:
			return number{isFloat: true, f: v.Float}, nil
		default:
			return number{}, fmt.Errorf("template: capture %q is not numeric", e.ref)
		}
	}

	lhs, err := e.lhs.eval(params)
	if err != nil {
		return number{}, err
	}
	rhs, err := e.rhs.eval(params)
	if err != nil {
		return number{}, err
	}

	// Division always produces a float; the other operators stay
	// integral while both operands are.
	if e.op == '/' {
		if rhs.float() == 0 {
			return number{}, fmt.Errorf("template: division by zero")
		}
		return number{isFloat: true, f: lhs.float() / rhs.float()}, nil
	}
	if lhs.isFloat || rhs.isFloat {
		l, r := lhs.float(), rhs.float()
		switch e.op {
		case '+':
			return number{isFloat: true, f: l + r}, nil
		case '-':
			return number{isFloat: true, f: l - r}, nil
		default:
			return number{isFloat: true, f: l * r}, nil
		}
	}
	switch e.op {
	case '+':
		return number{i: lhs.i + rhs.i}, nil
	case '-':
		return number{i: lhs.i - rhs.i}, nil
	default:
		return number{i: lhs.i * rhs.i}, nil
	}
}

// jsonFloat renders a float the way the wire format's JSON encoder does:
// integral values keep a trailing .0 so the type stays visible.
func jsonFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
