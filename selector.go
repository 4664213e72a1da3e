package eventrouter

import (
	"fmt"
	"reflect"
	"strings"
)

// SelectorKind identifies how a subscription selector matches event keys.
type SelectorKind string

const (
	// SelectorExact matches an event key verbatim.
	SelectorExact SelectorKind = "exact"

	// SelectorURITemplate matches slash-delimited keys against a template
	// whose "{name}" segments bind the corresponding key segment as a
	// parameter. Segment counts must match exactly; there are no
	// wildcard or greedy spans.
	SelectorURITemplate SelectorKind = "uri-template"

	// SelectorType matches on the event payload's runtime type instead
	// of the key: the payload must be assignable to the subscription's
	// declared parameter type, or an exact converter entry must exist
	// for the pair.
	SelectorType SelectorKind = "type"
)

// Params holds the path parameters bound by a URI-template match.
type Params map[string]string

// templateSegment is one compiled segment of a URI-template selector.
// Binding segments capture the key segment under name; literal segments
// must match verbatim.
type templateSegment struct {
	literal string
	name    string
	bind    bool
}

// Selector is a compiled subscription pattern. Compile once at
// registration time via CompileSelector; Match is safe for concurrent use.
type Selector struct {
	kind        SelectorKind
	expr        string
	segments    []templateSegment
	payloadType reflect.Type
}

// CompileSelector compiles a selector expression into a matchable form.
// For SelectorType the expression is ignored and payloadType is required.
// For the key-based kinds payloadType is optional: it does not affect
// matching, but when set, payloads are converted to it before handler
// invocation. Structural defects in a URI template (unbalanced braces,
// empty or duplicate parameter names) return a *RegistrationError.
func CompileSelector(kind SelectorKind, expr string, payloadType reflect.Type) (*Selector, error) {
	switch kind {
	case SelectorExact:
		return &Selector{kind: kind, expr: expr, payloadType: payloadType}, nil

	case SelectorURITemplate:
		segments, err := compileTemplate(expr)
		if err != nil {
			return nil, err
		}
		return &Selector{kind: kind, expr: expr, segments: segments, payloadType: payloadType}, nil

	case SelectorType:
		if payloadType == nil {
			return nil, &RegistrationError{Pattern: expr, Reason: "type selector requires a declared payload type"}
		}
		return &Selector{kind: kind, expr: expr, payloadType: payloadType}, nil

	default:
		return nil, &RegistrationError{Pattern: expr, Reason: fmt.Sprintf("unknown selector kind %q", kind)}
	}
}

// compileTemplate parses a URI-template expression into segments.
func compileTemplate(expr string) ([]templateSegment, error) {
	raw := strings.Split(expr, "/")
	segments := make([]templateSegment, 0, len(raw))
	seen := make(map[string]bool)

	for _, seg := range raw {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") && len(seg) >= 2 {
			name := seg[1 : len(seg)-1]
			if name == "" {
				return nil, &RegistrationError{Pattern: expr, Reason: "empty parameter name"}
			}
			if strings.ContainsAny(name, "{}") {
				return nil, &RegistrationError{Pattern: expr, Reason: fmt.Sprintf("nested braces in parameter %q", seg)}
			}
			if seen[name] {
				return nil, &RegistrationError{Pattern: expr, Reason: fmt.Sprintf("duplicate parameter name %q", name)}
			}
			seen[name] = true
			segments = append(segments, templateSegment{name: name, bind: true})
			continue
		}
		if strings.ContainsAny(seg, "{}") {
			return nil, &RegistrationError{Pattern: expr, Reason: fmt.Sprintf("unbalanced braces in segment %q", seg)}
		}
		segments = append(segments, templateSegment{literal: seg})
	}

	return segments, nil
}

// Kind returns the selector kind.
func (s *Selector) Kind() SelectorKind {
	return s.kind
}

// Expr returns the original selector expression.
func (s *Selector) Expr() string {
	return s.expr
}

// PayloadType returns the declared handler parameter type, nil when the
// subscription declared none.
func (s *Selector) PayloadType() reflect.Type {
	return s.payloadType
}

// Match evaluates the selector against an event key and payload type.
// It returns the bound parameters and true on a match; an empty result is
// a normal outcome, not a fault. The converter registry is consulted for
// type selectors so convertible payloads also match; conv may be nil.
func (s *Selector) Match(key string, payloadType reflect.Type, conv *ConverterRegistry) (Params, bool) {
	switch s.kind {
	case SelectorExact:
		if key == s.expr {
			return Params{}, true
		}
		return nil, false

	case SelectorURITemplate:
		return s.matchTemplate(key)

	case SelectorType:
		if payloadType == nil {
			return nil, false
		}
		if payloadType.AssignableTo(s.payloadType) {
			return Params{}, true
		}
		if conv != nil && conv.HasExact(payloadType, s.payloadType) {
			return Params{}, true
		}
		return nil, false

	default:
		return nil, false
	}
}

// matchTemplate matches a key against the compiled template segments.
func (s *Selector) matchTemplate(key string) (Params, bool) {
	keySegments := strings.Split(key, "/")
	if len(keySegments) != len(s.segments) {
		return nil, false
	}

	params := make(Params, len(s.segments))
	for i, seg := range s.segments {
		if seg.bind {
			params[seg.name] = keySegments[i]
			continue
		}
		if seg.literal != keySegments[i] {
			return nil, false
		}
	}

	return params, true
}
