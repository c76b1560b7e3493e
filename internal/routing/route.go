// Package routing classifies incoming request paths into canonical
// Discord route buckets. Two requests share a bucket iff their method,
// path template and major parameters (guild, channel, webhook identity)
// are identical.
package routing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedRoute means no known template matches the path.
	ErrUnsupportedRoute = errors.New("unsupported route")
	// ErrMethodNotAllowed means the path matched a template that does not
	// permit the request method.
	ErrMethodNotAllowed = errors.New("method not allowed for route")
)

// Route is the canonical identifier of a family of Discord endpoints,
// with the concrete parameter values captured from the request path.
// Immutable once returned by Parse.
type Route struct {
	Method   string
	Template string

	// params holds the captured values in template order.
	params []string
	// majors holds the subset of params that separate buckets.
	majors []string
}

// Majors returns the major-parameter tuple.
func (r Route) Majors() []string {
	return r.majors
}

// BucketKey uniquely identifies the rate-limit bucket this route maps to
// within one token.
func (r Route) BucketKey() string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.Template)
	for _, m := range r.majors {
		b.WriteByte(';')
		b.WriteString(m)
	}
	return b.String()
}

// Render substitutes the captured parameters back into the template,
// reproducing the classified path (modulo trailing-slash normalization
// and any /api prefix the client used).
func (r Route) Render() string {
	segs := strings.Split(strings.Trim(r.Template, "/"), "/")
	i := 0
	for n, s := range segs {
		if strings.HasPrefix(s, "{") {
			segs[n] = r.params[i]
			i++
		}
	}
	return "/" + strings.Join(segs, "/")
}

// Parse classifies method+path into a Route. The optional "/api" prefix,
// optionally followed by "/v<digits>", is stripped first; a bare
// "/v<digits>" without "/api", or a non-numeric version segment, is left
// in place and fails classification.
func Parse(method, path string) (Route, error) {
	if method == "" || path == "" {
		return Route{}, fmt.Errorf("%w: empty method or path", ErrUnsupportedRoute)
	}
	method = strings.ToUpper(method)

	segs := splitPath(path)
	if len(segs) > 0 && segs[0] == "api" {
		segs = segs[1:]
		if len(segs) > 0 && isVersion(segs[0]) {
			segs = segs[1:]
		}
	}
	if len(segs) == 0 {
		return Route{}, fmt.Errorf("%w: %s %s", ErrUnsupportedRoute, method, path)
	}

	patterns, ok := routeTable[segs[0]]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s %s", ErrUnsupportedRoute, method, path)
	}

	shapeMatched := false
	for i := range patterns {
		p := &patterns[i]
		params, majors, ok := p.match(segs)
		if !ok {
			continue
		}
		if _, allowed := p.methods[method]; !allowed {
			shapeMatched = true
			continue
		}
		return Route{
			Method:   method,
			Template: p.template,
			params:   params,
			majors:   majors,
		}, nil
	}
	if shapeMatched {
		return Route{}, fmt.Errorf("%w: %s %s", ErrMethodNotAllowed, method, path)
	}
	return Route{}, fmt.Errorf("%w: %s %s", ErrUnsupportedRoute, method, path)
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// isVersion reports whether seg is "v" followed by one or more digits.
func isVersion(seg string) bool {
	if len(seg) < 2 || seg[0] != 'v' {
		return false
	}
	for i := 1; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return false
		}
	}
	return true
}

// isID reports whether seg is ID-shaped: an all-digit snowflake of any
// length, or an @-tag such as "@me" / "@original".
func isID(seg string) bool {
	if seg == "" {
		return false
	}
	if seg[0] == '@' {
		return len(seg) > 1
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return false
		}
	}
	return true
}
