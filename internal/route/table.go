// Package route holds the static prefix routing table.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// ErrInvalidRoute is wrapped by every route validation error.
var ErrInvalidRoute = errors.New("invalid route")

// Route maps every path under Prefix to one upstream.
type Route struct {
	Prefix       string
	Upstream     *url.URL
	StripPrefix  bool
	ChangeOrigin bool
}

// Origin returns scheme://host of the upstream, which keys the connection pool.
func (r Route) Origin() string {
	return r.Upstream.Scheme + "://" + r.Upstream.Host
}

// Matches reports whether path falls under the route prefix on a segment boundary.
func (r Route) Matches(path string) bool {
	if r.Prefix == "/" {
		return true
	}
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// Rewrite returns the path to send upstream. Callers must only pass paths for which
// Matches is true.
func (r Route) Rewrite(path string) string {
	if !r.StripPrefix || r.Prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// Table is an immutable set of routes ordered for longest-prefix lookup.
// It is safe for concurrent use.
type Table struct {
	routes []Route // registration order
	sorted []Route // longest prefix first, ties keep registration order
}

// New validates routes and builds a Table. Prefixes are normalized by trimming a
// trailing slash, so "/app/" and "/app" are duplicates.
func New(routes []Route) (*Table, error) {
	seen := make(map[string]int, len(routes))
	t := &Table{routes: make([]Route, 0, len(routes))}

	for i, r := range routes {
		prefix, err := NormalizePrefix(r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if j, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("routes[%d]: %w: prefix %q duplicates routes[%d]", i, ErrInvalidRoute, prefix, j)
		}
		if err := checkUpstream(r.Upstream); err != nil {
			return nil, fmt.Errorf("routes[%d] (%s): %w", i, prefix, err)
		}
		seen[prefix] = i
		r.Prefix = prefix
		t.routes = append(t.routes, r)
	}

	t.sorted = make([]Route, len(t.routes))
	copy(t.sorted, t.routes)
	sort.SliceStable(t.sorted, func(i, j int) bool {
		return len(t.sorted[i].Prefix) > len(t.sorted[j].Prefix)
	})
	return t, nil
}

// Resolve returns the route with the longest prefix matching path.
func (t *Table) Resolve(path string) (Route, bool) {
	for _, r := range t.sorted {
		if r.Matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the routes in registration order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }

// NormalizePrefix validates a route prefix and trims a trailing slash.
func NormalizePrefix(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: prefix is empty", ErrInvalidRoute)
	}
	if p[0] != '/' {
		return "", fmt.Errorf("%w: prefix %q must start with '/'", ErrInvalidRoute, p)
	}
	if strings.ContainsAny(p, "?#") {
		return "", fmt.Errorf("%w: prefix %q must not contain a query or fragment", ErrInvalidRoute, p)
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p, nil
}

// CleanPath resolves "." and ".." segments and repeated slashes so that a
// path cannot climb out of the prefix it is matched against. A trailing slash
// is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	np := path.Clean(p)
	if p[len(p)-1] == '/' && np != "/" {
		np += "/"
	}
	return np
}

// ParseUpstream parses and validates an upstream base URL.
func ParseUpstream(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: upstream is empty", ErrInvalidRoute)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: upstream %q: %w", ErrInvalidRoute, raw, err)
	}
	if err := checkUpstream(u); err != nil {
		return nil, err
	}
	return u, nil
}

func checkUpstream(u *url.URL) error {
	if u == nil {
		return fmt.Errorf("%w: upstream is empty", ErrInvalidRoute)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: upstream %q must use http or https", ErrInvalidRoute, u.String())
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: upstream %q has no host", ErrInvalidRoute, u.String())
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%w: upstream %q must not carry a query or fragment", ErrInvalidRoute, u.String())
	}
	return nil
}
