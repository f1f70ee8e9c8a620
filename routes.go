package x402

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route binds a "METHOD /path" pattern to its configuration.
type Route struct {
	Pattern string
	Config  RouteConfig
}

// Routes is an ordered route table. The first matching route wins, so
// order is significant.
type Routes []Route

// UnmarshalYAML decodes a YAML mapping while keeping its key order.
func (r *Routes) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: routes must be a mapping", value.Line)
	}

	routes := make(Routes, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]

		var cfg RouteConfig
		if err := val.Decode(&cfg); err != nil {
			return fmt.Errorf("route %q: %w", key.Value, err)
		}
		routes = append(routes, Route{Pattern: key.Value, Config: cfg})
	}

	*r = routes
	return nil
}

// RoutePattern is a compiled route.
type RoutePattern struct {
	// Verb is upper case; empty matches any method
	Verb string

	// Key is the pattern as declared
	Key string

	Config RouteConfig

	segments []string
	wildcard bool
}

// CompileRoutes parses route keys of the form "GET /api/items/*" or
// "/api/items/[id]". A key without a verb matches every method.
// Segments written as [name] or :name match exactly one path segment; a
// trailing * matches the remainder of the path.
func CompileRoutes(routes Routes) ([]RoutePattern, error) {
	patterns := make([]RoutePattern, 0, len(routes))

	for _, route := range routes {
		verb, routePath := "", strings.TrimSpace(route.Pattern)
		if fields := strings.Fields(routePath); len(fields) == 2 {
			verb, routePath = strings.ToUpper(fields[0]), fields[1]
		} else if len(fields) != 1 {
			return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("invalid route pattern %q", route.Pattern), nil)
		}
		if verb == "*" {
			verb = ""
		}

		if !strings.HasPrefix(routePath, "/") {
			return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("route pattern %q must start with /", route.Pattern), nil)
		}

		segments := splitPath(routePath)
		wildcard := false
		for i, seg := range segments {
			if seg != "*" {
				continue
			}
			if i != len(segments)-1 {
				return nil, NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf("route pattern %q: wildcard must be the last segment", route.Pattern), nil)
			}
			wildcard = true
			segments = segments[:i]
		}

		patterns = append(patterns, RoutePattern{
			Verb:     verb,
			Key:      route.Pattern,
			Config:   route.Config,
			segments: segments,
			wildcard: wildcard,
		})
	}

	return patterns, nil
}

// MatchRoute returns the first pattern matching method and path.
func MatchRoute(patterns []RoutePattern, method, requestPath string) (*RoutePattern, bool) {
	segments := splitPath(requestPath)
	for i := range patterns {
		if patterns[i].matches(method, segments) {
			return &patterns[i], true
		}
	}
	return nil, false
}

func (p *RoutePattern) matches(method string, segments []string) bool {
	if p.Verb != "" && !strings.EqualFold(p.Verb, method) {
		return false
	}

	if p.wildcard {
		if len(segments) < len(p.segments) {
			return false
		}
	} else if len(segments) != len(p.segments) {
		return false
	}

	for i, want := range p.segments {
		if isParam(want) {
			continue
		}
		if segments[i] != want {
			return false
		}
	}
	return true
}

func isParam(seg string) bool {
	return strings.HasPrefix(seg, ":") ||
		(strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]"))
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ShouldSkip reports whether requestPath is exempt from payment.
func (c *Config) ShouldSkip(requestPath string) bool {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return true
		}
	}
	return false
}

// matchPath checks if a request path matches a skip pattern
// Supports wildcards: /v1/* matches /v1, /v1/foo, /v1/foo/bar, etc.
func matchPath(requestPath, pattern string) bool {
	// Exact match
	if requestPath == pattern {
		return true
	}

	// Wildcard match
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	// Use path.Match for more complex patterns
	matched, _ := path.Match(pattern, requestPath)
	return matched
}
