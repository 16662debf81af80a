package routing

import (
	"errors"
	"strings"
)

type RouteClass string

const (
	RouteClassAPI RouteClass = "api"
	RouteClassOps RouteClass = "ops"
)

type Classifier struct {
	entrypoint string
	routes     map[string]Route
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, errors.New("allowlist: missing entrypoint")
	}
	if len(ep.Routes) == 0 {
		return nil, errors.New("allowlist: entrypoint routes empty")
	}

	routes := make(map[string]Route, len(ep.Routes))
	for _, r := range ep.Routes {
		switch RouteClass(r.RouteClass) {
		case RouteClassAPI, RouteClassOps:
		default:
			return nil, errors.New("allowlist: invalid route")
		}
		routes[r.Path] = r
	}
	return &Classifier{entrypoint: entrypoint, routes: routes}, nil
}

// Lookup returns the allowlisted route for an exact path.
func (c *Classifier) Lookup(path string) (Route, bool) {
	r, ok := c.routes[path]
	return r, ok
}

func (c *Classifier) Routes() []Route {
	out := make([]Route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	return out
}

func (c *Classifier) Classify(path string) RouteClass {
	if r, ok := c.routes[path]; ok {
		return RouteClass(r.RouteClass)
	}
	if isOpsPath(path) {
		return RouteClassOps
	}
	return RouteClassAPI
}

func isOpsPath(path string) bool {
	path = strings.TrimSuffix(path, "/")
	return path == "/healthz" || path == "/readyz" || hasPrefixSegment(path, "/debug")
}

func hasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
