package routing

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed allowlist.yaml
var defaultAllowlistYAML []byte

// Allowlist is the declared HTTP surface per entrypoint. Every route the
// server mounts must be listed here, and the action names what a caller
// must be allowed to do to reach it.
type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
	Action     string   `yaml:"action"`
}

func (r Route) Allows(method string) bool {
	return slices.Contains(r.Methods, method)
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, errors.New("allowlist: unsupported version")
	}
	if a.Entrypoints == nil {
		return Allowlist{}, errors.New("allowlist: missing entrypoints")
	}
	for name, ep := range a.Entrypoints {
		seen := make(map[string]struct{}, len(ep.Routes))
		for i, r := range ep.Routes {
			if !strings.HasPrefix(r.Path, "/") {
				return Allowlist{}, fmt.Errorf("allowlist: %s route %d: path must start with /", name, i)
			}
			if _, dup := seen[r.Path]; dup {
				return Allowlist{}, fmt.Errorf("allowlist: %s route %s listed twice", name, r.Path)
			}
			seen[r.Path] = struct{}{}
			if len(r.Methods) == 0 {
				return Allowlist{}, fmt.Errorf("allowlist: %s route %s: methods required", name, r.Path)
			}
			for j, m := range r.Methods {
				m = strings.ToUpper(strings.TrimSpace(m))
				switch m {
				case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				default:
					return Allowlist{}, fmt.Errorf("allowlist: %s route %s: unsupported method %q", name, r.Path, m)
				}
				ep.Routes[i].Methods[j] = m
			}
			if RouteClass(r.RouteClass) == RouteClassAPI && strings.TrimSpace(r.Action) == "" {
				return Allowlist{}, fmt.Errorf("allowlist: %s route %s: api routes need an action", name, r.Path)
			}
		}
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}

// DefaultAllowlist returns the allowlist compiled into the binary.
func DefaultAllowlist() (Allowlist, error) {
	return ParseAllowlistYAML(defaultAllowlistYAML)
}
