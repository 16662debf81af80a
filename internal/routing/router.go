package routing

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
)

// Router dispatches by exact path and method. Only allowlisted routes can
// be mounted.
type Router struct {
	classifier *Classifier
	logger     *slog.Logger
	routes     map[string]map[string]routeEntry
}

type routeEntry struct {
	route   Route
	handler http.Handler
}

func NewRouter(classifier *Classifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		classifier: classifier,
		logger:     logger,
		routes:     make(map[string]map[string]routeEntry),
	}
}

func (r *Router) Handle(method string, path string, h http.Handler) error {
	route, ok := r.classifier.Lookup(path)
	if !ok || !route.Allows(method) {
		return fmt.Errorf("routing: %s %s is not allowlisted", method, path)
	}
	if r.routes[path] == nil {
		r.routes[path] = make(map[string]routeEntry)
	}

	r.routes[path][method] = routeEntry{
		route: route,
		handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.ErrorContext(req.Context(), "handler panic",
						"method", req.Method, "path", req.URL.Path, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
					WriteError(w, req, http.StatusInternalServerError, "internal_error", "internal error")
				}
			}()
			h.ServeHTTP(w, req)
		}),
	}
	return nil
}

// Unmounted lists allowlisted method/path pairs with no handler.
func (r *Router) Unmounted() []string {
	var out []string
	for _, route := range r.classifier.Routes() {
		for _, m := range route.Methods {
			if _, ok := r.routes[route.Path][m]; !ok {
				out = append(out, m+" "+route.Path)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	methods, ok := r.routes[req.URL.Path]
	if !ok {
		WriteError(w, req, http.StatusNotFound, "not_found", "not found")
		return
	}
	entry, ok := methods[req.Method]
	if !ok {
		allowed := make([]string, 0, len(methods))
		for m := range methods {
			allowed = append(allowed, m)
		}
		sort.Strings(allowed)
		for _, m := range allowed {
			w.Header().Add("Allow", m)
		}
		WriteError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	entry.handler.ServeHTTP(w, req.WithContext(WithRoute(req.Context(), entry.route)))
}
