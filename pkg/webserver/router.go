package webserver

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Router dispatches requests by method and path. Patterns may contain
// ":name" segments matching one segment and a trailing "*name" segment
// matching the remainder of the path.
type Router struct {
	routes       map[string]*routeNode
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
}

// ErrorHandler renders an error returned by a routed handler.
type ErrorHandler func(ctx *Context, err error) error

type routeNode struct {
	segment   string
	handler   Handler
	children  map[string]*routeNode
	paramName string
}

// NewRouter creates a Router that answers 404 for unknown routes.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]*routeNode),
		notFound: HandlerFunc(func(ctx *Context) error {
			return ctx.String(404, "Not Found")
		}),
		errorHandler: DefaultErrorHandler,
	}
}

// DefaultErrorHandler renders HTTPError with its code and anything else as
// 500. Clients accepting JSON get a JSON body.
func DefaultErrorHandler(ctx *Context, err error) error {
	wantsJSON := strings.Contains(ctx.Header("accept"), "application/json")

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if wantsJSON {
			return ctx.JSON(httpErr.Code, map[string]any{
				"error":   httpErr.Message,
				"code":    httpErr.Code,
				"details": httpErr.Details,
			})
		}
		return ctx.String(httpErr.Code, "%s", httpErr.Message)
	}

	if wantsJSON {
		return ctx.JSON(500, map[string]any{
			"error": err.Error(),
			"code":  500,
		})
	}
	return ctx.String(500, "Internal Server Error")
}

// HTTPError is an error carrying the status code to answer with.
type HTTPError struct {
	Code    int
	Message string
	Details any
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{
		Code:    code,
		Message: message,
	}
}

// WithDetails attaches details to the error.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// Use appends middleware applied to every routed request, including misses.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound sets the handler for unmatched requests.
func (r *Router) NotFound(handler Handler) {
	r.notFound = handler
}

// ErrorHandler sets the error handler. A nil handler passes errors through
// to the connection, which answers 500.
func (r *Router) ErrorHandler(handler ErrorHandler) {
	r.errorHandler = handler
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler any) {
	r.addRoute("GET", path, wrapHandler(handler))
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler any) {
	r.addRoute("POST", path, wrapHandler(handler))
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler any) {
	r.addRoute("PUT", path, wrapHandler(handler))
}

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler any) {
	r.addRoute("DELETE", path, wrapHandler(handler))
}

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler any) {
	r.addRoute("PATCH", path, wrapHandler(handler))
}

// HEAD registers a handler for HEAD requests. Without one, HEAD requests
// use the GET handler and the body is suppressed on the wire.
func (r *Router) HEAD(path string, handler any) {
	r.addRoute("HEAD", path, wrapHandler(handler))
}

// OPTIONS registers a handler for OPTIONS requests.
func (r *Router) OPTIONS(path string, handler any) {
	r.addRoute("OPTIONS", path, wrapHandler(handler))
}

// Handle registers a handler for the specified HTTP method.
func (r *Router) Handle(method, path string, handler any) {
	r.addRoute(method, path, wrapHandler(handler))
}

func wrapHandler(handler any) Handler {
	switch h := handler.(type) {
	case Handler:
		return h
	case func(*Context) error:
		return HandlerFunc(h)
	default:
		panic(fmt.Sprintf("invalid handler type: %T", handler))
	}
}

func (r *Router) addRoute(method, path string, handler Handler) {
	if path == "" || path[0] != '/' {
		panic("path must begin with '/'")
	}

	root, ok := r.routes[method]
	if !ok {
		root = &routeNode{segment: "/", children: make(map[string]*routeNode)}
		r.routes[method] = root
	}

	current := root
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}

		key := segment
		if segment[0] == ':' || segment[0] == '*' {
			key = segment[:1]
		}

		child, ok := current.children[key]
		if !ok {
			child = &routeNode{segment: segment, children: make(map[string]*routeNode)}
			if key != segment {
				child.paramName = segment[1:]
			}
			current.children[key] = child
		} else if key != segment && child.paramName != segment[1:] {
			panic(fmt.Sprintf("conflicting parameter %q in %q, already registered as %q", segment, path, child.segment))
		}
		current = child
		if key == "*" {
			break
		}
	}

	current.handler = handler
}

// Serve routes the request and renders any handler error.
func (r *Router) Serve(ctx *Context) error {
	handler, params := r.FindRoute(ctx.Method(), ctx.Path())
	for k, v := range params {
		ctx.Set(paramKey(k), v)
	}

	if len(r.middlewares) > 0 {
		handler = Chain(r.middlewares...)(handler)
	}

	err := handler.Serve(ctx)
	if err == nil || errors.Is(err, ErrDeferred) || r.errorHandler == nil {
		return err
	}
	ctx.SetResponseBody(nil)
	return r.errorHandler(ctx, err)
}

// FindRoute locates the handler for method and path, returning it with the
// extracted route parameters. Static segments take precedence over
// parameters, and parameters over wildcards.
func (r *Router) FindRoute(method, path string) (Handler, map[string]string) {
	root, ok := r.routes[method]
	if !ok && method == "HEAD" {
		root, ok = r.routes["GET"]
	}
	if !ok {
		return r.notFound, nil
	}

	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}

	var params map[string]string
	current := root
	rest := strings.Trim(path, "/")
	for rest != "" {
		segment, remainder, _ := strings.Cut(rest, "/")

		if child, ok := current.children[segment]; ok {
			current, rest = child, remainder
			continue
		}
		if child, ok := current.children[":"]; ok {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[child.paramName] = segment
			current, rest = child, remainder
			continue
		}
		if child, ok := current.children["*"]; ok {
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[child.paramName] = rest
			current, rest = child, ""
			break
		}
		return r.notFound, nil
	}

	if current.handler == nil {
		if child, ok := current.children["*"]; ok && child.handler != nil {
			return child.handler, map[string]string{child.paramName: ""}
		}
		return r.notFound, nil
	}
	return current.handler, params
}

// Group organizes routes under a common prefix and middleware stack.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Group creates a route group with the given prefix and middleware.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{
		router:      r,
		prefix:      prefix,
		middlewares: middlewares,
	}
}

// Use appends middleware to the group.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, handler any) {
	g.Handle("GET", path, handler)
}

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, handler any) {
	g.Handle("POST", path, handler)
}

// PUT registers a handler for PUT requests in the group.
func (g *Group) PUT(path string, handler any) {
	g.Handle("PUT", path, handler)
}

// DELETE registers a handler for DELETE requests in the group.
func (g *Group) DELETE(path string, handler any) {
	g.Handle("DELETE", path, handler)
}

// PATCH registers a handler for PATCH requests in the group.
func (g *Group) PATCH(path string, handler any) {
	g.Handle("PATCH", path, handler)
}

// Handle registers a handler for the specified HTTP method in the group.
func (g *Group) Handle(method, path string, handler any) {
	h := wrapHandler(handler)
	if len(g.middlewares) > 0 {
		h = Chain(g.middlewares...)(h)
	}
	g.router.addRoute(method, g.prefix+path, h)
}

// Group creates a nested group with combined prefixes and middleware.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	combined := make([]Middleware, 0, len(g.middlewares)+len(middlewares))
	combined = append(combined, g.middlewares...)
	combined = append(combined, middlewares...)
	return &Group{
		router:      g.router,
		prefix:      g.prefix + prefix,
		middlewares: combined,
	}
}

// Static serves files below root under prefix.
func (r *Router) Static(prefix, root string) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	r.GET(prefix+"*filepath", func(ctx *Context) error {
		name := ctx.Param("filepath")
		if name == "" {
			name = "index.html"
		}
		if strings.Contains(name, "..") {
			return ctx.String(403, "Forbidden")
		}
		err := ctx.File(filepath.Join(root, filepath.FromSlash(name)))
		if errors.Is(err, fs.ErrNotExist) {
			return NewHTTPError(404, "Not Found")
		}
		return err
	})
}
