// Package gateway implements the protocol-negotiating reverse proxy (C6, C7):
// it detects HTTP/1.1 vs HTTP/2 on accept, resolves each request to a route
// with a protocol class, and selects a backend for that route.
package gateway

import (
	"net/http"
	"regexp"
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// ProtocolClass is the wire protocol a matched route should be bridged
// through, per spec §4.7.
type ProtocolClass string

const (
	ProtocolGRPC        ProtocolClass = "GRPC"
	ProtocolGRPCWeb     ProtocolClass = "GRPC_WEB"
	ProtocolREST        ProtocolClass = "REST"
	ProtocolWebSocket   ProtocolClass = "WEBSOCKET"
	ProtocolPassthrough ProtocolClass = "PASSTHROUGH"
)

// Target is where a matched request is forwarded.
type Target struct {
	Host string
	Port int
	Path string
}

// Matcher decides whether a request belongs to a Route.
type Matcher func(method, uri string, header http.Header) bool

// RESTBinding configures a ProtocolREST route whose upstream speaks JSON
// over HTTP rather than a compiled gRPC service (true of every upstream
// this gateway fronts): the request's path/query parameters and body are
// bound into RequestType, forwarded as canonical JSON to UpstreamPath, and,
// if ResponseType is set, the upstream's JSON reply is decoded into it and
// re-encoded via WriteJSON. A nil ResponseType means "forward the upstream
// body verbatim" for routes that don't need response-side binding.
type RESTBinding struct {
	RequestType    protoreflect.MessageType
	ResponseType   protoreflect.MessageType
	UpstreamMethod string
	UpstreamPath   string
}

// Route is one ordered entry in the resolver's table: the first Matcher that
// returns true wins, per spec §4.7.
type Route struct {
	Name         string
	Protocol     ProtocolClass
	Match        Matcher
	Targets      []Target
	AuthExempt   bool // login/health style routes that skip the auth gate
	StripPrefix  string
	AddPrefix    string

	// RESTTemplate and REST configure the §4.8.4 JSON<->proto binding for a
	// ProtocolREST route; both are nil for routes that fall back to plain
	// byte-copy proxying.
	RESTTemplate string
	REST         *RESTBinding
}

// GRPCRoute builds a Matcher for a fully-qualified gRPC service prefix:
// "/<package.Service>/". Grounded on network/proxy_router.go's static-path
// fast path, specialized to the gRPC wire convention instead of an arbitrary
// configured path.
func GRPCRoute(service string) Matcher {
	prefix := "/" + strings.Trim(service, "/") + "/"
	return func(method, uri string, header http.Header) bool {
		return method == http.MethodPost && strings.HasPrefix(uri, prefix)
	}
}

// RESTRoute builds a Matcher from a protobuf google.api.http style binding:
// an HTTP method plus a path template such as "/v1/tenants/{tenant_code}".
// Grounded on network/proxy_router.go's pattern-to-regex compilation,
// generalized from ":param" syntax to "{param}" per the protobuf convention.
func RESTRoute(method, template string) (Matcher, []string) {
	paramRegex := regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)
	pattern := regexp.QuoteMeta(template)

	var params []string
	for _, m := range paramRegex.FindAllStringSubmatch(template, -1) {
		params = append(params, m[1])
		quoted := regexp.QuoteMeta(m[0])
		pattern = strings.Replace(pattern, quoted, `([^/]+)`, 1)
	}
	re := regexp.MustCompile("^" + pattern + "$")

	return func(reqMethod, uri string, header http.Header) bool {
		if !strings.EqualFold(reqMethod, method) {
			return false
		}
		return re.MatchString(uri)
	}, params
}

// RESTPathParams extracts named path parameters from uri using the same
// template algorithm as RESTRoute, for handlers that need the matched values.
func RESTPathParams(template, uri string) map[string]string {
	paramRegex := regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)
	names := paramRegex.FindAllStringSubmatch(template, -1)

	pattern := regexp.QuoteMeta(template)
	for _, m := range names {
		quoted := regexp.QuoteMeta(m[0])
		pattern = strings.Replace(pattern, quoted, `([^/]+)`, 1)
	}
	re := regexp.MustCompile("^" + pattern + "$")

	out := make(map[string]string, len(names))
	matches := re.FindStringSubmatch(uri)
	if matches == nil {
		return out
	}
	for i, m := range names {
		out[m[1]] = matches[i+1]
	}
	return out
}

// CustomRoute builds a Matcher for an explicit path prefix, per §4.7's
// "Custom: explicit path prefix" family.
func CustomRoute(prefix string) Matcher {
	return func(method, uri string, header http.Header) bool {
		return strings.HasPrefix(uri, prefix)
	}
}

// Router holds the ordered route table and resolves one Route per request.
// Grounded on network/proxy_router.go's Router, generalized from a single
// "static map + pattern list" lookup into an ordered scan over arbitrary
// Matchers (gRPC/REST/custom all reduce to the same Matcher signature).
type Router struct {
	routes []Route
}

// NewRouter builds an (immutable after startup, per §5 "Shared-resource
// policy") Router from routes, in priority order.
func NewRouter(routes []Route) *Router {
	return &Router{routes: append([]Route(nil), routes...)}
}

// RouteMatch is the resolved route and its index in the table. REST path
// parameters are not carried here; RESTPathParams extracts them.
type RouteMatch struct {
	Index int
	Route *Route
}

// Resolve returns the first matching route's index and value, or false if no
// route matches.
func (r *Router) Resolve(req *http.Request) (RouteMatch, bool) {
	for i := range r.routes {
		route := &r.routes[i]
		if route.Match(req.Method, req.URL.Path, req.Header) {
			return RouteMatch{Index: i, Route: route}, true
		}
	}
	return RouteMatch{}, false
}

// RewritePath strips/adds the route's configured prefixes, grounded on
// network/proxy_router.go's RewritePath.
func RewritePath(path string, route *Route) string {
	if route.StripPrefix != "" {
		path = strings.TrimPrefix(path, strings.TrimSuffix(route.StripPrefix, "/"))
	}
	if route.AddPrefix != "" {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		path = strings.TrimSuffix(route.AddPrefix, "/") + path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
