package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/gateway/translate"
)

// Authenticator validates an inbound request before it reaches a
// non-exempt route's backend, per spec §4.9. Kept as an interface so this
// package does not import authgate directly (the gateway's wiring layer
// supplies the concrete *authgate.Validator).
type Authenticator interface {
	Authenticate(req *http.Request) (context.Context, error)
	IsExempt(routeName string) bool
}

// Handler is the gateway's single entry point: it resolves a route,
// enforces auth, selects a healthy backend, and bridges the request through
// the protocol class the route names. Grounded on network/proxy.go's
// ZitiProxy.handleRequest/proxyRequest, generalized from a single
// "reverse-proxy everything over HTTP" path into the per-class dispatch
// spec §4.7/§4.8 describe.
type Handler struct {
	router    *Router
	balancers map[string]*Balancer
	auth      Authenticator
	log       *logrus.Entry

	h2mu    sync.Mutex
	h2conns map[string]*translate.H2Conn
}

// NewHandler builds a Handler. balancers maps each Route.Name to the
// Balancer serving its Targets; auth may be nil to disable the auth gate
// entirely (AUTH_DISABLE_AUTH), per spec §4.9's Open Question on a
// development bypass.
func NewHandler(router *Router, balancers map[string]*Balancer, auth Authenticator, log *logrus.Entry) *Handler {
	return &Handler{router: router, balancers: balancers, auth: auth, log: log, h2conns: make(map[string]*translate.H2Conn)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match, ok := h.router.Resolve(r)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	route := match.Route

	if h.auth != nil && !route.AuthExempt && !h.auth.IsExempt(route.Name) {
		ctx, err := h.auth.Authenticate(r)
		if err != nil {
			status := errs.ToHTTP(errs.KindOf(err))
			http.Error(w, err.Error(), status)
			return
		}
		r = r.WithContext(ctx)
	}

	switch route.Protocol {
	case ProtocolWebSocket:
		h.serveWebSocket(w, r, route)
	case ProtocolGRPCWeb:
		h.serveGRPCWeb(w, r, route)
	case ProtocolGRPC:
		h.serveGRPC(w, r, route)
	case ProtocolREST:
		if route.REST != nil {
			h.serveREST(w, r, route)
		} else {
			h.serveHTTP(w, r, route)
		}
	default:
		h.serveHTTP(w, r, route)
	}
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request, route *Route) {
	bal, target, rel, ok := h.selectBackend(route)
	if !ok {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer (*rel)()

	r.URL.Path = RewritePath(r.URL.Path, route)
	targetURL := fmt.Sprintf("http://%s:%d%s", target.Host, target.Port, r.URL.Path)
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		bal.RecordResult(target, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	for name, values := range r.Header {
		for _, v := range values {
			proxyReq.Header.Add(name, v)
		}
	}
	proxyReq.Header.Set("X-Forwarded-For", r.RemoteAddr)
	proxyReq.Header.Set("X-Forwarded-Proto", "http")
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(proxyReq)
	if err != nil {
		bal.RecordResult(target, false)
		h.log.WithError(err).WithField("route", route.Name).Warn("backend request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	bal.RecordResult(target, resp.StatusCode < 500)

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (h *Handler) serveGRPCWeb(w http.ResponseWriter, r *http.Request, route *Route) {
	bal, target, rel, ok := h.selectBackend(route)
	if !ok {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer (*rel)()

	translate.RewriteRequestToGRPC(r.Header)
	targetURL := fmt.Sprintf("http://%s:%d%s", target.Host, target.Port, r.URL.Path)

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		bal.RecordResult(target, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	for name, values := range r.Header {
		for _, v := range values {
			proxyReq.Header.Add(name, v)
		}
	}

	client := &http.Client{Timeout: 0}
	resp, err := client.Do(proxyReq)
	if err != nil {
		bal.RecordResult(target, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	bal.RecordResult(target, resp.StatusCode < 500)

	if err := translate.ProxyResponse(w, resp); err != nil {
		h.log.WithError(err).WithField("route", route.Name).Warn("grpc-web response relay failed")
	}
}

// serveGRPC bridges a ProtocolGRPC route. An HTTP/2 downstream request is
// passed straight through (net/http's transport already speaks HTTP/2 to
// the backend); an HTTP/1.1 downstream request is promoted onto a shared
// upstream HTTP/2 connection per §4.8.2, multiplexing concurrent HTTP/1
// transactions as HTTP/2 streams over one connection rather than opening
// one upstream connection per request.
func (h *Handler) serveGRPC(w http.ResponseWriter, r *http.Request, route *Route) {
	if r.ProtoMajor >= 2 {
		h.serveHTTP(w, r, route)
		return
	}

	bal, target, rel, ok := h.selectBackend(route)
	if !ok {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer (*rel)()

	conn, err := h.h2ConnFor(target)
	if err != nil {
		bal.RecordResult(target, false)
		h.log.WithError(err).WithField("route", route.Name).Warn("HTTP/2 promotion dial failed")
		h.serveHTTP(w, r, route)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		bal.RecordResult(target, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	r.URL.Path = RewritePath(r.URL.Path, route)

	streamID, err := conn.Promote(r, body)
	if err != nil {
		bal.RecordResult(target, false)
		h.invalidateH2Conn(target)
		h.log.WithError(err).WithField("route", route.Name).Warn("HTTP/2 stream promotion failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	status, header, respBody, err := conn.ReadResponse(streamID)
	if err != nil {
		bal.RecordResult(target, false)
		h.invalidateH2Conn(target)
		h.log.WithError(err).WithField("route", route.Name).Warn("HTTP/2 promoted response failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	bal.RecordResult(target, status < 500)

	for name, values := range header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(status)
	w.Write(respBody)
}

// h2ConnFor returns the shared H2Conn for target, dialing and promoting one
// lazily on first use.
func (h *Handler) h2ConnFor(target Target) (*translate.H2Conn, error) {
	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)

	h.h2mu.Lock()
	defer h.h2mu.Unlock()

	if conn, ok := h.h2conns[addr]; ok {
		return conn, nil
	}

	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	conn, err := translate.NewH2Conn(raw, translate.DefaultInitialWindow)
	if err != nil {
		raw.Close()
		return nil, err
	}
	h.h2conns[addr] = conn
	return conn, nil
}

func (h *Handler) invalidateH2Conn(target Target) {
	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	h.h2mu.Lock()
	delete(h.h2conns, addr)
	h.h2mu.Unlock()
}

// serveREST bridges a ProtocolREST route bound to a RESTBinding: the
// request's path/query parameters and body are decoded into a synthesized
// protobuf message, re-encoded as canonical JSON, and forwarded to the
// upstream's JSON-over-HTTP endpoint (§4.8.4) — this gateway's upstreams
// expose JSON rather than a compiled gRPC service, so "invoke the upstream
// unary method" means an HTTP call carrying the same canonical JSON a real
// unary call's request would marshal to.
func (h *Handler) serveREST(w http.ResponseWriter, r *http.Request, route *Route) {
	bal, target, rel, ok := h.selectBackend(route)
	if !ok {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer (*rel)()

	binding := route.REST
	pathParams := RESTPathParams(route.RESTTemplate, r.URL.Path)

	req := translate.NewMessage(binding.RequestType)
	if err := translate.BindRequest(r.Body, pathParams, r.URL.Query(), req); err != nil {
		status := http.StatusBadGateway
		if translate.IsInvalidRequest(err) {
			status = errs.ToHTTP(errs.Validation)
		}
		http.Error(w, err.Error(), status)
		return
	}

	body, err := translate.WriteJSONBytes(req)
	if err != nil {
		bal.RecordResult(target, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	upstreamPath := renderTemplate(binding.UpstreamPath, pathParams)
	targetURL := fmt.Sprintf("http://%s:%d%s", target.Host, target.Port, upstreamPath)

	proxyReq, err := http.NewRequestWithContext(r.Context(), binding.UpstreamMethod, targetURL, bytes.NewReader(body))
	if err != nil {
		bal.RecordResult(target, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	proxyReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(proxyReq)
	if err != nil {
		bal.RecordResult(target, false)
		h.log.WithError(err).WithField("route", route.Name).Warn("REST backend request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	bal.RecordResult(target, resp.StatusCode < 500)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	if binding.ResponseType == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		return
	}

	respMsg := translate.NewMessage(binding.ResponseType)
	if err := translate.DecodeResponse(respBody, respMsg); err != nil {
		h.log.WithError(err).WithField("route", route.Name).Warn("REST upstream response did not match the bound schema")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if err := translate.WriteJSON(w, resp.StatusCode, respMsg); err != nil {
		h.log.WithError(err).WithField("route", route.Name).Warn("REST response encode failed")
	}
}

// renderTemplate substitutes "{name}" placeholders in tmpl with params,
// URL-escaping each value, to build the upstream path for a REST binding.
func renderTemplate(tmpl string, params map[string]string) string {
	out := tmpl
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(value))
	}
	return out
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, route *Route) {
	bal, target, rel, ok := h.selectBackend(route)
	if !ok {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer (*rel)()

	backendAddr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	conn, err := net.DialTimeout("tcp", backendAddr, 10*time.Second)
	if err != nil {
		bal.RecordResult(target, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer conn.Close()

	bridge, err := translate.NewWSBridge(w, r, func(frame []byte) error {
		_, werr := conn.Write(frame)
		return werr
	})
	if err != nil {
		bal.RecordResult(target, false)
		return
	}

	go relayBackendToClient(conn, bridge)

	if err := bridge.Run(r); err != nil {
		bal.RecordResult(target, false)
		h.log.WithError(err).WithField("route", route.Name).Warn("websocket bridge closed with error")
		return
	}
	bal.RecordResult(target, true)
}

// relayBackendToClient copies the dialed gRPC connection's bytes back to the
// WebSocket client as binary frames until the connection closes, completing
// the bidirectional relay Run only drives in the client->backend direction.
func relayBackendToClient(conn net.Conn, bridge *translate.WSBridge) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := bridge.RelayFromBackend(append([]byte(nil), buf[:n]...)); werr != nil {
				return
			}
		}
		if err != nil {
			_ = bridge.CloseFromBackend(1000, "backend connection closed")
			return
		}
	}
}

func (h *Handler) selectBackend(route *Route) (*Balancer, Target, *releaseFunc, bool) {
	bal, ok := h.balancers[route.Name]
	if !ok {
		return nil, Target{}, nil, false
	}
	target, rel, ok := bal.Select()
	if !ok {
		return nil, Target{}, nil, false
	}
	return bal, target, rel, true
}
