package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator struct {
	exemptRoutes map[string]bool
	err          error
}

func (f *fakeAuthenticator) Authenticate(r *http.Request) (context.Context, error) {
	if f.err != nil {
		return nil, f.err
	}
	return context.WithValue(r.Context(), struct{ k string }{"authed"}, true), nil
}

func (f *fakeAuthenticator) IsExempt(routeName string) bool { return f.exemptRoutes[routeName] }

func newTestBalancer(t *testing.T, backend *httptest.Server) *Balancer {
	t.Helper()
	return NewBalancer([]Target{targetFor(t, backend)}, RoundRobin, nil)
}

func TestServeHTTPReturnsNotFoundWhenNoRouteMatches(t *testing.T) {
	router := NewRouter([]Route{{Name: "only", Match: CustomRoute("/only/")}})
	h := NewHandler(router, nil, nil, discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPReturnsServiceUnavailableWithNoBalancer(t *testing.T) {
	router := NewRouter([]Route{{Name: "orphan", Match: CustomRoute("/"), AuthExempt: true}})
	h := NewHandler(router, map[string]*Balancer{}, nil, discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTPRejectsUnauthenticatedRequest(t *testing.T) {
	router := NewRouter([]Route{{Name: "secure", Match: CustomRoute("/")}})
	auth := &fakeAuthenticator{err: assert.AnError}
	h := NewHandler(router, map[string]*Balancer{}, auth, discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/secure/thing", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, http.StatusServiceUnavailable, rec.Code, "auth must be checked before backend selection")
}

func TestServeHTTPSkipsAuthForExemptRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	}))
	defer backend.Close()

	router := NewRouter([]Route{{Name: "health", Match: CustomRoute("/"), AuthExempt: true}})
	bal := newTestBalancer(t, backend)
	defer bal.Stop()
	auth := &fakeAuthenticator{err: assert.AnError}
	h := NewHandler(router, map[string]*Balancer{"health": bal}, auth, discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestServeHTTPPassthroughForwardsRequestAndResponse(t *testing.T) {
	var gotPath, gotHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	router := NewRouter([]Route{{Name: "pass", Match: CustomRoute("/api/"), AuthExempt: true, StripPrefix: "/api"}})
	bal := newTestBalancer(t, backend)
	defer bal.Stop()
	h := NewHandler(router, map[string]*Balancer{"pass": bal}, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/objects/1", nil)
	req.Host = "gateway.example"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "/objects/1", gotPath)
	assert.Equal(t, "gateway.example", gotHeader)
}

func TestServeHTTPRecordsBackendFailureOnDialError(t *testing.T) {
	router := NewRouter([]Route{{Name: "dead", Match: CustomRoute("/"), AuthExempt: true}})
	bal := NewBalancer([]Target{{Host: "127.0.0.1", Port: 1}}, RoundRobin, nil)
	defer bal.Stop()
	h := NewHandler(router, map[string]*Balancer{"dead": bal}, nil, discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dead/route", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1, bal.backends[0].failCount, "the dial error must be recorded against the backend")
}

func TestRenderTemplateEscapesPathParams(t *testing.T) {
	got := renderTemplate("/v1/tenants/{tenant_code}/objects", map[string]string{"tenant_code": "acme prod"})
	assert.Equal(t, "/v1/tenants/acme%20prod/objects", got)
}
