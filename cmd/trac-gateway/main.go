// Command trac-gateway runs the API Gateway: protocol negotiation (C6),
// route resolution and load balancing (C7), the per-hop protocol
// translators (C8), and the auth gate (C9), composed into one listener.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/reflect/protoreflect"

	"tracdap.evalgo.org/authgate"
	"tracdap.evalgo.org/config"
	"tracdap.evalgo.org/errs"
	"tracdap.evalgo.org/gateway"
	"tracdap.evalgo.org/gateway/translate"
	"tracdap.evalgo.org/lifecycle"
	"tracdap.evalgo.org/logging"
)

// tenantRequestType and tenantResponseType are the synthetic message
// schemas the gateway's REST↔JSON binding (§4.8.4) uses for the tenant
// update route, since trac-metadata has no compiled .proto/.pb.go stubs to
// bind against.
var tenantRequestType = translate.NewMessageType("UpdateTenantRequest", []translate.FieldSpec{
	{Name: "code", Kind: protoreflect.StringKind},
	{Name: "description", Kind: protoreflect.StringKind},
})

var tenantResponseType = translate.NewMessageType("UpdateTenantResponse", []translate.FieldSpec{
	{Name: "code", Kind: protoreflect.StringKind},
	{Name: "description", Kind: protoreflect.StringKind},
})

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trac-gateway",
	Short: "TRAC API gateway: protocol negotiation, routing, and the auth gate",
	Run:   run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path")
}

func main() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(lifecycle.ExitFatal)
	}
}

func run(cmd *cobra.Command, args []string) {
	cfg := config.LoadGatewayConfig()
	log := logging.New(logging.DefaultConfig("trac-gateway", "0.1.0"))

	var listener *gateway.Listener
	var balancers []*gateway.Balancer
	var ln net.Listener

	runner := lifecycle.NewRunner(log, 30*time.Second, 5*time.Second, lifecycle.Service{
		Name:            "api-gateway",
		StartupTimeout:  10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Startup: func(ctx context.Context) error {
			auth, err := buildAuthenticator(cfg)
			if err != nil {
				return err
			}

			routes, bals := buildRoutes()
			balancers = bals

			handler := gateway.NewHandler(gateway.NewRouter(routes), routeBalancerMap(routes, bals), auth, log)

			addr := ":" + strconv.Itoa(cfg.Port)
			listener = gateway.NewListener(gateway.ListenerConfig{
				Addr:        addr,
				IdleTimeout: cfg.IdleTimeout,
			}, handler, log)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return errs.Wrap(errs.Startup, err, "binding gateway listener")
			}
			ln = l

			go func() {
				if err := listener.Serve(ln); err != nil {
					log.WithError(err).Warn("gateway listener stopped")
				}
			}()
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			for _, b := range balancers {
				b.Stop()
			}
			if ln != nil {
				return ln.Close()
			}
			return nil
		},
	})

	os.Exit(runner.Run(context.Background()))
}

// buildAuthenticator wires an *authgate.Validator per §4.9, loading the
// configured public key from disk. AuthPublicKeyRef is treated as a file
// path; AuthDisableAuth bypasses the gate entirely for local development.
func buildAuthenticator(cfg config.GatewayConfig) (gateway.Authenticator, error) {
	if cfg.AuthDisableAuth {
		return nil, nil
	}

	var pem []byte
	if cfg.AuthPublicKeyRef != "" {
		data, err := os.ReadFile(cfg.AuthPublicKeyRef)
		if err != nil {
			return nil, errs.Wrap(errs.Startup, err, "reading auth gate public key %s", cfg.AuthPublicKeyRef)
		}
		pem = data
	}

	return authgate.NewValidator(authgate.Config{
		PublicKeyPEM:  pem,
		AllowUnsigned: cfg.AuthDisableSigning,
	}, []string{"healthz"})
}

// buildRoutes assembles the gateway's route table: metadata and
// orchestrator services reachable over gRPC, REST, and gRPC-Web, plus a
// WebSocket bridge route, per spec §4.7. Target host/ports are the
// well-known in-cluster service names; a future revision may source these
// from service discovery instead of a static table.
func buildRoutes() ([]gateway.Route, []*gateway.Balancer) {
	metadataTargets := []gateway.Target{{Host: "trac-metadata", Port: 8081}}
	orchestratorTargets := []gateway.Target{{Host: "trac-orchestrator", Port: 8082}}

	hc := &gateway.HealthCheckConfig{
		Path:           "/healthz",
		Interval:       10 * time.Second,
		Timeout:        2 * time.Second,
		ExpectedStatus: 200,
		FailureCount:   3,
		SuccessCount:   2,
	}

	metadataBal := gateway.NewBalancer(metadataTargets, gateway.RoundRobin, hc)
	orchestratorBal := gateway.NewBalancer(orchestratorTargets, gateway.RoundRobin, hc)

	routes := []gateway.Route{
		{
			Name:       "health",
			Protocol:   gateway.ProtocolREST,
			Match:      matchExact("/healthz"),
			Targets:    metadataTargets,
			AuthExempt: true,
		},
		{
			Name:     "metadata-grpc",
			Protocol: gateway.ProtocolGRPC,
			Match:    gateway.GRPCRoute("trac.metadata.TracMetadataApi"),
			Targets:  metadataTargets,
		},
		{
			Name:     "metadata-grpc-web",
			Protocol: gateway.ProtocolGRPCWeb,
			Match:    gateway.CustomRoute("/trac.metadata.TracMetadataApi/"),
			Targets:  metadataTargets,
		},
		{
			Name:         "metadata-update-tenant",
			Protocol:     gateway.ProtocolREST,
			Match:        restMatch(http.MethodPut, "/v1/tenants/{code}"),
			Targets:      metadataTargets,
			RESTTemplate: "/v1/tenants/{code}",
			REST: &gateway.RESTBinding{
				RequestType:    tenantRequestType,
				ResponseType:   tenantResponseType,
				UpstreamMethod: http.MethodPut,
				UpstreamPath:   "/v1/tenants/{code}",
			},
		},
		{
			Name:        "metadata-rest",
			Protocol:    gateway.ProtocolREST,
			Match:       gateway.CustomRoute("/v1/"),
			Targets:     metadataTargets,
			StripPrefix: "",
		},
		{
			Name:     "orchestrator-grpc",
			Protocol: gateway.ProtocolGRPC,
			Match:    gateway.GRPCRoute("trac.orchestrator.TracOrchestratorApi"),
			Targets:  orchestratorTargets,
		},
		{
			Name:     "orchestrator-ws",
			Protocol: gateway.ProtocolWebSocket,
			Match:    gateway.CustomRoute("/ws/jobs"),
			Targets:  orchestratorTargets,
		},
	}

	return routes, []*gateway.Balancer{metadataBal, metadataBal, metadataBal, metadataBal, metadataBal, orchestratorBal, orchestratorBal}
}

func routeBalancerMap(routes []gateway.Route, balancers []*gateway.Balancer) map[string]*gateway.Balancer {
	m := make(map[string]*gateway.Balancer, len(routes))
	for i, r := range routes {
		m[r.Name] = balancers[i]
	}
	return m
}

func matchExact(path string) gateway.Matcher {
	return func(method, uri string, header http.Header) bool {
		return uri == path
	}
}

// restMatch wraps gateway.RESTRoute, discarding the extracted param names
// since RESTPathParams recomputes them from the route's RESTTemplate at
// request time.
func restMatch(method, template string) gateway.Matcher {
	matcher, _ := gateway.RESTRoute(method, template)
	return matcher
}
