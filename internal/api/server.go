package api

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/volteec/volteec-server/internal/model"
	"github.com/volteec/volteec-server/internal/tokencrypt"
)

// Deps carries everything the route table needs. Nil-able fields degrade
// the matching endpoint instead of failing startup.
type Deps struct {
	APIToken    string
	Degraded    bool
	Environment model.Environment

	UPS     UPSReader
	Devices DeviceStore
	Cipher  *tokencrypt.Cipher
	Relay   PairRelay
	Compat  CompatibilityReporter

	// Events is the SSE streaming handler.
	Events http.Handler
	// Metrics serves the Prometheus exposition endpoint.
	Metrics http.Handler

	Ready func() bool
}

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer wires all routes. In degraded mode (missing API token) only the
// public probes are registered.
func NewServer(listenAddress string, port int, deps Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth).
	mux.Handle("GET /health", HandleHealth())
	mux.Handle("GET /ready", HandleReady(deps.Ready))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	if deps.Degraded {
		log.Printf("[api] API_TOKEN missing, starting degraded: /v1 routes disabled")
	} else {
		v1 := http.NewServeMux()
		v1.Handle("GET /v1/ups", HandleListUPS(deps.UPS))
		v1.Handle("GET /v1/ups/{upsId}/status", HandleUPSStatus(deps.UPS))
		serverID := ""
		if deps.Relay != nil {
			serverID = deps.Relay.ServerID()
		}
		v1.Handle("POST /v1/register-device", HandleRegisterDevice(deps.Devices, deps.Cipher, serverID))
		v1.Handle("POST /v1/unregister-device", HandleUnregisterDevice(deps.Devices))
		v1.Handle("POST /v1/relay/pair", HandleRelayPair(deps.Relay))
		v1.Handle("GET /v1/status", HandleServerStatus(deps.Compat))
		if deps.Environment != model.EnvironmentProduction {
			v1.Handle("POST /v1/status/simulate-push", HandleSimulatePush(deps.Relay, deps.UPS))
		}
		if deps.Events != nil {
			v1.Handle("GET /v1/events", deps.Events)
		}

		limiter := NewIPRateLimiter(RateLimitRequests, RateLimitWindow)
		mux.Handle("/v1/", RateLimitMiddleware(limiter, AuthMiddleware(deps.APIToken, v1)))
	}

	handler := RequestIDMiddleware(mux)
	return &Server{
		httpServer: &http.Server{
			Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
			Handler: handler,
		},
		handler: handler,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full middleware-wrapped handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
