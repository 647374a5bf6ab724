// Package server implements the HTTP transport layer for the gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/codex-gateway/gateway/internal/config"
	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/runtimeconfig"
	"github.com/codex-gateway/gateway/internal/storage"
	"github.com/codex-gateway/gateway/internal/telemetry"
	"github.com/codex-gateway/gateway/internal/tokencount"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store         storage.Store
	KeyCache      *gatewaycore.PlatformKeyCache
	Loop          *gatewaycore.Loop
	AzureSender   gatewaycore.OutboundSender // nil = no Azure bypass pipeline wired
	Exchange      *gatewaycore.ExchangeCache
	PromptCache   *gatewaycore.PromptCache
	Counter       *tokencount.Counter
	ExactCounter  *tokencount.ExactCounter
	RuntimeConfig *runtimeconfig.Config
	Config        *config.Config

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         gatewaycore.Tracer // nil = no trace events emitted

	ReadyCheck ReadyChecker // nil = always ready (for tests)
	Shutdown   func()       // nil = /__shutdown not mounted
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	if deps.Shutdown != nil {
		r.Get("/__shutdown", s.handleShutdown)
	}
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing API (platform-key auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/count_tokens", s.handleCountTokens)
		r.Get("/v1/models", s.handleModels)
	})

	return r
}

type server struct {
	deps Deps
}
