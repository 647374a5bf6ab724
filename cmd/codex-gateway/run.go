package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/codex-gateway/gateway/internal/config"
	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/runtimeconfig"
	"github.com/codex-gateway/gateway/internal/server"
	"github.com/codex-gateway/gateway/internal/storage/sqlite"
	"github.com/codex-gateway/gateway/internal/telemetry"
	"github.com/codex-gateway/gateway/internal/tokencount"
	"github.com/codex-gateway/gateway/internal/trace"
	"github.com/codex-gateway/gateway/internal/worker"
)

func run(configPath string) error {
	rtc := runtimeconfig.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting codex-gateway", "version", version, "addr", rtc.ListenAddr)

	store, err := sqlite.New(rtc.DatabaseDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := rtc.DatabaseDSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Shared DNS cache for the upstream HTTP transport.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	sender := server.NewOutboundSender(dnsResolver, rtc.UpstreamConnectTimeout, rtc.UpstreamStreamTimeout)

	exchanger := gatewaycore.NewHTTPTokenExchanger(nil, rtc.TokenExchangeIssuer, rtc.TokenExchangeClientID)
	exchange := gatewaycore.NewExchangeCache(exchanger, store)

	selector := gatewaycore.NewCandidateSelector(store, rtc.DatabaseDSN)
	cooldown := gatewaycore.NewCooldownTable()
	quality := gatewaycore.NewRouteQualityTable()
	inflight := gatewaycore.NewInflightCounter(int64(rtc.AccountMaxInflight))
	gate := gatewaycore.NewRequestGate()
	routeState := gatewaycore.NewRouteStateTable(rtc.RouteStateCapacity, rtc.RouteStateTTL)
	promptCache := gatewaycore.NewPromptCache(rtc.PromptCacheCapacity, rtc.PromptCacheTTL)
	keyCache := gatewaycore.NewPlatformKeyCache(store, 0, 0)

	tracer := trace.NewWriter(store)

	loop := &gatewaycore.Loop{
		Selector:   selector,
		Cooldown:   cooldown,
		Quality:    quality,
		Inflight:   inflight,
		Gate:       gate,
		RouteState: routeState,
		Sender:     sender,
		Tracer:     tracer,

		GateWaitTimeout: rtc.RequestGateWaitTimeout,
		Strategy:        gatewaycore.RouteStrategy(rtc.RouteStrategy),
		P2CEnabled:      rtc.RouteHealthP2CEnabled,
		P2CWindow:       rtc.RouteHealthP2COrderedWindow,
	}

	counter := tokencount.NewCounter()
	exactCounter := tokencount.NewExactCounter("cl100k_base")

	janitor := worker.NewJanitor(gate, exchange)
	runner := worker.NewRunner(tracer, janitor)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if rtc.MetricsEnabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracingShutdown func(context.Context) error
	if rtc.TracingEnabled {
		shutdown, err := telemetry.SetupTracing(ctx, rtc.TracingEndpoint, rtc.TracingSampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled", "endpoint", rtc.TracingEndpoint, "sample_rate", rtc.TracingSampleRate)
		}
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	handler := server.New(server.Deps{
		Store:         store,
		KeyCache:      keyCache,
		Loop:          loop,
		AzureSender:   sender,
		Exchange:      exchange,
		PromptCache:   promptCache,
		Counter:       counter,
		ExactCounter:  exactCounter,
		RuntimeConfig: rtc,
		Config:        cfg,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,

		ReadyCheck: store.Ping,
		Shutdown:   func() { shutdownOnce.Do(func() { close(shutdownCh) }) },
	})

	srv := &http.Server{
		Addr:              rtc.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("codex-gateway ready", "addr", rtc.ListenAddr,
		"endpoints", []string{
			"POST /v1/responses",
			"POST /v1/chat/completions",
			"POST /v1/messages",
			"POST /v1/count_tokens",
			"GET  /v1/models",
		},
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-shutdownCh:
		slog.Info("shutting down", "reason", "admin shutdown request")
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rtc.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("codex-gateway stopped")
	return nil
}
