// Package runtimeconfig reads the gateway's per-process tuning knobs
// directly from the environment, one read per process start. Bootstrap
// data (accounts, tokens, platform keys) lives in config instead, loaded
// from a YAML file rather than the environment.
package runtimeconfig

import (
	"os"
	"strconv"
	"time"
)

const prefix = "CODEX_GATEWAY_"

const (
	envUpstreamBaseURL             = prefix + "UPSTREAM_BASE_URL"
	envUpstreamFallbackBaseURL     = prefix + "UPSTREAM_FALLBACK_BASE_URL"
	envUpstreamCookie              = prefix + "UPSTREAM_COOKIE"
	envUpstreamConnectTimeoutSecs  = prefix + "UPSTREAM_CONNECT_TIMEOUT_SECS"
	envUpstreamTotalTimeoutMs      = prefix + "UPSTREAM_TOTAL_TIMEOUT_MS"
	envUpstreamStreamTimeoutMs     = prefix + "UPSTREAM_STREAM_TIMEOUT_MS"
	envAccountMaxInflight          = prefix + "ACCOUNT_MAX_INFLIGHT"
	envRequestGateWaitTimeoutMs    = prefix + "REQUEST_GATE_WAIT_TIMEOUT_MS"
	envTraceBodyPreviewMaxBytes    = prefix + "TRACE_BODY_PREVIEW_MAX_BYTES"
	envTraceQueueCapacity          = prefix + "TRACE_QUEUE_CAPACITY"
	envFrontProxyMaxBodyBytes      = prefix + "FRONT_PROXY_MAX_BODY_BYTES"
	envRouteStrategy               = prefix + "ROUTE_STRATEGY"
	envRouteHealthP2CEnabled       = prefix + "ROUTE_HEALTH_P2C_ENABLED"
	envRouteHealthP2COrderedWindow = prefix + "ROUTE_HEALTH_P2C_ORDERED_WINDOW"
	envRouteHealthP2CBalancedWindow = prefix + "ROUTE_HEALTH_P2C_BALANCED_WINDOW"
	envRouteStateTTLSecs           = prefix + "ROUTE_STATE_TTL_SECS"
	envRouteStateCapacity          = prefix + "ROUTE_STATE_CAPACITY"
	envPromptCacheTTLSecs          = prefix + "PROMPT_CACHE_TTL_SECS"
	envPromptCacheCapacity         = prefix + "PROMPT_CACHE_CAPACITY"
	envPromptCacheCleanupSecs      = prefix + "PROMPT_CACHE_CLEANUP_INTERVAL_SECS"
	envCPANoCookieHeaderMode       = prefix + "CPA_NO_COOKIE_HEADER_MODE"
	envUsagePollIntervalSecs       = prefix + "USAGE_POLL_INTERVAL_SECS"
	envUsagePollJitterSecs         = prefix + "USAGE_POLL_JITTER_SECS"
	envUsagePollFailureBackoffSecs = prefix + "USAGE_POLL_FAILURE_BACKOFF_SECS"
	envDisablePolling              = prefix + "DISABLE_POLLING"
	envListenAddr                  = prefix + "LISTEN_ADDR"
	envDatabaseDSN                 = prefix + "DATABASE_DSN"
	envShutdownTimeoutSecs         = prefix + "SHUTDOWN_TIMEOUT_SECS"
	envMetricsEnabled              = prefix + "METRICS_ENABLED"
	envTracingEnabled              = prefix + "TRACING_ENABLED"
	envTracingEndpoint             = prefix + "TRACING_ENDPOINT"
	envTracingSampleRate           = prefix + "TRACING_SAMPLE_RATE"
	envTokenExchangeIssuer         = prefix + "TOKEN_EXCHANGE_ISSUER"
	envTokenExchangeClientID       = prefix + "TOKEN_EXCHANGE_CLIENT_ID"
)

// Default issuer/client id the upstream platform's own clients authenticate
// with; every account exchanges against the configured issuer, since
// Account.Issuer is not consulted for the exchange.
const (
	defaultTokenExchangeIssuer   = "https://auth.openai.com"
	defaultTokenExchangeClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// RouteStrategy selects how the candidate loop orders accounts.
type RouteStrategy string

const (
	RouteStrategyOrdered  RouteStrategy = "ordered"
	RouteStrategyBalanced RouteStrategy = "balanced"
)

// Config holds every environment-tunable knob, read once at process start.
type Config struct {
	UpstreamBaseURL         string
	UpstreamFallbackBaseURL string
	UpstreamCookie          string
	UpstreamConnectTimeout  time.Duration
	UpstreamTotalTimeout    time.Duration
	UpstreamStreamTimeout   time.Duration

	AccountMaxInflight       int
	RequestGateWaitTimeout   time.Duration
	TraceBodyPreviewMaxBytes int
	TraceQueueCapacity       int
	FrontProxyMaxBodyBytes   int64

	RouteStrategy               RouteStrategy
	RouteHealthP2CEnabled       bool
	RouteHealthP2COrderedWindow int
	RouteHealthP2CBalancedWindow int
	RouteStateTTL               time.Duration
	RouteStateCapacity          int

	PromptCacheTTL             time.Duration
	PromptCacheCapacity        int
	PromptCacheCleanupInterval time.Duration

	CPANoCookieHeaderMode bool

	UsagePollInterval       time.Duration
	UsagePollJitter         time.Duration
	UsagePollFailureBackoff time.Duration
	DisablePolling          bool

	ListenAddr      string
	DatabaseDSN     string
	ShutdownTimeout time.Duration

	MetricsEnabled    bool
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	TokenExchangeIssuer   string
	TokenExchangeClientID string
}

// Load reads Config from the environment, falling back to the default
// passed to each getter below whenever a variable is unset or unparseable.
func Load() *Config {
	return &Config{
		UpstreamBaseURL:         getEnv(envUpstreamBaseURL, "https://api.openai.com/v1", identity),
		UpstreamFallbackBaseURL: getEnv(envUpstreamFallbackBaseURL, "", identity),
		UpstreamCookie:          getEnv(envUpstreamCookie, "", identity),
		UpstreamConnectTimeout:  getSecs(envUpstreamConnectTimeoutSecs, 10*time.Second),
		UpstreamTotalTimeout:    getMillis(envUpstreamTotalTimeoutMs, 120*time.Second),
		UpstreamStreamTimeout:   getMillis(envUpstreamStreamTimeoutMs, 300*time.Second),

		AccountMaxInflight:       getInt(envAccountMaxInflight, 0),
		RequestGateWaitTimeout:   getMillis(envRequestGateWaitTimeoutMs, 30*time.Second),
		TraceBodyPreviewMaxBytes: getInt(envTraceBodyPreviewMaxBytes, 2048),
		TraceQueueCapacity:       getInt(envTraceQueueCapacity, 2000),
		FrontProxyMaxBodyBytes:   getInt64(envFrontProxyMaxBodyBytes, 25<<20),

		RouteStrategy:                RouteStrategy(getEnv(envRouteStrategy, string(RouteStrategyOrdered), identity)),
		RouteHealthP2CEnabled:        getBool(envRouteHealthP2CEnabled, true),
		RouteHealthP2COrderedWindow:  getInt(envRouteHealthP2COrderedWindow, 20),
		RouteHealthP2CBalancedWindow: getInt(envRouteHealthP2CBalancedWindow, 50),
		RouteStateTTL:                getSecs(envRouteStateTTLSecs, 6*time.Hour),
		RouteStateCapacity:           getInt(envRouteStateCapacity, 4096),

		PromptCacheTTL:             getSecs(envPromptCacheTTLSecs, time.Hour),
		PromptCacheCapacity:        getInt(envPromptCacheCapacity, 4096),
		PromptCacheCleanupInterval: getSecs(envPromptCacheCleanupSecs, 60*time.Second),

		CPANoCookieHeaderMode: getBool(envCPANoCookieHeaderMode, false),

		UsagePollInterval:       getSecs(envUsagePollIntervalSecs, 60*time.Second),
		UsagePollJitter:         getSecs(envUsagePollJitterSecs, 5*time.Second),
		UsagePollFailureBackoff: getSecs(envUsagePollFailureBackoffSecs, 30*time.Second),
		DisablePolling:          getBool(envDisablePolling, false),

		ListenAddr:      getEnv(envListenAddr, ":8080", identity),
		DatabaseDSN:     getEnv(envDatabaseDSN, "gateway.db", identity),
		ShutdownTimeout: getSecs(envShutdownTimeoutSecs, 15*time.Second),

		MetricsEnabled:    getBool(envMetricsEnabled, true),
		TracingEnabled:    getBool(envTracingEnabled, false),
		TracingEndpoint:   getEnv(envTracingEndpoint, "localhost:4317", identity),
		TracingSampleRate: getFloat(envTracingSampleRate, 0.1),

		TokenExchangeIssuer:   getEnv(envTokenExchangeIssuer, defaultTokenExchangeIssuer, identity),
		TokenExchangeClientID: getEnv(envTokenExchangeClientID, defaultTokenExchangeClientID, identity),
	}
}

func identity(s string) (string, error) { return s, nil }

// getEnv reads a value from an environment variable and parses it with
// parse, falling back to defaultValue when unset or unparseable.
func getEnv[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	parsed, err := parse(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getBool(key string, defaultValue bool) bool {
	return getEnv(key, defaultValue, strconv.ParseBool)
}

func getInt(key string, defaultValue int) int {
	return getEnv(key, defaultValue, strconv.Atoi)
}

func getFloat(key string, defaultValue float64) float64 {
	return getEnv(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func getInt64(key string, defaultValue int64) int64 {
	return getEnv(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func getSecs(key string, defaultValue time.Duration) time.Duration {
	return getEnv(key, defaultValue, func(s string) (time.Duration, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Second, nil
	})
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	return getEnv(key, defaultValue, func(s string) (time.Duration, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Millisecond, nil
	})
}
