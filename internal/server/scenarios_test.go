package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/runtimeconfig"
	"github.com/codex-gateway/gateway/internal/telemetry"
	"github.com/codex-gateway/gateway/internal/testutil"
	"github.com/codex-gateway/gateway/internal/tokencount"

	"github.com/prometheus/client_golang/prometheus"
)

// noopExchanger never gets called in these tests: every seeded token
// already carries an APIKeyAccessToken, so ExchangeCache takes its fast
// path and never reaches the exchanger.
type noopExchanger struct{}

func (noopExchanger) Exchange(context.Context, string, string) (string, error) {
	return "", gatewaycore.ErrMissingConfig
}

func (noopExchanger) Refresh(context.Context, string, string) (string, error) {
	return "", gatewaycore.ErrMissingConfig
}

func testRuntimeConfig() *runtimeconfig.Config {
	return &runtimeconfig.Config{
		UpstreamTotalTimeout:     5 * time.Second,
		RequestGateWaitTimeout:   time.Second,
		TraceBodyPreviewMaxBytes: 2048,
		FrontProxyMaxBodyBytes:   1 << 20,
		RouteStrategy:            runtimeconfig.RouteStrategyOrdered,
		RouteStateTTL:            time.Minute,
		RouteStateCapacity:       100,
		PromptCacheTTL:           time.Minute,
		PromptCacheCapacity:      100,
		AccountMaxInflight:       0,
	}
}

// scriptedSender replays a fixed sequence of responses, one per call,
// recording the attempt spec it was given each time so tests can assert on
// headers/body of individual attempts (e.g. whether session affinity was
// stripped on a failover attempt).
type scriptedSender struct {
	responses []*http.Response
	attempts  []gatewaycore.AttemptSpec
	calls     int32
}

func (s *scriptedSender) send(_ context.Context, spec gatewaycore.AttemptSpec) (*http.Response, error) {
	n := int(atomic.AddInt32(&s.calls, 1)) - 1
	s.attempts = append(s.attempts, spec)
	if n >= len(s.responses) {
		n = len(s.responses) - 1
	}
	return s.responses[n], nil
}

func textResponse(status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func jsonResponse(status int, body string) *http.Response {
	return textResponse(status, "application/json", body)
}

// sseCompletedFrame builds a single-frame SSE body whose response.completed
// event carries data, suitable for both the Anthropic-translation and
// usage-accounting scenarios.
func sseCompletedFrame(dataJSON string) string {
	var b strings.Builder
	b.WriteString("event: response.completed\n")
	b.WriteString("data: " + dataJSON + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// testDeps bundles everything newHarness wires, so scenario tests can reach
// into the Loop's collaborators (cooldown, gate, etc.) directly if needed.
type testDeps struct {
	store   *testutil.FakeStore
	sender  *scriptedSender
	deps    Deps
	metrics *telemetry.Metrics
}

func newHarness(t *testing.T, rtc *runtimeconfig.Config, responses ...*http.Response) *testDeps {
	t.Helper()

	store := testutil.NewFakeStore()
	sender := &scriptedSender{responses: responses}

	selector := gatewaycore.NewCandidateSelector(store, t.Name())
	exchange := gatewaycore.NewExchangeCache(noopExchanger{}, store)
	loop := &gatewaycore.Loop{
		Selector:        selector,
		Cooldown:        gatewaycore.NewCooldownTable(),
		Quality:         gatewaycore.NewRouteQualityTable(),
		Inflight:        gatewaycore.NewInflightCounter(int64(rtc.AccountMaxInflight)),
		Gate:            gatewaycore.NewRequestGate(),
		RouteState:      gatewaycore.NewRouteStateTable(rtc.RouteStateCapacity, rtc.RouteStateTTL),
		Sender:          sender.send,
		GateWaitTimeout: rtc.RequestGateWaitTimeout,
		Strategy:        gatewaycore.RouteStrategy(rtc.RouteStrategy),
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	deps := Deps{
		Store:         store,
		KeyCache:      gatewaycore.NewPlatformKeyCache(store, 0, 0),
		Loop:          loop,
		Exchange:      exchange,
		PromptCache:   gatewaycore.NewPromptCache(100, time.Minute),
		Counter:       tokencount.NewCounter(),
		ExactCounter:  tokencount.NewExactCounter("cl100k_base"),
		RuntimeConfig: rtc,
		Metrics:       metrics,
	}

	return &testDeps{store: store, sender: sender, deps: deps, metrics: metrics}
}

func seedAccount(store *testutil.FakeStore, accountID string) {
	store.AddAccount(gatewaycore.Account{AccountID: accountID, Status: gatewaycore.AccountActive})
	store.AddToken(gatewaycore.Token{AccountID: accountID, APIKeyAccessToken: "tok-" + accountID})
}

func seedKey(store *testutil.FakeStore, secret, model string, protocol gatewaycore.ProtocolType, baseURL string) {
	store.AddPlatformKey(gatewaycore.PlatformKey{
		KeyID:           "key-" + secret,
		KeyHash:         gatewaycore.HashKeySecret(secret),
		Status:          gatewaycore.KeyActive,
		ModelSlug:       model,
		ProtocolType:    protocol,
		UpstreamBaseURL: baseURL,
	})
}

// Scenario 1: an invalid key gets a 403 and exactly one RequestLog row with
// status=403, even though no platform key or account was ever resolved.
func TestScenario_InvalidKeyRecordsOneForbiddenLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRuntimeConfig())
	handler := New(h.deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer not-a-real-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	logs := h.store.Logs()
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].Status != http.StatusForbidden {
		t.Fatalf("logs[0].Status = %d, want %d", logs[0].Status, http.StatusForbidden)
	}
}

// Scenario 2: a /v1/messages (Anthropic dialect) request is translated to
// the Responses shape, sent upstream, and the completed response is
// translated back into an Anthropic-shaped JSON body.
func TestScenario_MessagesTranslatesThroughOpenAI(t *testing.T) {
	t.Parallel()

	completed := `{"response":{"output":[{"type":"message","content":[{"type":"output_text","text":"hi there"}]}],"usage":{"input_tokens":5,"output_tokens":3}}}`
	h := newHarness(t, testRuntimeConfig(), textResponse(http.StatusOK, "text/event-stream", sseCompletedFrame(completed)))
	seedAccount(h.store, "acct-1")
	seedKey(h.store, "secret-1", "gpt-5", gatewaycore.ProtocolOpenAICompat, "https://api.openai.com/v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3","messages":[{"role":"user","content":"hello"}]}`))
	req.Header.Set("x-api-key", "secret-1")
	rec := httptest.NewRecorder()
	New(h.deps).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "hi there") {
		t.Fatalf("body missing translated text: %s", rec.Body.String())
	}
}

// Scenario 3: a 400 invalid_encrypted_content response triggers a
// stateless retry (session-affinity and encrypted_content stripped) on the
// same URL, which then succeeds.
func TestScenario_StatelessRetryOnInvalidEncryptedContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRuntimeConfig(),
		jsonResponse(http.StatusBadRequest, `{"error":"invalid_encrypted_content"}`),
		jsonResponse(http.StatusOK, `{"id":"resp-1"}`),
	)
	seedAccount(h.store, "acct-1")
	seedKey(h.store, "secret-1", "gpt-5", gatewaycore.ProtocolOpenAICompat, "https://api.openai.com/v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"input":"hi","encrypted_content":"abc"}`))
	req.Header.Set("Authorization", "Bearer secret-1")
	rec := httptest.NewRecorder()
	New(h.deps).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := atomic.LoadInt32(&h.sender.calls); got != 2 {
		t.Fatalf("sender calls = %d, want 2 (primary + stateless retry)", got)
	}
	if strings.Contains(string(h.sender.attempts[1].Body), "encrypted_content") {
		t.Fatal("expected the stateless retry body to have encrypted_content stripped")
	}
}

// Scenario 4: a challenge response (429 + text/html) on a ChatGPT-backend
// profile falls back to the configured OpenAI base.
func TestScenario_OpenAIFallbackOnChallenge(t *testing.T) {
	t.Parallel()

	rtc := testRuntimeConfig()
	h := newHarness(t, rtc,
		textResponse(http.StatusTooManyRequests, "text/html", "<html>are you a robot?</html>"), // primary
		textResponse(http.StatusTooManyRequests, "text/html", "<html>are you a robot?</html>"), // /v1-preserved alternate
		jsonResponse(http.StatusOK, `{"id":"resp-fallback"}`),                                  // OpenAI fallback
	)
	seedAccount(h.store, "acct-1")
	seedKey(h.store, "secret-1", "gpt-5", gatewaycore.ProtocolOpenAICompat, "https://chatgpt.com/backend-api/codex")
	h.deps.RuntimeConfig.UpstreamFallbackBaseURL = "https://api.openai.com/v1"

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"input":"hi"}`))
	req.Header.Set("Authorization", "Bearer secret-1")
	rec := httptest.NewRecorder()
	New(h.deps).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := atomic.LoadInt32(&h.sender.calls); got != 3 {
		t.Fatalf("sender calls = %d, want 3 (primary, /v1-preserved alternate, OpenAI fallback)", got)
	}
	last := h.sender.attempts[len(h.sender.attempts)-1]
	if !strings.HasPrefix(last.URL, "https://api.openai.com/v1") {
		t.Fatalf("fallback attempt URL = %q, want the fallback base", last.URL)
	}
}

// Scenario 5: when the first candidate fails, the loop fails over to the
// second account, stripping session affinity on the retry, and the
// success is reflected in the 2xx request counter.
func TestScenario_CrossAccountFailoverStripsAffinityAndCountsMetric(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRuntimeConfig(),
		jsonResponse(http.StatusInternalServerError, `{"error":"boom"}`),
		jsonResponse(http.StatusOK, `{"id":"resp-2"}`),
	)
	seedAccount(h.store, "acct-1")
	seedAccount(h.store, "acct-2")
	seedKey(h.store, "secret-1", "gpt-5", gatewaycore.ProtocolOpenAICompat, "https://api.openai.com/v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"input":"hi"}`))
	req.Header.Set("Authorization", "Bearer secret-1")
	req.Header.Set("Session_id", "sticky-session")
	rec := httptest.NewRecorder()
	New(h.deps).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := atomic.LoadInt32(&h.sender.calls); got != 2 {
		t.Fatalf("sender calls = %d, want 2 (one per account)", got)
	}
	if h.sender.attempts[0].Header.Get("Session_id") == "" {
		t.Error("expected the first (non-failover) attempt to keep session affinity")
	}
	if h.sender.attempts[1].Header.Get("Session_id") != "" {
		t.Error("expected the failover attempt to have session affinity stripped")
	}

	if got := promtestutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("2xx", "openai_compat")); got != 1 {
		t.Fatalf("2xx openai_compat request counter = %v, want 1", got)
	}
}

// Scenario 6: usage reported in the upstream SSE stream is accumulated and
// written to both the RequestLog and RequestTokenStat rows for the request.
func TestScenario_SSEUsageAccountedInRequestLogAndTokenStat(t *testing.T) {
	t.Parallel()

	completed := `{"response":{"output":[{"type":"message","content":[{"type":"output_text","text":"done"}]}],"usage":{"input_tokens":11,"output_tokens":7,"total_tokens":18}}}`
	h := newHarness(t, testRuntimeConfig(), textResponse(http.StatusOK, "text/event-stream", sseCompletedFrame(completed)))
	seedAccount(h.store, "acct-1")
	seedKey(h.store, "secret-1", "gpt-5", gatewaycore.ProtocolOpenAICompat, "https://api.openai.com/v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"input":"hi","stream":true}`))
	req.Header.Set("Authorization", "Bearer secret-1")
	rec := httptest.NewRecorder()
	New(h.deps).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	logs := h.store.Logs()
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].Status != http.StatusOK {
		t.Fatalf("logs[0].Status = %d, want 200", logs[0].Status)
	}

	stats := h.store.Stats()
	if len(stats) != 1 {
		t.Fatalf("len(stats) = %d, want 1", len(stats))
	}
	if stats[0].InputTokens != 11 || stats[0].OutputTokens != 7 || stats[0].TotalTokens != 18 {
		t.Fatalf("stats[0] = %+v, want input=11 output=7 total=18", stats[0])
	}
	if stats[0].RequestLogID != logs[0].ID {
		t.Fatalf("stats[0].RequestLogID = %d, want %d", stats[0].RequestLogID, logs[0].ID)
	}
}

// Recording a request's outcome must write exactly one RequestLog row per
// client request, no matter how many candidate attempts the loop made
// internally.
func TestRequestLog_OneRowPerClientRequestRegardlessOfAttemptCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testRuntimeConfig(),
		jsonResponse(http.StatusInternalServerError, `{"error":"boom"}`),
		jsonResponse(http.StatusBadGateway, `{"error":"boom again"}`),
		jsonResponse(http.StatusOK, `{"id":"resp-3"}`),
	)
	seedAccount(h.store, "acct-1")
	seedAccount(h.store, "acct-2")
	seedAccount(h.store, "acct-3")
	seedKey(h.store, "secret-1", "gpt-5", gatewaycore.ProtocolOpenAICompat, "https://api.openai.com/v1")

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"input":"hi"}`))
	req.Header.Set("Authorization", "Bearer secret-1")
	rec := httptest.NewRecorder()
	New(h.deps).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := atomic.LoadInt32(&h.sender.calls); got != 3 {
		t.Fatalf("sender calls = %d, want 3 attempts across accounts", got)
	}
	if logs := h.store.Logs(); len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want exactly 1 despite 3 candidate attempts", len(logs))
	}
}
