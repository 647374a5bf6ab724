package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/gatewaycore/adapter"
	"github.com/codex-gateway/gateway/internal/storage"
)

// maxRequestBody bounds the client request body the front proxy will read,
// configured via CODEX_GATEWAY_FRONT_PROXY_MAX_BODY_BYTES.
func (s *server) maxRequestBody() int64 {
	return int64(s.deps.RuntimeConfig.FrontProxyMaxBodyBytes)
}

// handleResponses serves POST /v1/responses: the client already speaks the
// OpenAI Responses dialect, so the body only needs the per-key
// model/reasoning overrides before it goes through the candidate
// loop.
func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.serveOpenAICompat(w, r, "/v1/responses")
}

// handleChatCompletions serves POST /v1/chat/completions, the Chat
// Completions dialect variant of the same OpenAI-compat path.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveOpenAICompat(w, r, "/v1/chat/completions")
}

func (s *server) serveOpenAICompat(w http.ResponseWriter, r *http.Request, path string) {
	key := gatewaycore.PlatformKeyFromContext(r.Context())
	body, ok := readRequestBody(w, r, s.maxRequestBody(), false)
	if !ok {
		return
	}

	s.traceRequestStart(r.Context(), path, r.Method, body)

	clientStream := gjson.GetBytes(body, "stream").Bool()
	rewritten, err := gatewaycore.RewriteRequestBody(gatewaycore.RewriteOptions{
		Path:              path,
		OverrideModel:     key.ModelSlug,
		OverrideReasoning: key.ReasoningEffort,
		Stream:            clientStream,
	}, body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stream := clientStream || path == "/v1/responses"
	userID := extractUserID(rewritten)

	s.runCandidateRequest(w, r, candidateRequest{
		clientPath: path,
		method:     http.MethodPost,
		body:       rewritten,
		stream:     stream,
		userID:     userID,
		anthropic:  false,
	})
}

// handleMessages serves POST /v1/messages: the Anthropic Messages dialect,
// translated to a Responses-shaped body in both directions.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key := gatewaycore.PlatformKeyFromContext(r.Context())
	body, ok := readRequestBody(w, r, s.maxRequestBody(), true)
	if !ok {
		return
	}

	s.traceRequestStart(r.Context(), "/v1/messages", r.Method, body)

	clientStream := gjson.GetBytes(body, "stream").Bool()

	translated, err := adapter.TranslateRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newAnthropicError("invalid request body"))
		return
	}

	rewritten, err := gatewaycore.RewriteRequestBody(gatewaycore.RewriteOptions{
		Path:              "/v1/responses",
		OverrideModel:     key.ModelSlug,
		OverrideReasoning: key.ReasoningEffort,
		Stream:            true,
	}, translated)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newAnthropicError("invalid request body"))
		return
	}

	userID := extractUserID(rewritten)

	s.runCandidateRequest(w, r, candidateRequest{
		clientPath:       "/v1/responses",
		method:           http.MethodPost,
		body:             rewritten,
		stream:           true,
		userID:           userID,
		anthropic:        true,
		anthropicStream:  clientStream,
		requestLogPath:   "/v1/messages",
	})
}

// handleCountTokens serves POST /v1/count_tokens entirely locally: no
// candidate is contacted and no RequestLog row with upstream fields is
// written.
func (s *server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r, s.maxRequestBody(), true)
	if !ok {
		return
	}
	count, err := s.deps.ExactCounter.CountAnthropicRequest(body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newAnthropicError("token count failed"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		InputTokens int `json:"input_tokens"`
	}{InputTokens: count})
}

// handleModels serves GET /v1/models: a memoized upstream response keyed by
// the platform key's upstream profile, falling back to one candidate
// attempt on a cache miss.
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	key := gatewaycore.PlatformKeyFromContext(r.Context())
	cacheKey := key.UpstreamBaseURL + "|" + string(key.ProtocolType)

	if cached, err := s.deps.Store.GetModelOptionsCache(r.Context(), cacheKey); err == nil && cached != nil {
		writeJSON(w, http.StatusOK, rawJSON(cached.Body))
		return
	}

	s.runCandidateRequest(w, r, candidateRequest{
		clientPath: "/v1/models",
		method:     http.MethodGet,
		body:       nil,
		stream:     false,
		anthropic:  false,
		cacheKey:   cacheKey,
	})
}

// candidateRequest carries one client request's resolved fields through to
// the candidate loop and response emission.
type candidateRequest struct {
	clientPath      string
	method          string
	body            []byte
	stream          bool
	userID          string
	anthropic       bool // error/response envelope shape
	anthropicStream bool // client asked for Anthropic SSE translation
	requestLogPath  string
	cacheKey        string
}

func (s *server) runCandidateRequest(w http.ResponseWriter, r *http.Request, req candidateRequest) {
	key := gatewaycore.PlatformKeyFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RuntimeConfig.UpstreamTotalTimeout)
	defer cancel()

	if key.ProtocolType == gatewaycore.ProtocolAzureOpenAI {
		s.runAzureRequest(ctx, w, r, req, key)
		return
	}

	builder := &attemptBuilder{
		exchange:          s.deps.Exchange,
		promptCache:       s.deps.PromptCache,
		clientPath:        req.clientPath,
		method:            req.method,
		body:              req.body,
		stream:            req.stream,
		model:             key.ModelSlug,
		userID:            req.userID,
		clientHeaders:     r.Header,
		incomingSessionID: r.Header.Get("session_id"),
		cookie:            s.deps.RuntimeConfig.UpstreamCookie,
		fallbackBaseURL:   s.deps.RuntimeConfig.UpstreamFallbackBaseURL,
		upstreamBaseURL:   key.UpstreamBaseURL,
	}

	result, err := s.deps.Loop.Run(ctx, key.KeyID, req.clientPath, key.ModelSlug, builder)
	if err != nil {
		s.finishError(w, r.Context(), req, key, err)
		return
	}
	if result.NoAccount {
		s.finishError(w, r.Context(), req, key, gatewaycore.ErrNoAvailableAccount)
		return
	}
	if result.Deadline {
		s.finishError(w, r.Context(), req, key, gatewaycore.ErrDeadlineExceeded)
		return
	}

	resp := result.Response
	if result.Guard != nil {
		resp.Body = gatewaycore.NewGuardedReadCloser(resp.Body, result.Guard)
	}

	logPath := req.clientPath
	if req.requestLogPath != "" {
		logPath = req.requestLogPath
	}

	var usage adapter.Usage
	switch {
	case req.cacheKey != "":
		body, cerr := captureJSONBody(w, resp)
		if cerr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = s.deps.Store.UpsertModelOptionsCache(r.Context(), storage.ModelOptionsCache{
				CacheKey:   req.cacheKey,
				Body:       body,
				CapturedAt: time.Now(),
			})
		}
	case req.anthropic && !req.anthropicStream:
		usage, _ = s.emitAnthropicNonStream(w, resp)
	case req.anthropic:
		usage, _ = gatewaycore.EmitAnthropicSSE(w, resp, adapter.NewStreamState())
	case req.stream:
		usage, _ = gatewaycore.EmitPassthroughSSE(w, resp)
	default:
		usage, _ = gatewaycore.EmitPassthroughJSON(w, resp)
	}

	s.recordRequestLog(r.Context(), logPath, req.method, key, result.AccountID, resp.StatusCode, "", usage)
}

// runAzureRequest serves a request for a platform key bound to an Azure
// OpenAI deployment, bypassing the account pool.
func (s *server) runAzureRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, req candidateRequest, key *gatewaycore.PlatformKey) {
	if s.deps.AzureSender == nil {
		s.finishError(w, r.Context(), req, key, gatewaycore.ErrMissingConfig)
		return
	}

	resp, _, err := runAzurePipeline(ctx, s.deps.AzureSender, key, req.clientPath, req.method, r.Header, req.body, req.stream)
	if err != nil {
		s.finishError(w, r.Context(), req, key, gatewaycore.ErrUpstreamTransport)
		return
	}

	var usage adapter.Usage
	switch {
	case req.anthropic && !req.anthropicStream:
		usage, _ = s.emitAnthropicNonStream(w, resp)
	case req.anthropic:
		usage, _ = gatewaycore.EmitAnthropicSSE(w, resp, adapter.NewStreamState())
	case req.stream:
		usage, _ = gatewaycore.EmitPassthroughSSE(w, resp)
	default:
		usage, _ = gatewaycore.EmitPassthroughJSON(w, resp)
	}

	logPath := req.clientPath
	if req.requestLogPath != "" {
		logPath = req.requestLogPath
	}
	s.recordRequestLog(r.Context(), logPath, req.method, key, "", resp.StatusCode, "", usage)
}

// emitAnthropicNonStream drains the upstream's forced SSE stream, captures
// the response.completed frame, and translates it into a single Anthropic
// JSON response (the non-stream response direction for /v1/messages).
func (s *server) emitAnthropicNonStream(w http.ResponseWriter, resp *http.Response) (adapter.Usage, error) {
	defer resp.Body.Close()

	sc := gatewaycore.NewFrameScanner(resp.Body)
	var completed []byte
	for {
		frame, ok := gatewaycore.ReadFrame(sc)
		if !ok {
			break
		}
		if string(frame.Data) == "[DONE]" {
			break
		}
		if frame.Event == "response.completed" {
			completed = frame.Data
		}
	}

	if completed == nil {
		writeJSON(w, http.StatusBadGateway, newAnthropicError("upstream stream ended without a completed response"))
		return adapter.Usage{}, nil
	}

	out, usage, err := adapter.TranslateResponse(completed)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, newAnthropicError("failed to translate upstream response"))
		return usage, err
	}
	writeJSON(w, http.StatusOK, rawJSON(out))
	return usage, nil
}

// finishError writes the client-facing error response and records the
// terminal RequestLog row for a request that never got a response body
// (exhausted candidate pool, a deadline, an upstream transport error, or a
// missing configuration); invalid keys are logged by the auth middleware.
func (s *server) finishError(w http.ResponseWriter, ctx context.Context, req candidateRequest, key *gatewaycore.PlatformKey, err error) {
	writeErr(w, req.anthropic, err)
	logPath := req.clientPath
	if req.requestLogPath != "" {
		logPath = req.requestLogPath
	}
	s.recordRequestLog(ctx, logPath, req.method, key, "", errorStatus(err), err.Error(), adapter.Usage{})
}

// captureJSONBody reads the full upstream response and writes it to w
// verbatim, returning the bytes so the caller can also persist them to the
// model-options cache.
func captureJSONBody(w http.ResponseWriter, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	writeJSON(w, resp.StatusCode, rawJSON(body))
	return body, nil
}

func rawJSON(b []byte) rawJSONMessage { return rawJSONMessage(b) }

type rawJSONMessage []byte

func (m rawJSONMessage) MarshalJSON() ([]byte, error) { return []byte(m), nil }

func extractUserID(body []byte) string {
	if v := gjson.GetBytes(body, "metadata.user_id"); v.Exists() {
		return v.String()
	}
	return gjson.GetBytes(body, "user").String()
}

func (s *server) traceRequestStart(ctx context.Context, path, method string, body []byte) {
	if s.deps.Tracer == nil {
		return
	}
	traceID := gatewaycore.TraceIDFromContext(ctx)
	s.deps.Tracer.Event(ctx, "REQUEST_START", "trace_id", traceID, "path", path, "method", method)

	max := s.deps.RuntimeConfig.TraceBodyPreviewMaxBytes
	preview := body
	if len(preview) > max {
		preview = preview[:max]
	}
	s.deps.Tracer.Event(ctx, "REQUEST_BODY", "trace_id", traceID, "body", string(preview))
}

func (s *server) recordRequestLog(ctx context.Context, path, method string, key *gatewaycore.PlatformKey, accountID string, status int, errMsg string, usage adapter.Usage) {
	traceID := gatewaycore.TraceIDFromContext(ctx)
	log := gatewaycore.RequestLog{
		TraceID:   traceID,
		Path:      path,
		Method:    method,
		Model:     key.ModelSlug,
		Reasoning: key.ReasoningEffort,
		Status:    status,
		Error:     errMsg,
		AccountID: accountID,
		CreatedAt: time.Now().Unix(),
	}
	id, err := s.deps.Store.InsertRequestLog(ctx, log)
	if err != nil {
		return
	}
	cost := 0.0
	if s.deps.Config != nil {
		cost = s.deps.Config.EstimateCost(key.ModelSlug, usage.InputTokens, usage.CachedTokens, usage.OutputTokens)
	}
	_ = s.deps.Store.InsertRequestTokenStat(ctx, gatewaycore.RequestTokenStat{
		RequestLogID:     id,
		InputTokens:      usage.InputTokens,
		CachedTokens:     usage.CachedTokens,
		OutputTokens:     usage.OutputTokens,
		ReasoningTokens:  usage.ReasoningTokens,
		TotalTokens:      usage.TotalTokens,
		EstimatedCostUSD: cost,
	})
}
