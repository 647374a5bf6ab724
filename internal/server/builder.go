package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// attemptBuilder implements gatewaycore.AttemptBuilder for one client
// request: it captures everything that's constant across candidates
// (the rewritten body, the client path, the inbound headers worth
// forwarding) and resolves the per-candidate pieces (bearer, ChatGPT
// account id, base URL) on each Build call.
type attemptBuilder struct {
	exchange    *gatewaycore.ExchangeCache
	promptCache *gatewaycore.PromptCache

	clientPath string
	method     string
	body       []byte
	stream     bool
	model      string
	userID     string

	clientHeaders     http.Header
	incomingSessionID string
	cookie            string
	fallbackBaseURL   string
	upstreamBaseURL   string
}

// Build implements gatewaycore.AttemptBuilder.
func (b *attemptBuilder) Build(ctx context.Context, cand gatewaycore.Candidate, stripSessionAffinity bool, idx int) (gatewaycore.RetryPlan, error) {
	bearer, err := b.exchange.ResolveBearer(ctx, cand.Account, cand.Token)
	if err != nil {
		return gatewaycore.RetryPlan{}, err
	}

	base := b.upstreamBaseURL

	upstreamPath, alternatePath := gatewaycore.RewriteUpstreamPath(base, b.clientPath)
	primaryURL := base + upstreamPath
	var alternateURL string
	if alternatePath != "" {
		alternateURL = base + alternatePath
	}

	promptCacheSessionID := ""
	if b.incomingSessionID == "" && b.promptCache != nil {
		promptCacheSessionID = b.promptCache.SessionIDFor(b.model, b.userID)
	}

	chatGPTAccountID := cand.Account.ChatGPTAccountID
	if chatGPTAccountID == "" {
		chatGPTAccountID = cand.Account.WorkspaceID
	}

	profileFor := func(strip bool) http.Header {
		return gatewaycore.BuildHeaderProfile(gatewaycore.HeaderProfileInput{
			BaseURL:              base,
			AccessToken:          cand.Token.AccessToken,
			ExchangedBearer:      bearer,
			ChatGPTAccountID:     chatGPTAccountID,
			Stream:               b.stream,
			Cookie:               b.cookie,
			IncomingSessionID:    b.incomingSessionID,
			PromptCacheSessionID: promptCacheSessionID,
			StripSessionAffinity: strip,
		})
	}

	primary := gatewaycore.AttemptSpec{
		Method: b.method,
		URL:    primaryURL,
		Header: outboundHeaders(b.clientHeaders, profileFor(stripSessionAffinity), stripSessionAffinity),
		Body:   b.body,
	}

	isChatGPTBackend := strings.HasSuffix(base, "/backend-api/codex")

	buildStripped := func(url string) gatewaycore.AttemptSpec {
		strippedBody, _ := gatewaycore.StripSessionAffinityFromBody(b.body)
		return gatewaycore.AttemptSpec{
			Method: b.method,
			URL:    url,
			Header: outboundHeaders(b.clientHeaders, profileFor(true), true),
			Body:   strippedBody,
		}
	}

	buildFallback := func() gatewaycore.AttemptSpec {
		strippedBody, _ := gatewaycore.StripSessionAffinityFromBody(b.body)
		fallbackProfile := gatewaycore.BuildHeaderProfile(gatewaycore.HeaderProfileInput{
			BaseURL:              b.fallbackBaseURL,
			AccessToken:          bearer,
			ExchangedBearer:      bearer,
			Stream:               b.stream,
			Cookie:               b.cookie,
			StripSessionAffinity: true,
		})
		return gatewaycore.AttemptSpec{
			Method: b.method,
			URL:    b.fallbackBaseURL + b.clientPath,
			Header: outboundHeaders(b.clientHeaders, fallbackProfile, true),
			Body:   strippedBody,
		}
	}

	return gatewaycore.RetryPlan{
		Primary:          primary,
		AlternateURL:     alternateURL,
		ClientPath:       b.clientPath,
		IsChatGPTBackend: isChatGPTBackend,
		FallbackBaseURL:  b.fallbackBaseURL,
		BuildStripped:    buildStripped,
		BuildFallback:    buildFallback,
	}, nil
}

// outboundHeaders filters the client's inbound headers (dropping the
// always-dropped set, anthropic-*/x-stainless-* noise, and, on a stripped
// attempt, the session-affinity set) then overlays the synthesized profile
// headers, which always win on conflict.
func outboundHeaders(client http.Header, profile http.Header, strip bool) http.Header {
	out := gatewaycore.FilterOutboundHeaders(client, strip)
	for k, v := range profile {
		out[k] = v
	}
	return out
}
