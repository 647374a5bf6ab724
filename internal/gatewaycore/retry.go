package gatewaycore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

// AttemptSpec is one outbound HTTP attempt.
type AttemptSpec struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// OutboundSender performs one outbound HTTP attempt. Implementations own
// the fresh-client-on-transport-failure retry; by the time a response
// reaches the retry engine, the transport call itself succeeded.
type OutboundSender func(ctx context.Context, spec AttemptSpec) (*http.Response, error)

// ClassifiedKind is the outcome classifier's result for one response.
type ClassifiedKind int

const (
	KindSuccess ClassifiedKind = iota
	KindRetriable
	KindTerminalFailure
)

const maxClassifySniff = 4096

// classify implements the outcome classifier: 2xx -> success; 429/401/403/
// 5xx/challenge -> retriable; other 4xx -> terminal failure. It reads up to
// maxClassifySniff bytes to detect an HTML challenge body and reconstructs
// resp.Body from the sniffed prefix plus the remainder so the caller can
// still stream the full body afterward.
func classify(resp *http.Response) (ClassifiedKind, []byte) {
	sniff, _ := io.ReadAll(io.LimitReader(resp.Body, maxClassifySniff))
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(sniff), resp.Body), resp.Body}

	challenge := isChallenge(resp, sniff)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return KindSuccess, sniff
	case resp.StatusCode == 429, resp.StatusCode == 401, resp.StatusCode == 403, resp.StatusCode >= 500, challenge:
		return KindRetriable, sniff
	default:
		return KindTerminalFailure, sniff
	}
}

// isChallenge reports whether resp looks like an upstream CDN/WAF
// interstitial: a text/html body.
func isChallenge(resp *http.Response, sniff []byte) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "text/html") && len(sniff) > 0
}

// isInvalidEncryptedContent reports whether sniff (a 400 response body)
// mentions the cross-organization-failure marker that triggers the
// stateless retry.
func isInvalidEncryptedContent(statusCode int, sniff []byte) bool {
	return statusCode == 400 && bytes.Contains(sniff, []byte("invalid_encrypted_content"))
}

// RetryPlan carries everything the retry engine needs to synthesize the
// three additional attempt kinds below, without the engine itself knowing
// about cooldown/account state.
type RetryPlan struct {
	Primary AttemptSpec

	// AlternateURL is the /v1-preserved variant of Primary.URL, or "" if the
	// base URL doesn't end in /backend-api/codex.
	AlternateURL string

	// ClientPath is the original client-facing path, used to exclude
	// /v1/models from the OpenAI fallback branch.
	ClientPath string

	// IsChatGPTBackend is true when Primary targets the ChatGPT-backend
	// profile (the only profile eligible for the OpenAI fallback branch).
	IsChatGPTBackend bool

	// FallbackBaseURL is the configured OpenAI fallback base, or "" if
	// disabled.
	FallbackBaseURL string

	// BuildStripped returns an AttemptSpec identical to Primary but pointed
	// at url, with session-affinity headers and body-level
	// encrypted_content removed (used for the alternate-path and stateless
	// attempts).
	BuildStripped func(url string) AttemptSpec

	// BuildFallback returns the AttemptSpec for the OpenAI fallback branch:
	// FallbackBaseURL + the original path suffix, stripped headers, and the
	// exchanged API-key bearer.
	BuildFallback func() AttemptSpec
}

// Run executes the primary attempt and synthesizes up to four additional
// attempts of three kinds (the stateless retry may hit both the primary and
// the alternate URL), returning the final response and its classification.
// Any attempt that returns 2xx becomes the terminal response immediately.
func Run(ctx context.Context, send OutboundSender, plan RetryPlan) (*http.Response, ClassifiedKind, error) {
	resp, err := send(ctx, plan.Primary)
	if err != nil {
		return nil, KindRetriable, err
	}
	kind, sniff := classify(resp)
	if kind == KindSuccess {
		return resp, kind, nil
	}

	// 1. Alternate-path retry.
	if plan.AlternateURL != "" {
		altResp, altErr := send(ctx, plan.BuildStripped(plan.AlternateURL))
		if altErr == nil {
			altKind, altSniff := classify(altResp)
			if altKind == KindSuccess {
				return altResp, altKind, nil
			}
			resp, kind, sniff = altResp, altKind, altSniff
		}
	}

	// 2. Stateless retry on invalid_encrypted_content.
	if isInvalidEncryptedContent(resp.StatusCode, sniff) {
		stateless := plan.BuildStripped(plan.Primary.URL)
		if sResp, sErr := send(ctx, stateless); sErr == nil {
			sKind, sSniff := classify(sResp)
			if sKind == KindSuccess {
				return sResp, sKind, nil
			}
			if plan.AlternateURL != "" {
				stateless2 := plan.BuildStripped(plan.AlternateURL)
				if s2Resp, s2Err := send(ctx, stateless2); s2Err == nil {
					s2Kind, _ := classify(s2Resp)
					if s2Kind == KindSuccess {
						return s2Resp, s2Kind, nil
					}
					resp, kind = s2Resp, s2Kind
				}
			} else {
				resp, kind, sniff = sResp, sKind, sSniff
			}
		}
	}

	// 3. OpenAI fallback branch.
	if plan.IsChatGPTBackend && plan.FallbackBaseURL != "" && plan.ClientPath != "/v1/models" {
		challengeOrStatus := kind == KindRetriable && (resp.StatusCode == 403 || resp.StatusCode == 429 || isChallenge(resp, sniff))
		if challengeOrStatus {
			fbResp, fbErr := send(ctx, plan.BuildFallback())
			if fbErr == nil {
				fbKind, _ := classify(fbResp)
				if fbKind == KindSuccess {
					return fbResp, fbKind, nil
				}
				resp, kind = fbResp, fbKind
			}
		}
	}

	return resp, kind, nil
}
