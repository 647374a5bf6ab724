package gatewaycore

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RewriteOptions carries the per-attempt overrides C7 applies to the
// outbound body.
type RewriteOptions struct {
	Path              string
	OverrideModel     string
	OverrideReasoning string
	Stream            bool
}

// RewriteRequestBody applies the per-key model/reasoning override rules to
// a client request body. It is idempotent given the same overrides:
// rewriting an already-rewritten body with the same options produces the
// same bytes.
func RewriteRequestBody(opts RewriteOptions, body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body, nil
	}

	out := body
	var err error

	if opts.OverrideModel != "" {
		if out, err = sjson.SetBytes(out, "model", opts.OverrideModel); err != nil {
			return nil, err
		}
	}

	switch opts.Path {
	case "/v1/responses", "/v1/chat/completions":
		if opts.OverrideReasoning != "" {
			norm := normalizeReasoningEffort(opts.OverrideReasoning)
			if out, err = sjson.SetBytes(out, "reasoning.effort", norm); err != nil {
				return nil, err
			}
		} else if r := gjson.GetBytes(out, "reasoning"); r.Exists() && !r.IsObject() {
			if out, err = sjson.SetRawBytes(out, "reasoning", []byte("{}")); err != nil {
				return nil, err
			}
		}
	}

	if opts.Path == "/v1/chat/completions" && opts.Stream {
		if out, err = sjson.SetBytes(out, "stream_options.include_usage", true); err != nil {
			return nil, err
		}
	}

	if opts.Path == "/v1/responses" {
		input := gjson.GetBytes(out, "input")
		switch {
		case input.Type == gjson.String:
			wrapped := []byte(`[{"type":"message","role":"user","content":[{"type":"input_text","text":""}]}]`)
			wrapped, err = sjson.SetBytes(wrapped, "0.content.0.text", input.String())
			if err != nil {
				return nil, err
			}
			if out, err = sjson.SetRawBytes(out, "input", wrapped); err != nil {
				return nil, err
			}
		case input.IsObject():
			if out, err = sjson.SetRawBytes(out, "input", []byte("["+input.Raw+"]")); err != nil {
				return nil, err
			}
		}

		if out, err = sjson.SetBytes(out, "stream", true); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "store", false); err != nil {
			return nil, err
		}
		if !gjson.GetBytes(out, "instructions").Exists() {
			if out, err = sjson.SetBytes(out, "instructions", ""); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// normalizeReasoningEffort maps the various client spellings of "as much
// reasoning effort as possible" onto the single upstream value "xhigh".
func normalizeReasoningEffort(s string) string {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "extra_high", "xhigh", "x_high", "maximum", "max":
		return "xhigh"
	default:
		return s
	}
}

// RewriteUpstreamPath implements the C7/C9 shared path rewrite: when base
// ends in /backend-api/codex and the client path begins with /v1/, the
// upstream URL strips /v1 and an alternate URL (with /v1 preserved) is
// recorded for the alternate-path retry.
func RewriteUpstreamPath(base, clientPath string) (upstreamPath string, alternatePath string) {
	if strings.HasSuffix(base, "/backend-api/codex") && strings.HasPrefix(clientPath, "/v1/") {
		return strings.TrimPrefix(clientPath, "/v1"), clientPath
	}
	return clientPath, ""
}

// sessionAffinityHeaders are stripped on failover attempts and during the
// stateless retry.
var sessionAffinityHeaders = []string{"session_id", "x-codex-turn-state", "conversation_id"}

// alwaysDroppedHeaders are never forwarded to the upstream.
var alwaysDroppedHeaders = map[string]bool{
	"authorization":      true,
	"x-api-key":          true,
	"host":               true,
	"content-length":     true,
	"chatgpt-account-id": true,
}

// FilterOutboundHeaders returns a copy of in with the always-dropped
// headers, any anthropic-*/x-stainless-* header, and (when
// stripSessionAffinity) the session-affinity headers removed.
func FilterOutboundHeaders(in http.Header, stripSessionAffinity bool) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		lk := strings.ToLower(k)
		if alwaysDroppedHeaders[lk] {
			continue
		}
		if strings.HasPrefix(lk, "anthropic-") || strings.HasPrefix(lk, "x-stainless-") {
			continue
		}
		if stripSessionAffinity && isSessionAffinityHeader(lk) {
			continue
		}
		out[k] = v
	}
	return out
}

func isSessionAffinityHeader(lowerName string) bool {
	for _, h := range sessionAffinityHeaders {
		if lowerName == h {
			return true
		}
	}
	return false
}

// StripSessionAffinityFromBody removes body-level encrypted_content (used
// by the stateless retry).
func StripSessionAffinityFromBody(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return body, nil
	}
	if !gjson.GetBytes(body, "encrypted_content").Exists() {
		return body, nil
	}
	return sjson.DeleteBytes(body, "encrypted_content")
}
