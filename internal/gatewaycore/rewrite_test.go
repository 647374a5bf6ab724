package gatewaycore

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/tidwall/gjson"
)

func TestRewriteRequestBody_Idempotent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		opts RewriteOptions
		body []byte
	}{
		{
			name: "responses path with string input",
			opts: RewriteOptions{Path: "/v1/responses", OverrideModel: "gpt-5", OverrideReasoning: "max"},
			body: []byte(`{"model":"gpt-4","input":"hello there"}`),
		},
		{
			name: "chat completions with streaming usage",
			opts: RewriteOptions{Path: "/v1/chat/completions", Stream: true},
			body: []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`),
		},
		{
			name: "responses path object input, no overrides",
			opts: RewriteOptions{Path: "/v1/responses"},
			body: []byte(`{"input":{"type":"message","role":"user","content":[]}}`),
		},
		{
			name: "non-JSON body is left untouched",
			opts: RewriteOptions{Path: "/v1/responses", OverrideModel: "gpt-5"},
			body: []byte("not json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			once, err := RewriteRequestBody(tc.opts, tc.body)
			if err != nil {
				t.Fatalf("first rewrite: %v", err)
			}
			twice, err := RewriteRequestBody(tc.opts, once)
			if err != nil {
				t.Fatalf("second rewrite: %v", err)
			}
			if !bytes.Equal(once, twice) {
				t.Fatalf("rewrite is not idempotent:\nonce:  %s\ntwice: %s", once, twice)
			}
		})
	}
}

func TestRewriteRequestBody_ResponsesWrapsStringInput(t *testing.T) {
	t.Parallel()

	out, err := RewriteRequestBody(RewriteOptions{Path: "/v1/responses"}, []byte(`{"input":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	input := gjson.GetBytes(out, "input")
	if !input.IsArray() {
		t.Fatalf("input = %s, want an array", input.Raw)
	}
	if got := gjson.GetBytes(out, "input.0.content.0.text").String(); got != "hello" {
		t.Fatalf("wrapped text = %q, want %q", got, "hello")
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Fatal("expected stream=true for /v1/responses")
	}
	if gjson.GetBytes(out, "store").Bool() {
		t.Fatal("expected store=false for /v1/responses")
	}
}

func TestRewriteRequestBody_NormalizesReasoningEffortAliases(t *testing.T) {
	t.Parallel()

	for _, alias := range []string{"xhigh", "extra-high", "x_high", "maximum", "max"} {
		out, err := RewriteRequestBody(RewriteOptions{Path: "/v1/responses", OverrideReasoning: alias}, []byte(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		if got := gjson.GetBytes(out, "reasoning.effort").String(); got != "xhigh" {
			t.Errorf("alias %q normalized to %q, want xhigh", alias, got)
		}
	}
}

func TestFilterOutboundHeaders_DropsAlwaysDroppedAndProviderHeaders(t *testing.T) {
	t.Parallel()

	in := http.Header{
		"Authorization":   {"Bearer x"},
		"X-Api-Key":       {"k"},
		"Host":            {"example.com"},
		"Content-Length":  {"10"},
		"Anthropic-Beta":  {"v1"},
		"X-Stainless-Arch": {"x64"},
		"Content-Type":    {"application/json"},
	}
	out := FilterOutboundHeaders(in, false)
	for _, dropped := range []string{"Authorization", "X-Api-Key", "Host", "Content-Length", "Anthropic-Beta", "X-Stainless-Arch"} {
		if out.Get(dropped) != "" {
			t.Errorf("expected %s to be dropped", dropped)
		}
	}
	if out.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to survive")
	}
}

func TestFilterOutboundHeaders_StripsSessionAffinityOnlyWhenRequested(t *testing.T) {
	t.Parallel()

	in := http.Header{"Session_id": {"s1"}, "Conversation_id": {"c1"}}

	kept := FilterOutboundHeaders(in, false)
	if kept.Get("Session_id") == "" || kept.Get("Conversation_id") == "" {
		t.Error("expected session-affinity headers kept when stripSessionAffinity=false")
	}

	stripped := FilterOutboundHeaders(in, true)
	if stripped.Get("Session_id") != "" || stripped.Get("Conversation_id") != "" {
		t.Error("expected session-affinity headers stripped when stripSessionAffinity=true")
	}
}

func TestStripSessionAffinityFromBody(t *testing.T) {
	t.Parallel()

	out, err := StripSessionAffinityFromBody([]byte(`{"encrypted_content":"abc","model":"gpt-5"}`))
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "encrypted_content").Exists() {
		t.Fatal("expected encrypted_content to be removed")
	}
	if gjson.GetBytes(out, "model").String() != "gpt-5" {
		t.Fatal("expected other fields to survive")
	}
}

func TestRewriteUpstreamPath_StripsV1ForCodexBackend(t *testing.T) {
	t.Parallel()

	upstream, alt := RewriteUpstreamPath("https://chatgpt.com/backend-api/codex", "/v1/responses")
	if upstream != "/responses" {
		t.Fatalf("upstream = %q, want /responses", upstream)
	}
	if alt != "/v1/responses" {
		t.Fatalf("alternate = %q, want /v1/responses", alt)
	}
}

func TestRewriteUpstreamPath_NonCodexBaseIsUnchanged(t *testing.T) {
	t.Parallel()

	upstream, alt := RewriteUpstreamPath("https://api.openai.com", "/v1/responses")
	if upstream != "/v1/responses" {
		t.Fatalf("upstream = %q, want unchanged", upstream)
	}
	if alt != "" {
		t.Fatalf("alternate = %q, want empty", alt)
	}
}
