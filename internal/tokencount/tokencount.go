// Package tokencount provides token estimation for the gateway's internal
// accounting and an exact BPE count for the client-visible /v1/count_tokens
// operation.
package tokencount

import "github.com/tidwall/gjson"

// Counter estimates token counts for requests and text using a
// character-based heuristic (~4 chars per token for English). Sufficient
// for internal accounting where RequestTokenStat's real numbers come from
// the upstream usage payload; not used for /v1/count_tokens, which needs an
// exact count (see ExactCounter).
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateAnthropicRequest estimates the total token count of an Anthropic
// Messages request body: system prompt plus each message's flattened text
// content, with a small per-message overhead for role/formatting.
func (c *Counter) EstimateAnthropicRequest(body []byte) int {
	total := 0
	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		total += estimateTokens(flattenText(sys))
	}
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		total += 4
		total += estimateTokens(msg.Get("role").String())
		total += estimateTokens(flattenText(msg.Get("content")))
	}
	total += 3 // every reply is primed with a few framing tokens
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// flattenText collects text out of either a plain string or an Anthropic
// content-block array, matching the shape system/message content can take.
func flattenText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	out := ""
	for _, block := range v.Array() {
		if block.Get("type").String() == "text" {
			out += block.Get("text").String()
		}
	}
	return out
}

// estimateTokens uses a ~4 characters per token heuristic, a reasonable
// approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
