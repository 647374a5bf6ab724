// Package adapter is the C8 protocol adapter: it translates between the
// Anthropic Messages dialect a client speaks and the OpenAI Responses
// dialect the upstream speaks, in both the request and response direction,
// including the response's SSE event stream.
package adapter

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TranslateRequest converts an Anthropic Messages request body into an
// OpenAI Responses-shaped payload. The body's metadata.user_id, when
// present, is preserved at metadata.user_id so the prompt-cache key can
// key off it.
func TranslateRequest(anthropicBody []byte) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	if model := gjson.GetBytes(anthropicBody, "model"); model.Exists() {
		if out, err = sjson.SetBytes(out, "model", model.String()); err != nil {
			return nil, err
		}
	}

	if system := gjson.GetBytes(anthropicBody, "system"); system.Exists() {
		if out, err = sjson.SetBytes(out, "instructions", systemText(system)); err != nil {
			return nil, err
		}
	}

	var input []any
	for _, m := range gjson.GetBytes(anthropicBody, "messages").Array() {
		items := translateMessage(m)
		input = append(input, items...)
	}
	if out, err = sjson.SetBytes(out, "input", input); err != nil {
		return nil, err
	}

	if userID := gjson.GetBytes(anthropicBody, "metadata.user_id"); userID.Exists() {
		if out, err = sjson.SetBytes(out, "metadata.user_id", userID.String()); err != nil {
			return nil, err
		}
	}

	if maxTokens := gjson.GetBytes(anthropicBody, "max_tokens"); maxTokens.Exists() {
		if out, err = sjson.SetBytes(out, "max_output_tokens", maxTokens.Int()); err != nil {
			return nil, err
		}
	}

	if out, err = sjson.SetBytes(out, "stream", true); err != nil {
		return nil, err
	}

	return out, nil
}

// systemText flattens an Anthropic `system` field, which may be a plain
// string or an array of text blocks, into a single instructions string.
func systemText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var sb []byte
	for i, block := range v.Array() {
		if i > 0 {
			sb = append(sb, '\n')
		}
		sb = append(sb, block.Get("text").String()...)
	}
	return string(sb)
}

// translateMessage converts one Anthropic message into zero or more
// Responses `input` items. User/assistant text becomes a `message` item;
// an assistant `tool_use` block becomes a `function_call` item; a user
// `tool_result` block becomes a `function_call_output` item.
func translateMessage(m gjson.Result) []any {
	role := m.Get("role").String()
	content := m.Get("content")

	if content.Type == gjson.String {
		return []any{messageItem(role, content.String())}
	}

	var items []any
	var textParts []string
	flushText := func() {
		if len(textParts) == 0 {
			return
		}
		joined := ""
		for i, t := range textParts {
			if i > 0 {
				joined += "\n"
			}
			joined += t
		}
		items = append(items, messageItem(role, joined))
		textParts = nil
	}

	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "tool_use":
			flushText()
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   block.Get("id").String(),
				"name":      block.Get("name").String(),
				"arguments": block.Get("input").Raw,
			})
		case "tool_result":
			flushText()
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": block.Get("tool_use_id").String(),
				"output":  toolResultText(block),
			})
		}
	}
	flushText()
	return items
}

func toolResultText(block gjson.Result) string {
	c := block.Get("content")
	if c.Type == gjson.String {
		return c.String()
	}
	var out string
	for i, b := range c.Array() {
		if i > 0 {
			out += "\n"
		}
		out += b.Get("text").String()
	}
	return out
}

// messageItem builds a Responses `message` input item with a single
// content part, using `input_text` for user/system content and
// `output_text` for assistant content.
func messageItem(role, text string) map[string]any {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "output_text"
	}
	return map[string]any{
		"type": "message",
		"role": role,
		"content": []any{
			map[string]any{"type": contentType, "text": text},
		},
	}
}
