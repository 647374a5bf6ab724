package adapter

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Usage is the merged token accounting extracted from an upstream Responses
// payload, surfaced to C12 regardless of adaptation mode.
type Usage struct {
	InputTokens     int
	CachedTokens    int
	OutputTokens    int
	ReasoningTokens int
	TotalTokens     int
}

// ExtractUsage extracts token usage from a Responses payload: both `usage` and
// `response.usage` are merged, with `response.usage` taking precedence for
// duplicate fields.
func ExtractUsage(body []byte) Usage {
	var u Usage
	mergeUsage(&u, gjson.GetBytes(body, "usage"))
	mergeUsage(&u, gjson.GetBytes(body, "response.usage"))
	return u
}

func mergeUsage(u *Usage, v gjson.Result) {
	if !v.Exists() {
		return
	}
	if in := v.Get("input_tokens"); in.Exists() {
		u.InputTokens = int(in.Int())
	}
	if out := v.Get("output_tokens"); out.Exists() {
		u.OutputTokens = int(out.Int())
	}
	if tot := v.Get("total_tokens"); tot.Exists() {
		u.TotalTokens = int(tot.Int())
	}
	if c := v.Get("input_tokens_details.cached_tokens"); c.Exists() {
		u.CachedTokens = int(c.Int())
	} else if c := v.Get("prompt_tokens_details.cached_tokens"); c.Exists() {
		u.CachedTokens = int(c.Int())
	}
	if r := v.Get("output_tokens_details.reasoning_tokens"); r.Exists() {
		u.ReasoningTokens = int(r.Int())
	} else if r := v.Get("completion_tokens_details.reasoning_tokens"); r.Exists() {
		u.ReasoningTokens = int(r.Int())
	}
}

// TranslateResponse converts a non-streaming Responses payload into an
// Anthropic Messages response (the non-stream response direction): output
// text is collected by walking response.output[*].content[*].text and
// similar shapes.
func TranslateResponse(body []byte) ([]byte, Usage, error) {
	usage := ExtractUsage(body)

	var textParts []string
	var toolUse []map[string]any
	for _, item := range gjson.GetBytes(body, "response.output").Array() {
		switch item.Get("type").String() {
		case "message":
			for _, part := range item.Get("content").Array() {
				if t := part.Get("type").String(); t == "output_text" || t == "text" {
					textParts = append(textParts, part.Get("text").String())
				}
			}
		case "function_call":
			toolUse = append(toolUse, map[string]any{
				"type":  "tool_use",
				"id":    item.Get("call_id").String(),
				"name":  item.Get("name").String(),
				"input": gjson.Parse(item.Get("arguments").String()).Value(),
			})
		}
	}
	if len(textParts) == 0 {
		if t := gjson.GetBytes(body, "response.output_text"); t.Exists() {
			textParts = append(textParts, t.String())
		}
	}

	var content []any
	text := joinLines(textParts)
	if text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, tu := range toolUse {
		content = append(content, tu)
	}

	stopReason := "end_turn"
	if len(toolUse) > 0 {
		stopReason = "tool_use"
	}

	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "type", "message"); err != nil {
		return nil, usage, err
	}
	if out, err = sjson.SetBytes(out, "role", "assistant"); err != nil {
		return nil, usage, err
	}
	if out, err = sjson.SetBytes(out, "content", content); err != nil {
		return nil, usage, err
	}
	if out, err = sjson.SetBytes(out, "stop_reason", stopReason); err != nil {
		return nil, usage, err
	}
	out, err = sjson.SetBytes(out, "usage", map[string]any{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	})
	if err != nil {
		return nil, usage, err
	}
	return out, usage, nil
}

func joinLines(parts []string) string {
	out := ""
	for _, p := range parts {
		out += p
	}
	return out
}
