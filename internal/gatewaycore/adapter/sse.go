package adapter

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Frame is one Anthropic SSE frame: `event: <Event>\ndata: <Data>\n\n`.
type Frame struct {
	Event string
	Data  []byte
}

// StreamState is the C8 SSE translator: a small interpreter, not a
// transform pipeline. It buffers per-frame `data:` lines (done by the
// caller, see gatewaycore.ReadFrame) then dispatches on the upstream event's `type`
// field, accumulating all output text in one string so the
// "concatenation equals upstream text" invariant holds by construction.
type StreamState struct {
	started      bool
	id           string
	textOpen     bool
	toolOpen     bool
	blockIndex   int
	textAccum    strings.Builder
	sawTextDelta bool
	toolEmitted  bool
	usage        Usage
}

// NewStreamState returns a fresh translator for one client request.
func NewStreamState() *StreamState { return &StreamState{} }

// Text returns the full accumulated assistant text seen so far, used by the
// round-trip property test.
func (s *StreamState) Text() string { return s.textAccum.String() }

// Usage returns the usage totals merged from the opening
// response.created/response.in_progress event and from response.completed,
// or a zero Usage if neither event carried usage.
func (s *StreamState) Usage() Usage { return s.usage }

// HandleEvent dispatches one upstream SSE event (its `type` field and raw
// JSON data) and returns zero or more Anthropic frames to forward.
func (s *StreamState) HandleEvent(eventType string, data []byte) []Frame {
	switch eventType {
	case "response.created", "response.in_progress":
		return s.ensureStarted(data)
	case "response.output_text.delta":
		return s.onTextDelta(data)
	case "response.output_item.done":
		return s.onOutputItemDone(data)
	case "response.completed":
		return s.onCompleted(data)
	default:
		// ping, response.output_item.added, content_part events, etc. carry
		// no client-visible state in the minimal translation set.
		return nil
	}
}

func (s *StreamState) ensureStarted(data []byte) []Frame {
	if s.started {
		return nil
	}
	s.started = true
	if id := gjson.GetBytes(data, "response.id").String(); id != "" {
		s.id = id
	} else {
		s.id = gjson.GetBytes(data, "id").String()
	}
	mergeUsage(&s.usage, gjson.GetBytes(data, "response.usage"))

	payload := frameJSON(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":   s.id,
			"type": "message",
			"role": "assistant",
			"usage": map[string]any{
				"input_tokens": s.usage.InputTokens,
			},
		},
	})
	return []Frame{{Event: "message_start", Data: payload}}
}

func (s *StreamState) onTextDelta(data []byte) []Frame {
	var frames []Frame
	if !s.started {
		frames = append(frames, s.ensureStarted(data)...)
	}
	delta := gjson.GetBytes(data, "delta").String()
	if delta == "" {
		return frames
	}
	s.sawTextDelta = true
	if !s.textOpen {
		s.textOpen = true
		frames = append(frames, Frame{Event: "content_block_start", Data: frameJSON(map[string]any{
			"type":  "content_block_start",
			"index": s.blockIndex,
			"content_block": map[string]any{
				"type": "text",
				"text": "",
			},
		})})
	}
	s.textAccum.WriteString(delta)
	frames = append(frames, Frame{Event: "content_block_delta", Data: frameJSON(map[string]any{
		"type":  "content_block_delta",
		"index": s.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": delta},
	})})
	return frames
}

func (s *StreamState) onOutputItemDone(data []byte) []Frame {
	item := gjson.GetBytes(data, "item")
	if item.Get("type").String() != "function_call" {
		return nil
	}
	var frames []Frame
	frames = append(frames, s.closeTextBlock()...)

	s.blockIndex++
	s.toolOpen = true
	s.toolEmitted = true
	args := item.Get("arguments").String()

	frames = append(frames, Frame{Event: "content_block_start", Data: frameJSON(map[string]any{
		"type":  "content_block_start",
		"index": s.blockIndex,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    item.Get("call_id").String(),
			"name":  item.Get("name").String(),
			"input": map[string]any{},
		},
	})})
	frames = append(frames, Frame{Event: "content_block_delta", Data: frameJSON(map[string]any{
		"type":  "content_block_delta",
		"index": s.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
	})})
	frames = append(frames, Frame{Event: "content_block_stop", Data: frameJSON(map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})})
	s.toolOpen = false
	return frames
}

func (s *StreamState) closeTextBlock() []Frame {
	if !s.textOpen {
		return nil
	}
	s.textOpen = false
	return []Frame{{Event: "content_block_stop", Data: frameJSON(map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})}}
}

func (s *StreamState) onCompleted(data []byte) []Frame {
	var frames []Frame
	mergeUsage(&s.usage, gjson.GetBytes(data, "response.usage"))

	// If output text was present only in the final snapshot (no deltas were
	// seen), emit it now as a single final delta.
	if !s.sawTextDelta {
		finalText := finalSnapshotText(data)
		if finalText != "" {
			if !s.textOpen {
				s.textOpen = true
				frames = append(frames, Frame{Event: "content_block_start", Data: frameJSON(map[string]any{
					"type":  "content_block_start",
					"index": s.blockIndex,
					"content_block": map[string]any{
						"type": "text",
						"text": "",
					},
				})})
			}
			s.textAccum.WriteString(finalText)
			frames = append(frames, Frame{Event: "content_block_delta", Data: frameJSON(map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": finalText},
			})})
		}
	}

	frames = append(frames, s.closeTextBlock()...)

	stopReason := "end_turn"
	if s.toolEmitted {
		stopReason = "tool_use"
	}
	frames = append(frames, Frame{Event: "message_delta", Data: frameJSON(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": map[string]any{"output_tokens": s.usage.OutputTokens},
	})})
	frames = append(frames, Frame{Event: "message_stop", Data: frameJSON(map[string]any{
		"type": "message_stop",
	})})
	return frames
}

// finalSnapshotText walks response.output for the final completed-event
// snapshot, matching the same shapes TranslateResponse collects.
func finalSnapshotText(data []byte) string {
	var parts []string
	for _, item := range gjson.GetBytes(data, "response.output").Array() {
		if item.Get("type").String() != "message" {
			continue
		}
		for _, part := range item.Get("content").Array() {
			if t := part.Get("type").String(); t == "output_text" || t == "text" {
				parts = append(parts, part.Get("text").String())
			}
		}
	}
	return joinLines(parts)
}

func frameJSON(v map[string]any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
