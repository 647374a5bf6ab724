package adapter

import (
	"strings"
	"testing"
)

func TestStreamState_TextAccumulatesAcrossDeltas(t *testing.T) {
	t.Parallel()

	s := NewStreamState()
	s.HandleEvent("response.created", []byte(`{"response":{"id":"resp_1"}}`))
	s.HandleEvent("response.output_text.delta", []byte(`{"delta":"Hel"}`))
	s.HandleEvent("response.output_text.delta", []byte(`{"delta":"lo, "}`))
	s.HandleEvent("response.output_text.delta", []byte(`{"delta":"world"}`))

	if got, want := s.Text(), "Hello, world"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestStreamState_UsageAccumulatesCreatedAndCompleted(t *testing.T) {
	t.Parallel()

	s := NewStreamState()
	s.HandleEvent("response.created", []byte(`{"response":{"id":"resp_1","usage":{"input_tokens":12}}}`))
	s.HandleEvent("response.output_text.delta", []byte(`{"delta":"hi"}`))
	s.HandleEvent("response.completed", []byte(`{"response":{"usage":{"input_tokens":12,"output_tokens":7,"total_tokens":19}}}`))

	got := s.Usage()
	want := Usage{InputTokens: 12, OutputTokens: 7, TotalTokens: 19}
	if got != want {
		t.Fatalf("Usage() = %+v, want %+v", got, want)
	}
}

func TestStreamState_UsageEqualsExtractUsageOnFinalSnapshot(t *testing.T) {
	t.Parallel()

	finalBody := []byte(`{"response":{"usage":{"input_tokens":30,"output_tokens":15,"total_tokens":45,"input_tokens_details":{"cached_tokens":5},"output_tokens_details":{"reasoning_tokens":3}}}}`)

	s := NewStreamState()
	s.HandleEvent("response.created", []byte(`{"response":{"id":"resp_1"}}`))
	s.HandleEvent("response.completed", finalBody)

	// The streamed accumulator's final usage must equal what a non-streaming
	// consumer would get by running ExtractUsage directly on the same
	// response.usage payload -- the two code paths must agree.
	want := ExtractUsage(finalBody)
	if got := s.Usage(); got != want {
		t.Fatalf("streamed Usage() = %+v, want %+v (ExtractUsage on same payload)", got, want)
	}
}

func TestStreamState_NoTextDeltaFallsBackToFinalSnapshot(t *testing.T) {
	t.Parallel()

	s := NewStreamState()
	s.HandleEvent("response.created", []byte(`{"response":{"id":"resp_1"}}`))
	frames := s.HandleEvent("response.completed", []byte(`{"response":{"output":[{"type":"message","content":[{"type":"output_text","text":"final only"}]}]}}`))

	if got, want := s.Text(), "final only"; got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}

	var sawBlockStart, sawStop bool
	for _, f := range frames {
		if f.Event == "content_block_start" {
			sawBlockStart = true
		}
		if f.Event == "message_stop" {
			sawStop = true
		}
	}
	if !sawBlockStart {
		t.Error("expected a content_block_start frame for the fallback text")
	}
	if !sawStop {
		t.Error("expected a message_stop frame")
	}
}

func TestStreamState_ToolCallEmitsToolUseBlockAndStopReason(t *testing.T) {
	t.Parallel()

	s := NewStreamState()
	s.HandleEvent("response.created", []byte(`{"response":{"id":"resp_1"}}`))
	s.HandleEvent("response.output_text.delta", []byte(`{"delta":"thinking..."}`))
	s.HandleEvent("response.output_item.done", []byte(`{"item":{"type":"function_call","call_id":"call_1","name":"lookup","arguments":"{\"q\":1}"}}`))
	frames := s.HandleEvent("response.completed", []byte(`{"response":{"usage":{}}}`))

	var stopReason string
	for _, f := range frames {
		if f.Event == "message_delta" {
			stopReason = string(f.Data)
		}
	}
	if stopReason == "" {
		t.Fatal("expected a message_delta frame")
	}
	if !strings.Contains(stopReason, `"tool_use"`) {
		t.Fatalf("message_delta = %s, want stop_reason tool_use", stopReason)
	}
}

func TestStreamState_IgnoredEventTypesProduceNoFrames(t *testing.T) {
	t.Parallel()

	s := NewStreamState()
	if frames := s.HandleEvent("response.output_item.added", []byte(`{}`)); frames != nil {
		t.Fatalf("expected no frames for an ignored event type, got %v", frames)
	}
}
