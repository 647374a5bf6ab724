package gatewaycore

import (
	"io"
	"net/http"

	"github.com/codex-gateway/gateway/internal/gatewaycore/adapter"
)

// hopByHopResponseHeaders are never copied back to the client.
var hopByHopResponseHeaders = map[string]bool{
	"transfer-encoding": true,
	"content-length":    true,
	"connection":        true,
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for k, v := range src {
		if hopByHopResponseHeaders[lowerHeader(k)] {
			continue
		}
		dst[k] = v
	}
}

func lowerHeader(k string) string {
	b := []byte(k)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// EmitPassthroughJSON implements the passthrough-JSON emission mode: read the
// full upstream body, extract usage, forward with headers copied minus
// the hop-by-hop set.
func EmitPassthroughJSON(w http.ResponseWriter, resp *http.Response) (adapter.Usage, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapter.Usage{}, err
	}
	usage := adapter.ExtractUsage(body)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(body)
	return usage, err
}

// EmitPassthroughSSE implements the passthrough-SSE emission mode: stream
// frame-by-frame, parsing usage incrementally from each frame and
// forwarding it verbatim.
func EmitPassthroughSSE(w http.ResponseWriter, resp *http.Response) (adapter.Usage, error) {
	defer resp.Body.Close()
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var usage adapter.Usage
	sc := NewFrameScanner(resp.Body)
	for {
		frame, ok := ReadFrame(sc)
		if !ok {
			break
		}
		if string(frame.Data) != "[DONE]" {
			mergeUsageInto(&usage, frame.Data)
		}
		if _, err := w.Write(frame.Raw); err != nil {
			return usage, err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return usage, sc.Err()
}

func mergeUsageInto(u *adapter.Usage, data []byte) {
	extracted := adapter.ExtractUsage(data)
	if extracted.InputTokens != 0 {
		u.InputTokens = extracted.InputTokens
	}
	if extracted.OutputTokens != 0 {
		u.OutputTokens = extracted.OutputTokens
	}
	if extracted.TotalTokens != 0 {
		u.TotalTokens = extracted.TotalTokens
	}
	if extracted.CachedTokens != 0 {
		u.CachedTokens = extracted.CachedTokens
	}
	if extracted.ReasoningTokens != 0 {
		u.ReasoningTokens = extracted.ReasoningTokens
	}
}

// EmitAnthropicSSE implements the Anthropic-SSE-translator emission mode: the
// upstream OpenAI Responses stream is consumed frame-by-frame and fed into
// state, whose emitted Anthropic frames are written to the client as they
// are produced. Usage is finalized on [DONE] / response.completed.
func EmitAnthropicSSE(w http.ResponseWriter, resp *http.Response, state *adapter.StreamState) (adapter.Usage, error) {
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	sc := NewFrameScanner(resp.Body)
	for {
		frame, ok := ReadFrame(sc)
		if !ok {
			break
		}
		if string(frame.Data) == "[DONE]" {
			break
		}
		if frame.Event == "" || len(frame.Data) == 0 {
			continue
		}
		for _, out := range state.HandleEvent(frame.Event, frame.Data) {
			if err := writeFrame(w, out); err != nil {
				return adapter.Usage{}, err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	return state.Usage(), sc.Err()
}

func writeFrame(w http.ResponseWriter, f adapter.Frame) error {
	if _, err := w.Write([]byte("event: " + f.Event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(f.Data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
