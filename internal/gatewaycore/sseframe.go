package gatewaycore

import (
	"bufio"
	"io"
	"strings"
)

// SSEFrame is one blank-line-delimited Server-Sent Events frame.
type SSEFrame struct {
	Event string // "" if no event: line was present ("message" per the SSE spec)
	Data  []byte // concatenated data: lines, newline-joined
	Raw   []byte // the frame's original bytes, including the trailing blank line, for verbatim forwarding
}

const sseFrameBufSize = 64 * 1024

// NewFrameScanner returns a bufio.Scanner tuned for SSE line reading.
func NewFrameScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), sseFrameBufSize)
	return sc
}

// ReadFrame reads lines from sc until a blank line (the frame terminator)
// or EOF, buffering per-frame data: lines then dispatching them together.
// Returns ok=false once no more
// frames remain.
func ReadFrame(sc *bufio.Scanner) (SSEFrame, bool) {
	var frame SSEFrame
	var dataLines []string
	var raw strings.Builder
	sawLine := false

	for sc.Scan() {
		line := sc.Text()
		raw.WriteString(line)
		raw.WriteByte('\n')

		if line == "" {
			if sawLine {
				frame.Data = []byte(strings.Join(dataLines, "\n"))
				frame.Raw = []byte(raw.String())
				return frame, true
			}
			continue
		}
		sawLine = true

		switch {
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment line, ignored
		}
	}

	if sawLine {
		frame.Data = []byte(strings.Join(dataLines, "\n"))
		frame.Raw = []byte(raw.String())
		return frame, true
	}
	return SSEFrame{}, false
}
