package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// bodyPool reuses buffers for request body reads, avoiding a per-request
// allocation from io.ReadAll.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// jsonCT and plainCT are pre-allocated header value slices. Direct map
// assignment avoids the []string{v} alloc that Header.Set creates.
var (
	jsonCT  = []string{"application/json"}
	plainCT = []string{"text/plain"}
)

// readRequestBody reads r.Body via bodyPool, bounded by maxBytes. Writes a
// 413 and returns false when the body exceeds the limit, 400 on any other
// read error.
func readRequestBody(w http.ResponseWriter, r *http.Request, maxBytes int64, anthropic bool) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	_, err := buf.ReadFrom(r.Body)
	if err != nil {
		bodyPool.Put(buf)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, anthropic, gatewaycore.ErrBodyTooLarge)
		} else if anthropic {
			writeJSON(w, http.StatusBadRequest, newAnthropicError("invalid request body"))
		} else {
			writeText(w, http.StatusBadRequest, "invalid request body")
		}
		return nil, false
	}
	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	bodyPool.Put(buf)
	return body, true
}

// anthropicError is the error envelope Anthropic-dialect callers expect.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAnthropicError(msg string) anthropicError {
	var e anthropicError
	e.Type = "error"
	e.Error.Type = "api_error"
	e.Error.Message = msg
	return e
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeText writes a plain-text error body, the OpenAI-caller error shape:
// a bare status line, not a JSON envelope.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

// writeErr maps err to its HTTP status (errorStatus) and writes it in the
// shape the caller's protocol expects: JSON for Anthropic callers, plain
// text for OpenAI callers.
func writeErr(w http.ResponseWriter, anthropic bool, err error) {
	status := errorStatus(err)
	if anthropic {
		writeJSON(w, status, newAnthropicError(err.Error()))
		return
	}
	writeText(w, status, err.Error())
}

// errorStatus maps a gatewaycore sentinel error to its HTTP status. Errors
// that don't match any sentinel (an upstream transport failure with no
// candidate left, for example) default to 502.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gatewaycore.ErrMissingConfig):
		return http.StatusBadRequest
	case errors.Is(err, gatewaycore.ErrInvalidAPIKey):
		return http.StatusForbidden
	case errors.Is(err, gatewaycore.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gatewaycore.ErrNoAvailableAccount):
		return http.StatusServiceUnavailable
	case errors.Is(err, gatewaycore.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
