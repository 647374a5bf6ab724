package gatewaycore

import (
	"net/http"

	"github.com/google/uuid"
)

const (
	codexUserAgent    = "codex-cli"
	codexVersion      = "0.101.0"
	codexOriginator   = "codex_cli_rs"
	openAIBetaHeader  = "responses=experimental"
	openAIPublicBase  = "https://api.openai.com/v1"
)

// HeaderProfileInput is everything the C9 header builder needs to construct
// one outbound attempt's headers.
type HeaderProfileInput struct {
	BaseURL              string
	Azure                bool
	AzureAPIKey          string
	AccessToken          string // Account/Token.AccessToken
	ExchangedBearer      string // resolved by C3
	ChatGPTAccountID     string
	Stream               bool // request is to /responses or otherwise SSE-preferring
	Cookie               string
	IncomingSessionID    string // from the client's session_id header, if present and not stripped
	PromptCacheSessionID string // derived via PromptCache, used when IncomingSessionID is empty
	StripSessionAffinity bool
}

// BuildHeaderProfile builds the outbound header set for one attempt. For
// the Azure profile only the
// caller-supplied api-key header is added; bearer auth and ChatGPT headers
// are never added for Azure.
func BuildHeaderProfile(in HeaderProfileInput) http.Header {
	h := make(http.Header, 8)

	if in.Azure {
		if in.AzureAPIKey != "" {
			h.Set("api-key", in.AzureAPIKey)
		}
		return h
	}

	bearer := in.AccessToken
	if in.BaseURL == openAIPublicBase {
		bearer = in.ExchangedBearer
	}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	if in.ChatGPTAccountID != "" && !in.StripSessionAffinity {
		h.Set("ChatGPT-Account-Id", in.ChatGPTAccountID)
	}

	h.Set("User-Agent", codexUserAgent)
	h.Set("Version", codexVersion)
	h.Set("OpenAI-Beta", openAIBetaHeader)
	h.Set("Originator", codexOriginator)
	if in.Stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}

	if in.Cookie != "" {
		h.Set("Cookie", in.Cookie)
	}

	sessionID := in.IncomingSessionID
	if sessionID == "" {
		sessionID = in.PromptCacheSessionID
	}
	if sessionID == "" {
		sessionID = newFallbackSessionID()
	}
	if !in.StripSessionAffinity {
		// Stripped attempts carry no session_id at all, whatever its source.
		h.Set("session_id", sessionID)
	}

	return h
}

// newFallbackSessionID mints a fresh UUIDv4 session id, the last-resort
// source in the header profile's priority order.
var newFallbackSessionID = func() string { return uuid.NewString() }
