package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// runAzurePipeline sends one request straight to an Azure OpenAI deployment,
// bypassing the account pool and candidate loop entirely: an Azure platform
// key names its own upstream and carries its own api-key, so there's no
// failover set to select from and no session/cooldown state to track.
func runAzurePipeline(ctx context.Context, send gatewaycore.OutboundSender, key *gatewaycore.PlatformKey, clientPath, method string, clientHeaders http.Header, body []byte, stream bool) (*http.Response, gatewaycore.ClassifiedKind, error) {
	static, err := parseStaticHeaders(key.StaticHeadersJSON)
	if err != nil {
		return nil, gatewaycore.KindTerminalFailure, err
	}

	profile := gatewaycore.BuildHeaderProfile(gatewaycore.HeaderProfileInput{
		Azure:        true,
		AzureAPIKey:  static["api-key"],
		BaseURL:      key.UpstreamBaseURL,
		Stream:       stream,
	})

	build := func(url string) gatewaycore.AttemptSpec {
		h := gatewaycore.FilterOutboundHeaders(clientHeaders, true)
		for k, v := range static {
			if k == "api-key" {
				continue
			}
			h.Set(k, v)
		}
		for k, v := range profile {
			h[k] = v
		}
		return gatewaycore.AttemptSpec{Method: method, URL: url, Header: h, Body: body}
	}

	url := key.UpstreamBaseURL + clientPath
	plan := gatewaycore.RetryPlan{
		Primary:       build(url),
		ClientPath:    clientPath,
		BuildStripped: build,
		BuildFallback: func() gatewaycore.AttemptSpec { return build(url) },
	}

	return gatewaycore.Run(ctx, send, plan)
}

// parseStaticHeaders decodes a platform key's StaticHeadersJSON, treating an
// empty string the same as "{}".
func parseStaticHeaders(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
