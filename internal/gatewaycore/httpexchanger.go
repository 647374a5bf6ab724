package gatewaycore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	tokenExchangeGrantType = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenExchangeRequested = "openai-api-key"
	tokenExchangeTokenType = "urn:ietf:params:oauth:token-type:id_token"
	defaultExchangeTimeout = 30 * time.Second
)

// HTTPTokenExchanger is the default TokenExchanger: it calls the account's
// issuer token endpoint directly, the same token-exchange and
// refresh-token grants the client itself uses to mint api_key_access_token
// and id_token values.
type HTTPTokenExchanger struct {
	client   *http.Client
	issuer   string
	clientID string
}

// NewHTTPTokenExchanger returns an exchanger against issuer's /oauth/token
// endpoint. client, if nil, defaults to an http.Client with a 30s timeout.
func NewHTTPTokenExchanger(client *http.Client, issuer, clientID string) *HTTPTokenExchanger {
	if client == nil {
		client = &http.Client{Timeout: defaultExchangeTimeout}
	}
	return &HTTPTokenExchanger{client: client, issuer: strings.TrimRight(issuer, "/"), clientID: clientID}
}

// Exchange implements TokenExchanger, turning an id_token into an
// api_key_access_token via the token-exchange grant.
func (e *HTTPTokenExchanger) Exchange(ctx context.Context, accountID, idToken string) (string, error) {
	form := url.Values{
		"grant_type":         {tokenExchangeGrantType},
		"client_id":          {e.clientID},
		"requested_token":    {tokenExchangeRequested},
		"subject_token":      {idToken},
		"subject_token_type": {tokenExchangeTokenType},
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := e.post(ctx, form, &out); err != nil {
		return "", fmt.Errorf("exchange account %s: %w", accountID, err)
	}
	return out.AccessToken, nil
}

// Refresh implements TokenExchanger, turning a refresh_token into a fresh
// id_token via the standard OAuth2 refresh_token grant.
func (e *HTTPTokenExchanger) Refresh(ctx context.Context, accountID, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {e.clientID},
		"refresh_token": {refreshToken},
	}
	var out struct {
		IDToken string `json:"id_token"`
	}
	if err := e.post(ctx, form, &out); err != nil {
		return "", fmt.Errorf("refresh account %s: %w", accountID, err)
	}
	return out.IDToken, nil
}

func (e *HTTPTokenExchanger) post(ctx context.Context, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.issuer+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
