package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Every
// seed is an upsert, so re-running Bootstrap against an edited config file
// converges the database to match rather than erroring on existing rows.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, a := range cfg.Accounts {
		account := gatewaycore.Account{
			AccountID:        a.AccountID,
			Issuer:           a.Issuer,
			ChatGPTAccountID: a.ChatGPTAccountID,
			WorkspaceID:      a.WorkspaceID,
			Status:           gatewaycore.AccountActive,
			Sort:             a.Sort,
		}
		if err := store.UpsertAccount(ctx, account); err != nil {
			return err
		}

		token := gatewaycore.Token{
			AccountID:    a.AccountID,
			IDToken:      a.IDToken,
			AccessToken:  a.AccessToken,
			RefreshToken: a.RefreshToken,
			LastRefresh:  time.Now().Unix(),
		}
		if err := store.UpsertToken(ctx, token); err != nil {
			return err
		}
		slog.Info("bootstrapped account", "account_id", a.AccountID, "issuer", a.Issuer)
	}

	for _, k := range cfg.PlatformKeys {
		if k.Key == "" {
			slog.Warn("skipping platform key with no secret", "key_id", k.KeyID)
			continue
		}
		headersJSON, err := json.Marshal(k.StaticHeaders)
		if err != nil {
			return err
		}

		key := gatewaycore.PlatformKey{
			KeyID:             k.KeyID,
			KeyHash:           gatewaycore.HashKeySecret(k.Key),
			Status:            gatewaycore.KeyActive,
			ModelSlug:         k.ModelSlug,
			ReasoningEffort:   k.ReasoningEffort,
			ClientType:        gatewaycore.ClientType(k.ClientType),
			ProtocolType:      gatewaycore.ProtocolType(k.ProtocolType),
			AuthScheme:        gatewaycore.AuthScheme(k.AuthScheme),
			UpstreamBaseURL:   k.UpstreamBaseURL,
			StaticHeadersJSON: string(headersJSON),
		}
		if err := store.UpsertPlatformKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped platform key", "key_id", k.KeyID, "model_slug", k.ModelSlug)
	}

	return nil
}
