package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// GetPlatformKeyByHash looks up a platform key by the SHA-256 hash of its
// secret, the hot path hit on every inbound request.
func (s *Store) GetPlatformKeyByHash(ctx context.Context, hash string) (*gatewaycore.PlatformKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key_id, key_hash, status, model_slug, reasoning_effort, client_type,
		 protocol_type, auth_scheme, upstream_base_url, static_headers_json
		 FROM platform_keys WHERE key_hash=?`, hash,
	)
	return scanPlatformKey(row)
}

// GetPlatformKeyByID looks up a platform key by its id.
func (s *Store) GetPlatformKeyByID(ctx context.Context, keyID string) (*gatewaycore.PlatformKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key_id, key_hash, status, model_slug, reasoning_effort, client_type,
		 protocol_type, auth_scheme, upstream_base_url, static_headers_json
		 FROM platform_keys WHERE key_id=?`, keyID,
	)
	return scanPlatformKey(row)
}

// UpsertPlatformKey inserts a platform key or replaces its fields if one
// with the same id already exists, used by the bootstrap seeder.
func (s *Store) UpsertPlatformKey(ctx context.Context, k gatewaycore.PlatformKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO platform_keys (key_id, key_hash, status, model_slug, reasoning_effort,
		 client_type, protocol_type, auth_scheme, upstream_base_url, static_headers_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
		 key_hash=excluded.key_hash, status=excluded.status, model_slug=excluded.model_slug,
		 reasoning_effort=excluded.reasoning_effort, client_type=excluded.client_type,
		 protocol_type=excluded.protocol_type, auth_scheme=excluded.auth_scheme,
		 upstream_base_url=excluded.upstream_base_url, static_headers_json=excluded.static_headers_json`,
		k.KeyID, k.KeyHash, string(k.Status), k.ModelSlug, k.ReasoningEffort,
		string(k.ClientType), string(k.ProtocolType), string(k.AuthScheme),
		k.UpstreamBaseURL, k.StaticHeadersJSON,
	)
	return err
}

func scanPlatformKey(sc scanner) (*gatewaycore.PlatformKey, error) {
	var k gatewaycore.PlatformKey
	var status, clientType, protocolType, authScheme string
	err := sc.Scan(&k.KeyID, &k.KeyHash, &status, &k.ModelSlug, &k.ReasoningEffort,
		&clientType, &protocolType, &authScheme, &k.UpstreamBaseURL, &k.StaticHeadersJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gatewaycore.ErrInvalidAPIKey
		}
		return nil, err
	}
	k.Status = gatewaycore.KeyStatus(status)
	k.ClientType = gatewaycore.ClientType(clientType)
	k.ProtocolType = gatewaycore.ProtocolType(protocolType)
	k.AuthScheme = gatewaycore.AuthScheme(authScheme)
	return &k, nil
}
