// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/trace"
)

// AccountStore manages account, token, and usage-snapshot persistence,
// implementing the gatewaycore.AccountStore and gatewaycore.TokenStore
// contracts plus the operator-facing lookups the HTTP layer needs.
type AccountStore interface {
	gatewaycore.AccountStore
	gatewaycore.TokenStore

	GetAccount(ctx context.Context, accountID string) (*gatewaycore.Account, error)
	UpdateAccountStatus(ctx context.Context, accountID string, status gatewaycore.AccountStatus) error
	SaveUsageSnapshot(ctx context.Context, snap gatewaycore.UsageSnapshot) error
	ListTokensDueForRefresh(ctx context.Context, before time.Time) ([]gatewaycore.Token, error)

	// UpsertAccount and UpsertToken back the bootstrap seeder; on every other
	// path accounts and tokens are read-only from the gateway's perspective.
	UpsertAccount(ctx context.Context, account gatewaycore.Account) error
	UpsertToken(ctx context.Context, token gatewaycore.Token) error
}

// PlatformKeyStore manages per-key gating and lookup persistence.
type PlatformKeyStore interface {
	GetPlatformKeyByHash(ctx context.Context, hash string) (*gatewaycore.PlatformKey, error)
	GetPlatformKeyByID(ctx context.Context, keyID string) (*gatewaycore.PlatformKey, error)
	UpsertPlatformKey(ctx context.Context, key gatewaycore.PlatformKey) error
}

// ModelOptionsCache is the cached body of a /v1/models upstream response,
// keyed by the profile that produced it (base URL + protocol).
type ModelOptionsCache struct {
	CacheKey   string
	Body       []byte
	CapturedAt time.Time
}

// ModelCacheStore manages the /v1/models response cache.
type ModelCacheStore interface {
	GetModelOptionsCache(ctx context.Context, cacheKey string) (*ModelOptionsCache, error)
	UpsertModelOptionsCache(ctx context.Context, cache ModelOptionsCache) error
}

// RequestLogStore manages the per-request trace/usage log persistence.
type RequestLogStore interface {
	trace.Store

	InsertRequestLog(ctx context.Context, log gatewaycore.RequestLog) (int64, error)
	InsertRequestTokenStat(ctx context.Context, stat gatewaycore.RequestTokenStat) error
}

// Store combines all storage interfaces used by the gateway binary.
type Store interface {
	AccountStore
	PlatformKeyStore
	RequestLogStore
	ModelCacheStore
	Close() error
}
