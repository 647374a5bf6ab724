package gatewaycore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	exchangeLockTTL     = 30 * time.Minute
	exchangeLockEvictEvery = 60 * time.Second
)

// exchangeLock is one per-account entry in the token-exchange lock table.
type exchangeLock struct {
	mu       sync.Mutex
	lastSeen time.Time
}

// TokenExchanger calls the issuer's token-exchange endpoint and its refresh
// endpoint. Implementations are expected to be simple HTTP clients; the
// cache/lock/fallback logic lives entirely in ExchangeCache.
type TokenExchanger interface {
	// Exchange turns an id_token into an api_key_access_token.
	Exchange(ctx context.Context, accountID, idToken string) (string, error)
	// Refresh turns a refresh_token into a new id_token.
	Refresh(ctx context.Context, accountID, refreshToken string) (string, error)
}

// TokenStore is the narrow storage slice ExchangeCache needs: re-reading a
// token that another goroutine may have already exchanged, and persisting a
// freshly exchanged value.
type TokenStore interface {
	GetToken(ctx context.Context, accountID string) (*Token, error)
	SaveExchangedToken(ctx context.Context, accountID, apiKeyAccessToken string) error
	SaveRefreshedIDToken(ctx context.Context, accountID, idToken string) error
}

// ExchangeCache is the C3 token-exchange cache: it serializes per-account
// id_token -> api_key exchanges and caches the result, following the same
// per-key lock-table shape as RequestGate and the ratelimit registry it is
// grounded on.
type ExchangeCache struct {
	mu    sync.Mutex
	locks map[string]*exchangeLock

	exchanger TokenExchanger
	store     TokenStore
}

// NewExchangeCache returns a token-exchange cache backed by exchanger and
// store.
func NewExchangeCache(exchanger TokenExchanger, store TokenStore) *ExchangeCache {
	return &ExchangeCache{
		locks:     make(map[string]*exchangeLock),
		exchanger: exchanger,
		store:     store,
	}
}

func (c *ExchangeCache) lockFor(accountID string, now time.Time) *exchangeLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[accountID]
	if !ok {
		l = &exchangeLock{}
		c.locks[accountID] = l
	}
	l.lastSeen = now
	return l
}

// ResolveBearer resolves the bearer token to send upstream for one
// account. It never fails the
// request solely because the exchange endpoint is down: on persistent
// exchange failure it falls back to token.AccessToken with a warning.
func (c *ExchangeCache) ResolveBearer(ctx context.Context, account Account, token Token) (string, error) {
	if token.APIKeyAccessToken != "" {
		return token.APIKeyAccessToken, nil
	}

	now := time.Now()
	lock := c.lockFor(account.AccountID, now)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	// Re-check: another goroutine may have exchanged while we waited for
	// the lock.
	if fresh, err := c.store.GetToken(ctx, account.AccountID); err == nil && fresh != nil && fresh.APIKeyAccessToken != "" {
		return fresh.APIKeyAccessToken, nil
	}

	exchanged, err := c.exchanger.Exchange(ctx, account.AccountID, token.IDToken)
	if err == nil && exchanged != "" {
		if saveErr := c.store.SaveExchangedToken(ctx, account.AccountID, exchanged); saveErr != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "token exchange cache persist failed",
				slog.String("account_id", account.AccountID),
				slog.String("error", saveErr.Error()),
			)
		}
		return exchanged, nil
	}

	if token.RefreshToken != "" {
		if newIDToken, rerr := c.exchanger.Refresh(ctx, account.AccountID, token.RefreshToken); rerr == nil && newIDToken != "" {
			_ = c.store.SaveRefreshedIDToken(ctx, account.AccountID, newIDToken)
			if exchanged, err = c.exchanger.Exchange(ctx, account.AccountID, newIDToken); err == nil && exchanged != "" {
				_ = c.store.SaveExchangedToken(ctx, account.AccountID, exchanged)
				return exchanged, nil
			}
		}
	}

	slog.LogAttrs(ctx, slog.LevelWarn, "token exchange failed, falling back to access_token",
		slog.String("account_id", account.AccountID),
	)
	if token.AccessToken == "" {
		return "", errors.New("token exchange failed and no access_token fallback available")
	}
	return token.AccessToken, nil
}

// EvictStale removes lock entries with no outstanding holders and
// now-lastSeen >= 30 min. Intended to be called every 60s by a janitor
// worker.
func (c *ExchangeCache) EvictStale(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, l := range c.locks {
		if now.Sub(l.lastSeen) < exchangeLockTTL {
			continue
		}
		if l.mu.TryLock() {
			delete(c.locks, id)
			l.mu.Unlock()
		}
	}
}
