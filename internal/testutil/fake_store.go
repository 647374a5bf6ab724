// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/storage"
	"github.com/codex-gateway/gateway/internal/trace"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu sync.RWMutex

	accounts   map[string]gatewaycore.Account
	tokens     map[string]gatewaycore.Token
	snapshots  map[string]gatewaycore.UsageSnapshot
	keysByID   map[string]gatewaycore.PlatformKey
	keysByHash map[string]gatewaycore.PlatformKey
	modelCache map[string]storage.ModelOptionsCache

	logs      []gatewaycore.RequestLog
	stats     []gatewaycore.RequestTokenStat
	nextLogID int64

	traceEvents []trace.Event
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts:   make(map[string]gatewaycore.Account),
		tokens:     make(map[string]gatewaycore.Token),
		snapshots:  make(map[string]gatewaycore.UsageSnapshot),
		keysByID:   make(map[string]gatewaycore.PlatformKey),
		keysByHash: make(map[string]gatewaycore.PlatformKey),
		modelCache: make(map[string]storage.ModelOptionsCache),
	}
}

// AddAccount seeds an account directly, bypassing UpsertAccount.
func (s *FakeStore) AddAccount(a gatewaycore.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.AccountID] = a
}

// AddToken seeds a token directly, bypassing UpsertToken.
func (s *FakeStore) AddToken(t gatewaycore.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.AccountID] = t
}

// AddPlatformKey seeds a platform key, indexed by both id and hash.
func (s *FakeStore) AddPlatformKey(k gatewaycore.PlatformKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysByID[k.KeyID] = k
	s.keysByHash[k.KeyHash] = k
}

// --- gatewaycore.AccountStore / gatewaycore.TokenStore ---

func (s *FakeStore) ListAccounts(context.Context) ([]gatewaycore.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gatewaycore.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *FakeStore) ListTokens(context.Context) ([]gatewaycore.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gatewaycore.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (s *FakeStore) LatestUsageSnapshots(context.Context) (map[string]gatewaycore.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]gatewaycore.UsageSnapshot, len(s.snapshots))
	for k, v := range s.snapshots {
		out[k] = v
	}
	return out, nil
}

func (s *FakeStore) GetToken(_ context.Context, accountID string) (*gatewaycore.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[accountID]
	if !ok {
		return nil, gatewaycore.ErrMissingConfig
	}
	return &t, nil
}

func (s *FakeStore) SaveExchangedToken(_ context.Context, accountID, apiKeyAccessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tokens[accountID]
	t.APIKeyAccessToken = apiKeyAccessToken
	s.tokens[accountID] = t
	return nil
}

func (s *FakeStore) SaveRefreshedIDToken(_ context.Context, accountID, idToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tokens[accountID]
	t.IDToken = idToken
	s.tokens[accountID] = t
	return nil
}

func (s *FakeStore) GetAccount(_ context.Context, accountID string) (*gatewaycore.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, gatewaycore.ErrMissingConfig
	}
	return &a, nil
}

func (s *FakeStore) UpdateAccountStatus(_ context.Context, accountID string, status gatewaycore.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return gatewaycore.ErrMissingConfig
	}
	a.Status = status
	s.accounts[accountID] = a
	return nil
}

func (s *FakeStore) SaveUsageSnapshot(_ context.Context, snap gatewaycore.UsageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.AccountID] = snap
	return nil
}

func (s *FakeStore) ListTokensDueForRefresh(_ context.Context, before time.Time) ([]gatewaycore.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gatewaycore.Token
	for _, t := range s.tokens {
		if time.Unix(t.ScheduledRefreshAt, 0).Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *FakeStore) UpsertAccount(_ context.Context, account gatewaycore.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.AccountID] = account
	return nil
}

func (s *FakeStore) UpsertToken(_ context.Context, token gatewaycore.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.AccountID] = token
	return nil
}

// --- storage.PlatformKeyStore ---

func (s *FakeStore) GetPlatformKeyByHash(_ context.Context, hash string) (*gatewaycore.PlatformKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keysByHash[hash]
	if !ok {
		return nil, gatewaycore.ErrInvalidAPIKey
	}
	return &k, nil
}

func (s *FakeStore) GetPlatformKeyByID(_ context.Context, keyID string) (*gatewaycore.PlatformKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keysByID[keyID]
	if !ok {
		return nil, gatewaycore.ErrInvalidAPIKey
	}
	return &k, nil
}

func (s *FakeStore) UpsertPlatformKey(_ context.Context, key gatewaycore.PlatformKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysByID[key.KeyID] = key
	s.keysByHash[key.KeyHash] = key
	return nil
}

// --- storage.ModelCacheStore ---

func (s *FakeStore) GetModelOptionsCache(_ context.Context, cacheKey string) (*storage.ModelOptionsCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.modelCache[cacheKey]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *FakeStore) UpsertModelOptionsCache(_ context.Context, cache storage.ModelOptionsCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelCache[cache.CacheKey] = cache
	return nil
}

// --- storage.RequestLogStore / trace.Store ---

func (s *FakeStore) InsertRequestLog(_ context.Context, log gatewaycore.RequestLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	log.ID = s.nextLogID
	s.logs = append(s.logs, log)
	return log.ID, nil
}

func (s *FakeStore) InsertRequestTokenStat(_ context.Context, stat gatewaycore.RequestTokenStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stat)
	return nil
}

func (s *FakeStore) InsertTraceEvents(_ context.Context, events []trace.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traceEvents = append(s.traceEvents, events...)
	return nil
}

// Logs returns a copy of the RequestLog rows recorded so far, for
// assertions in tests.
func (s *FakeStore) Logs() []gatewaycore.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gatewaycore.RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// Stats returns a copy of the RequestTokenStat rows recorded so far, for
// assertions in tests.
func (s *FakeStore) Stats() []gatewaycore.RequestTokenStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gatewaycore.RequestTokenStat, len(s.stats))
	copy(out, s.stats)
	return out
}

func (s *FakeStore) Close() error { return nil }
