package gatewaycore

import (
	"context"
	"sort"
	"time"

	"github.com/maypok86/otter/v2"
)

const candidateCacheTTL = 500 * time.Millisecond

// AccountStore is the storage slice the candidate selector needs.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	ListTokens(ctx context.Context) ([]Token, error)
	LatestUsageSnapshots(ctx context.Context) (map[string]UsageSnapshot, error)
}

// CandidateSelector is the C4 candidate selector: it materializes a ranked
// list of (account, token) pairs, memoized for candidateCacheTTL to amortize
// cost under bursts. The cache key is the store's identity (DSN), mirroring
// an upstream router caching a model's resolved targets rather than
// keying per-request.
type CandidateSelector struct {
	store     AccountStore
	storeKey  string
	cache     *otter.Cache[string, []Candidate]
}

// NewCandidateSelector returns a selector backed by store. storeKey
// identifies the storage collaborator (e.g. its DSN) and is the sole cache
// key, since the candidate list does not vary per request.
func NewCandidateSelector(store AccountStore, storeKey string) *CandidateSelector {
	cache := otter.Must(&otter.Options[string, []Candidate]{
		MaximumSize:      1,
		ExpiryCalculator: otter.ExpiryWriting[string, []Candidate](candidateCacheTTL),
	})
	return &CandidateSelector{store: store, storeKey: storeKey, cache: cache}
}

// CollectCandidates returns the ranked (account, token) candidate list,
// serving from cache within candidateCacheTTL.
func (s *CandidateSelector) CollectCandidates(ctx context.Context) ([]Candidate, error) {
	if cached, ok := s.cache.GetIfPresent(s.storeKey); ok {
		return cached, nil
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := s.store.ListTokens(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := s.store.LatestUsageSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	tokenByAccount := make(map[string]Token, len(tokens))
	for _, t := range tokens {
		tokenByAccount[t.AccountID] = t
	}

	var active, fallback []Candidate
	for _, a := range accounts {
		tok, hasToken := tokenByAccount[a.AccountID]
		if !hasToken {
			continue
		}
		snap, hasSnap := usage[a.AccountID]
		var snapPtr *UsageSnapshot
		if hasSnap {
			snapPtr = &snap
		}
		if a.Status == AccountActive && snapPtr.IsAvailable() {
			active = append(active, Candidate{Account: a, Token: tok})
			continue
		}
		if snapPtr.FallbackAllowed() {
			fallback = append(fallback, Candidate{Account: a, Token: tok})
		}
	}

	result := active
	if len(result) == 0 {
		result = fallback
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Account.Sort != result[j].Account.Sort {
			return result[i].Account.Sort < result[j].Account.Sort
		}
		return result[i].Account.AccountID < result[j].Account.AccountID
	})

	s.cache.Set(s.storeKey, result)
	return result, nil
}
