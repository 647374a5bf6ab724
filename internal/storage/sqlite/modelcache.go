package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/codex-gateway/gateway/internal/storage"
)

// GetModelOptionsCache returns the cached /v1/models response body for
// cacheKey, or nil if no entry exists.
func (s *Store) GetModelOptionsCache(ctx context.Context, cacheKey string) (*storage.ModelOptionsCache, error) {
	var body string
	var capturedAt int64
	err := s.read.QueryRowContext(ctx,
		`SELECT body_json, captured_at FROM model_options_cache WHERE cache_key=?`, cacheKey,
	).Scan(&body, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.ModelOptionsCache{
		CacheKey:   cacheKey,
		Body:       []byte(body),
		CapturedAt: time.Unix(capturedAt, 0).UTC(),
	}, nil
}

// UpsertModelOptionsCache replaces the cached /v1/models response for
// cache.CacheKey.
func (s *Store) UpsertModelOptionsCache(ctx context.Context, cache storage.ModelOptionsCache) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_options_cache (cache_key, body_json, captured_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		 body_json=excluded.body_json, captured_at=excluded.captured_at`,
		cache.CacheKey, string(cache.Body), cache.CapturedAt.Unix(),
	)
	return err
}
