package sqlite

import (
	"context"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// InsertRequestLog inserts one terminal-request row and returns its
// assigned id for the companion RequestTokenStat row.
func (s *Store) InsertRequestLog(ctx context.Context, log gatewaycore.RequestLog) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs (trace_id, path, method, model, reasoning, upstream_url,
		 status, error, account_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.TraceID, log.Path, log.Method, log.Model, log.Reasoning, log.UpstreamURL,
		log.Status, log.Error, log.AccountID, log.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// InsertRequestTokenStat inserts the usage row companion to a RequestLog.
func (s *Store) InsertRequestTokenStat(ctx context.Context, stat gatewaycore.RequestTokenStat) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_token_stats (request_log_id, input_tokens, cached_tokens,
		 output_tokens, reasoning_tokens, total_tokens, estimated_cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stat.RequestLogID, stat.InputTokens, stat.CachedTokens,
		stat.OutputTokens, stat.ReasoningTokens, stat.TotalTokens, stat.EstimatedCostUSD,
	)
	return err
}
