package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// ListAccounts returns every account, ordered by sort then id to match the
// candidate selector's final tie-break.
func (s *Store) ListAccounts(ctx context.Context) ([]gatewaycore.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT account_id, issuer, chatgpt_account_id, workspace_id, status, sort
		 FROM accounts ORDER BY sort ASC, account_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gatewaycore.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetAccount retrieves a single account by id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*gatewaycore.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT account_id, issuer, chatgpt_account_id, workspace_id, status, sort
		 FROM accounts WHERE account_id=?`, accountID,
	)
	return scanAccount(row)
}

// UpsertAccount inserts an account or replaces its identity fields if one
// with the same id already exists, used by the bootstrap seeder.
func (s *Store) UpsertAccount(ctx context.Context, a gatewaycore.Account) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO accounts (account_id, issuer, chatgpt_account_id, workspace_id, status, sort)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		 issuer=excluded.issuer, chatgpt_account_id=excluded.chatgpt_account_id,
		 workspace_id=excluded.workspace_id, status=excluded.status, sort=excluded.sort`,
		a.AccountID, a.Issuer, a.ChatGPTAccountID, a.WorkspaceID, string(a.Status), a.Sort,
	)
	return err
}

// UpsertToken inserts a token row or replaces its credential fields if one
// for the same account already exists, used by the bootstrap seeder.
func (s *Store) UpsertToken(ctx context.Context, t gatewaycore.Token) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tokens (account_id, id_token, access_token, refresh_token,
		 api_key_access_token, last_refresh, scheduled_refresh_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		 id_token=excluded.id_token, access_token=excluded.access_token,
		 refresh_token=excluded.refresh_token, api_key_access_token=excluded.api_key_access_token,
		 last_refresh=excluded.last_refresh, scheduled_refresh_at=excluded.scheduled_refresh_at`,
		t.AccountID, t.IDToken, t.AccessToken, t.RefreshToken,
		t.APIKeyAccessToken, t.LastRefresh, t.ScheduledRefreshAt,
	)
	return err
}

// UpdateAccountStatus sets an account's status, idempotent for a no-op
// transition (still returns nil when the row already has the target status).
func (s *Store) UpdateAccountStatus(ctx context.Context, accountID string, status gatewaycore.AccountStatus) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET status=? WHERE account_id=?`, string(status), accountID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func scanAccount(sc scanner) (*gatewaycore.Account, error) {
	var a gatewaycore.Account
	var status string
	err := sc.Scan(&a.AccountID, &a.Issuer, &a.ChatGPTAccountID, &a.WorkspaceID, &status, &a.Sort)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gatewaycore.ErrNoAvailableAccount
		}
		return nil, err
	}
	a.Status = gatewaycore.AccountStatus(status)
	return &a, nil
}

// ListTokens returns every account's current token row.
func (s *Store) ListTokens(ctx context.Context) ([]gatewaycore.Token, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT account_id, id_token, access_token, refresh_token, api_key_access_token,
		 last_refresh, scheduled_refresh_at FROM tokens`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gatewaycore.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetToken retrieves the token row for one account.
func (s *Store) GetToken(ctx context.Context, accountID string) (*gatewaycore.Token, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT account_id, id_token, access_token, refresh_token, api_key_access_token,
		 last_refresh, scheduled_refresh_at FROM tokens WHERE account_id=?`, accountID,
	)
	return scanToken(row)
}

// SaveExchangedToken persists a freshly exchanged platform access token
// (gatewaycore.TokenStore).
func (s *Store) SaveExchangedToken(ctx context.Context, accountID, apiKeyAccessToken string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tokens SET api_key_access_token=?, last_refresh=? WHERE account_id=?`,
		apiKeyAccessToken, time.Now().Unix(), accountID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "token")
}

// SaveRefreshedIDToken persists a freshly refreshed id token
// (gatewaycore.TokenStore).
func (s *Store) SaveRefreshedIDToken(ctx context.Context, accountID, idToken string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tokens SET id_token=?, last_refresh=? WHERE account_id=?`,
		idToken, time.Now().Unix(), accountID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "token")
}

// ListTokensDueForRefresh returns tokens whose scheduled_refresh_at has
// elapsed, for the background refresh janitor.
func (s *Store) ListTokensDueForRefresh(ctx context.Context, before time.Time) ([]gatewaycore.Token, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT account_id, id_token, access_token, refresh_token, api_key_access_token,
		 last_refresh, scheduled_refresh_at FROM tokens
		 WHERE scheduled_refresh_at > 0 AND scheduled_refresh_at <= ?`,
		before.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gatewaycore.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanToken(sc scanner) (*gatewaycore.Token, error) {
	var t gatewaycore.Token
	err := sc.Scan(&t.AccountID, &t.IDToken, &t.AccessToken, &t.RefreshToken,
		&t.APIKeyAccessToken, &t.LastRefresh, &t.ScheduledRefreshAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gatewaycore.ErrNoAvailableAccount
		}
		return nil, err
	}
	return &t, nil
}

// LatestUsageSnapshots returns the most recent usage snapshot per account,
// keyed by account id (one row per account, since only the latest is kept).
func (s *Store) LatestUsageSnapshots(ctx context.Context) (map[string]gatewaycore.UsageSnapshot, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT account_id, used_percent, window_minutes, resets_at,
		 secondary_used_percent, secondary_window_min, secondary_resets_at,
		 credits_json, captured_at FROM usage_snapshots`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]gatewaycore.UsageSnapshot)
	for rows.Next() {
		var u gatewaycore.UsageSnapshot
		err := rows.Scan(&u.AccountID, &u.UsedPercent, &u.WindowMinutes, &u.ResetsAt,
			&u.SecondaryUsedPercent, &u.SecondaryWindowMin, &u.SecondaryResetsAt,
			&u.CreditsJSON, &u.CapturedAt)
		if err != nil {
			return nil, err
		}
		out[u.AccountID] = u
	}
	return out, rows.Err()
}

// SaveUsageSnapshot upserts the latest usage snapshot for an account.
func (s *Store) SaveUsageSnapshot(ctx context.Context, snap gatewaycore.UsageSnapshot) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_snapshots (account_id, used_percent, window_minutes, resets_at,
		 secondary_used_percent, secondary_window_min, secondary_resets_at, credits_json, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		 used_percent=excluded.used_percent, window_minutes=excluded.window_minutes,
		 resets_at=excluded.resets_at, secondary_used_percent=excluded.secondary_used_percent,
		 secondary_window_min=excluded.secondary_window_min, secondary_resets_at=excluded.secondary_resets_at,
		 credits_json=excluded.credits_json, captured_at=excluded.captured_at`,
		snap.AccountID, snap.UsedPercent, snap.WindowMinutes, snap.ResetsAt,
		snap.SecondaryUsedPercent, snap.SecondaryWindowMin, snap.SecondaryResetsAt,
		snap.CreditsJSON, snap.CapturedAt,
	)
	return err
}
