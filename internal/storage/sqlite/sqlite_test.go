package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
	"github.com/codex-gateway/gateway/internal/storage"
	"github.com/codex-gateway/gateway/internal/trace"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, accountID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO accounts (account_id, issuer, chatgpt_account_id, workspace_id, status, sort)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, "chatgpt", "cg-"+accountID, "ws-"+accountID, "active", 0,
	)
	if err != nil {
		t.Fatal("seed account:", err)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO tokens (account_id, id_token, access_token, refresh_token, api_key_access_token,
		 last_refresh, scheduled_refresh_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, "idtok", "access", "refresh", "", time.Now().Unix(), 0,
	)
	if err != nil {
		t.Fatal("seed token:", err)
	}
}

func TestAccountAndTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")

	got, err := s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatal("get account:", err)
	}
	if got.Issuer != "chatgpt" {
		t.Errorf("issuer = %q, want chatgpt", got.Issuer)
	}
	if got.Status != gatewaycore.AccountActive {
		t.Errorf("status = %q, want active", got.Status)
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatal("list accounts:", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("list count = %d, want 1", len(accounts))
	}

	if err := s.UpdateAccountStatus(ctx, "acct-1", gatewaycore.AccountInactive); err != nil {
		t.Fatal("update status:", err)
	}
	got, _ = s.GetAccount(ctx, "acct-1")
	if got.Status != gatewaycore.AccountInactive {
		t.Errorf("status after update = %q, want inactive", got.Status)
	}

	tok, err := s.GetToken(ctx, "acct-1")
	if err != nil {
		t.Fatal("get token:", err)
	}
	if tok.AccessToken != "access" {
		t.Errorf("access token = %q, want access", tok.AccessToken)
	}

	if err := s.SaveExchangedToken(ctx, "acct-1", "exchanged-bearer"); err != nil {
		t.Fatal("save exchanged:", err)
	}
	tok, _ = s.GetToken(ctx, "acct-1")
	if tok.APIKeyAccessToken != "exchanged-bearer" {
		t.Errorf("api_key_access_token = %q, want exchanged-bearer", tok.APIKeyAccessToken)
	}

	if err := s.SaveRefreshedIDToken(ctx, "acct-1", "new-idtok"); err != nil {
		t.Fatal("save refreshed id token:", err)
	}
	tok, _ = s.GetToken(ctx, "acct-1")
	if tok.IDToken != "new-idtok" {
		t.Errorf("id_token = %q, want new-idtok", tok.IDToken)
	}
}

func TestUsageSnapshotUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1")

	err := s.SaveUsageSnapshot(ctx, gatewaycore.UsageSnapshot{
		AccountID:     "acct-1",
		UsedPercent:   40,
		WindowMinutes: 300,
		CapturedAt:    time.Now().Unix(),
	})
	if err != nil {
		t.Fatal("save snapshot:", err)
	}

	snaps, err := s.LatestUsageSnapshots(ctx)
	if err != nil {
		t.Fatal("latest snapshots:", err)
	}
	if snaps["acct-1"].UsedPercent != 40 {
		t.Fatalf("used_percent = %v, want 40", snaps["acct-1"].UsedPercent)
	}

	// Upsert should replace, not duplicate.
	err = s.SaveUsageSnapshot(ctx, gatewaycore.UsageSnapshot{
		AccountID:     "acct-1",
		UsedPercent:   95,
		WindowMinutes: 300,
		CapturedAt:    time.Now().Unix(),
	})
	if err != nil {
		t.Fatal("save snapshot 2:", err)
	}
	snaps, _ = s.LatestUsageSnapshots(ctx)
	if len(snaps) != 1 {
		t.Fatalf("snapshot count = %d, want 1", len(snaps))
	}
	if snaps["acct-1"].UsedPercent != 95 {
		t.Fatalf("used_percent after upsert = %v, want 95", snaps["acct-1"].UsedPercent)
	}
}

func TestPlatformKeyLookup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	hash := gatewaycore.HashKeySecret("raw-secret")
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO platform_keys (key_id, key_hash, status, model_slug, reasoning_effort,
		 client_type, protocol_type, auth_scheme, upstream_base_url, static_headers_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"key-1", hash, "active", "gpt-5.2-codex", "high",
		"codex", "anthropic_native", "authorization_bearer", "https://chatgpt.com/backend-api/codex", "{}",
	)
	if err != nil {
		t.Fatal("seed key:", err)
	}

	got, err := s.GetPlatformKeyByHash(ctx, hash)
	if err != nil {
		t.Fatal("get by hash:", err)
	}
	if got.KeyID != "key-1" {
		t.Errorf("key id = %q, want key-1", got.KeyID)
	}
	if got.ProtocolType != gatewaycore.ProtocolAnthropicNative {
		t.Errorf("protocol = %q, want anthropic_native", got.ProtocolType)
	}

	if _, err := s.GetPlatformKeyByHash(ctx, "nonexistent"); err == nil {
		t.Error("expected error for unknown hash")
	}
}

func TestRequestLogAndTokenStat(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1")

	id, err := s.InsertRequestLog(ctx, gatewaycore.RequestLog{
		TraceID:   "trace-1",
		Path:      "/v1/messages",
		Method:    "POST",
		Model:     "gpt-5.2-codex",
		AccountID: "acct-1",
		Status:    200,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		t.Fatal("insert request log:", err)
	}
	if id == 0 {
		t.Fatal("expected a nonzero request log id")
	}

	err = s.InsertRequestTokenStat(ctx, gatewaycore.RequestTokenStat{
		RequestLogID: id,
		InputTokens:  100,
		OutputTokens: 50,
		TotalTokens:  150,
	})
	if err != nil {
		t.Fatal("insert token stat:", err)
	}

	var total int
	row := s.read.QueryRowContext(ctx, `SELECT total_tokens FROM request_token_stats WHERE request_log_id=?`, id)
	if err := row.Scan(&total); err != nil {
		t.Fatal("scan total_tokens:", err)
	}
	if total != 150 {
		t.Errorf("total_tokens = %d, want 150", total)
	}
}

func TestInsertTraceEvents(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	events := []trace.Event{
		{ID: "ev-1", TraceID: "trace-1", Name: "REQUEST_START", Fields: map[string]string{"path": "/v1/messages"}, At: time.Now()},
		{ID: "ev-2", TraceID: "trace-1", Name: "REQUEST_FINAL", Fields: map[string]string{"status": "200"}, At: time.Now()},
	}
	if err := s.InsertTraceEvents(ctx, events); err != nil {
		t.Fatal("insert trace events:", err)
	}

	var count int
	row := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_events WHERE trace_id=?`, "trace-1")
	if err := row.Scan(&count); err != nil {
		t.Fatal("count trace events:", err)
	}
	if count != 2 {
		t.Errorf("trace event count = %d, want 2", count)
	}

	// Inserting an empty batch is a no-op, not an error.
	if err := s.InsertTraceEvents(ctx, nil); err != nil {
		t.Fatal("insert empty batch:", err)
	}
}

func TestUpsertAccountAndToken(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	acct := gatewaycore.Account{
		AccountID: "acct-seed", Issuer: "chatgpt", ChatGPTAccountID: "cg-1",
		WorkspaceID: "ws-1", Status: gatewaycore.AccountActive, Sort: 5,
	}
	if err := s.UpsertAccount(ctx, acct); err != nil {
		t.Fatal("upsert account:", err)
	}
	if err := s.UpsertToken(ctx, gatewaycore.Token{AccountID: "acct-seed", IDToken: "id-1", AccessToken: "access-1"}); err != nil {
		t.Fatal("upsert token:", err)
	}

	// Re-upserting with new fields replaces rather than duplicating.
	acct.Sort = 9
	if err := s.UpsertAccount(ctx, acct); err != nil {
		t.Fatal("re-upsert account:", err)
	}
	got, err := s.GetAccount(ctx, "acct-seed")
	if err != nil {
		t.Fatal("get account:", err)
	}
	if got.Sort != 9 {
		t.Errorf("sort after re-upsert = %d, want 9", got.Sort)
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatal("list accounts:", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("account count = %d, want 1 (re-upsert should not duplicate)", len(accounts))
	}
}

func TestUpsertPlatformKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := gatewaycore.PlatformKey{
		KeyID: "key-seed", KeyHash: gatewaycore.HashKeySecret("secret-1"),
		Status: gatewaycore.KeyActive, ModelSlug: "gpt-5.2-codex",
		ClientType: gatewaycore.ClientCodex, ProtocolType: gatewaycore.ProtocolOpenAICompat,
		AuthScheme: gatewaycore.AuthSchemeBearer, StaticHeadersJSON: "{}",
	}
	if err := s.UpsertPlatformKey(ctx, key); err != nil {
		t.Fatal("upsert platform key:", err)
	}

	got, err := s.GetPlatformKeyByID(ctx, "key-seed")
	if err != nil {
		t.Fatal("get platform key:", err)
	}
	if got.ModelSlug != "gpt-5.2-codex" {
		t.Errorf("model slug = %q, want gpt-5.2-codex", got.ModelSlug)
	}

	key.ModelSlug = "gpt-5.2-codex-mini"
	if err := s.UpsertPlatformKey(ctx, key); err != nil {
		t.Fatal("re-upsert platform key:", err)
	}
	got, _ = s.GetPlatformKeyByID(ctx, "key-seed")
	if got.ModelSlug != "gpt-5.2-codex-mini" {
		t.Errorf("model slug after re-upsert = %q, want gpt-5.2-codex-mini", got.ModelSlug)
	}
}

func TestModelOptionsCache(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if got, err := s.GetModelOptionsCache(ctx, "default"); err != nil || got != nil {
		t.Fatalf("empty cache lookup = (%v, %v), want (nil, nil)", got, err)
	}

	entry := storage.ModelOptionsCache{
		CacheKey: "default", Body: []byte(`{"data":[]}`), CapturedAt: time.Unix(1000, 0).UTC(),
	}
	if err := s.UpsertModelOptionsCache(ctx, entry); err != nil {
		t.Fatal("upsert model cache:", err)
	}

	got, err := s.GetModelOptionsCache(ctx, "default")
	if err != nil {
		t.Fatal("get model cache:", err)
	}
	if string(got.Body) != `{"data":[]}` {
		t.Errorf("body = %q, want %q", got.Body, `{"data":[]}`)
	}

	entry.Body = []byte(`{"data":[{"id":"gpt-5.2-codex"}]}`)
	if err := s.UpsertModelOptionsCache(ctx, entry); err != nil {
		t.Fatal("re-upsert model cache:", err)
	}
	got, _ = s.GetModelOptionsCache(ctx, "default")
	if string(got.Body) != `{"data":[{"id":"gpt-5.2-codex"}]}` {
		t.Errorf("body after re-upsert = %q", got.Body)
	}
}
