package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"udsmux/internal/domain/model"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite repo: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func seedToken(t *testing.T, r *Repo, token string, accountID int64, status string) {
	t.Helper()
	err := r.UpsertToken(context.Background(), &model.StreamToken{
		Token:     token,
		AccountID: accountID,
		Segment:   model.SegmentSpot,
		APIKey:    "key",
		APISecret: "sec",
		Status:    status,
		UpdatedAt: 1,
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedToken(t, r, "lk-1", 7, model.TokenStatusNew)

	got, err := r.GetToken(ctx, "lk-1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got == nil || got.AccountID != 7 || got.Status != model.TokenStatusNew || got.GroupID != "" {
		t.Fatalf("unexpected token %+v", got)
	}
	if got.APISecret != "sec" {
		t.Fatalf("credentials must round-trip")
	}

	missing, err := r.GetToken(ctx, "lk-none")
	if err != nil || missing != nil {
		t.Fatalf("missing token must be (nil, nil), got %+v %v", missing, err)
	}
}

func TestAssignAndResetTokenGroup(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedToken(t, r, "lk-1", 7, model.TokenStatusNew)
	if err := r.AssignTokenGroup(ctx, "lk-1", "g-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, _ := r.GetToken(ctx, "lk-1")
	if got.Status != model.TokenStatusActive || got.GroupID != "g-1" {
		t.Fatalf("expected active in g-1, got %+v", got)
	}

	members, err := r.ListGroupTokens(ctx, "g-1")
	if err != nil || len(members) != 1 {
		t.Fatalf("expected 1 group member, got %d %v", len(members), err)
	}

	if err := r.ResetAssignments(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ = r.GetToken(ctx, "lk-1")
	if got.Status != model.TokenStatusNew || got.GroupID != "" {
		t.Fatalf("reset must clear assignment, got %+v", got)
	}
}

func TestFindLiveTokenSkipsDeadStates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedToken(t, r, "lk-dead", 7, model.TokenStatusExpired)
	got, err := r.FindLiveToken(ctx, 7, model.SegmentSpot)
	if err != nil || got != nil {
		t.Fatalf("expired token is not live, got %+v %v", got, err)
	}

	seedToken(t, r, "lk-live", 7, model.TokenStatusActive)
	got, err = r.FindLiveToken(ctx, 7, model.SegmentSpot)
	if err != nil || got == nil || got.Token != "lk-live" {
		t.Fatalf("expected lk-live, got %+v %v", got, err)
	}

	got, _ = r.FindLiveToken(ctx, 7, model.SegmentFutures)
	if got != nil {
		t.Fatalf("segment mismatch must not match")
	}
}

func TestListLiveTokens(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedToken(t, r, "lk-1", 1, model.TokenStatusNew)
	seedToken(t, r, "lk-2", 2, model.TokenStatusActive)
	seedToken(t, r, "lk-3", 3, model.TokenStatusClosed)
	seedToken(t, r, "lk-4", 4, model.TokenStatusError)

	live, err := r.ListLiveTokens(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 live tokens, got %d", len(live))
	}
}

func TestUpdateTokenStatusClearsGroup(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedToken(t, r, "lk-1", 7, model.TokenStatusNew)
	r.AssignTokenGroup(ctx, "lk-1", "g-1")

	if err := r.UpdateTokenStatus(ctx, "lk-1", model.TokenStatusClosed); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := r.GetToken(ctx, "lk-1")
	if got.Status != model.TokenStatusClosed || got.GroupID != "" {
		t.Fatalf("closing must clear group, got %+v", got)
	}
}

func TestGroupLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	g := &model.ConnectionGroup{ID: "g-1", TransportURL: "wss://x", MemberCount: 2, Connected: true, UpdatedAt: 1}
	if err := r.CreateGroup(ctx, g); err != nil {
		t.Fatalf("create group: %v", err)
	}

	g.MemberCount = 5
	if err := r.UpdateGroup(ctx, g); err != nil {
		t.Fatalf("update group: %v", err)
	}

	if err := r.DeleteGroup(ctx, "g-1"); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if err := r.CreateGroup(ctx, g); err != nil {
		t.Fatalf("recreate group: %v", err)
	}
	if err := r.PurgeGroups(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
}

func TestBalanceUpsertLastWriteWins(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	b := &model.BalanceUpdate{AccountID: 7, Asset: "BTC", Segment: model.SegmentSpot, Free: 1, Total: 1, ObservedAt: 1}
	if err := r.UpsertBalance(ctx, b); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b.Free, b.Total, b.ObservedAt = 3, 3, 2
	if err := r.UpsertBalance(ctx, b); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var free float64
	var count int
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(free) FROM account_balances WHERE account_id=7 AND asset='BTC'`)
	if err := row.Scan(&count, &free); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 || free != 3 {
		t.Fatalf("expected single row with latest value, got count=%d free=%v", count, free)
	}
}

func TestOrderExistsAndCumulativeUpdate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	ok, err := r.OrderExists(ctx, 42)
	if err != nil || ok {
		t.Fatalf("missing order must report false, got %v %v", ok, err)
	}

	// 订单行由下单方写入，本仓储只更新
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO account_orders(order_id, account_id, symbol, created_at) VALUES(42, 7, 'BTCUSDT', 1)
	`)
	if err != nil {
		t.Fatalf("seed order row: %v", err)
	}

	ok, _ = r.OrderExists(ctx, 42)
	if !ok {
		t.Fatalf("seeded order must exist")
	}

	upd := &model.OrderUpdate{OrderID: 42, Status: "PARTIALLY_FILLED", FilledQty: 0.4, AvgPrice: 40000, Commission: 0.25, CommissionAsset: "USDT", RealizedPnl: 1, EventTime: 10}
	if err := r.UpdateOrder(ctx, upd); err != nil {
		t.Fatalf("first update: %v", err)
	}
	upd.Status = "FILLED"
	upd.FilledQty = 1
	upd.Commission = 0.5
	upd.RealizedPnl = 2
	if err := r.UpdateOrder(ctx, upd); err != nil {
		t.Fatalf("second update: %v", err)
	}

	var status string
	var qty, commission, pnl float64
	row := r.db.QueryRowContext(ctx,
		`SELECT status, filled_qty, commission, realized_pnl FROM account_orders WHERE order_id=42`)
	if err := row.Scan(&status, &qty, &commission, &pnl); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "FILLED" || qty != 1 {
		t.Fatalf("latest snapshot fields must overwrite, got %s %v", status, qty)
	}
	// 手续费与已实现盈亏按累计追加
	if commission != 0.75 || pnl != 3 {
		t.Fatalf("cumulative fields mismatch: commission=%v pnl=%v", commission, pnl)
	}
}
