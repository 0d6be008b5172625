package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"udsmux/internal/application/port"
	"udsmux/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS stream_tokens (
  token TEXT PRIMARY KEY,
  account_id BIGINT NOT NULL,
  segment TEXT NOT NULL,
  api_key TEXT NOT NULL,
  api_secret TEXT NOT NULL,
  status TEXT NOT NULL,
  group_id TEXT,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_account ON stream_tokens(account_id, segment);
CREATE INDEX IF NOT EXISTS idx_tokens_status ON stream_tokens(status);
CREATE INDEX IF NOT EXISTS idx_tokens_group ON stream_tokens(group_id);

CREATE TABLE IF NOT EXISTS connection_groups (
  id TEXT PRIMARY KEY,
  transport_url TEXT NOT NULL,
  member_count INTEGER NOT NULL,
  connected BOOLEAN NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS account_balances (
  account_id BIGINT NOT NULL,
  asset TEXT NOT NULL,
  segment TEXT NOT NULL,
  free DOUBLE PRECISION NOT NULL,
  locked DOUBLE PRECISION NOT NULL,
  total DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL,
  PRIMARY KEY(account_id, asset, segment)
);

CREATE TABLE IF NOT EXISTS account_orders (
  order_id BIGINT PRIMARY KEY,
  account_id BIGINT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT,
  status TEXT,
  filled_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
  avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
  commission DOUBLE PRECISION NOT NULL DEFAULT 0,
  commission_asset TEXT,
  realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
  event_time BIGINT,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account ON account_orders(account_id);
`)
	return err
}

// ========== Tokens ==========

func (r *Repo) UpsertToken(ctx context.Context, t *model.StreamToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stream_tokens(token, account_id, segment, api_key, api_secret, status, group_id, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT(token) DO UPDATE SET
		status=excluded.status, group_id=excluded.group_id, updated_at=excluded.updated_at
	`, t.Token, t.AccountID, t.Segment, t.APIKey, t.APISecret, t.Status, t.GroupID, t.UpdatedAt)
	return err
}

func (r *Repo) UpdateTokenStatus(ctx context.Context, token, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stream_tokens SET status=$1, group_id=NULL, updated_at=$2 WHERE token=$3
	`, status, time.Now().UnixMilli(), token)
	return err
}

func (r *Repo) AssignTokenGroup(ctx context.Context, token, groupID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stream_tokens SET status=$1, group_id=$2, updated_at=$3 WHERE token=$4
	`, model.TokenStatusActive, groupID, time.Now().UnixMilli(), token)
	return err
}

const tokenColumns = `token, account_id, segment, api_key, api_secret, status, COALESCE(group_id, ''), updated_at`

func scanToken(row interface{ Scan(...any) error }) (*model.StreamToken, error) {
	var t model.StreamToken
	err := row.Scan(&t.Token, &t.AccountID, &t.Segment, &t.APIKey, &t.APISecret, &t.Status, &t.GroupID, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) GetToken(ctx context.Context, token string) (*model.StreamToken, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM stream_tokens WHERE token=$1`, token))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *Repo) FindLiveToken(ctx context.Context, accountID int64, segment string) (*model.StreamToken, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM stream_tokens
		WHERE account_id=$1 AND segment=$2 AND status IN ($3, $4)
		LIMIT 1
	`, accountID, segment, model.TokenStatusNew, model.TokenStatusActive))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *Repo) ListLiveTokens(ctx context.Context) ([]*model.StreamToken, error) {
	return r.listTokens(ctx, `
		SELECT `+tokenColumns+` FROM stream_tokens
		WHERE status IN ($1, $2) ORDER BY account_id
	`, model.TokenStatusNew, model.TokenStatusActive)
}

func (r *Repo) ListGroupTokens(ctx context.Context, groupID string) ([]*model.StreamToken, error) {
	return r.listTokens(ctx, `
		SELECT `+tokenColumns+` FROM stream_tokens WHERE group_id=$1
	`, groupID)
}

func (r *Repo) listTokens(ctx context.Context, query string, args ...any) ([]*model.StreamToken, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StreamToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repo) ResetAssignments(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stream_tokens SET status=$1, group_id=NULL, updated_at=$2
		WHERE status IN ($3, $4)
	`, model.TokenStatusNew, time.Now().UnixMilli(), model.TokenStatusNew, model.TokenStatusActive)
	return err
}

// ========== Connection groups ==========

func (r *Repo) CreateGroup(ctx context.Context, g *model.ConnectionGroup) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connection_groups(id, transport_url, member_count, connected, updated_at)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET
		member_count=excluded.member_count, connected=excluded.connected, updated_at=excluded.updated_at
	`, g.ID, g.TransportURL, g.MemberCount, g.Connected, g.UpdatedAt)
	return err
}

func (r *Repo) UpdateGroup(ctx context.Context, g *model.ConnectionGroup) error {
	return r.CreateGroup(ctx, g)
}

func (r *Repo) DeleteGroup(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM connection_groups WHERE id=$1`, id)
	return err
}

func (r *Repo) PurgeGroups(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM connection_groups`)
	return err
}

// ========== Balances ==========

func (r *Repo) UpsertBalance(ctx context.Context, b *model.BalanceUpdate) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_balances(account_id, asset, segment, free, locked, total, ts_ms)
		VALUES($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(account_id, asset, segment) DO UPDATE SET
		free=excluded.free, locked=excluded.locked, total=excluded.total, ts_ms=excluded.ts_ms
	`, b.AccountID, b.Asset, b.Segment, b.Free, b.Locked, b.Total, b.ObservedAt)
	return err
}

// ========== Orders ==========

func (r *Repo) OrderExists(ctx context.Context, orderID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM account_orders WHERE order_id=$1`, orderID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateOrder 只更新既有订单行；手续费按累计追加
func (r *Repo) UpdateOrder(ctx context.Context, o *model.OrderUpdate) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE account_orders SET
		status=$1, filled_qty=$2, avg_price=$3,
		commission=commission+$4, commission_asset=$5,
		realized_pnl=realized_pnl+$6, event_time=$7
		WHERE order_id=$8
	`, o.Status, o.FilledQty, o.AvgPrice, o.Commission, o.CommissionAsset, o.RealizedPnl, o.EventTime, o.OrderID)
	return err
}

var _ port.Repository = (*Repo)(nil)
