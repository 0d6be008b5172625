package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"udsmux/internal/domain/model"
)

// mockRepository 内存仓储，测试共用
type mockRepository struct {
	mu sync.Mutex

	tokens   map[string]*model.StreamToken
	groups   map[string]*model.ConnectionGroup
	balances map[string]*model.BalanceUpdate // account|segment|asset
	orders   map[int64]*model.OrderUpdate    // 既有订单行

	balanceErr  error           // 注入余额写入失败
	lateInsert  map[int64]int   // 第 n 次存在性检查后才出现的订单行
	balanceHits int
	orderHits   int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		tokens:     make(map[string]*model.StreamToken),
		groups:     make(map[string]*model.ConnectionGroup),
		balances:   make(map[string]*model.BalanceUpdate),
		orders:     make(map[int64]*model.OrderUpdate),
		lateInsert: make(map[int64]int),
	}
}

func (m *mockRepository) UpsertToken(ctx context.Context, t *model.StreamToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *mockRepository) UpdateTokenStatus(ctx context.Context, token, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		t.Status = status
		t.GroupID = ""
	}
	return nil
}

func (m *mockRepository) AssignTokenGroup(ctx context.Context, token, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		t.Status = model.TokenStatusActive
		t.GroupID = groupID
	}
	return nil
}

func (m *mockRepository) GetToken(ctx context.Context, token string) (*model.StreamToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *mockRepository) FindLiveToken(ctx context.Context, accountID int64, segment string) (*model.StreamToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.AccountID == accountID && t.Segment == segment && t.Live() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepository) ListLiveTokens(ctx context.Context) ([]*model.StreamToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.StreamToken
	for _, t := range m.tokens {
		if t.Live() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepository) ListGroupTokens(ctx context.Context, groupID string) ([]*model.StreamToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.StreamToken
	for _, t := range m.tokens {
		if t.GroupID == groupID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepository) ResetAssignments(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Live() {
			t.Status = model.TokenStatusNew
			t.GroupID = ""
		}
	}
	return nil
}

func (m *mockRepository) CreateGroup(ctx context.Context, g *model.ConnectionGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *mockRepository) UpdateGroup(ctx context.Context, g *model.ConnectionGroup) error {
	return m.CreateGroup(ctx, g)
}

func (m *mockRepository) DeleteGroup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, id)
	return nil
}

func (m *mockRepository) PurgeGroups(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make(map[string]*model.ConnectionGroup)
	return nil
}

func (m *mockRepository) UpsertBalance(ctx context.Context, b *model.BalanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceHits++
	if m.balanceErr != nil {
		return m.balanceErr
	}
	key := balanceKey(b)
	cp := *b
	m.balances[key] = &cp
	return nil
}

func (m *mockRepository) OrderExists(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderHits++
	if n, ok := m.lateInsert[orderID]; ok {
		if n <= 1 {
			m.orders[orderID] = &model.OrderUpdate{OrderID: orderID}
			delete(m.lateInsert, orderID)
		} else {
			m.lateInsert[orderID] = n - 1
		}
	}
	_, ok := m.orders[orderID]
	return ok, nil
}

func (m *mockRepository) UpdateOrder(ctx context.Context, o *model.OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.orders[o.OrderID]
	if !ok {
		return errors.New("order row missing")
	}
	row.Status = o.Status
	row.FilledQty = o.FilledQty
	row.AvgPrice = o.AvgPrice
	row.Commission += o.Commission
	row.CommissionAsset = o.CommissionAsset
	row.RealizedPnl += o.RealizedPnl
	row.EventTime = o.EventTime
	return nil
}

func (m *mockRepository) Close() error { return nil }

// insertOrderRow 模拟下单落库（本系统之外的写入方）
func (m *mockRepository) insertOrderRow(orderID int64, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = &model.OrderUpdate{OrderID: orderID, Symbol: symbol}
}

func balanceKey(b *model.BalanceUpdate) string {
	return fmt.Sprintf("%d|%s|%s", b.AccountID, b.Segment, b.Asset)
}

// mockPriceCache 固定价格表
type mockPriceCache struct {
	prices map[string]float64
}

func (m *mockPriceCache) Latest(ctx context.Context, symbol string) (float64, bool) {
	p, ok := m.prices[symbol]
	return p, ok
}
