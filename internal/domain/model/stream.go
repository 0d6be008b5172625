package model

// ========== Stream Token ==========

// token 生命周期状态
const (
	TokenStatusNew     = "new"     // 已签发，尚未分配连接组
	TokenStatusActive  = "active"  // 已分配连接组，正在推送
	TokenStatusExpired = "expired" // 续期失败，已被替换
	TokenStatusError   = "error"   // 签发失败
	TokenStatusClosed  = "closed"  // 订阅已撤销
)

// 市场类型
const (
	SegmentSpot    = "spot"
	SegmentFutures = "futures"
)

// StreamToken 账户推送流授权凭证（listen key）
// 一个 token 同一时刻至多属于一个连接组
type StreamToken struct {
	Token     string `json:"token"`
	AccountID int64  `json:"account_id"`
	Segment   string `json:"segment"` // spot / futures
	APIKey    string `json:"-"`       // 签发/续期所需凭证，不出现在日志和 JSON 中
	APISecret string `json:"-"`
	Status    string `json:"status"`
	GroupID   string `json:"group_id,omitempty"` // 非空 iff status == active
	UpdatedAt int64  `json:"ts_ms"`
}

// Live 判断 token 是否仍应保持推送（new 或 active）
func (t *StreamToken) Live() bool {
	return t.Status == TokenStatusNew || t.Status == TokenStatusActive
}

// ========== Connection Group ==========

// ConnectionGroup 连接组持久化记录
// 一条记录对应一对冗余物理连接承载的 ≤ capacity 个成员 token
type ConnectionGroup struct {
	ID           string `json:"id"`
	TransportURL string `json:"transport_url"`
	MemberCount  int    `json:"member_count"`
	Connected    bool   `json:"connected"`
	UpdatedAt    int64  `json:"ts_ms"`
}

// ========== Stream Events ==========

// BalanceUpdate 账户余额快照（写入前驻留内存）
// 同一 (account_id, asset, segment) 键在一个批次窗口内后到覆盖先到
type BalanceUpdate struct {
	AccountID  int64   `json:"account_id"`
	Asset      string  `json:"asset"`
	Free       float64 `json:"free"`
	Locked     float64 `json:"locked"`
	Total      float64 `json:"total"`
	Segment    string  `json:"segment"`
	ObservedAt int64   `json:"ts_ms"`
}

// OrderUpdate 订单成交事件（写入前驻留内存）
// 以交易所订单 ID 为键，只更新既有订单行，从不创建
type OrderUpdate struct {
	AccountID       int64   `json:"account_id"`
	OrderID         int64   `json:"order_id"` // 交易所订单 ID
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Status          string  `json:"status"`
	FilledQty       float64 `json:"filled_qty"`
	AvgPrice        float64 `json:"avg_price"`
	Commission      float64 `json:"commission"`
	CommissionAsset string  `json:"commission_asset"`
	RealizedPnl     float64 `json:"realized_pnl"`
	EventTime       int64   `json:"event_time"`
}

// ========== Control Channel ==========

// 控制面事件类型，由外部 CRUD 层发布
const (
	MembershipNew     = "new"
	MembershipRemove  = "remove"
	MembershipExpired = "expired"
	MembershipError   = "error"
)

// MembershipEvent 控制面成员变更事件
// status=new 时 Token 可为空（由本系统签发）或非空（替换/恢复既有 token）
type MembershipEvent struct {
	Status    string `json:"status"`
	Token     string `json:"token,omitempty"`
	AccountID int64  `json:"account_id"`
	Segment   string `json:"segment"`
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`
}
