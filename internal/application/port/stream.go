package port

import (
	"context"

	"udsmux/internal/domain/model"
)

// 推送事件类型
const (
	EventKindBalance = "balance"
	EventKindOrder   = "order"
)

// StreamEvent 单条推送事件
// Raw 为原始 data 负载，用于冗余连接间的结构化去重
type StreamEvent struct {
	Token    string // 产生事件的成员 token（envelope 的 stream 字段）
	Kind     string
	Raw      []byte
	Balances []model.BalanceUpdate // Kind == balance 时非空（一个快照可含多个资产）
	Order    *model.OrderUpdate    // Kind == order 时非空
}

// StreamConn 一条逻辑推送连接
// 事件通道在连接关闭或上层取消后关闭；底层断线由实现自行重连
type StreamConn interface {
	Events() <-chan StreamEvent
	Close() error
}

// StreamDialer 按成员 token 列表建立推送连接
type StreamDialer interface {
	Dial(ctx context.Context, tokens []string) (StreamConn, error)
	// BaseURL 返回传输端点，用于连接组记录
	BaseURL() string
}
