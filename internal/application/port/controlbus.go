package port

import (
	"context"

	"udsmux/internal/domain/model"
)

// ControlBus 控制面事件订阅
// 返回的通道在 ctx 取消后关闭
type ControlBus interface {
	Subscribe(ctx context.Context) (<-chan model.MembershipEvent, error)
}
