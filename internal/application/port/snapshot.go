package port

import (
	"context"

	"udsmux/internal/domain/model"
)

// AccountSnapshotter 账户余额 REST 快照
// token 上线时预灌一次余额，推送到达前即可收敛；失败按 fails-open 处理
type AccountSnapshotter interface {
	Balances(ctx context.Context, apiKey, apiSecret string) ([]model.BalanceUpdate, error)
}
