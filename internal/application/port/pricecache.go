package port

import "context"

// PriceCache 最新价格只读缓存，用于手续费币种折算
// 价格缺失不是错误，调用方按 fails-open 处理
type PriceCache interface {
	Latest(ctx context.Context, symbol string) (float64, bool)
}
