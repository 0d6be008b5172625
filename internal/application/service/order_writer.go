package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
	"udsmux/internal/domain/model"
)

// OrderWriter 订单成交批量写入器
// 成交事件逐条追加、不合并；定时换出整批，先查订单行是否存在再更新。
// 行不存在是合法竞态（成交推送先于下单落库到达），对剩余批次有界重试，
// 重试耗尽仍无行的更新记警告后丢弃，绝不凭空造行
type OrderWriter struct {
	repo   port.Repository
	prices port.PriceCache

	FlushEvery time.Duration
	MaxRetries int           // 存在性复查次数
	RetryDelay time.Duration // 复查间隔
	RefAsset   string        // 手续费折算参考币种，如 USDT

	mu      sync.Mutex
	pending []*model.OrderUpdate

	applied    uint64
	unresolved uint64
}

func NewOrderWriter(repo port.Repository, prices port.PriceCache, flushEvery time.Duration, refAsset string) *OrderWriter {
	if flushEvery <= 0 {
		flushEvery = 3 * time.Second
	}
	if refAsset == "" {
		refAsset = "USDT"
	}
	return &OrderWriter{
		repo:       repo,
		prices:     prices,
		FlushEvery: flushEvery,
		MaxRetries: 3,
		RetryDelay: time.Second,
		RefAsset:   refAsset,
	}
}

// Add 追加一条成交更新，每笔成交都保留
func (w *OrderWriter) Add(o *model.OrderUpdate) {
	w.mu.Lock()
	w.pending = append(w.pending, o)
	w.mu.Unlock()
}

// Run 定时刷新循环
func (w *OrderWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Flush 换出整批并带存在性重试地应用
func (w *OrderWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, o := range batch {
		w.normalizeCommission(ctx, o)
	}

	remaining := batch
	for attempt := 0; attempt <= w.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.RetryDelay):
			}
			if ctx.Err() != nil {
				break
			}
		}
		remaining = w.applyBatch(ctx, remaining)
		if len(remaining) == 0 {
			break
		}
	}

	for _, o := range remaining {
		log.Warn().
			Int64("order", o.OrderID).
			Str("symbol", o.Symbol).
			Str("status", o.Status).
			Msg("order update unresolved after retries, discarding")
	}

	w.mu.Lock()
	w.applied += uint64(len(batch) - len(remaining))
	w.unresolved += uint64(len(remaining))
	w.mu.Unlock()
}

// applyBatch 应用一轮，返回仍无对应订单行的更新
func (w *OrderWriter) applyBatch(ctx context.Context, batch []*model.OrderUpdate) []*model.OrderUpdate {
	var missing []*model.OrderUpdate

	for _, o := range batch {
		exists, err := w.repo.OrderExists(ctx, o.OrderID)
		if err != nil {
			log.Error().Err(err).Int64("order", o.OrderID).Msg("order existence check failed")
			missing = append(missing, o)
			continue
		}
		if !exists {
			missing = append(missing, o)
			continue
		}
		if err := w.repo.UpdateOrder(ctx, o); err != nil {
			log.Error().Err(err).Int64("order", o.OrderID).Msg("order update failed")
			missing = append(missing, o)
		}
	}
	return missing
}

// normalizeCommission 把非参考币种的手续费按最新缓存价折算
// 无缓存价时保留原值跳过折算，不阻塞批次
func (w *OrderWriter) normalizeCommission(ctx context.Context, o *model.OrderUpdate) {
	if o.Commission == 0 || o.CommissionAsset == "" || o.CommissionAsset == w.RefAsset {
		return
	}

	price, ok := w.prices.Latest(ctx, o.CommissionAsset+w.RefAsset)
	if !ok {
		log.Debug().
			Str("asset", o.CommissionAsset).
			Int64("order", o.OrderID).
			Msg("no cached price for commission conversion, keeping raw amount")
		return
	}
	o.Commission *= price
	o.CommissionAsset = w.RefAsset
}

// Stats 返回累计应用/丢弃的更新数
func (w *OrderWriter) Stats() (applied, unresolved uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied, w.unresolved
}
