package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
	"udsmux/internal/domain/model"
)

// BalanceWriter 余额批量写入器
// 事件先进入 pending map，同键后到覆盖先到；定时把整批换出并逐行幂等 upsert。
// 存储失败只记日志并丢弃该批：余额快照会在下一条推送中自愈
type BalanceWriter struct {
	repo       port.Repository
	FlushEvery time.Duration

	mu      sync.Mutex
	pending map[string]*model.BalanceUpdate // account|segment|asset -> 最新快照

	flushed uint64
}

func NewBalanceWriter(repo port.Repository, flushEvery time.Duration) *BalanceWriter {
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	return &BalanceWriter{
		repo:       repo,
		FlushEvery: flushEvery,
		pending:    make(map[string]*model.BalanceUpdate),
	}
}

// Add 追加一条余额快照，last-write-wins
func (w *BalanceWriter) Add(b *model.BalanceUpdate) {
	key := fmt.Sprintf("%d|%s|%s", b.AccountID, b.Segment, b.Asset)

	w.mu.Lock()
	w.pending[key] = b
	w.mu.Unlock()
}

// Run 定时刷新循环
func (w *BalanceWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 退出前尽量把残留批次写出
			w.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// Flush 原子换出 pending map 并逐行写入
func (w *BalanceWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]*model.BalanceUpdate, len(batch))
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	written := 0
	for _, b := range batch {
		if err := w.repo.UpsertBalance(ctx, b); err != nil {
			log.Error().Err(err).
				Int64("account", b.AccountID).
				Str("asset", b.Asset).
				Msg("balance upsert failed, dropping entry")
			continue
		}
		written++
	}

	w.mu.Lock()
	w.flushed += uint64(written)
	w.mu.Unlock()

	log.Debug().Int("batch", len(batch)).Int("written", written).Msg("balance batch flushed")
}

// Flushed 返回累计写入的余额行数
func (w *BalanceWriter) Flushed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}
