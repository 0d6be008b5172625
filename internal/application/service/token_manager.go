package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
	"udsmux/internal/domain/model"
)

// TokenManager 凭证生命周期管理
// 负责签发、续期和关闭每个账户的推送授权 token，并把每次状态变更落库，
// 使编排器重启后能够从存储恢复
type TokenManager struct {
	client port.TokenClient
	repo   port.Repository

	// Snapshotter 可选：token 上线时预灌一次 REST 余额快照
	Snapshotter port.AccountSnapshotter

	MaxRetries int           // 签发最大尝试次数
	RetryDelay time.Duration // 尝试间固定延迟
	RenewEvery time.Duration // 后台续期周期
}

func NewTokenManager(client port.TokenClient, repo port.Repository, renewEvery time.Duration) *TokenManager {
	return &TokenManager{
		client:     client,
		repo:       repo,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		RenewEvery: renewEvery,
	}
}

// Acquire 为账户签发新 token
// 失败重试至多 MaxRetries 次，耗尽后向调用方返回硬错误，不自动重试
func (m *TokenManager) Acquire(ctx context.Context, accountID int64, apiKey, apiSecret, segment string) (*model.StreamToken, error) {
	var lastErr error

	for attempt := 1; attempt <= m.MaxRetries; attempt++ {
		if attempt > 1 {
			log.Info().
				Int64("account", accountID).
				Str("segment", segment).
				Int("attempt", attempt).
				Msg("retrying token acquire")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.RetryDelay):
			}
		}

		key, err := m.client.Create(ctx, apiKey)
		if err != nil {
			lastErr = err
			continue
		}

		tok := &model.StreamToken{
			Token:     key,
			AccountID: accountID,
			Segment:   segment,
			APIKey:    apiKey,
			APISecret: apiSecret,
			Status:    model.TokenStatusNew,
			UpdatedAt: time.Now().UnixMilli(),
		}
		if err := m.repo.UpsertToken(ctx, tok); err != nil {
			return nil, fmt.Errorf("persist acquired token: %w", err)
		}
		return tok, nil
	}

	return nil, fmt.Errorf("token acquire failed for account %d after %d attempts: %w",
		accountID, m.MaxRetries, lastErr)
}

// Renew 延长既有 token 的服务端有效期（心跳，不换新值）
// 续期被拒时退回到 Acquire，旧 token 标记为 expired，返回替换后的 token；
// replaced 为 true 时调用方必须用新值更新成员簿记
func (m *TokenManager) Renew(ctx context.Context, t *model.StreamToken) (tok *model.StreamToken, replaced bool, err error) {
	if err := m.client.Keepalive(ctx, t.APIKey, t.Token); err == nil {
		t.UpdatedAt = time.Now().UnixMilli()
		if perr := m.repo.UpsertToken(ctx, t); perr != nil {
			log.Error().Err(perr).Int64("account", t.AccountID).Msg("persist token renewal failed")
		}
		return t, false, nil
	} else {
		log.Warn().Err(err).
			Int64("account", t.AccountID).
			Str("segment", t.Segment).
			Msg("token keepalive rejected, re-acquiring")
	}

	fresh, err := m.Acquire(ctx, t.AccountID, t.APIKey, t.APISecret, t.Segment)
	if err != nil {
		// 签发也失败：token 进入 error 态，交由监控或后续 add 事件恢复
		if serr := m.repo.UpdateTokenStatus(ctx, t.Token, model.TokenStatusError); serr != nil {
			log.Error().Err(serr).Msg("mark token error failed")
		}
		return nil, false, err
	}

	if serr := m.repo.UpdateTokenStatus(ctx, t.Token, model.TokenStatusExpired); serr != nil {
		log.Error().Err(serr).Msg("mark token expired failed")
	}
	return fresh, true, nil
}

// PrimeBalances 预灌账户余额快照，失败放行（下一条推送会自愈）
func (m *TokenManager) PrimeBalances(ctx context.Context, t *model.StreamToken, w *BalanceWriter) {
	if m.Snapshotter == nil {
		return
	}
	bals, err := m.Snapshotter.Balances(ctx, t.APIKey, t.APISecret)
	if err != nil {
		log.Warn().Err(err).Int64("account", t.AccountID).Msg("balance snapshot prime failed (ignored)")
		return
	}
	for i := range bals {
		b := bals[i]
		b.AccountID = t.AccountID
		b.Segment = t.Segment
		w.Add(&b)
	}
}

// Close 关闭服务端 listen key，尽力而为
func (m *TokenManager) Close(ctx context.Context, t *model.StreamToken) {
	if err := m.client.Close(ctx, t.APIKey, t.Token); err != nil {
		log.Warn().Err(err).Int64("account", t.AccountID).Msg("listen key close failed (ignored)")
	}
}

// Run 后台续期任务
// 每个周期续期全部存活 token；发生替换时通过 notify 通知编排器重排成员，
// 单个 token 的失败不会终止循环
func (m *TokenManager) Run(ctx context.Context, notify chan<- model.MembershipEvent) error {
	ticker := time.NewTicker(m.RenewEvery)
	defer ticker.Stop()

	log.Info().Dur("every", m.RenewEvery).Msg("token renewal task started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.renewAll(ctx, notify)
		}
	}
}

func (m *TokenManager) renewAll(ctx context.Context, notify chan<- model.MembershipEvent) {
	toks, err := m.repo.ListLiveTokens(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list live tokens failed, skipping renewal round")
		return
	}

	renewed, replacedCount := 0, 0
	for _, t := range toks {
		fresh, replaced, err := m.Renew(ctx, t)
		if err != nil {
			log.Error().Err(err).
				Int64("account", t.AccountID).
				Msg("token renewal failed")
			continue
		}
		renewed++
		if !replaced {
			continue
		}
		replacedCount++

		// 旧 token 退出成员、新 token 重新安置，均由编排器统一处理
		notify <- model.MembershipEvent{
			Status:    model.MembershipExpired,
			Token:     t.Token,
			AccountID: t.AccountID,
			Segment:   t.Segment,
		}
		notify <- model.MembershipEvent{
			Status:    model.MembershipNew,
			Token:     fresh.Token,
			AccountID: fresh.AccountID,
			Segment:   fresh.Segment,
		}
	}

	log.Info().
		Int("tokens", len(toks)).
		Int("renewed", renewed).
		Int("replaced", replacedCount).
		Msg("token renewal round complete")
}
