package fleet

import (
	"context"

	"github.com/rs/zerolog/log"

	"udsmux/internal/application/service"
	"udsmux/internal/domain/model"
	domainservice "udsmux/internal/domain/service"
)

// Stats 编排器运行计数
type Stats struct {
	TokensPlaced  uint64
	TokensRemoved uint64
	GroupsOpened  uint64
	GroupsClosed  uint64
}

// placeTokens 容量感知安置（best-fit 启发式，非全局最优）
// 先按剩余容量填满既有非满组，仍未安置的按 ≤ Capacity 分块开新组。
// 不变量：任何组的成员数永不超过 Capacity，且优先复用既有组。
// 安置失败只记日志，受影响 token 保持未分配，等待下次对账或新增事件
func (s *Service) placeTokens(ctx context.Context, pending []*model.StreamToken) {
	// 1. 填充既有组（遍历顺序任意）
	for id, g := range s.groups {
		if len(pending) == 0 {
			break
		}
		free := s.deps.Capacity - g.MemberCount()
		if free <= 0 {
			continue
		}
		take := free
		if take > len(pending) {
			take = len(pending)
		}
		chunk := pending[:take]
		pending = pending[take:]

		members := append(g.Members(), chunk...)
		if err := g.UpdateAndRestart(ctx, members); err != nil {
			log.Error().Err(err).
				Str("group", id).
				Int("adding", len(chunk)).
				Msg("placement restart failed, tokens stay unassigned")
			continue
		}
		s.bindTokens(ctx, chunk, id)
	}

	// 2. 余量分块开新组
	for len(pending) > 0 {
		take := s.deps.Capacity
		if take > len(pending) {
			take = len(pending)
		}
		chunk := pending[:take]
		pending = pending[take:]

		g := service.NewConnectionGroup(
			s.deps.Dialer,
			s.deps.Repo,
			domainservice.NewEventDeduplicator(s.deps.DedupWindow),
			s.deps.Balances,
			s.deps.Orders,
			s.deps.Overlap,
		)
		if err := g.Start(ctx, chunk); err != nil {
			log.Error().Err(err).
				Int("members", len(chunk)).
				Msg("new group start failed, tokens stay unassigned")
			continue
		}
		s.groups[g.ID()] = g
		s.stats.GroupsOpened++
		s.bindTokens(ctx, chunk, g.ID())
	}
}

// bindTokens 持久化 token → 组 的分配（status=active）
func (s *Service) bindTokens(ctx context.Context, toks []*model.StreamToken, groupID string) {
	for _, t := range toks {
		if err := s.deps.Repo.AssignTokenGroup(ctx, t.Token, groupID); err != nil {
			log.Error().Err(err).
				Int64("account", t.AccountID).
				Str("group", groupID).
				Msg("persist token assignment failed")
			continue
		}
		t.Status = model.TokenStatusActive
		t.GroupID = groupID
		s.stats.TokensPlaced++
	}
}
