package fleet

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
	"udsmux/internal/application/service"
	"udsmux/internal/domain/model"
)

type ServiceDeps struct {
	Repo     port.Repository
	Tokens   *service.TokenManager
	Dialer   port.StreamDialer
	Balances *service.BalanceWriter
	Orders   *service.OrderWriter

	// 控制面事件输入：外部 CRUD 层（经 ControlBus）与续期任务共用
	Events <-chan model.MembershipEvent

	Capacity      int           // 每组成员上限
	Overlap       time.Duration // make-before-break 重叠窗口
	DedupWindow   int           // 每组去重器窗口
	StatsEveryMin int
}

// Service 连接组编排器
// 顶层控制循环：启动时对账全部应在推送的账户，之后消费控制事件，
// 决定哪个连接组增减成员，所有组满员时开新组。
// 单个事件的失败只记日志，循环本身永不因此退出
type Service struct {
	deps ServiceDeps

	groups map[string]*service.ConnectionGroup // group id -> group
	stats  Stats
}

func NewService(deps ServiceDeps) *Service {
	if deps.Capacity <= 0 {
		deps.Capacity = 100
	}
	if deps.StatsEveryMin <= 0 {
		deps.StatsEveryMin = 5
	}
	return &Service{
		deps:   deps,
		groups: make(map[string]*service.ConnectionGroup),
	}
}

// Run 启动对账后进入控制循环
func (s *Service) Run(ctx context.Context) error {
	if err := s.ReconcileOnStartup(ctx); err != nil {
		return err
	}

	statsTicker := time.NewTicker(time.Duration(s.deps.StatsEveryMin) * time.Minute)
	defer statsTicker.Stop()

	log.Info().Int("capacity", s.deps.Capacity).Msg("fleet orchestrator started")

	for {
		select {
		case <-ctx.Done():
			s.shutdownAll(context.Background())
			return ctx.Err()

		case <-statsTicker.C:
			s.logStats()

		case ev, ok := <-s.deps.Events:
			if !ok {
				s.shutdownAll(context.Background())
				return nil
			}
			// 把同时到达的事件攒成一批，避免每个 token 触发一次重启
			batch := s.drain(ev)
			s.apply(ctx, batch)
		}
	}
}

// drain 非阻塞地排空事件通道，把近同时的事件合并为一批
func (s *Service) drain(first model.MembershipEvent) []model.MembershipEvent {
	batch := []model.MembershipEvent{first}
	for {
		select {
		case ev, ok := <-s.deps.Events:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// apply 处理一批控制事件：先逐个处理移除，再统一安置新增
func (s *Service) apply(ctx context.Context, batch []model.MembershipEvent) {
	var adds []*model.StreamToken

	for _, ev := range batch {
		switch ev.Status {
		case model.MembershipNew:
			tok := s.resolveAdd(ctx, ev)
			if tok != nil {
				adds = append(adds, tok)
			}
		case model.MembershipRemove, model.MembershipExpired, model.MembershipError:
			s.handleRemove(ctx, ev)
		default:
			log.Warn().Str("status", ev.Status).Msg("unknown membership event status")
		}
	}

	if len(adds) > 0 {
		s.placeTokens(ctx, adds)
	}
}

// resolveAdd 把 new 事件解析为待安置 token
// 事件带 token 视为既有 token（替换或恢复）；不带则为该账户签发新 token，
// 账户已有存活 token 时按无操作处理，避免重复签发
func (s *Service) resolveAdd(ctx context.Context, ev model.MembershipEvent) *model.StreamToken {
	if ev.Token != "" {
		tok, err := s.deps.Repo.GetToken(ctx, ev.Token)
		if err != nil {
			log.Error().Err(err).Msg("load token for add event failed")
			return nil
		}
		if tok == nil || !tok.Live() {
			log.Warn().Int64("account", ev.AccountID).Msg("add event names unknown or dead token, skipping")
			return nil
		}
		return tok
	}

	existing, err := s.deps.Repo.FindLiveToken(ctx, ev.AccountID, ev.Segment)
	if err != nil {
		log.Error().Err(err).Int64("account", ev.AccountID).Msg("live token lookup failed")
		return nil
	}
	if existing != nil {
		log.Debug().
			Int64("account", ev.AccountID).
			Str("segment", ev.Segment).
			Msg("account already streaming, add is a no-op")
		return nil
	}

	tok, err := s.deps.Tokens.Acquire(ctx, ev.AccountID, ev.APIKey, ev.APISecret, ev.Segment)
	if err != nil {
		// 硬失败：不自动重试，等待监控或后续 add 事件
		log.Error().Err(err).Int64("account", ev.AccountID).Msg("token acquire hard failure")
		return nil
	}

	// 上线前先灌一份 REST 快照，推送到达前存储即可收敛
	s.deps.Tokens.PrimeBalances(ctx, tok, s.deps.Balances)
	return tok
}

// handleRemove 把 token 移出其连接组并关闭；组空则整组下线
func (s *Service) handleRemove(ctx context.Context, ev model.MembershipEvent) {
	tok, err := s.deps.Repo.GetToken(ctx, ev.Token)
	if err != nil {
		log.Error().Err(err).Msg("load token for remove event failed")
		return
	}
	if tok == nil {
		log.Warn().Str("status", ev.Status).Msg("remove event names unknown token, skipping")
		return
	}

	groupID := tok.GroupID
	g, ok := s.groups[groupID]
	if !ok {
		// 续期替换等路径会先在存储层清掉 group_id，退回内存成员表反查，
		// 保证死 token 总能被逐出其连接组
		groupID, g = s.findGroupByToken(tok.Token)
	}
	if g != nil {
		// 剩余成员以存储为准，排除被移除的 token
		rest, err := s.deps.Repo.ListGroupTokens(ctx, groupID)
		if err != nil {
			log.Error().Err(err).Str("group", groupID).Msg("list group members failed")
			return
		}
		remaining := make([]*model.StreamToken, 0, len(rest))
		for _, t := range rest {
			if t.Token != tok.Token {
				remaining = append(remaining, t)
			}
		}

		if len(remaining) == 0 {
			g.Shutdown(ctx)
			delete(s.groups, groupID)
			s.stats.GroupsClosed++
		} else if err := g.UpdateAndRestart(ctx, remaining); err != nil {
			log.Error().Err(err).Str("group", groupID).Msg("restart after removal failed")
		}
	}

	if err := s.deps.Repo.UpdateTokenStatus(ctx, tok.Token, model.TokenStatusClosed); err != nil {
		log.Error().Err(err).Msg("mark token closed failed")
	}
	if ev.Status == model.MembershipRemove {
		// 显式撤销才回收服务端 listen key；expired/error 的 key 已不可用
		s.deps.Tokens.Close(ctx, tok)
	}
	s.stats.TokensRemoved++
}

// findGroupByToken 按 token 反查其所属连接组
func (s *Service) findGroupByToken(token string) (string, *service.ConnectionGroup) {
	for id, g := range s.groups {
		for _, m := range g.Members() {
			if m.Token == token {
				return id, g
			}
		}
	}
	return "", nil
}

// ReconcileOnStartup 启动对账
// 旧的组记录描述的是已死的物理连接，直接清除；所有存活 token 重置为未分配，
// 再当作一批新增事件重新安置。两次连续执行收敛到同一结果
func (s *Service) ReconcileOnStartup(ctx context.Context) error {
	if err := s.deps.Repo.PurgeGroups(ctx); err != nil {
		return err
	}
	if err := s.deps.Repo.ResetAssignments(ctx); err != nil {
		return err
	}

	toks, err := s.deps.Repo.ListLiveTokens(ctx)
	if err != nil {
		return err
	}

	log.Info().Int("tokens", len(toks)).Msg("startup reconciliation: re-placing live tokens")
	s.placeTokens(ctx, toks)
	return nil
}

// shutdownAll 退出时有序关停所有连接组（组记录保留由下次对账清除）
func (s *Service) shutdownAll(ctx context.Context) {
	for id, g := range s.groups {
		g.Shutdown(ctx)
		delete(s.groups, id)
	}
}

func (s *Service) logStats() {
	applied, unresolved := s.deps.Orders.Stats()
	log.Info().
		Int("groups", len(s.groups)).
		Uint64("tokens_placed", s.stats.TokensPlaced).
		Uint64("tokens_removed", s.stats.TokensRemoved).
		Uint64("groups_opened", s.stats.GroupsOpened).
		Uint64("groups_closed", s.stats.GroupsClosed).
		Uint64("balances_flushed", s.deps.Balances.Flushed()).
		Uint64("orders_applied", applied).
		Uint64("orders_unresolved", unresolved).
		Msg("fleet stats")
}
