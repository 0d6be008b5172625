package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
	"udsmux/internal/domain/model"
	domainservice "udsmux/internal/domain/service"
)

// 连接组状态机：empty → starting → running → restarting → running
//                                   └→ shutting_down → closed
const (
	GroupStateEmpty        = "empty"
	GroupStateStarting     = "starting"
	GroupStateRunning      = "running"
	GroupStateRestarting   = "restarting"
	GroupStateShuttingDown = "shutting_down"
	GroupStateClosed       = "closed"
)

var ErrGroupClosed = errors.New("connection group closed")

// connPair 一代冗余连接对及其读任务的取消句柄
type connPair struct {
	conns  []port.StreamConn
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// ConnectionGroup 连接组
// 两条物理连接订阅完全相同的成员 token 集（全冗余，非分片），
// 事件经去重器后路由到余额/订单写入器。成员变更采用 make-before-break：
// 先起新连接对并重叠运行 Overlap 时长，再关闭旧对，切换期间无丢失窗口
type ConnectionGroup struct {
	id       string
	dialer   port.StreamDialer
	repo     port.Repository
	dedup    *domainservice.EventDeduplicator
	balances *BalanceWriter
	orders   *OrderWriter

	Overlap time.Duration // 新旧连接对的重叠窗口

	mu      sync.Mutex
	state   string
	members map[string]*model.StreamToken // token -> 成员元数据
	active  *connPair
}

func NewConnectionGroup(
	dialer port.StreamDialer,
	repo port.Repository,
	dedup *domainservice.EventDeduplicator,
	balances *BalanceWriter,
	orders *OrderWriter,
	overlap time.Duration,
) *ConnectionGroup {
	if overlap <= 0 {
		overlap = 5 * time.Second
	}
	return &ConnectionGroup{
		id:       uuid.NewString(),
		dialer:   dialer,
		repo:     repo,
		dedup:    dedup,
		balances: balances,
		orders:   orders,
		Overlap:  overlap,
		state:    GroupStateEmpty,
		members:  make(map[string]*model.StreamToken),
	}
}

func (g *ConnectionGroup) ID() string { return g.id }

func (g *ConnectionGroup) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *ConnectionGroup) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Members 返回当前成员快照
func (g *ConnectionGroup) Members() []*model.StreamToken {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*model.StreamToken, 0, len(g.members))
	for _, t := range g.members {
		out = append(out, t)
	}
	return out
}

// Start 打开冗余连接对并持久化组记录
func (g *ConnectionGroup) Start(ctx context.Context, members []*model.StreamToken) error {
	g.mu.Lock()
	if g.state != GroupStateEmpty {
		g.mu.Unlock()
		return errors.New("connection group already started")
	}
	g.state = GroupStateStarting
	g.setMembersLocked(members)
	g.mu.Unlock()

	pair, err := g.dialPair(ctx, tokenList(members))
	if err != nil {
		g.mu.Lock()
		g.state = GroupStateEmpty
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	g.active = pair
	g.state = GroupStateRunning
	g.mu.Unlock()

	if err := g.repo.CreateGroup(ctx, g.record(len(members), true)); err != nil {
		log.Error().Err(err).Str("group", g.id).Msg("persist group record failed")
	}

	log.Info().Str("group", g.id).Int("members", len(members)).Msg("connection group started")
	return nil
}

// UpdateAndRestart 以新成员集重启连接对（make-before-break）
// 新对先于旧对启动并重叠运行 Overlap 时长，保证切换边界上的事件
// 至少被新旧其中一对收到一次；重复副本由去重器吸收
func (g *ConnectionGroup) UpdateAndRestart(ctx context.Context, members []*model.StreamToken) error {
	g.mu.Lock()
	if g.state == GroupStateClosed || g.state == GroupStateShuttingDown {
		g.mu.Unlock()
		return ErrGroupClosed
	}
	g.state = GroupStateRestarting
	old := g.active
	prev := g.members
	// 新成员立即生效：重叠期内两对连接的事件都按新表路由
	g.setMembersLocked(members)
	g.mu.Unlock()

	pair, err := g.dialPair(ctx, tokenList(members))
	if err != nil {
		g.mu.Lock()
		// 保留旧连接对继续服务，成员表也回退到旧对实际订阅的集合
		g.members = prev
		g.state = GroupStateRunning
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	g.active = pair
	g.mu.Unlock()

	// 重叠窗口：两代连接对同时读取，避免产生断流窗口
	select {
	case <-ctx.Done():
	case <-time.After(g.Overlap):
	}

	if old != nil {
		old.stop()
	}

	g.mu.Lock()
	g.state = GroupStateRunning
	g.mu.Unlock()

	if err := g.repo.UpdateGroup(ctx, g.record(len(members), true)); err != nil {
		log.Error().Err(err).Str("group", g.id).Msg("update group record failed")
	}

	log.Info().Str("group", g.id).Int("members", len(members)).Msg("connection group restarted")
	return nil
}

// Shutdown 取消读任务、关闭连接并删除组记录
func (g *ConnectionGroup) Shutdown(ctx context.Context) {
	g.mu.Lock()
	if g.state == GroupStateClosed {
		g.mu.Unlock()
		return
	}
	g.state = GroupStateShuttingDown
	pair := g.active
	g.active = nil
	g.members = make(map[string]*model.StreamToken)
	g.mu.Unlock()

	if pair != nil {
		pair.stop()
	}

	if err := g.repo.DeleteGroup(ctx, g.id); err != nil {
		log.Error().Err(err).Str("group", g.id).Msg("delete group record failed")
	}

	g.mu.Lock()
	g.state = GroupStateClosed
	g.mu.Unlock()

	log.Info().Str("group", g.id).Msg("connection group shut down")
}

// dialPair 建立一代冗余连接对并启动各自的读任务
func (g *ConnectionGroup) dialPair(ctx context.Context, tokens []string) (*connPair, error) {
	pctx, cancel := context.WithCancel(ctx)
	pair := &connPair{cancel: cancel}

	for i := 0; i < 2; i++ {
		conn, err := g.dialer.Dial(pctx, tokens)
		if err != nil {
			pair.stop()
			return nil, err
		}
		pair.conns = append(pair.conns, conn)

		pair.done.Add(1)
		go func(c port.StreamConn) {
			defer pair.done.Done()
			g.readTask(c)
		}(conn)
	}
	return pair, nil
}

// readTask 消费一条连接的事件直至其通道关闭
// 单条坏事件不会终止循环
func (g *ConnectionGroup) readTask(conn port.StreamConn) {
	for ev := range conn.Events() {
		g.route(ev)
	}
}

// route 事件路由：去重 → 成员解析 → 写入器
func (g *ConnectionGroup) route(ev port.StreamEvent) {
	if g.dedup.Seen(ev.Raw) {
		return
	}

	g.mu.Lock()
	member, ok := g.members[ev.Token]
	g.mu.Unlock()
	if !ok {
		// 旧连接对残留的已移除成员事件
		return
	}

	switch ev.Kind {
	case port.EventKindBalance:
		for i := range ev.Balances {
			b := ev.Balances[i]
			b.AccountID = member.AccountID
			b.Segment = member.Segment
			g.balances.Add(&b)
		}
	case port.EventKindOrder:
		if ev.Order == nil {
			return
		}
		o := *ev.Order
		o.AccountID = member.AccountID
		g.orders.Add(&o)
	default:
		log.Debug().Str("kind", ev.Kind).Msg("unhandled stream event kind")
	}
}

func (g *ConnectionGroup) setMembersLocked(members []*model.StreamToken) {
	m := make(map[string]*model.StreamToken, len(members))
	for _, t := range members {
		m[t.Token] = t
	}
	g.members = m
}

func (g *ConnectionGroup) record(count int, connected bool) *model.ConnectionGroup {
	return &model.ConnectionGroup{
		ID:           g.id,
		TransportURL: g.dialer.BaseURL(),
		MemberCount:  count,
		Connected:    connected,
		UpdatedAt:    time.Now().UnixMilli(),
	}
}

// stop 取消读任务并显式关闭连接，保证不泄漏 socket
func (p *connPair) stop() {
	p.cancel()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.done.Wait()
}

func tokenList(members []*model.StreamToken) []string {
	out := make([]string, 0, len(members))
	for _, t := range members {
		out = append(out, t.Token)
	}
	return out
}
