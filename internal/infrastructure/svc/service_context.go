package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"udsmux/internal/application/port"
	"udsmux/internal/application/service"
	"udsmux/internal/application/usecase/fleet"
	"udsmux/internal/domain/model"
	"udsmux/internal/infrastructure/config"
	"udsmux/internal/infrastructure/exchange/binance"
	"udsmux/internal/infrastructure/storage/postgres"
	redisrepo "udsmux/internal/infrastructure/storage/redis"
	"udsmux/internal/infrastructure/storage/sqlite"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	repo        port.Repository
	redisClient *redisclient.Client
	priceCache  *redisrepo.PriceCache
	controlBus  *redisrepo.ControlBus

	// 应用业务组件（依赖基础设施）
	TokenManager  *service.TokenManager
	BalanceWriter *service.BalanceWriter
	OrderWriter   *service.OrderWriter
	Fleet         *fleet.Service

	// 控制面事件汇流：ControlBus 订阅与续期任务共用
	Events chan model.MembershipEvent

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Events:      make(chan model.MembershipEvent, 256),
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化所有组件
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initStorage(); err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	if err := sc.initRedis(); err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}

	tokenClient := binance.NewListenKeyClient(sc.Config.Binance.RestURL)
	dialer := binance.NewUserStreamDialer(sc.Config.Binance.WsURL)

	sc.TokenManager = service.NewTokenManager(
		tokenClient,
		sc.repo,
		time.Duration(sc.Config.Stream.RenewEveryMin)*time.Minute,
	)
	sc.TokenManager.Snapshotter = tokenClient

	sc.BalanceWriter = service.NewBalanceWriter(
		sc.repo,
		time.Duration(sc.Config.Writer.BalanceFlushSec)*time.Second,
	)
	sc.OrderWriter = service.NewOrderWriter(
		sc.repo,
		sc.priceCache,
		time.Duration(sc.Config.Writer.OrderFlushSec)*time.Second,
		sc.Config.Writer.ReferenceAsset,
	)

	sc.Fleet = fleet.NewService(fleet.ServiceDeps{
		Repo:          sc.repo,
		Tokens:        sc.TokenManager,
		Dialer:        dialer,
		Balances:      sc.BalanceWriter,
		Orders:        sc.OrderWriter,
		Events:        sc.Events,
		Capacity:      sc.Config.Stream.Capacity,
		Overlap:       time.Duration(sc.Config.Stream.OverlapSeconds) * time.Second,
		DedupWindow:   sc.Config.Stream.DedupWindow,
		StatsEveryMin: sc.Config.App.StatsEveryMin,
	})

	log.Info().Msg("✓ All components initialized")
	return nil
}

// initStorage 初始化存储后端（postgres 或 sqlite 二选一）
func (sc *ServiceContext) initStorage() error {
	switch {
	case sc.Config.Postgres.Enabled:
		repo, err := postgres.New(sc.Config.Postgres.DSN)
		if err != nil {
			return err
		}
		sc.repo = repo
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing postgres connection")
			return repo.Close()
		})
		log.Info().Msg("✓ Postgres initialized")

	case sc.Config.SQLite.Enabled:
		repo, err := sqlite.New(sc.Config.SQLite.Path)
		if err != nil {
			return err
		}
		sc.repo = repo
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().Str("path", sc.Config.SQLite.Path).Msg("✓ SQLite initialized")

	default:
		return ErrNoStorageEnabled
	}
	return nil
}

// initRedis 初始化 Redis 连接、价格缓存与控制总线
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	sc.priceCache = redisrepo.NewPriceCache(rdb, sc.Config.Redis.Prefix, sc.Config.Redis.PriceExchange)
	sc.controlBus = redisrepo.NewControlBus(rdb, sc.Config.Redis.ControlChannel)

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")

	return nil
}

// StartControlFeed 订阅控制频道并汇入统一事件通道
func (sc *ServiceContext) StartControlFeed(ctx context.Context) error {
	events, err := sc.controlBus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrControlBusUnavailable, err)
	}

	go func() {
		for ev := range events {
			select {
			case sc.Events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// GetRepository 获取存储仓储
func (sc *ServiceContext) GetRepository() port.Repository {
	return sc.repo
}

// Close 按相反顺序关闭 ServiceContext 中的所有资源
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	return nil
}
