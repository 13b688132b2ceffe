package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/cache"
	"github.com/life2you_mini/fundingarb/internal/config"
	"github.com/life2you_mini/fundingarb/internal/exchange"
	"github.com/life2you_mini/fundingarb/internal/history"
	"github.com/life2you_mini/fundingarb/internal/model"
	"github.com/life2you_mini/fundingarb/internal/server"
	"github.com/life2you_mini/fundingarb/internal/storage"
)

// fundingArbService 资金费率套利聚合服务
type fundingArbService struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       *zap.Logger
	orchestrator *cache.Orchestrator
	httpServer   *server.Server
	hub          *server.Hub
	redisStorage *storage.RedisStorage
}

// NewFundingArbService 创建新的资金费率套利聚合服务
func NewFundingArbService(
	parentCtx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
) (*fundingArbService, error) {
	ctx, cancel := context.WithCancel(parentCtx)

	// 创建交易所工厂
	factory := exchange.CreateExchangeFactory(
		logger,
		cfg.Exchanges.Lighter.BaseURL,
		cfg.Exchanges.Hyperliquid.BaseURL,
	)
	lighter, _ := factory.Get(model.ExchangeLighter)
	hyperliquid, _ := factory.Get(model.ExchangeHyperliquid)

	// 初始化可选的Redis快照镜像
	var redisStorage *storage.RedisStorage
	var snapshotStore cache.SnapshotStore
	var storeHealth server.HealthChecker
	if cfg.Redis.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		redisStorage = storage.NewRedisStorage(addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix, logger)
		if err := redisStorage.Initialize(ctx); err != nil {
			cancel()
			return nil, fmt.Errorf("初始化Redis存储失败: %w", err)
		}
		snapshotStore = redisStorage
		storeHealth = redisStorage
	}

	fetchTimeout := time.Duration(cfg.System.FetchTimeoutSeconds) * time.Second
	pacing := time.Duration(cfg.System.HistoryPacingMillis) * time.Millisecond

	// 创建历史费率聚合器与缓存调度器
	aggregator := history.NewAggregator(
		lighter,
		hyperliquid,
		logger.With(zap.String("component", "history")),
		pacing,
		fetchTimeout,
	)
	orchestrator := cache.NewOrchestrator(
		lighter,
		hyperliquid,
		aggregator,
		snapshotStore,
		logger.With(zap.String("component", "cache")),
	)
	orchestrator.SetFetchTimeout(fetchTimeout)

	// 用Redis里的最近快照预热空桶，预填数据按正常的过期规则换新
	if redisStorage != nil {
		for _, period := range []string{model.PeriodRealtime, model.Period7D, model.Period30D} {
			opportunities, updatedAt, err := redisStorage.LoadOpportunities(ctx, period)
			if err != nil {
				logger.Warn("读取快照预热失败", zap.String("period", period), zap.Error(err))
				continue
			}
			if orchestrator.Prime(period, opportunities, updatedAt) {
				logger.Info("周期桶已从快照预热",
					zap.String("period", period),
					zap.Int("count", len(opportunities)),
				)
			}
		}
	}

	// 创建推送通道与HTTP服务
	broadcastInterval := time.Duration(cfg.System.BroadcastIntervalSeconds) * time.Second
	hub := server.NewHub(
		orchestrator,
		logger.With(zap.String("component", "hub")),
		cfg.Server.AllowedOrigins,
		broadcastInterval,
	)
	httpServer := server.NewServer(
		cfg.Server.ListenAddr,
		cfg.Server.AllowedOrigins,
		orchestrator,
		lighter,
		hyperliquid,
		hub,
		storeHealth,
		logger.With(zap.String("component", "server")),
	)

	return &fundingArbService{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		orchestrator: orchestrator,
		httpServer:   httpServer,
		hub:          hub,
		redisStorage: redisStorage,
	}, nil
}

// Start 启动服务
func (s *fundingArbService) Start() {
	s.logger.Info("启动资金费率套利聚合服务")

	// 启动缓存刷新调度
	s.orchestrator.Start(s.ctx)

	// 启动WebSocket播发
	go s.hub.Run(s.ctx)

	// 启动HTTP服务
	go func() {
		if err := s.httpServer.Start(); err != nil {
			s.logger.Error("HTTP服务启动失败", zap.Error(err))
		}
	}()
}

// Stop 停止服务
func (s *fundingArbService) Stop(ctx context.Context) error {
	s.logger.Info("停止资金费率套利聚合服务")

	// 先停HTTP服务，拒绝新请求
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP服务关闭失败", zap.Error(err))
	}

	// 取消服务上下文，停掉刷新与播发任务
	s.cancel()

	// 关闭Redis连接
	if s.redisStorage != nil {
		if err := s.redisStorage.Close(); err != nil {
			s.logger.Error("关闭Redis连接失败", zap.Error(err))
		}
	}

	return nil
}
