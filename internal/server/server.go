package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/cache"
	"github.com/life2you_mini/fundingarb/internal/exchange"
	"github.com/life2you_mini/fundingarb/internal/model"
)

// HealthChecker 外部依赖的健康探测接口
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server 对外读接口服务
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	orch        *cache.Orchestrator
	lighter     exchange.Exchange
	hyperliquid exchange.Exchange
	hub         *Hub
	storeHealth HealthChecker // 可为nil
	logger      *zap.Logger
}

// NewServer 创建HTTP服务
func NewServer(
	listenAddr string,
	allowedOrigins []string,
	orch *cache.Orchestrator,
	lighter, hyperliquid exchange.Exchange,
	hub *Hub,
	storeHealth HealthChecker,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware(allowedOrigins))

	s := &Server{
		engine:      engine,
		orch:        orch,
		lighter:     lighter,
		hyperliquid: hyperliquid,
		hub:         hub,
		storeHealth: storeHealth,
		logger:      logger,
	}
	s.httpServer = &http.Server{
		Addr:    listenAddr,
		Handler: engine,
	}

	s.registerRoutes()
	return s
}

// registerRoutes 注册路由
func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.GET("/opportunities", s.handleOpportunities)
		api.GET("/coins", s.handleCoins)
		api.GET("/historical-apr", s.handleHistoricalAPR)
	}

	s.engine.GET("/ws", s.hub.Serve)
}

// Start 启动HTTP服务
func (s *Server) Start() error {
	s.logger.Info("HTTP服务启动", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Engine 返回gin引擎（测试用）
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// handleHealth 健康检查
// 任何情况下都返回200，调用方用字段判断各依赖状态
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":      "ok",
		"lastUpdated": s.orch.LastUpdated(),
	}

	if s.storeHealth != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.storeHealth.Health(ctx); err != nil {
			resp["redis"] = "down"
		} else {
			resp["redis"] = "ok"
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleOpportunities 返回四个周期的套利机会快照
// 永远返回结构完整的响应，调用方通过可用标志区分"没有机会"和"有一侧交易所宕了"
func (s *Server) handleOpportunities(c *gin.Context) {
	snapshot := s.orch.Snapshot(c.Request.Context())
	c.JSON(http.StatusOK, snapshot)
}

// handleCoins 返回两个交易所的合约列表，单侧失败按空列表降级
func (s *Server) handleCoins(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var lighterCoins, hyperCoins []model.Coin
	var lighterErr, hyperErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		lighterCoins, lighterErr = s.lighter.ListCoins(ctx)
	}()
	go func() {
		defer wg.Done()
		hyperCoins, hyperErr = s.hyperliquid.ListCoins(ctx)
	}()
	wg.Wait()

	if lighterErr != nil {
		s.logger.Warn("获取Lighter合约列表失败", zap.Error(lighterErr))
		lighterCoins = []model.Coin{}
	}
	if hyperErr != nil {
		s.logger.Warn("获取Hyperliquid合约列表失败", zap.Error(hyperErr))
		hyperCoins = []model.Coin{}
	}

	c.JSON(http.StatusOK, gin.H{
		"lighter":              lighterCoins,
		"hyperliquid":          hyperCoins,
		"lighterAvailable":     lighterErr == nil,
		"hyperliquidAvailable": hyperErr == nil,
	})
}

// handleHistoricalAPR 返回单币种在指定做多方向下的年初至今年化净收益
func (s *Server) handleHistoricalAPR(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol参数不能为空"})
		return
	}

	longExchange := model.Exchange(c.DefaultQuery("long", string(model.ExchangeLighter)))

	apr, dataStart, err := s.orch.HistoricalAPR(c.Request.Context(), symbol, longExchange)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":        symbol,
		"longExchange":  longExchange,
		"netAPR":        apr,
		"dataStartDate": dataStart,
	})
}

// corsMiddleware 按允许来源列表处理跨域，列表为空时放行所有来源
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if len(allowed) == 0 || allowed[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
