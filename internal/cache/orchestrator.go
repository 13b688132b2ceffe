package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/calculator"
	"github.com/life2you_mini/fundingarb/internal/exchange"
	"github.com/life2you_mini/fundingarb/internal/history"
	"github.com/life2you_mini/fundingarb/internal/model"
)

// 各结果桶的过期窗口
const (
	TTLRealtime   = 60 * time.Second // 实时桶
	TTLHistorical = time.Hour        // 7d/30d历史桶
	TTLSymbolAPR  = 24 * time.Hour   // 单币种历史年化桶

	DefaultFetchTimeout = 10 * time.Second
	seedPollInterval    = 5 * time.Second // 首轮历史刷新前等待实时桶出数的轮询间隔
)

// bucket 单个结果桶
// 状态机：EMPTY → FRESH → STALE → REFRESHING → FRESH
// refreshing 标志是桶上唯一的并发控制原语，数据与时间戳在一个临界区内整体替换
type bucket struct {
	mu         sync.Mutex
	data       []model.ArbitrageOpportunity
	timestamp  int64 // 毫秒，0表示EMPTY
	refreshing bool
	ttl        time.Duration
}

// snapshot 读取当前数据与时间戳
func (b *bucket) snapshot() ([]model.ArbitrageOpportunity, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data, b.timestamp
}

// tryBeginRefresh 尝试占住刷新标志，已有刷新在途时返回false
func (b *bucket) tryBeginRefresh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshing {
		return false
	}
	b.refreshing = true
	return true
}

// finish 结束一次刷新
// 成功时整体替换数据与时间戳；失败时保持原数据不动、不推进时间戳，
// 桶停留在STALE状态，等待下一次读取或定时触发重试
func (b *bucket) finish(data []model.ArbitrageOpportunity, timestamp int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.data = data
		b.timestamp = timestamp
	}
	b.refreshing = false
}

// stale 判断桶是否已过期
func (b *bucket) stale(now int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now-b.timestamp >= b.ttl.Milliseconds()
}

// SnapshotStore 刷新成功后的快照落库接口，尽力而为，失败只记日志
type SnapshotStore interface {
	StoreOpportunities(ctx context.Context, period string, opportunities []model.ArbitrageOpportunity, updatedAt int64) error
}

// aprEntry 单币种历史年化缓存条目
type aprEntry struct {
	apr       float64
	dataStart int64
	timestamp int64 // 毫秒
}

// Orchestrator 缓存与刷新调度器
// 独占持有全部结果桶，对外只暴露读取与刷新操作，其余组件拿到的都是值拷贝
type Orchestrator struct {
	lighter     exchange.Exchange
	hyperliquid exchange.Exchange
	aggregator  *history.Aggregator
	store       SnapshotStore // 可为nil
	logger      *zap.Logger

	buckets map[string]*bucket

	aprMu       sync.Mutex
	aprCache    map[string]*aprEntry
	aprInFlight map[string]bool

	availMu              sync.RWMutex
	lighterAvailable     bool
	hyperliquidAvailable bool

	fetchTimeout       time.Duration
	realtimeInterval   time.Duration
	historicalInterval time.Duration
}

// NewOrchestrator 创建缓存与刷新调度器
func NewOrchestrator(
	lighter, hyperliquid exchange.Exchange,
	aggregator *history.Aggregator,
	store SnapshotStore,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		lighter:     lighter,
		hyperliquid: hyperliquid,
		aggregator:  aggregator,
		store:       store,
		logger:      logger,
		buckets: map[string]*bucket{
			model.PeriodRealtime: {ttl: TTLRealtime},
			model.Period7D:       {ttl: TTLHistorical},
			model.Period30D:      {ttl: TTLHistorical},
			model.PeriodYTD:      {ttl: TTLHistorical},
		},
		aprCache:           make(map[string]*aprEntry),
		aprInFlight:        make(map[string]bool),
		fetchTimeout:       DefaultFetchTimeout,
		realtimeInterval:   TTLRealtime,
		historicalInterval: TTLHistorical,
	}
}

// SetRefreshIntervals 设置定时刷新间隔（测试用）
func (o *Orchestrator) SetRefreshIntervals(realtime, historical time.Duration) {
	if realtime > 0 {
		o.realtimeInterval = realtime
	}
	if historical > 0 {
		o.historicalInterval = historical
	}
}

// SetFetchTimeout 设置上游请求超时
func (o *Orchestrator) SetFetchTimeout(timeout time.Duration) {
	if timeout > 0 {
		o.fetchTimeout = timeout
	}
}

// Prime 用外部存储里的快照预填桶，跨重启后读取方不必从空桶起步
// 只对EMPTY桶生效；时间戳沿用快照的落库时间，过期判定照常，
// 预填的旧数据会在首次读取或定时触发时照常换新
func (o *Orchestrator) Prime(period string, opportunities []model.ArbitrageOpportunity, updatedAt int64) bool {
	b, exists := o.buckets[period]
	if !exists || len(opportunities) == 0 || updatedAt <= 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timestamp != 0 {
		return false
	}
	b.data = copyOpportunities(opportunities)
	b.timestamp = updatedAt
	return true
}

// Start 启动定时刷新任务
// 实时桶按自身TTL的节奏主动刷新；历史桶等实时桶产出非空币种列表后开始
func (o *Orchestrator) Start(ctx context.Context) {
	go o.realtimeLoop(ctx)
	go o.historicalLoop(ctx)
}

// realtimeLoop 实时桶定时刷新
func (o *Orchestrator) realtimeLoop(ctx context.Context) {
	// 启动时立即执行一次
	o.refreshBucket(ctx, model.PeriodRealtime)

	ticker := time.NewTicker(o.realtimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("实时刷新任务停止")
			return
		case <-ticker.C:
			o.refreshBucket(ctx, model.PeriodRealtime)
		}
	}
}

// historicalLoop 历史桶定时刷新
func (o *Orchestrator) historicalLoop(ctx context.Context) {
	// 历史刷新依赖实时刷新产出的币种列表做种子
	waitTicker := time.NewTicker(seedPollInterval)
	for len(o.seedSymbols()) == 0 {
		select {
		case <-ctx.Done():
			waitTicker.Stop()
			return
		case <-waitTicker.C:
		}
	}
	waitTicker.Stop()

	o.refreshBucket(ctx, model.Period7D)
	o.refreshBucket(ctx, model.Period30D)

	ticker := time.NewTicker(o.historicalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("历史刷新任务停止")
			return
		case <-ticker.C:
			o.refreshBucket(ctx, model.Period7D)
			o.refreshBucket(ctx, model.Period30D)
		}
	}
}

// GetOpportunities 读取指定周期的套利机会
// FRESH直接返回；EMPTY实时桶做一次同步刷新，阻塞上限是上游请求超时；
// EMPTY历史桶的补数是逐币种串行的，耗时没有单请求级别的上界，
// 和STALE一样只异步触发，读取方立即拿到空结果；
// STALE返回旧数据并触发至多一个异步刷新
func (o *Orchestrator) GetOpportunities(ctx context.Context, period string) []model.ArbitrageOpportunity {
	b, exists := o.buckets[period]
	if !exists {
		return []model.ArbitrageOpportunity{}
	}

	// ytd桶是刻意的空桶：Lighter的历史留存从年初开始，全年口径无法核实
	if period == model.PeriodYTD {
		return []model.ArbitrageOpportunity{}
	}

	data, timestamp := b.snapshot()
	now := time.Now().UnixMilli()

	if timestamp == 0 {
		if period == model.PeriodRealtime {
			// EMPTY实时桶：同步刷新一次
			if b.tryBeginRefresh() {
				o.runRefresh(ctx, period)
				data, _ = b.snapshot()
			}
		} else if b.tryBeginRefresh() {
			go o.runRefresh(context.WithoutCancel(ctx), period)
		}
		return copyOpportunities(data)
	}

	if now-timestamp >= b.ttl.Milliseconds() {
		// STALE：不等待，把旧数据还给调用方，后台补一次刷新
		if b.tryBeginRefresh() {
			go o.runRefresh(context.WithoutCancel(ctx), period)
		}
	}

	return copyOpportunities(data)
}

// Snapshot 组装读接口的完整快照，读取过程会按需触发刷新
func (o *Orchestrator) Snapshot(ctx context.Context) *model.OpportunitiesSnapshot {
	snapshot := &model.OpportunitiesSnapshot{
		Opportunities: model.OpportunitiesByPeriod{
			Realtime:  o.GetOpportunities(ctx, model.PeriodRealtime),
			SevenDay:  o.GetOpportunities(ctx, model.Period7D),
			ThirtyDay: o.GetOpportunities(ctx, model.Period30D),
			YTD:       o.GetOpportunities(ctx, model.PeriodYTD),
		},
		LastUpdated: o.LastUpdated(),
	}
	snapshot.LighterAvailable, snapshot.HyperliquidAvailable = o.Availability()
	return snapshot
}

// CachedSnapshot 只读取当前缓存内容，不触发任何刷新，供推送通道使用
func (o *Orchestrator) CachedSnapshot() model.OpportunitiesByPeriod {
	realtime, _ := o.buckets[model.PeriodRealtime].snapshot()
	sevenDay, _ := o.buckets[model.Period7D].snapshot()
	thirtyDay, _ := o.buckets[model.Period30D].snapshot()
	return model.OpportunitiesByPeriod{
		Realtime:  copyOpportunities(realtime),
		SevenDay:  copyOpportunities(sevenDay),
		ThirtyDay: copyOpportunities(thirtyDay),
		YTD:       []model.ArbitrageOpportunity{},
	}
}

// LastUpdated 实时桶最近一次成功刷新的时间戳
func (o *Orchestrator) LastUpdated() int64 {
	_, timestamp := o.buckets[model.PeriodRealtime].snapshot()
	return timestamp
}

// Availability 上一轮实时刷新中两个交易所的可用状态
func (o *Orchestrator) Availability() (lighter, hyperliquid bool) {
	o.availMu.RLock()
	defer o.availMu.RUnlock()
	return o.lighterAvailable, o.hyperliquidAvailable
}

// refreshBucket 定时任务入口：占到刷新标志才真正执行
func (o *Orchestrator) refreshBucket(ctx context.Context, period string) {
	b, exists := o.buckets[period]
	if !exists || !b.tryBeginRefresh() {
		return
	}
	o.runRefresh(ctx, period)
}

// runRefresh 执行一次刷新，调用方必须已占住对应桶的刷新标志
func (o *Orchestrator) runRefresh(ctx context.Context, period string) {
	switch period {
	case model.PeriodRealtime:
		o.runRealtimeRefresh(ctx)
	case model.Period7D, model.Period30D:
		o.runHistoricalRefresh(ctx, period)
	default:
		o.buckets[period].finish(nil, 0, false)
	}
}

// runRealtimeRefresh 刷新实时桶
// 两个交易所并发取数；一侧失败按降级处理（结果只剩另一侧，撮合为空），
// 两侧都失败才算刷新失败
func (o *Orchestrator) runRealtimeRefresh(ctx context.Context) {
	b := o.buckets[model.PeriodRealtime]

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var lighterRates, hyperRates []*model.FundingRate
	var lighterErr, hyperErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		lighterRates, lighterErr = o.lighter.CurrentFundingRates(fetchCtx)
	}()
	go func() {
		defer wg.Done()
		hyperRates, hyperErr = o.hyperliquid.CurrentFundingRates(fetchCtx)
	}()
	wg.Wait()

	o.setAvailability(lighterErr == nil, hyperErr == nil)

	if lighterErr != nil {
		o.logger.Warn("获取Lighter实时资金费率失败", zap.Error(lighterErr))
	}
	if hyperErr != nil {
		o.logger.Warn("获取Hyperliquid实时资金费率失败", zap.Error(hyperErr))
	}
	if lighterErr != nil && hyperErr != nil {
		b.finish(nil, 0, false)
		return
	}

	now := time.Now().UnixMilli()
	lighterHourly := hourlyRateMap(lighterRates, calculator.LighterDefaultPeriodHours)
	hyperHourly := hourlyRateMap(hyperRates, calculator.HyperliquidDefaultPeriodHours)

	// 实时撮合用大写K候选，且启用双零剔除
	opportunities := calculator.BuildOpportunities(lighterHourly, hyperHourly, nil, now, true, true)
	b.finish(opportunities, now, true)

	o.logger.Info("实时套利机会已刷新",
		zap.Int("count", len(opportunities)),
		zap.Int("lighter_rates", len(lighterRates)),
		zap.Int("hyperliquid_rates", len(hyperRates)),
	)

	o.persistSnapshot(ctx, model.PeriodRealtime, opportunities, now)
}

// runHistoricalRefresh 刷新单个历史周期桶
func (o *Orchestrator) runHistoricalRefresh(ctx context.Context, period string) {
	b := o.buckets[period]

	symbols := o.seedSymbols()
	if len(symbols) == 0 {
		// 实时桶还没出数，没有种子可查
		b.finish(nil, 0, false)
		return
	}

	start, end := history.PeriodWindow(period, time.Now().UTC())
	averages, err := o.aggregator.AverageRates(ctx, symbols, start, end)
	if err != nil {
		o.logger.Warn("历史资金费率聚合中断", zap.String("period", period), zap.Error(err))
		b.finish(nil, 0, false)
		return
	}

	now := time.Now().UnixMilli()
	// 历史结果的费率表以Lighter币种名为键，精确匹配即可命中；不做双零剔除
	opportunities := calculator.BuildOpportunities(
		averages.LighterHourly,
		averages.HyperliquidHourly,
		averages.DataStartDates,
		now,
		false,
		false,
	)
	b.finish(opportunities, now, true)

	o.logger.Info("历史套利机会已刷新",
		zap.String("period", period),
		zap.Int("count", len(opportunities)),
		zap.Int("seed_symbols", len(symbols)),
	)

	o.persistSnapshot(ctx, period, opportunities, now)
}

// HistoricalAPR 按需计算单币种在指定做多方向下的年初至今年化净收益
// 结果按 (symbol, longExchange) 缓存24小时
func (o *Orchestrator) HistoricalAPR(ctx context.Context, symbol string, longExchange model.Exchange) (float64, int64, error) {
	if longExchange != model.ExchangeLighter && longExchange != model.ExchangeHyperliquid {
		return 0, 0, fmt.Errorf("不支持的交易所: %s", longExchange)
	}

	key := symbol + "|" + string(longExchange)
	now := time.Now().UnixMilli()

	o.aprMu.Lock()
	if entry, exists := o.aprCache[key]; exists && now-entry.timestamp < TTLSymbolAPR.Milliseconds() {
		o.aprMu.Unlock()
		return entry.apr, entry.dataStart, nil
	}
	if o.aprInFlight[key] {
		// 已有计算在途：有旧值给旧值，没有就让调用方稍后重试
		if entry, exists := o.aprCache[key]; exists {
			o.aprMu.Unlock()
			return entry.apr, entry.dataStart, nil
		}
		o.aprMu.Unlock()
		return 0, 0, fmt.Errorf("历史年化正在计算中: %s", symbol)
	}
	o.aprInFlight[key] = true
	o.aprMu.Unlock()

	defer func() {
		o.aprMu.Lock()
		delete(o.aprInFlight, key)
		o.aprMu.Unlock()
	}()

	start, end := history.PeriodWindow(model.PeriodYTD, time.Now().UTC())
	averages, err := o.aggregator.AverageRates(ctx, []string{symbol}, start, end)
	if err != nil {
		return 0, 0, err
	}

	lighterHourly, lighterOK := averages.LighterHourly[symbol]
	hyperHourly, hyperOK := averages.HyperliquidHourly[symbol]
	if !lighterOK || !hyperOK {
		return 0, 0, fmt.Errorf("历史数据不足: %s", symbol)
	}

	var apr float64
	if longExchange == model.ExchangeLighter {
		apr = calculator.NetAPR(lighterHourly, hyperHourly)
	} else {
		apr = calculator.NetAPR(hyperHourly, lighterHourly)
	}
	dataStart := averages.DataStartDates[symbol]

	o.aprMu.Lock()
	o.aprCache[key] = &aprEntry{apr: apr, dataStart: dataStart, timestamp: time.Now().UnixMilli()}
	o.aprMu.Unlock()

	return apr, dataStart, nil
}

// seedSymbols 取实时桶中已撮合成功的币种列表，作为历史查询的种子
func (o *Orchestrator) seedSymbols() []string {
	data, _ := o.buckets[model.PeriodRealtime].snapshot()
	symbols := make([]string, 0, len(data))
	for _, opp := range data {
		symbols = append(symbols, opp.Symbol)
	}
	return symbols
}

// setAvailability 记录两个交易所的可用状态
func (o *Orchestrator) setAvailability(lighter, hyperliquid bool) {
	o.availMu.Lock()
	defer o.availMu.Unlock()
	o.lighterAvailable = lighter
	o.hyperliquidAvailable = hyperliquid
}

// persistSnapshot 把刷新结果镜像到外部存储，失败只记日志
func (o *Orchestrator) persistSnapshot(ctx context.Context, period string, opportunities []model.ArbitrageOpportunity, updatedAt int64) {
	if o.store == nil {
		return
	}
	if err := o.store.StoreOpportunities(ctx, period, opportunities, updatedAt); err != nil {
		o.logger.Warn("快照落库失败", zap.String("period", period), zap.Error(err))
	}
}

// hourlyRateMap 把一批实时费率折算成以币种名为键的小时费率表
func hourlyRateMap(rates []*model.FundingRate, defaultPeriodHours float64) map[string]float64 {
	result := make(map[string]float64, len(rates))
	for _, rate := range rates {
		periodHours := rate.PeriodHours
		if periodHours <= 0 {
			periodHours = defaultPeriodHours
		}
		result[rate.Symbol] = calculator.ToHourly(rate.Rate, periodHours)
	}
	return result
}

// copyOpportunities 返回桶数据的拷贝，调用方拿不到桶内切片的可写引用
func copyOpportunities(data []model.ArbitrageOpportunity) []model.ArbitrageOpportunity {
	result := make([]model.ArbitrageOpportunity, len(data))
	copy(result, data)
	return result
}
