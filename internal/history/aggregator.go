package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/calculator"
	"github.com/life2you_mini/fundingarb/internal/exchange"
	"github.com/life2you_mini/fundingarb/internal/model"
)

// 常量定义
const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultPacingDelay  = 200 * time.Millisecond // 币种间请求间隔，迁就上游限流
)

// Aggregator 历史资金费率聚合器
// 把两个交易所的历史结算记录折算成各自的平均小时费率，并记录双边数据起点
type Aggregator struct {
	lighter      exchange.Exchange
	hyperliquid  exchange.Exchange
	logger       *zap.Logger
	pacing       time.Duration
	fetchTimeout time.Duration
}

// NewAggregator 创建历史资金费率聚合器
func NewAggregator(lighter, hyperliquid exchange.Exchange, logger *zap.Logger, pacing, fetchTimeout time.Duration) *Aggregator {
	if pacing < 0 {
		pacing = DefaultPacingDelay
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Aggregator{
		lighter:      lighter,
		hyperliquid:  hyperliquid,
		logger:       logger,
		pacing:       pacing,
		fetchTimeout: fetchTimeout,
	}
}

// PeriodWindow 根据周期名推导查询窗口 [start, now]
// 窗口起点不会早于当年1月1日，Lighter的历史接口在年初有硬性留存下限
func PeriodWindow(period string, now time.Time) (time.Time, time.Time) {
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	var start time.Time
	switch period {
	case model.Period7D:
		start = now.Add(-7 * 24 * time.Hour)
	case model.Period30D:
		start = now.Add(-30 * 24 * time.Hour)
	default:
		// ytd以及未知周期都回落到当年起点
		start = yearStart
	}

	if start.Before(yearStart) {
		start = yearStart
	}
	return start, now
}

// AverageRates 对一批币种计算窗口内的平均小时费率
// 单个币种的两次交易所查询并发执行，币种之间按固定间隔推进；
// 任一侧获取失败或窗口内无数据时该币种整体缺席，不影响批次其余币种
func (a *Aggregator) AverageRates(ctx context.Context, symbols []string, start, end time.Time) (*model.AverageRates, error) {
	result := &model.AverageRates{
		LighterHourly:     make(map[string]float64),
		HyperliquidHourly: make(map[string]float64),
		DataStartDates:    make(map[string]int64),
	}

	for i, symbol := range symbols {
		if i > 0 && a.pacing > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(a.pacing):
			}
		}

		fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)

		var wg sync.WaitGroup
		var lighterEntries, hyperEntries []*model.HistoricalFundingEntry
		var lighterErr, hyperErr error

		// 两条腿并发取数，一侧失败不会打断另一侧
		wg.Add(2)
		go func() {
			defer wg.Done()
			lighterEntries, lighterErr = a.lighter.FundingHistory(fetchCtx, symbol, start, end)
		}()
		go func() {
			defer wg.Done()
			hyperEntries, hyperErr = a.fetchHyperliquidHistory(fetchCtx, symbol, start, end)
		}()
		wg.Wait()
		cancel()

		if lighterErr != nil || hyperErr != nil {
			a.logger.Warn("获取历史资金费率失败，跳过该币种",
				zap.String("symbol", symbol),
				zap.NamedError("lighter_error", lighterErr),
				zap.NamedError("hyperliquid_error", hyperErr),
			)
			continue
		}

		// 任一交易所窗口内无数据时该币种不参与本周期结果，不按零费率处理
		if len(lighterEntries) == 0 || len(hyperEntries) == 0 {
			continue
		}

		lighterAvg, lighterFirst := averageHourly(lighterEntries)
		hyperAvg, hyperFirst := averageHourly(hyperEntries)

		result.LighterHourly[symbol] = lighterAvg
		result.HyperliquidHourly[symbol] = hyperAvg
		// 套利只在两边都有数据之后才存在，取两边首条数据中较晚的一个
		result.DataStartDates[symbol] = maxInt64(lighterFirst, hyperFirst)
	}

	return result, nil
}

// fetchHyperliquidHistory 按先精确后前缀转换的顺序查询Hyperliquid历史费率
// 历史接口的前缀字母用小写k
func (a *Aggregator) fetchHyperliquidHistory(ctx context.Context, symbol string, start, end time.Time) ([]*model.HistoricalFundingEntry, error) {
	entries, err := a.hyperliquid.FundingHistory(ctx, symbol, start, end)
	if err == nil && len(entries) > 0 {
		return entries, nil
	}

	alt, ok := calculator.AltSymbol(symbol, false)
	if !ok {
		return entries, err
	}

	altEntries, altErr := a.hyperliquid.FundingHistory(ctx, alt, start, end)
	if altErr == nil && len(altEntries) > 0 {
		return altEntries, nil
	}

	// 两个候选都没有结果时，保留原始查询的结论
	return entries, err
}

// averageHourly 计算记录列表的无权重平均小时费率与最早结算时间
// 每条记录按自身的结算周期折算小时费率
func averageHourly(entries []*model.HistoricalFundingEntry) (float64, int64) {
	var sum float64
	first := entries[0].Timestamp
	for _, entry := range entries {
		sum += calculator.ToHourly(entry.Rate, entry.PeriodHours)
		if entry.Timestamp < first {
			first = entry.Timestamp
		}
	}
	return sum / float64(len(entries)), first
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
