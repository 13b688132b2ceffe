package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/fundingarb/internal/history"
	"github.com/life2you_mini/fundingarb/internal/mocks"
	"github.com/life2you_mini/fundingarb/internal/model"
)

func fundingRates(exchange model.Exchange, periodHours float64, symbolRates map[string]float64) []*model.FundingRate {
	result := make([]*model.FundingRate, 0, len(symbolRates))
	for symbol, rate := range symbolRates {
		result = append(result, &model.FundingRate{
			Symbol:      symbol,
			Exchange:    exchange,
			Rate:        rate,
			Timestamp:   time.Now().UnixMilli(),
			PeriodHours: periodHours,
		})
	}
	return result
}

func historyEntries(periodHours float64, rates ...float64) []*model.HistoricalFundingEntry {
	result := make([]*model.HistoricalFundingEntry, 0, len(rates))
	ts := int64(1735689600000)
	for i, rate := range rates {
		result = append(result, &model.HistoricalFundingEntry{
			Rate:        rate,
			Timestamp:   ts + int64(i)*3600000,
			PeriodHours: periodHours,
		})
	}
	return result
}

func newTestOrchestrator(t *testing.T, lighter, hyperliquid *mocks.Exchange) *Orchestrator {
	logger := zaptest.NewLogger(t)
	aggregator := history.NewAggregator(lighter, hyperliquid, logger, 0, time.Second)
	return NewOrchestrator(lighter, hyperliquid, aggregator, nil, logger)
}

// markStale 把桶的时间戳拨回到TTL之外，模拟过期
func markStale(o *Orchestrator, period string) {
	b := o.buckets[period]
	b.mu.Lock()
	b.timestamp = time.Now().Add(-2 * b.ttl).UnixMilli()
	b.mu.Unlock()
}

// bucketRefreshing 读取桶的刷新在途标志
func bucketRefreshing(o *Orchestrator, period string) bool {
	b := o.buckets[period]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshing
}

func TestGetOpportunitiesEmptyBucket(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001}), nil)
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002}), nil)

	o := newTestOrchestrator(t, lighter, hyper)

	// EMPTY桶的首次读取触发同步刷新
	opps := o.GetOpportunities(context.Background(), model.PeriodRealtime)
	assert.Len(t, opps, 1)
	assert.Equal(t, "BTC", opps[0].Symbol)
	assert.InDelta(t, 6.57, opps[0].NetAPR, 1e-9)
	lighter.AssertNumberOfCalls(t, "CurrentFundingRates", 1)

	// FRESH桶的读取不再触碰上游
	opps = o.GetOpportunities(context.Background(), model.PeriodRealtime)
	assert.Len(t, opps, 1)
	lighter.AssertNumberOfCalls(t, "CurrentFundingRates", 1)
	hyper.AssertNumberOfCalls(t, "CurrentFundingRates", 1)

	lighterOK, hyperOK := o.Availability()
	assert.True(t, lighterOK)
	assert.True(t, hyperOK)
	assert.NotZero(t, o.LastUpdated())
}

func TestGetOpportunitiesBothVenuesDown(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).Return(nil, errors.New("连接超时"))
	hyper.On("CurrentFundingRates", mock.Anything).Return(nil, errors.New("503"))

	o := newTestOrchestrator(t, lighter, hyper)

	opps := o.GetOpportunities(context.Background(), model.PeriodRealtime)
	assert.Empty(t, opps)
	// 刷新失败不推进时间戳，桶保持EMPTY
	assert.Zero(t, o.LastUpdated())

	lighterOK, hyperOK := o.Availability()
	assert.False(t, lighterOK)
	assert.False(t, hyperOK)
}

func TestGetOpportunitiesOneVenueDown(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).Return(nil, errors.New("连接超时"))
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002}), nil)

	o := newTestOrchestrator(t, lighter, hyper)

	// 单侧降级：撮合结果为空，但算一次成功刷新
	opps := o.GetOpportunities(context.Background(), model.PeriodRealtime)
	assert.Empty(t, opps)
	assert.NotZero(t, o.LastUpdated())

	lighterOK, hyperOK := o.Availability()
	assert.False(t, lighterOK)
	assert.True(t, hyperOK)

	// 成功刷新之后桶是FRESH，不会立刻重试
	o.GetOpportunities(context.Background(), model.PeriodRealtime)
	hyper.AssertNumberOfCalls(t, "CurrentFundingRates", 1)
}

func TestConcurrentEmptyReadsSingleRefresh(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001}), nil).
		After(100 * time.Millisecond)
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002}), nil)

	o := newTestOrchestrator(t, lighter, hyper)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.GetOpportunities(context.Background(), model.PeriodRealtime)
		}()
	}
	wg.Wait()

	// 并发读取只允许一个刷新在途，其余立即返回空
	lighter.AssertNumberOfCalls(t, "CurrentFundingRates", 1)
}

func TestStaleReadReturnsOldDataAndRefreshesOnce(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001}), nil).Once()
	// 后台补数比并发读取慢，读取方不应被它拖住
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001}), nil).
		After(50 * time.Millisecond)
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002}), nil)

	o := newTestOrchestrator(t, lighter, hyper)
	o.GetOpportunities(context.Background(), model.PeriodRealtime)
	markStale(o, model.PeriodRealtime)

	// STALE读取立即返回旧数据，不等待后台刷新
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opps := o.GetOpportunities(context.Background(), model.PeriodRealtime)
			assert.Len(t, opps, 1)
		}()
	}
	wg.Wait()

	// 后台至多补一次刷新
	assert.Eventually(t, func() bool {
		return !bucketRefreshing(o, model.PeriodRealtime)
	}, time.Second, 10*time.Millisecond)
	lighter.AssertNumberOfCalls(t, "CurrentFundingRates", 2)
}

func TestFailedRefreshKeepsStaleData(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001}), nil).Once()
	lighter.On("CurrentFundingRates", mock.Anything).Return(nil, errors.New("连接超时"))
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002}), nil).Once()
	hyper.On("CurrentFundingRates", mock.Anything).Return(nil, errors.New("503"))

	o := newTestOrchestrator(t, lighter, hyper)
	o.GetOpportunities(context.Background(), model.PeriodRealtime)
	firstUpdated := o.LastUpdated()
	markStale(o, model.PeriodRealtime)
	_, staleTimestamp := o.buckets[model.PeriodRealtime].snapshot()

	o.GetOpportunities(context.Background(), model.PeriodRealtime)
	assert.Eventually(t, func() bool {
		return !bucketRefreshing(o, model.PeriodRealtime)
	}, time.Second, 10*time.Millisecond)
	lighter.AssertNumberOfCalls(t, "CurrentFundingRates", 2)

	// 刷新失败：旧数据原样保留，时间戳不动
	opps, timestamp := o.buckets[model.PeriodRealtime].snapshot()
	assert.Len(t, opps, 1)
	assert.Equal(t, staleTimestamp, timestamp)
	assert.NotZero(t, firstUpdated)
}

func TestHistoricalBucketRefresh(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001}), nil)
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002}), nil)
	lighter.On("FundingHistory", mock.Anything, "BTC", mock.Anything, mock.Anything).
		Return(historyEntries(8, 0.0001, 0.0003), nil)
	hyper.On("FundingHistory", mock.Anything, "BTC", mock.Anything, mock.Anything).
		Return(historyEntries(1, 0.00002, 0.00004), nil)

	o := newTestOrchestrator(t, lighter, hyper)

	// 先让实时桶出数，历史刷新以其币种列表为种子
	o.GetOpportunities(context.Background(), model.PeriodRealtime)

	// 空历史桶的首次读取立即返回空结果，补数在后台进行
	opps := o.GetOpportunities(context.Background(), model.Period7D)
	assert.Empty(t, opps)

	assert.Eventually(t, func() bool {
		return !bucketRefreshing(o, model.Period7D)
	}, time.Second, 10*time.Millisecond)

	opps = o.GetOpportunities(context.Background(), model.Period7D)
	assert.Len(t, opps, 1)
	assert.Equal(t, "BTC", opps[0].Symbol)
	assert.NotZero(t, opps[0].DataStartDate)
}

func TestEmptyHistoricalReadDoesNotBlock(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001, "ETH": 0.0002}), nil)
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002, "ETH": 0.00003}), nil)
	// 逐币种的历史取数很慢，读取方不该被它拖住
	lighter.On("FundingHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(historyEntries(8, 0.0001), nil).After(200 * time.Millisecond)
	hyper.On("FundingHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(historyEntries(1, 0.00002), nil).After(200 * time.Millisecond)

	o := newTestOrchestrator(t, lighter, hyper)
	o.GetOpportunities(context.Background(), model.PeriodRealtime)

	began := time.Now()
	opps := o.GetOpportunities(context.Background(), model.Period30D)
	assert.Empty(t, opps)
	assert.Less(t, time.Since(began), 100*time.Millisecond)

	assert.Eventually(t, func() bool {
		return !bucketRefreshing(o, model.Period30D)
	}, 3*time.Second, 10*time.Millisecond)
	opps = o.GetOpportunities(context.Background(), model.Period30D)
	assert.Len(t, opps, 2)
}

func TestHistoricalBucketWithoutSeed(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)

	o := newTestOrchestrator(t, lighter, hyper)

	// 实时桶还没出数时，历史刷新失败且不触碰上游历史接口
	opps := o.GetOpportunities(context.Background(), model.Period7D)
	assert.Empty(t, opps)

	assert.Eventually(t, func() bool {
		return !bucketRefreshing(o, model.Period7D)
	}, time.Second, 10*time.Millisecond)
	lighter.AssertNotCalled(t, "FundingHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, o.LastUpdated())
}

func TestYTDBucketAlwaysEmpty(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)

	o := newTestOrchestrator(t, lighter, hyper)

	opps := o.GetOpportunities(context.Background(), model.PeriodYTD)
	assert.NotNil(t, opps)
	assert.Empty(t, opps)
	// ytd桶不做任何上游请求
	lighter.AssertNotCalled(t, "CurrentFundingRates", mock.Anything)
	lighter.AssertNotCalled(t, "FundingHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHistoricalAPR(t *testing.T) {
	t.Run("计算并缓存", func(t *testing.T) {
		lighter := new(mocks.Exchange)
		hyper := new(mocks.Exchange)
		lighter.On("FundingHistory", mock.Anything, "BTC", mock.Anything, mock.Anything).
			Return(historyEntries(8, 0.0001), nil)
		hyper.On("FundingHistory", mock.Anything, "BTC", mock.Anything, mock.Anything).
			Return(historyEntries(1, 0.00002), nil)

		o := newTestOrchestrator(t, lighter, hyper)

		apr, dataStart, err := o.HistoricalAPR(context.Background(), "BTC", model.ExchangeLighter)
		assert.NoError(t, err)
		// annualize(0.00002 - 0.0000125)
		assert.InDelta(t, 6.57, apr, 1e-9)
		assert.NotZero(t, dataStart)

		// 24小时内重复查询走缓存
		apr2, _, err := o.HistoricalAPR(context.Background(), "BTC", model.ExchangeLighter)
		assert.NoError(t, err)
		assert.InDelta(t, apr, apr2, 1e-12)
		lighter.AssertNumberOfCalls(t, "FundingHistory", 1)
	})

	t.Run("反方向年化取反", func(t *testing.T) {
		lighter := new(mocks.Exchange)
		hyper := new(mocks.Exchange)
		lighter.On("FundingHistory", mock.Anything, "BTC", mock.Anything, mock.Anything).
			Return(historyEntries(8, 0.0001), nil)
		hyper.On("FundingHistory", mock.Anything, "BTC", mock.Anything, mock.Anything).
			Return(historyEntries(1, 0.00002), nil)

		o := newTestOrchestrator(t, lighter, hyper)

		apr, _, err := o.HistoricalAPR(context.Background(), "BTC", model.ExchangeHyperliquid)
		assert.NoError(t, err)
		assert.InDelta(t, -6.57, apr, 1e-9)
	})

	t.Run("不支持的交易所", func(t *testing.T) {
		o := newTestOrchestrator(t, new(mocks.Exchange), new(mocks.Exchange))

		_, _, err := o.HistoricalAPR(context.Background(), "BTC", model.Exchange("Binance"))
		assert.Error(t, err)
	})

	t.Run("历史数据不足", func(t *testing.T) {
		lighter := new(mocks.Exchange)
		hyper := new(mocks.Exchange)
		lighter.On("FundingHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(historyEntries(8, 0.0001), nil)
		hyper.On("FundingHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return([]*model.HistoricalFundingEntry{}, nil)

		o := newTestOrchestrator(t, lighter, hyper)

		_, _, err := o.HistoricalAPR(context.Background(), "NEW", model.ExchangeLighter)
		assert.Error(t, err)
	})
}

func TestPrime(t *testing.T) {
	t.Run("空桶预热后读取不触碰上游", func(t *testing.T) {
		lighter := new(mocks.Exchange)
		hyper := new(mocks.Exchange)
		o := newTestOrchestrator(t, lighter, hyper)

		seeded := []model.ArbitrageOpportunity{{
			Symbol:        "BTC",
			LongExchange:  model.ExchangeLighter,
			ShortExchange: model.ExchangeHyperliquid,
			NetAPR:        6.57,
		}}
		assert.True(t, o.Prime(model.PeriodRealtime, seeded, time.Now().UnixMilli()))

		opps := o.GetOpportunities(context.Background(), model.PeriodRealtime)
		assert.Len(t, opps, 1)
		assert.Equal(t, "BTC", opps[0].Symbol)
		lighter.AssertNotCalled(t, "CurrentFundingRates", mock.Anything)
	})

	t.Run("非空桶不被覆盖", func(t *testing.T) {
		lighter := new(mocks.Exchange)
		hyper := new(mocks.Exchange)
		lighter.On("CurrentFundingRates", mock.Anything).
			Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"ETH": 0.0001}), nil)
		hyper.On("CurrentFundingRates", mock.Anything).
			Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"ETH": 0.00002}), nil)

		o := newTestOrchestrator(t, lighter, hyper)
		o.GetOpportunities(context.Background(), model.PeriodRealtime)

		seeded := []model.ArbitrageOpportunity{{Symbol: "BTC"}}
		assert.False(t, o.Prime(model.PeriodRealtime, seeded, time.Now().UnixMilli()))

		opps := o.GetOpportunities(context.Background(), model.PeriodRealtime)
		assert.Len(t, opps, 1)
		assert.Equal(t, "ETH", opps[0].Symbol)
	})

	t.Run("无效输入直接拒绝", func(t *testing.T) {
		o := newTestOrchestrator(t, new(mocks.Exchange), new(mocks.Exchange))

		assert.False(t, o.Prime(model.PeriodRealtime, nil, time.Now().UnixMilli()))
		assert.False(t, o.Prime(model.PeriodRealtime, []model.ArbitrageOpportunity{{Symbol: "BTC"}}, 0))
		assert.False(t, o.Prime("monthly", []model.ArbitrageOpportunity{{Symbol: "BTC"}}, time.Now().UnixMilli()))
		assert.Zero(t, o.LastUpdated())
	})
}

func TestSnapshotStoreMirroring(t *testing.T) {
	lighter := new(mocks.Exchange)
	hyper := new(mocks.Exchange)
	lighter.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeLighter, 8, map[string]float64{"BTC": 0.0001}), nil)
	hyper.On("CurrentFundingRates", mock.Anything).
		Return(fundingRates(model.ExchangeHyperliquid, 1, map[string]float64{"BTC": 0.00002}), nil)

	store := new(mockSnapshotStore)
	store.On("StoreOpportunities", mock.Anything, model.PeriodRealtime, mock.Anything, mock.Anything).
		Return(errors.New("redis不可用"))

	logger := zaptest.NewLogger(t)
	aggregator := history.NewAggregator(lighter, hyper, logger, 0, time.Second)
	o := NewOrchestrator(lighter, hyper, aggregator, store, logger)

	// 落库失败只记日志，不影响刷新结果
	opps := o.GetOpportunities(context.Background(), model.PeriodRealtime)
	assert.Len(t, opps, 1)
	store.AssertNumberOfCalls(t, "StoreOpportunities", 1)
}

type mockSnapshotStore struct {
	mock.Mock
}

func (m *mockSnapshotStore) StoreOpportunities(ctx context.Context, period string, opportunities []model.ArbitrageOpportunity, updatedAt int64) error {
	args := m.Called(ctx, period, opportunities, updatedAt)
	return args.Error(0)
}
