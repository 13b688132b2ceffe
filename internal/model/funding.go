package model

// Exchange 交易所类型
type Exchange string

// 支持的交易所
const (
	ExchangeLighter     Exchange = "Lighter"
	ExchangeHyperliquid Exchange = "Hyperliquid"
)

// 结果周期名称
const (
	PeriodRealtime = "realtime"
	Period7D       = "7d"
	Period30D      = "30d"
	PeriodYTD      = "ytd"
)

// Periods 所有周期，固定顺序
var Periods = []string{PeriodRealtime, Period7D, Period30D, PeriodYTD}

// FundingRate 单个交易所某个币种的当前资金费率
// 每轮轮询重新生成，整体替换，不做原地修改
type FundingRate struct {
	Symbol      string   `json:"symbol"`
	Exchange    Exchange `json:"exchange"`
	Rate        float64  `json:"rate"`        // 原始费率（按结算周期计）
	Timestamp   int64    `json:"timestamp"`   // 毫秒时间戳
	PeriodHours float64  `json:"periodHours"` // 结算周期（小时）
}

// HistoricalFundingEntry 一次已实现的资金费率结算
// 费率已按支付/收取方向调整过符号，获取后不再修改
type HistoricalFundingEntry struct {
	Symbol      string   `json:"symbol"`
	Exchange    Exchange `json:"exchange"`
	Rate        float64  `json:"rate"`
	Timestamp   int64    `json:"timestamp"` // 毫秒时间戳
	PeriodHours float64  `json:"periodHours"`
}

// ArbitrageOpportunity 单个币种的最优套利方向
// 每次刷新整体重算，LongExchange 与 ShortExchange 必不相同
type ArbitrageOpportunity struct {
	Symbol           string   `json:"symbol"`
	LongExchange     Exchange `json:"longExchange"`
	ShortExchange    Exchange `json:"shortExchange"`
	LongFundingRate  float64  `json:"longFundingRate"`  // 小时费率
	ShortFundingRate float64  `json:"shortFundingRate"` // 小时费率
	NetAPR           float64  `json:"netAPR"`           // 年化净收益（%）
	LastUpdated      int64    `json:"lastUpdated"`      // 毫秒时间戳
	DataStartDate    int64    `json:"dataStartDate,omitempty"`
}

// AverageRates 单个历史窗口内按交易所聚合出的平均小时费率
type AverageRates struct {
	LighterHourly     map[string]float64 `json:"lighterHourly"`
	HyperliquidHourly map[string]float64 `json:"hyperliquidHourly"`
	DataStartDates    map[string]int64   `json:"dataStartDates"`
}

// Coin 交易所上的一个可交易合约
type Coin struct {
	Symbol   string   `json:"symbol"`
	Exchange Exchange `json:"exchange"`
}

// OpportunitiesByPeriod 按周期分组的套利机会
type OpportunitiesByPeriod struct {
	Realtime  []ArbitrageOpportunity `json:"realtime"`
	SevenDay  []ArbitrageOpportunity `json:"7d"`
	ThirtyDay []ArbitrageOpportunity `json:"30d"`
	YTD       []ArbitrageOpportunity `json:"ytd"`
}

// OpportunitiesSnapshot 读接口返回的完整快照
type OpportunitiesSnapshot struct {
	Opportunities        OpportunitiesByPeriod `json:"opportunities"`
	LastUpdated          int64                 `json:"lastUpdated"`
	LighterAvailable     bool                  `json:"lighterAvailable"`
	HyperliquidAvailable bool                  `json:"hyperliquidAvailable"`
}

// PushMessage 推送到订阅方的消息
type PushMessage struct {
	Type      string                `json:"type"`
	Data      OpportunitiesByPeriod `json:"data"`
	Timestamp int64                 `json:"timestamp"`
}
