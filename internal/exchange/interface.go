package exchange

import (
	"context"
	"time"

	"github.com/life2you_mini/fundingarb/internal/model"
)

// Exchange 交易所接口定义
// 三个方法均允许失败且各自独立重试，上层按尽力而为处理部分失败
type Exchange interface {
	// GetExchangeName 获取交易所名称
	GetExchangeName() model.Exchange

	// ListCoins 获取全部可交易合约列表
	ListCoins(ctx context.Context) ([]model.Coin, error)

	// CurrentFundingRates 获取全部币种的当前资金费率
	CurrentFundingRates(ctx context.Context) ([]*model.FundingRate, error)

	// FundingHistory 获取单个币种在时间窗口内的历史资金费率结算记录
	FundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]*model.HistoricalFundingEntry, error)
}
