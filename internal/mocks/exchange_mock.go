package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/fundingarb/internal/model"
)

// Exchange 交易所接口的模拟实现
type Exchange struct {
	mock.Mock
}

// GetExchangeName 获取交易所名称的模拟实现
func (m *Exchange) GetExchangeName() model.Exchange {
	args := m.Called()
	return args.Get(0).(model.Exchange)
}

// ListCoins 获取合约列表的模拟实现
func (m *Exchange) ListCoins(ctx context.Context) ([]model.Coin, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Coin), args.Error(1)
}

// CurrentFundingRates 获取当前资金费率的模拟实现
func (m *Exchange) CurrentFundingRates(ctx context.Context) ([]*model.FundingRate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.FundingRate), args.Error(1)
}

// FundingHistory 获取历史资金费率的模拟实现
func (m *Exchange) FundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]*model.HistoricalFundingEntry, error) {
	args := m.Called(ctx, symbol, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.HistoricalFundingEntry), args.Error(1)
}
