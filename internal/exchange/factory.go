package exchange

import (
	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/model"
)

// ExchangeFactory 交易所工厂
type ExchangeFactory struct {
	exchanges map[model.Exchange]Exchange
}

// NewExchangeFactory 创建新的交易所工厂
func NewExchangeFactory() *ExchangeFactory {
	return &ExchangeFactory{
		exchanges: make(map[model.Exchange]Exchange),
	}
}

// Register 注册交易所实例到工厂
func (f *ExchangeFactory) Register(exchange Exchange) {
	f.exchanges[exchange.GetExchangeName()] = exchange
}

// Get 根据交易所名称获取交易所客户端
func (f *ExchangeFactory) Get(name model.Exchange) (Exchange, bool) {
	exchange, exists := f.exchanges[name]
	return exchange, exists
}

// CreateExchangeFactory 创建交易所工厂并初始化两个交易所客户端
func CreateExchangeFactory(logger *zap.Logger, lighterBaseURL, hyperliquidBaseURL string) *ExchangeFactory {
	factory := NewExchangeFactory()

	factory.Register(NewLighterClient(lighterBaseURL, logger))
	logger.Info("Lighter交易所已注册", zap.String("base_url", lighterBaseURL))

	factory.Register(NewHyperliquidClient(hyperliquidBaseURL, logger))
	logger.Info("Hyperliquid交易所已注册", zap.String("base_url", hyperliquidBaseURL))

	return factory
}
