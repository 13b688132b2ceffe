package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/calculator"
	"github.com/life2you_mini/fundingarb/internal/model"
)

// DefaultLighterBaseURL Lighter主网API地址
const DefaultLighterBaseURL = "https://mainnet.zklighter.elliot.ai"

// LighterClient Lighter交易所客户端
// Lighter的资金费率按8小时口径报价，历史查询按market_id寻址
type LighterClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	marketIDs map[string]int64 // symbol -> market_id，首次使用时加载
}

// NewLighterClient 创建新的Lighter客户端
func NewLighterClient(baseURL string, logger *zap.Logger) *LighterClient {
	if baseURL == "" {
		baseURL = DefaultLighterBaseURL
	}
	return &LighterClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:    logger,
		marketIDs: make(map[string]int64),
	}
}

// GetExchangeName 获取交易所名称
func (c *LighterClient) GetExchangeName() model.Exchange {
	return model.ExchangeLighter
}

// lighterOrderBook 市场列表响应中的单个市场
type lighterOrderBook struct {
	MarketID int64  `json:"market_id"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
}

// lighterFundingRate 当前资金费率响应中的单条记录
type lighterFundingRate struct {
	MarketID int64  `json:"market_id"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Rate     string `json:"rate"`
}

// lighterFunding 历史结算响应中的单条记录
type lighterFunding struct {
	MarketID  int64  `json:"market_id"`
	Timestamp int64  `json:"timestamp"` // 毫秒
	Rate      string `json:"rate"`
	Direction string `json:"direction"` // 支付方向："long" 或 "short"
}

// ListCoins 获取全部可交易合约列表
func (c *LighterClient) ListCoins(ctx context.Context) ([]model.Coin, error) {
	books, err := c.fetchOrderBooks(ctx)
	if err != nil {
		return nil, err
	}

	coins := make([]model.Coin, 0, len(books))
	for _, book := range books {
		coins = append(coins, model.Coin{
			Symbol:   book.Symbol,
			Exchange: model.ExchangeLighter,
		})
	}
	return coins, nil
}

// CurrentFundingRates 获取全部币种的当前资金费率
func (c *LighterClient) CurrentFundingRates(ctx context.Context) ([]*model.FundingRate, error) {
	var resp struct {
		Code         int                  `json:"code"`
		FundingRates []lighterFundingRate `json:"funding_rates"`
	}
	if err := c.getJSON(ctx, "/api/v1/funding-rates", nil, &resp); err != nil {
		return nil, fmt.Errorf("获取Lighter资金费率失败: %w", err)
	}

	now := time.Now().UnixMilli()
	result := make([]*model.FundingRate, 0, len(resp.FundingRates))
	for _, raw := range resp.FundingRates {
		// 聚合接口会混入外部交易所的参考费率，只保留Lighter自己的
		if raw.Exchange != "" && raw.Exchange != "lighter" {
			continue
		}
		result = append(result, &model.FundingRate{
			Symbol:      raw.Symbol,
			Exchange:    model.ExchangeLighter,
			Rate:        parseDecimalRate(raw.Rate),
			Timestamp:   now,
			PeriodHours: calculator.LighterDefaultPeriodHours,
		})
	}
	return result, nil
}

// FundingHistory 获取单个币种在时间窗口内的历史资金费率结算记录
func (c *LighterClient) FundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]*model.HistoricalFundingEntry, error) {
	marketID, err := c.resolveMarketID(ctx, symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("market_id", strconv.FormatInt(marketID, 10))
	params.Set("resolution", "1h")
	params.Set("start_timestamp", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("end_timestamp", strconv.FormatInt(end.UnixMilli(), 10))

	var resp struct {
		Code     int              `json:"code"`
		Fundings []lighterFunding `json:"fundings"`
	}
	if err := c.getJSON(ctx, "/api/v1/fundings", params, &resp); err != nil {
		return nil, fmt.Errorf("获取Lighter历史资金费率失败: %w", err)
	}

	entries := make([]*model.HistoricalFundingEntry, 0, len(resp.Fundings))
	for _, raw := range resp.Fundings {
		rate := parseDecimalRate(raw.Rate)
		// 接口返回无符号费率加支付方向，统一为"正数表示多头付费"
		if raw.Direction == "short" {
			rate = -rate
		}
		entries = append(entries, &model.HistoricalFundingEntry{
			Symbol:      symbol,
			Exchange:    model.ExchangeLighter,
			Rate:        rate,
			Timestamp:   raw.Timestamp,
			PeriodHours: calculator.LighterDefaultPeriodHours,
		})
	}
	return entries, nil
}

// resolveMarketID 将币种名解析为market_id，必要时加载市场列表
func (c *LighterClient) resolveMarketID(ctx context.Context, symbol string) (int64, error) {
	c.mu.RLock()
	id, ok := c.marketIDs[symbol]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	books, err := c.fetchOrderBooks(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	for _, book := range books {
		c.marketIDs[book.Symbol] = book.MarketID
	}
	id, ok = c.marketIDs[symbol]
	c.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("lighter市场不存在: %s", symbol)
	}
	return id, nil
}

// fetchOrderBooks 拉取市场列表
func (c *LighterClient) fetchOrderBooks(ctx context.Context) ([]lighterOrderBook, error) {
	var resp struct {
		Code       int                `json:"code"`
		OrderBooks []lighterOrderBook `json:"order_books"`
	}
	if err := c.getJSON(ctx, "/api/v1/orderBooks", nil, &resp); err != nil {
		return nil, fmt.Errorf("获取Lighter市场列表失败: %w", err)
	}
	return resp.OrderBooks, nil
}

// getJSON 发起GET请求并解析JSON响应
func (c *LighterClient) getJSON(ctx context.Context, path string, params url.Values, dest interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("非预期的HTTP状态码: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// parseDecimalRate 解析字符串编码的费率，解析失败按0处理，不向上抛出
func parseDecimalRate(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
