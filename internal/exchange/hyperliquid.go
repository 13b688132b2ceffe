package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/calculator"
	"github.com/life2you_mini/fundingarb/internal/model"
)

// DefaultHyperliquidBaseURL Hyperliquid主网API地址
const DefaultHyperliquidBaseURL = "https://api.hyperliquid.xyz"

// HyperliquidClient Hyperliquid交易所客户端
// 所有查询都走 POST /info，资金费率按1小时口径报价
type HyperliquidClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHyperliquidClient 创建新的Hyperliquid客户端
func NewHyperliquidClient(baseURL string, logger *zap.Logger) *HyperliquidClient {
	if baseURL == "" {
		baseURL = DefaultHyperliquidBaseURL
	}
	return &HyperliquidClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetExchangeName 获取交易所名称
func (c *HyperliquidClient) GetExchangeName() model.Exchange {
	return model.ExchangeHyperliquid
}

// hlMeta metaAndAssetCtxs响应的第一个元素
type hlMeta struct {
	Universe []struct {
		Name       string `json:"name"`
		IsDelisted bool   `json:"isDelisted"`
	} `json:"universe"`
}

// hlAssetCtx metaAndAssetCtxs响应的第二个元素中的单个市场上下文
type hlAssetCtx struct {
	Funding string `json:"funding"`
}

// hlFundingHistoryEntry fundingHistory响应中的单条记录
type hlFundingHistoryEntry struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Time        int64  `json:"time"` // 毫秒
}

// ListCoins 获取全部可交易合约列表
func (c *HyperliquidClient) ListCoins(ctx context.Context) ([]model.Coin, error) {
	meta, _, err := c.fetchMetaAndAssetCtxs(ctx)
	if err != nil {
		return nil, err
	}

	coins := make([]model.Coin, 0, len(meta.Universe))
	for _, asset := range meta.Universe {
		if asset.IsDelisted {
			continue
		}
		coins = append(coins, model.Coin{
			Symbol:   asset.Name,
			Exchange: model.ExchangeHyperliquid,
		})
	}
	return coins, nil
}

// CurrentFundingRates 获取全部币种的当前资金费率
func (c *HyperliquidClient) CurrentFundingRates(ctx context.Context) ([]*model.FundingRate, error) {
	meta, ctxs, err := c.fetchMetaAndAssetCtxs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	result := make([]*model.FundingRate, 0, len(meta.Universe))
	for i, asset := range meta.Universe {
		// universe与assetCtxs按下标一一对应
		if i >= len(ctxs) || asset.IsDelisted {
			continue
		}
		result = append(result, &model.FundingRate{
			Symbol:      asset.Name,
			Exchange:    model.ExchangeHyperliquid,
			Rate:        parseDecimalRate(ctxs[i].Funding),
			Timestamp:   now,
			PeriodHours: calculator.HyperliquidDefaultPeriodHours,
		})
	}
	return result, nil
}

// FundingHistory 获取单个币种在时间窗口内的历史资金费率结算记录
func (c *HyperliquidClient) FundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]*model.HistoricalFundingEntry, error) {
	payload := map[string]interface{}{
		"type":      "fundingHistory",
		"coin":      symbol,
		"startTime": start.UnixMilli(),
		"endTime":   end.UnixMilli(),
	}

	var raw []hlFundingHistoryEntry
	if err := c.postInfo(ctx, payload, &raw); err != nil {
		return nil, fmt.Errorf("获取Hyperliquid历史资金费率失败: %w", err)
	}

	entries := make([]*model.HistoricalFundingEntry, 0, len(raw))
	for _, item := range raw {
		entries = append(entries, &model.HistoricalFundingEntry{
			Symbol:      symbol,
			Exchange:    model.ExchangeHyperliquid,
			Rate:        parseDecimalRate(item.FundingRate),
			Timestamp:   item.Time,
			PeriodHours: calculator.HyperliquidDefaultPeriodHours,
		})
	}
	return entries, nil
}

// fetchMetaAndAssetCtxs 拉取市场元数据与各市场上下文
func (c *HyperliquidClient) fetchMetaAndAssetCtxs(ctx context.Context) (*hlMeta, []hlAssetCtx, error) {
	payload := map[string]interface{}{
		"type": "metaAndAssetCtxs",
	}

	// 响应是一个异构二元组：[meta, assetCtxs]
	var raw []json.RawMessage
	if err := c.postInfo(ctx, payload, &raw); err != nil {
		return nil, nil, fmt.Errorf("获取Hyperliquid市场数据失败: %w", err)
	}
	if len(raw) < 2 {
		return nil, nil, fmt.Errorf("hyperliquid市场数据响应格式错误: 期望2个元素, 实际%d个", len(raw))
	}

	var meta hlMeta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("解析Hyperliquid市场元数据失败: %w", err)
	}
	var ctxs []hlAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, nil, fmt.Errorf("解析Hyperliquid市场上下文失败: %w", err)
	}
	return &meta, ctxs, nil
}

// postInfo 向 /info 发起POST请求并解析JSON响应
func (c *HyperliquidClient) postInfo(ctx context.Context, payload map[string]interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
