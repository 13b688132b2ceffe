package calculator

import (
	"sort"

	"github.com/life2you_mini/fundingarb/internal/model"
)

// NetAPR 计算给定多空双边小时费率的年化净收益（%）
// 多头支付自己交易所的正费率，空头收取对方交易所的正费率，
// 每小时净收益为 shortHourly - longHourly
func NetAPR(longHourly, shortHourly float64) float64 {
	return Annualize(shortHourly - longHourly)
}

// BuildOpportunities 对两个交易所的小时费率表做跨所撮合，产出每个币种的最优方向
// lighterHourly 以 Lighter 原生币种名为键，hyperliquidHourly 以撮合目标侧的键名为键；
// dataStartDates 可为 nil（实时结果没有数据起点）
// suppressZero 为真时剔除双边费率同时为0的币种（疑似已下架市场），仅实时结果启用
// upperAlt 控制前缀转换候选的大小写（实时行情用大写 K）
func BuildOpportunities(
	lighterHourly map[string]float64,
	hyperliquidHourly map[string]float64,
	dataStartDates map[string]int64,
	lastUpdated int64,
	suppressZero bool,
	upperAlt bool,
) []model.ArbitrageOpportunity {
	opportunities := make([]model.ArbitrageOpportunity, 0, len(lighterHourly))

	for symbol, lighterRate := range lighterHourly {
		_, hyperRate, ok := MatchSymbol(symbol, hyperliquidHourly, upperAlt)
		if !ok {
			// 对方交易所没有这个币种，不构成套利，直接跳过
			continue
		}

		if suppressZero && lighterRate == 0 && hyperRate == 0 {
			continue
		}

		// 两个方向互为相反数，取较大者；相等时取首选方向（做多Lighter）
		lighterLong := NetAPR(lighterRate, hyperRate)
		hyperLong := NetAPR(hyperRate, lighterRate)

		opp := model.ArbitrageOpportunity{
			Symbol:      symbol,
			LastUpdated: lastUpdated,
		}
		if lighterLong >= hyperLong {
			opp.LongExchange = model.ExchangeLighter
			opp.ShortExchange = model.ExchangeHyperliquid
			opp.LongFundingRate = lighterRate
			opp.ShortFundingRate = hyperRate
			opp.NetAPR = lighterLong
		} else {
			opp.LongExchange = model.ExchangeHyperliquid
			opp.ShortExchange = model.ExchangeLighter
			opp.LongFundingRate = hyperRate
			opp.ShortFundingRate = lighterRate
			opp.NetAPR = hyperLong
		}
		if dataStartDates != nil {
			if start, exists := dataStartDates[symbol]; exists {
				opp.DataStartDate = start
			}
		}

		opportunities = append(opportunities, opp)
	}

	// 按年化净收益降序排列，相等时按币种名升序，保证相同输入下输出可复现
	sort.Slice(opportunities, func(i, j int) bool {
		if opportunities[i].NetAPR != opportunities[j].NetAPR {
			return opportunities[i].NetAPR > opportunities[j].NetAPR
		}
		return opportunities[i].Symbol < opportunities[j].Symbol
	})

	return opportunities
}
