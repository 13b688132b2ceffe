package calculator

import "strings"

// 常量定义
const (
	HoursPerYear = 24 * 365 // 一年按8760个小时周期计，不做闰年修正

	// 各交易所资金费率的默认结算周期（小时）
	LighterDefaultPeriodHours     = 8.0
	HyperliquidDefaultPeriodHours = 1.0

	thousandPrefix = "1000"
)

// ToHourly 将按周期计的资金费率折算为小时费率
// periodHours 必须大于0，数据源缺失时由调用方补默认值
func ToHourly(rate, periodHours float64) float64 {
	if periodHours <= 0 {
		return 0
	}
	return rate / periodHours
}

// Annualize 将小时费率折算为年化收益率（%）
func Annualize(hourly float64) float64 {
	return hourly * HoursPerYear * 100
}

// AltSymbol 生成另一个交易所命名约定下的候选币种名
// Lighter 对小面值币种冠以字面量"1000"前缀（如 1000FLOKI），
// Hyperliquid 对同一币种冠以单字母前缀，且大小写因接口而异：
// 实时行情匹配用大写 K，历史费率查询用小写 k
func AltSymbol(symbol string, upper bool) (string, bool) {
	if !strings.HasPrefix(symbol, thousandPrefix) || len(symbol) == len(thousandPrefix) {
		return "", false
	}
	letter := "k"
	if upper {
		letter = "K"
	}
	return letter + symbol[len(thousandPrefix):], true
}

// MatchSymbol 在候选费率表中查找币种，先精确匹配，再尝试前缀转换，先中先得
// 以 K 开头但与前缀变体无关的币种存在误匹配可能，此处不做防护
func MatchSymbol(symbol string, rates map[string]float64, upper bool) (string, float64, bool) {
	if rate, ok := rates[symbol]; ok {
		return symbol, rate, true
	}
	if alt, ok := AltSymbol(symbol, upper); ok {
		if rate, exists := rates[alt]; exists {
			return alt, rate, true
		}
	}
	return "", 0, false
}
