// Package carbon 根据模型假设表计算用量的成本与碳排放。
package carbon

import (
	"github.com/notzero-app/notzero/internal/config"
	"github.com/notzero-app/notzero/internal/types"
)

// Cost 估算一条用量记录的成本（美元）
// 图像类端点按张数计价，其余端点按 token 计价。
func Cost(a config.ModelAssumption, endpoint string, u types.ModelUsage) float64 {
	if endpoint == "images" {
		return float64(u.Requests) * a.CostPerImage
	}
	return float64(u.InputTokens)/1000*a.InputCostPer1kTokens +
		float64(u.OutputTokens)/1000*a.OutputCostPer1kTokens
}

// CO2Grams 估算一条用量记录的碳排放（克 CO₂）
func CO2Grams(a config.ModelAssumption, u types.ModelUsage) float64 {
	return float64(u.TotalTokens()) / 1000 * a.CO2gPer1kTokens
}

// KWh 估算一条用量记录的能耗（千瓦时）
func KWh(a config.ModelAssumption, u types.ModelUsage) float64 {
	return float64(u.TotalTokens()) / 1000 * a.KWhPer1kTokens
}
