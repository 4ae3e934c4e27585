package carbon

import (
	"math"
	"testing"

	"github.com/notzero-app/notzero/internal/config"
	"github.com/notzero-app/notzero/internal/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCostTokenPricing(t *testing.T) {
	a := config.ModelAssumption{
		Model:                 "gpt-4o",
		InputCostPer1kTokens:  0.0025,
		OutputCostPer1kTokens: 0.01,
	}
	u := types.ModelUsage{InputTokens: 2000, OutputTokens: 500}

	got := Cost(a, "completions", u)
	want := 2.0*0.0025 + 0.5*0.01
	if !almostEqual(got, want) {
		t.Errorf("Cost = %v, want %v", got, want)
	}
}

func TestCostImagePricing(t *testing.T) {
	a := config.ModelAssumption{Model: "dall-e-3", CostPerImage: 0.04}
	u := types.ModelUsage{Requests: 5, InputTokens: 9999}

	got := Cost(a, "images", u)
	if !almostEqual(got, 0.2) {
		t.Errorf("图像端点应按张数计价, got %v", got)
	}
}

func TestCO2Grams(t *testing.T) {
	a := config.ModelAssumption{CO2gPer1kTokens: 0.054}
	u := types.ModelUsage{InputTokens: 1500, OutputTokens: 500}

	got := CO2Grams(a, u)
	if !almostEqual(got, 2.0*0.054) {
		t.Errorf("CO2Grams = %v, want %v", got, 2.0*0.054)
	}
}

func TestZeroUsage(t *testing.T) {
	a := config.ModelAssumption{InputCostPer1kTokens: 1, OutputCostPer1kTokens: 1, CO2gPer1kTokens: 1, KWhPer1kTokens: 1}
	var u types.ModelUsage

	if Cost(a, "completions", u) != 0 || CO2Grams(a, u) != 0 || KWh(a, u) != 0 {
		t.Error("零用量应产生零成本与零碳排")
	}
}
