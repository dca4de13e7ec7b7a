package model

import "math"

// ConvictionLevel is the discrete band a conviction score falls into.
type ConvictionLevel string

const (
	LevelHigh   ConvictionLevel = "HIGH"
	LevelMedium ConvictionLevel = "MEDIUM"
	LevelLow    ConvictionLevel = "LOW"
	LevelReject ConvictionLevel = "REJECT"
)

// Weights is the category weight vector applied to component scores.
type Weights struct {
	Wallet float64 `json:"wallet" yaml:"wallet"`
	Safety float64 `json:"safety" yaml:"safety"`
	Market float64 `json:"market" yaml:"market"`
	Social float64 `json:"social" yaml:"social"`
	Entry  float64 `json:"entry" yaml:"entry"`
}

// DefaultWeights returns the baseline weight vector.
func DefaultWeights() Weights {
	return Weights{Wallet: 0.30, Safety: 0.25, Market: 0.15, Social: 0.10, Entry: 0.20}
}

// Sum returns the sum of all weights.
func (w Weights) Sum() float64 {
	return w.Wallet + w.Safety + w.Market + w.Social + w.Entry
}

// Normalized rescales w so it sums to 1. A non-positive or non-finite
// vector yields the defaults.
func (w Weights) Normalized() Weights {
	sum := w.Sum()
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) ||
		w.Wallet < 0 || w.Safety < 0 || w.Market < 0 || w.Social < 0 || w.Entry < 0 {
		return DefaultWeights()
	}
	if math.Abs(sum-1) <= 0.01 {
		return w
	}
	return Weights{
		Wallet: w.Wallet / sum,
		Safety: w.Safety / sum,
		Market: w.Market / sum,
		Social: w.Social / sum,
		Entry:  w.Entry / sum,
	}
}

// Components holds one value per scoring category.
type Components struct {
	Wallet float64 `json:"wallet"`
	Safety float64 `json:"safety"`
	Market float64 `json:"market"`
	Social float64 `json:"social"`
	Entry  float64 `json:"entry"`
}

// Sum adds up the five components.
func (c Components) Sum() float64 {
	return c.Wallet + c.Safety + c.Market + c.Social + c.Entry
}

// ConvictionScore is the scorer output for one AggregatedSignal.
type ConvictionScore struct {
	Total             float64         `json:"total"`
	Level             ConvictionLevel `json:"level"`
	Raw               Components      `json:"raw"`
	Weighted          Components      `json:"weighted"`
	Weights           Weights         `json:"weights"`
	PatternAdjustment float64         `json:"pattern_adjustment"`
	RegimeAdjustment  float64         `json:"regime_adjustment"`
	PositionSizePct   float64         `json:"position_size_pct"`
	ShouldEnter       bool            `json:"should_enter"`
	Regime            Regime          `json:"regime"`
	Fingerprint       string          `json:"fingerprint"`
}
