package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrBelowMinNotional is returned when the sized order would fall under
// the exchange minimum
var ErrBelowMinNotional = errors.New("sized notional below exchange minimum")

// SizerConfig bounds the position sizer
type SizerConfig struct {
	MinPositionPercent float64 `json:"min_position_percent"` // of capital
	MaxPositionPercent float64 `json:"max_position_percent"` // of capital
	MinNotionalKRW     float64 `json:"min_notional_krw"`     // exchange floor
}

// DefaultSizerConfig returns conservative sizing bounds
func DefaultSizerConfig() *SizerConfig {
	return &SizerConfig{
		MinPositionPercent: 1.0,
		MaxPositionPercent: 10.0,
		MinNotionalKRW:     5100,
	}
}

// Sizer converts edge estimates into an order notional using Half-Kelly
type Sizer struct {
	cfg *SizerConfig
}

// NewSizer creates a position sizer
func NewSizer(cfg *SizerConfig) *Sizer {
	if cfg == nil {
		cfg = DefaultSizerConfig()
	}
	return &Sizer{cfg: cfg}
}

// Size returns the KRW notional for an entry. rewardRisk is the
// reward:risk ratio of the setup, confidence the confluence total in
// [0, 100], multiplier the throttle scaling. A non-positive Kelly
// fraction or a notional under the exchange minimum yields
// ErrBelowMinNotional.
func (s *Sizer) Size(capitalKRW, winRate, rewardRisk, confidence, multiplier float64) (float64, error) {
	fraction := kelly(winRate, rewardRisk)
	if fraction <= 0 {
		return 0, ErrBelowMinNotional
	}

	// Half-Kelly, scaled by confidence and the throttle multiplier
	fraction = fraction / 2 * clamp01(confidence/100) * multiplier

	percent := fraction * 100
	if percent < s.cfg.MinPositionPercent {
		percent = s.cfg.MinPositionPercent
	}
	if percent > s.cfg.MaxPositionPercent {
		percent = s.cfg.MaxPositionPercent
	}

	// Whole-KRW notional
	notional := decimal.NewFromFloat(capitalKRW).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Floor()

	value, _ := notional.Float64()
	if value < s.cfg.MinNotionalKRW {
		return 0, ErrBelowMinNotional
	}
	return value, nil
}

// kelly computes f* = (b·p − q)/b for win probability p and
// reward:risk b
func kelly(winRate, rewardRisk float64) float64 {
	if rewardRisk <= 0 {
		return 0
	}
	return (rewardRisk*winRate - (1 - winRate)) / rewardRisk
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
