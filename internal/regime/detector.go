package regime

import (
	"math"
	"sort"
	"time"

	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/indicator"
)

// Regime classifies coarse market behavior
type Regime string

const (
	BullTrend      Regime = "BULL_TREND"
	BearTrend      Regime = "BEAR_TREND"
	Sideways       Regime = "SIDEWAYS"
	HighVolatility Regime = "HIGH_VOLATILITY"
)

// Classifier thresholds
const (
	adxSidewaysBelow = 20.0
	adxTrendingAbove = 25.0

	atrPercentAbsolute  = 2.5 // ATR% at or above this is high volatility outright
	atrPercentileWindow = 30
	atrPercentileLimit  = 0.8
	atrZScoreLimit      = 1.0

	momentumBars = 12

	confidenceMin = 30.0
	confidenceMax = 95.0

	// minCandles covers ADX warmup (2·period+1) plus the ATR percentile window
	minCandles = 60
)

// Analysis is the result of classifying the current market regime
type Analysis struct {
	Regime         Regime    `json:"regime"`
	Confidence     float64   `json:"confidence"` // [30, 95]
	ADX            float64   `json:"adx"`
	ATR            float64   `json:"atr"`
	ATRPercent     float64   `json:"atr_percent"`
	TrendDirection int       `json:"trend_direction"` // -1, 0, +1
	Momentum       float64   `json:"momentum"`        // 12-bar percent change
	Timestamp      time.Time `json:"timestamp"`
}

// Detector classifies regimes from candles using ADX/ATR, with an
// optional HMM overlay that takes precedence when enabled and trained.
type Detector struct {
	adxPeriod int
	atrPeriod int
	hmm       *HMM // nil when disabled
}

// NewDetector creates a detector with standard 14-bar periods
func NewDetector() *Detector {
	return &Detector{adxPeriod: 14, atrPeriod: 14}
}

// NewDetectorWithHMM creates a detector carrying an HMM overlay
func NewDetectorWithHMM(hmm *HMM) *Detector {
	return &Detector{adxPeriod: 14, atrPeriod: 14, hmm: hmm}
}

// Detect classifies the regime for the given candles. Nil on
// insufficient data.
func (d *Detector) Detect(candles []exchange.Candle) *Analysis {
	if len(candles) < minCandles {
		return nil
	}

	if d.hmm != nil {
		if a := d.hmm.Detect(candles); a != nil {
			return a
		}
	}
	return d.classify(candles)
}

// classify runs the ADX/ATR rule set
func (d *Detector) classify(candles []exchange.Candle) *Analysis {
	adx := indicator.ComputeADX(candles, d.adxPeriod)
	atrSeries := indicator.ATRSeries(candles, d.atrPeriod)
	if adx == nil || atrSeries == nil {
		return nil
	}

	closes := indicator.Closes(candles)
	price := closes[len(closes)-1]
	atr := atrSeries[len(atrSeries)-1]

	atrPercent := 0.0
	if price > 0 {
		atrPercent = atr / price * 100
	}

	analysis := &Analysis{
		ADX:        adx.ADX,
		ATR:        atr,
		ATRPercent: atrPercent,
		Timestamp:  candles[len(candles)-1].Timestamp,
	}

	// Trend alignment: EMA gap sign, DI direction, and 12-bar momentum
	// must all agree
	ema12, _ := indicator.EMA(closes, 12)
	ema26, _ := indicator.EMA(closes, 26)
	emaGap := ema12 - ema26

	momentum := momentumPercent(closes, momentumBars)
	analysis.Momentum = momentum

	trendUp := emaGap > 0 && adx.PlusDI > adx.MinusDI && momentum > 0
	trendDown := emaGap < 0 && adx.MinusDI > adx.PlusDI && momentum < 0
	trendAligned := adx.ADX >= adxTrendingAbove && (trendUp || trendDown)

	highVol := d.isHighVolatility(atrPercent, atrSeries, closes)

	switch {
	case trendAligned:
		// Trend dominates high volatility when momentum is aligned
		if trendUp {
			analysis.Regime = BullTrend
			analysis.TrendDirection = 1
		} else {
			analysis.Regime = BearTrend
			analysis.TrendDirection = -1
		}
		analysis.Confidence = clampConfidence(confidenceMin + (adx.ADX-adxTrendingAbove)*2.5)

	case highVol:
		analysis.Regime = HighVolatility
		analysis.TrendDirection = sign(momentum)
		analysis.Confidence = clampConfidence(confidenceMin + atrPercent*15)

	case adx.ADX < adxSidewaysBelow:
		analysis.Regime = Sideways
		analysis.Confidence = clampConfidence(confidenceMin + (adxSidewaysBelow-adx.ADX)*3)

	default:
		// ADX in the 20..25 dead zone without volatility: weak sideways
		analysis.Regime = Sideways
		analysis.Confidence = confidenceMin
	}

	return analysis
}

// isHighVolatility checks the three volatility triggers: absolute ATR%,
// percentile rank within the recent window, and z-score
func (d *Detector) isHighVolatility(atrPercent float64, atrSeries, closes []float64) bool {
	if atrPercent >= atrPercentAbsolute {
		return true
	}

	// Build ATR% history aligned to closes
	n := len(atrSeries)
	window := atrPercentileWindow
	if n < window {
		window = n
	}
	history := make([]float64, 0, window)
	offset := len(closes) - n
	for i := n - window; i < n; i++ {
		c := closes[offset+i]
		if c > 0 {
			history = append(history, atrSeries[i]/c*100)
		}
	}
	if len(history) < 2 {
		return false
	}

	mean, std := meanStd(history)
	if std == 0 {
		// No dispersion in the window: percentile rank is meaningless
		return false
	}

	if percentileRank(history, atrPercent) >= atrPercentileLimit {
		return true
	}
	return (atrPercent-mean)/std >= atrZScoreLimit
}

// momentumPercent returns the percent change over the last bars closes
func momentumPercent(closes []float64, bars int) float64 {
	if len(closes) < bars+1 {
		return 0
	}
	base := closes[len(closes)-1-bars]
	if base == 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base * 100
}

// percentileRank returns the fraction of values at or below v
func percentileRank(values []float64, v float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := sort.SearchFloat64s(sorted, v)
	// count values <= v
	for idx < len(sorted) && sorted[idx] <= v {
		idx++
	}
	return float64(idx) / float64(len(sorted))
}

func meanStd(values []float64) (mean, std float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}

func clampConfidence(c float64) float64 {
	if c < confidenceMin {
		return confidenceMin
	}
	if c > confidenceMax {
		return confidenceMax
	}
	return c
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// IsAdverse reports whether the regime argues against holding a long
// position opened in a trend: a bear turn, or high volatility with
// falling momentum.
func (a *Analysis) IsAdverse() bool {
	if a.Regime == BearTrend {
		return true
	}
	return a.Regime == HighVolatility && a.TrendDirection < 0
}
