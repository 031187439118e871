package confluence

import (
	"time"

	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/indicator"
)

// Classification buckets for the composite score
const (
	StrongBuy        = "STRONG_BUY"
	Buy              = "BUY"
	WeakBuy          = "WEAK_BUY"
	NoSignal         = "NO_SIGNAL"
	InsufficientData = "INSUFFICIENT_DATA"
)

// Score thresholds
const (
	strongBuyScore = 100.0
	buyScore       = 75.0
	weakBuyScore   = 50.0

	maxSubScore = 25.0

	// minCandles gates analysis outright
	minCandles = 50

	// divergenceLookback is the window scanned for bullish divergence
	// and W-bottom patterns
	divergenceLookback = 20
)

// Result is the composite confluence score with its per-signal breakdown
type Result struct {
	Total          float64   `json:"total"` // [0, 100]
	RSIScore       float64   `json:"rsi_score"`
	MACDScore      float64   `json:"macd_score"`
	BollingerScore float64   `json:"bollinger_score"`
	VolumeScore    float64   `json:"volume_score"`
	Classification string    `json:"classification"`
	RSI            float64   `json:"rsi"`
	PercentB       float64   `json:"percent_b"`
	VolumeRatio    float64   `json:"volume_ratio"`
	Reasons        []string  `json:"reasons,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Config holds the indicator periods used by the analyzer
type Config struct {
	RSIPeriod       int     `json:"rsi_period"`
	MACDFast        int     `json:"macd_fast"`
	MACDSlow        int     `json:"macd_slow"`
	MACDSignal      int     `json:"macd_signal"`
	BollingerPeriod int     `json:"bollinger_period"`
	BollingerMult   float64 `json:"bollinger_mult"`
	VolumePeriod    int     `json:"volume_period"`
}

// DefaultConfig returns the standard periods
func DefaultConfig() *Config {
	return &Config{
		RSIPeriod:       indicator.DefaultRSIPeriod,
		MACDFast:        indicator.MACDFast,
		MACDSlow:        indicator.MACDSlow,
		MACDSignal:      indicator.MACDSignal,
		BollingerPeriod: indicator.DefaultBollingerPeriod,
		BollingerMult:   indicator.DefaultBollingerMult,
		VolumePeriod:    20,
	}
}

// ScalpConfig returns the faster periods used by short-horizon strategies
func ScalpConfig() *Config {
	cfg := DefaultConfig()
	cfg.MACDFast = indicator.MACDScalpFast
	cfg.MACDSlow = indicator.MACDScalpSlow
	cfg.MACDSignal = indicator.MACDScalpSignal
	return cfg
}

// Analyzer scores entry quality from four independent signals
type Analyzer struct {
	cfg *Config
}

// NewAnalyzer creates an analyzer with standard periods
func NewAnalyzer() *Analyzer {
	return &Analyzer{cfg: DefaultConfig()}
}

// NewAnalyzerWithConfig creates an analyzer with custom periods
func NewAnalyzerWithConfig(cfg *Config) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Analyzer{cfg: cfg}
}

// Analyze scores the candles. Four sub-scores of at most 25 points each
// are summed into [0, 100]; fewer than 50 candles yields
// INSUFFICIENT_DATA with a zero score.
func (a *Analyzer) Analyze(candles []exchange.Candle) *Result {
	result := &Result{Classification: InsufficientData}
	if len(candles) > 0 {
		result.Timestamp = candles[len(candles)-1].Timestamp
	}
	if len(candles) < minCandles {
		return result
	}

	closes := indicator.Closes(candles)
	lows := indicator.Lows(candles)
	volumes := indicator.Volumes(candles)

	rsiSeries := indicator.RSISeries(closes, a.cfg.RSIPeriod)
	macdSeries := indicator.ComputeMACDSeries(closes, a.cfg.MACDFast, a.cfg.MACDSlow, a.cfg.MACDSignal)
	bollinger := indicator.Bollinger(closes, a.cfg.BollingerPeriod, a.cfg.BollingerMult)
	if rsiSeries == nil || macdSeries == nil || bollinger == nil {
		return result
	}

	rsi := rsiSeries[len(rsiSeries)-1]
	result.RSI = rsi
	result.PercentB = bollinger.PercentB
	result.VolumeRatio = volumeRatio(volumes, a.cfg.VolumePeriod)

	result.RSIScore = a.scoreRSI(rsi, closes, rsiSeries, result)
	result.MACDScore = a.scoreMACD(macdSeries, rsi, result)
	result.BollingerScore = a.scoreBollinger(bollinger, macdSeries, lows, result)
	result.VolumeScore = a.scoreVolume(result.VolumeRatio, result)

	result.Total = result.RSIScore + result.MACDScore + result.BollingerScore + result.VolumeScore
	result.Classification = classify(result.Total)
	return result
}

func classify(total float64) string {
	switch {
	case total >= strongBuyScore:
		return StrongBuy
	case total >= buyScore:
		return Buy
	case total >= weakBuyScore:
		return WeakBuy
	default:
		return NoSignal
	}
}

// scoreRSI: deeply oversold beats mildly oversold beats divergence
func (a *Analyzer) scoreRSI(rsi float64, closes, rsiSeries []float64, r *Result) float64 {
	switch {
	case rsi <= 25:
		r.Reasons = append(r.Reasons, "RSI deeply oversold")
		return 25
	case rsi <= 30:
		r.Reasons = append(r.Reasons, "RSI oversold")
		return 20
	case bullishDivergence(closes, rsiSeries):
		r.Reasons = append(r.Reasons, "Bullish RSI divergence")
		return 15
	case rsi <= 40:
		r.Reasons = append(r.Reasons, "RSI below 40")
		return 10
	default:
		return 0
	}
}

// scoreMACD: a signal cross confirmed by a recovering RSI scores highest
func (a *Analyzer) scoreMACD(s *indicator.MACDSeries, rsi float64, r *Result) float64 {
	cross := s.BullishCross()
	switch {
	case cross && rsi >= 30 && rsi <= 50:
		r.Reasons = append(r.Reasons, "MACD cross with RSI recovery")
		return 25
	case cross:
		r.Reasons = append(r.Reasons, "MACD bullish cross")
		return 20
	case s.HistogramReversal():
		r.Reasons = append(r.Reasons, "MACD histogram turning")
		return 15
	case s.MACD[len(s.MACD)-1] > 0:
		r.Reasons = append(r.Reasons, "MACD positive")
		return 10
	default:
		return 0
	}
}

// scoreBollinger: a close below the lower band with a histogram turn is
// the strongest mean-reversion setup
func (a *Analyzer) scoreBollinger(b *indicator.BollingerResult, s *indicator.MACDSeries, lows []float64, r *Result) float64 {
	switch {
	case b.PercentB <= 0 && s.HistogramReversal():
		r.Reasons = append(r.Reasons, "Below lower band with momentum turn")
		return 25
	case b.PercentB <= 0.1:
		r.Reasons = append(r.Reasons, "At lower band")
		return 20
	case b.PercentB <= 0.2:
		r.Reasons = append(r.Reasons, "Near lower band")
		return 15
	case wBottom(lows, b.Lower):
		r.Reasons = append(r.Reasons, "W-bottom near lower band")
		return 10
	default:
		return 0
	}
}

func (a *Analyzer) scoreVolume(ratio float64, r *Result) float64 {
	switch {
	case ratio >= 2.0:
		r.Reasons = append(r.Reasons, "Volume surge 2x")
		return 25
	case ratio >= 1.5:
		r.Reasons = append(r.Reasons, "Volume surge 1.5x")
		return 20
	case ratio >= 1.2:
		r.Reasons = append(r.Reasons, "Volume elevated")
		return 15
	case ratio >= 1.0:
		return 10
	default:
		return 0
	}
}

// volumeRatio compares the latest bar against the average of the
// preceding period bars
func volumeRatio(volumes []float64, period int) float64 {
	if len(volumes) < period+1 {
		return 0
	}
	avg, ok := indicator.SMA(volumes[:len(volumes)-1], period)
	if !ok || avg <= 0 {
		return 0
	}
	return volumes[len(volumes)-1] / avg
}

// bullishDivergence detects a lower price low paired with a higher RSI
// low across the two halves of the lookback window
func bullishDivergence(closes, rsiSeries []float64) bool {
	window := divergenceLookback
	if len(closes) < window || len(rsiSeries) < window {
		return false
	}

	// Align the RSI tail to the close tail
	prices := closes[len(closes)-window:]
	rsis := rsiSeries[len(rsiSeries)-window:]

	half := window / 2
	firstPriceIdx := minIndex(prices[:half])
	secondPriceIdx := half + minIndex(prices[half:])

	priceLowerLow := prices[secondPriceIdx] < prices[firstPriceIdx]
	rsiHigherLow := rsis[secondPriceIdx] > rsis[firstPriceIdx]
	return priceLowerLow && rsiHigherLow
}

// wBottom detects two lows near the lower band separated by a bounce,
// with the second low holding at or above the first
func wBottom(lows []float64, lowerBand float64) bool {
	window := divergenceLookback
	if len(lows) < window || lowerBand <= 0 {
		return false
	}
	tail := lows[len(lows)-window:]

	half := window / 2
	firstIdx := minIndex(tail[:half])
	secondIdx := half + minIndex(tail[half:])

	first, second := tail[firstIdx], tail[secondIdx]

	// Both lows must touch the band zone (within 1%)
	nearBand := func(v float64) bool { return v <= lowerBand*1.01 }
	if !nearBand(first) || !nearBand(second) {
		return false
	}
	if second < first {
		return false
	}

	// A bounce between the lows separates a W from a slide
	peak := tail[firstIdx]
	for i := firstIdx + 1; i < secondIdx; i++ {
		if tail[i] > peak {
			peak = tail[i]
		}
	}
	return peak > first*1.005
}

func minIndex(values []float64) int {
	idx := 0
	for i, v := range values {
		if v < values[idx] {
			idx = i
		}
	}
	return idx
}
