package indicator

import (
	"math"

	"bithumb-trading-bot/internal/exchange"
)

// Default periods
const (
	DefaultRSIPeriod       = 14
	DefaultATRPeriod       = 14
	DefaultBollingerPeriod = 20
	DefaultBollingerMult   = 2.0

	// Standard MACD (12, 26, 9)
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9

	// Scalping variant (5, 13, 6)
	MACDScalpFast   = 5
	MACDScalpSlow   = 13
	MACDScalpSignal = 6
)

// ============================================================================
// SERIES HELPERS
// ============================================================================

// Closes extracts close prices from candles
func Closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts volumes from candles
func Volumes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// Lows extracts low prices from candles
func Lows(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA returns the simple moving average over the last period values.
// ok is false on insufficient data.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMASeries returns the exponential moving average series.
// The seed is the SMA of the first period values; multiplier 2/(period+1).
// Result[i] corresponds to values[period-1+i]. Nil on insufficient data.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)

	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// EMA returns the latest exponential moving average value
func EMA(values []float64, period int) (float64, bool) {
	series := EMASeries(values, period)
	if series == nil {
		return 0, false
	}
	return series[len(series)-1], true
}

// ============================================================================
// RSI (Wilder smoothing)
// ============================================================================

// RSISeries returns the RSI series using Wilder smoothing.
// Result[i] corresponds to values[period+i]. Nil on insufficient data.
func RSISeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period+1 {
		return nil
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	out := make([]float64, 0, len(values)-period)
	out = append(out, rsiFrom(avgGain, avgLoss))

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out = append(out, rsiFrom(avgGain, avgLoss))
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50 // flat series is neutral
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RSI returns the latest RSI value
func RSI(values []float64, period int) (float64, bool) {
	series := RSISeries(values, period)
	if series == nil {
		return 0, false
	}
	return series[len(series)-1], true
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the latest MACD values
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACDSeries holds aligned MACD, signal, and histogram series.
// All three slices share the same length and end at the latest candle.
type MACDSeries struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// ComputeMACDSeries builds the MACD series. The fast EMA series is aligned
// to the slow one by dropping its prefix; the signal line then drops the
// warmup prefix of the MACD line. Nil on insufficient data.
func ComputeMACDSeries(values []float64, fast, slow, signal int) *MACDSeries {
	if len(values) < slow+signal {
		return nil
	}

	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	if fastEMA == nil || slowEMA == nil {
		return nil
	}

	// Align fast to slow by dropping the leading surplus
	offset := len(fastEMA) - len(slowEMA)
	macdLine := make([]float64, len(slowEMA))
	for i := range slowEMA {
		macdLine[i] = fastEMA[i+offset] - slowEMA[i]
	}

	signalLine := EMASeries(macdLine, signal)
	if signalLine == nil {
		return nil
	}

	aligned := macdLine[len(macdLine)-len(signalLine):]
	histogram := make([]float64, len(signalLine))
	for i := range signalLine {
		histogram[i] = aligned[i] - signalLine[i]
	}

	return &MACDSeries{MACD: aligned, Signal: signalLine, Histogram: histogram}
}

// ComputeMACD returns the latest MACD values. Nil on insufficient data.
func ComputeMACD(values []float64, fast, slow, signal int) *MACDResult {
	series := ComputeMACDSeries(values, fast, slow, signal)
	if series == nil {
		return nil
	}
	last := len(series.MACD) - 1
	return &MACDResult{
		MACD:      series.MACD[last],
		Signal:    series.Signal[last],
		Histogram: series.Histogram[last],
	}
}

// BullishCross reports whether the MACD line crossed above the signal
// line on the latest bar
func (s *MACDSeries) BullishCross() bool {
	n := len(s.MACD)
	if n < 2 {
		return false
	}
	return s.MACD[n-2] <= s.Signal[n-2] && s.MACD[n-1] > s.Signal[n-1]
}

// HistogramReversal reports a (-, -, +) pattern over the last three
// histogram bars
func (s *MACDSeries) HistogramReversal() bool {
	n := len(s.Histogram)
	if n < 3 {
		return false
	}
	return s.Histogram[n-3] < 0 && s.Histogram[n-2] < 0 && s.Histogram[n-1] > 0
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds the latest band values
type BollingerResult struct {
	Upper     float64
	Middle    float64
	Lower     float64
	PercentB  float64 // (price - lower) / (upper - lower)
	Bandwidth float64 // (upper - lower) / middle
}

// Bollinger computes bands over the last period values (SMA ± mult·σ).
// Nil on insufficient data.
func Bollinger(values []float64, period int, mult float64) *BollingerResult {
	if period <= 0 || len(values) < period {
		return nil
	}

	window := values[len(values)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)

	variance := 0.0
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(period))

	upper := mean + mult*stddev
	lower := mean - mult*stddev

	price := values[len(values)-1]
	percentB := 0.5
	if upper != lower {
		percentB = (price - lower) / (upper - lower)
	}
	bandwidth := 0.0
	if mean != 0 {
		bandwidth = (upper - lower) / mean
	}

	return &BollingerResult{
		Upper:     upper,
		Middle:    mean,
		Lower:     lower,
		PercentB:  percentB,
		Bandwidth: bandwidth,
	}
}

// ============================================================================
// ATR (Wilder smoothing)
// ============================================================================

// trueRange computes TR = max(H-L, |H-prevClose|, |L-prevClose|)
func trueRange(current, prev exchange.Candle) float64 {
	hl := current.High - current.Low
	hc := math.Abs(current.High - prev.Close)
	lc := math.Abs(current.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// ATRSeries returns the ATR series with Wilder smoothing.
// Result[i] corresponds to candles[period+i]. Nil on insufficient data.
func ATRSeries(candles []exchange.Candle, period int) []float64 {
	if period <= 0 || len(candles) < period+1 {
		return nil
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(candles[i], candles[i-1])
	}
	atr /= float64(period)

	out := make([]float64, 0, len(candles)-period)
	out = append(out, atr)

	for i := period + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
		out = append(out, atr)
	}
	return out
}

// ATR returns the latest ATR value
func ATR(candles []exchange.Candle, period int) (float64, bool) {
	series := ATRSeries(candles, period)
	if series == nil {
		return 0, false
	}
	return series[len(series)-1], true
}

// ============================================================================
// ADX / DIRECTIONAL MOVEMENT
// ============================================================================

// ADXResult holds the latest directional movement values
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ComputeADX computes ADX with ±DI using Wilder smoothing.
// Requires at least 2·period+1 candles; nil otherwise.
func ComputeADX(candles []exchange.Candle, period int) *ADXResult {
	if period <= 0 || len(candles) < 2*period+1 {
		return nil
	}

	smTR, smPlusDM, smMinusDM := 0.0, 0.0, 0.0
	for i := 1; i <= period; i++ {
		tr, pdm, mdm := directionalMovement(candles[i], candles[i-1])
		smTR += tr
		smPlusDM += pdm
		smMinusDM += mdm
	}

	var dxs []float64
	appendDX := func() {
		plusDI, minusDI := dis(smTR, smPlusDM, smMinusDM)
		if sum := plusDI + minusDI; sum > 0 {
			dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/sum)
		} else {
			dxs = append(dxs, 0)
		}
	}
	appendDX()

	for i := period + 1; i < len(candles); i++ {
		tr, pdm, mdm := directionalMovement(candles[i], candles[i-1])
		smTR = smTR - smTR/float64(period) + tr
		smPlusDM = smPlusDM - smPlusDM/float64(period) + pdm
		smMinusDM = smMinusDM - smMinusDM/float64(period) + mdm
		appendDX()
	}

	if len(dxs) < period {
		return nil
	}

	// ADX = Wilder-smoothed DX
	adx := 0.0
	for _, dx := range dxs[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxs[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}

	plusDI, minusDI := dis(smTR, smPlusDM, smMinusDM)
	return &ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
}

func directionalMovement(current, prev exchange.Candle) (tr, plusDM, minusDM float64) {
	up := current.High - prev.High
	down := prev.Low - current.Low
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	return trueRange(current, prev), plusDM, minusDM
}

func dis(smTR, smPlusDM, smMinusDM float64) (plusDI, minusDI float64) {
	if smTR <= 0 {
		return 0, 0
	}
	return 100 * smPlusDM / smTR, 100 * smMinusDM / smTR
}
