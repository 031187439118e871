package indicator

import (
	"math"
	"testing"

	"bithumb-trading-bot/internal/exchange"
)

// constantCandles builds n candles pinned at the given price
func constantCandles(n int, price float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	for i := range candles {
		candles[i] = exchange.Candle{Open: price, High: price, Low: price, Close: price, Volume: 100}
	}
	return candles
}

func TestSMAInsufficientData(t *testing.T) {
	if _, ok := SMA([]float64{1, 2}, 5); ok {
		t.Error("SMA should report insufficient data")
	}
}

func TestSMA(t *testing.T) {
	v, ok := SMA([]float64{1, 2, 3, 4, 5}, 5)
	if !ok {
		t.Fatal("SMA should succeed with exact period")
	}
	if v != 3 {
		t.Errorf("Expected SMA 3, got %f", v)
	}
}

func TestEMASeedIsSMA(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	series := EMASeries(values, 4)
	if series == nil {
		t.Fatal("EMA series should not be nil")
	}
	// With exactly period values the EMA equals the seed SMA
	if series[0] != 25 {
		t.Errorf("Expected seed 25, got %f", series[0])
	}
}

func TestEMAFollowsPrice(t *testing.T) {
	// Rising series: EMA must trail the last price but exceed the SMA seed
	values := []float64{10, 10, 10, 10, 20, 30}
	ema, ok := EMA(values, 4)
	if !ok {
		t.Fatal("EMA should succeed")
	}
	if ema <= 10 || ema >= 30 {
		t.Errorf("EMA %f out of expected range (10, 30)", ema)
	}
}

func TestRSIConstantSeriesIsNeutral(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 100
	}
	rsi, ok := RSI(values, 14)
	if !ok {
		t.Fatal("RSI should succeed")
	}
	if rsi != 50 {
		t.Errorf("Constant series should give RSI 50, got %f", rsi)
	}
}

func TestRSIAllGains(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(100 + i)
	}
	rsi, ok := RSI(values, 14)
	if !ok {
		t.Fatal("RSI should succeed")
	}
	if rsi != 100 {
		t.Errorf("Monotone rising series should give RSI 100, got %f", rsi)
	}
}

func TestRSIInsufficientData(t *testing.T) {
	if RSISeries([]float64{1, 2, 3}, 14) != nil {
		t.Error("RSI series should be nil on insufficient data")
	}
}

func TestMACDConstantSeriesIsZero(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 500
	}
	res := ComputeMACD(values, MACDFast, MACDSlow, MACDSignal)
	if res == nil {
		t.Fatal("MACD should not be nil")
	}
	if math.Abs(res.MACD) > 1e-9 || math.Abs(res.Histogram) > 1e-9 {
		t.Errorf("Constant series should give zero MACD, got %+v", res)
	}
}

func TestMACDBullishCross(t *testing.T) {
	// Long decline then a sharp rally: MACD line should cross above signal
	values := make([]float64, 0, 80)
	price := 200.0
	for i := 0; i < 60; i++ {
		price -= 1.0
		values = append(values, price)
	}
	for i := 0; i < 20; i++ {
		price += 4.0
		values = append(values, price)
	}

	crossed := false
	for n := MACDSlow + MACDSignal; n <= len(values); n++ {
		series := ComputeMACDSeries(values[:n], MACDFast, MACDSlow, MACDSignal)
		if series != nil && series.BullishCross() {
			crossed = true
			break
		}
	}
	if !crossed {
		t.Error("Expected a bullish signal cross during the rally")
	}
}

func TestMACDHistogramReversal(t *testing.T) {
	s := &MACDSeries{Histogram: []float64{-0.5, -0.2, 0.1}}
	if !s.HistogramReversal() {
		t.Error("(-, -, +) should be a reversal")
	}
	s = &MACDSeries{Histogram: []float64{-0.5, 0.2, 0.1}}
	if s.HistogramReversal() {
		t.Error("(-, +, +) should not be a reversal")
	}
}

func TestMACDInsufficientData(t *testing.T) {
	if ComputeMACD(make([]float64, 10), MACDFast, MACDSlow, MACDSignal) != nil {
		t.Error("MACD should be nil on insufficient data")
	}
}

func TestBollingerConstantSeriesHasZeroBandwidth(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = 1000
	}
	res := Bollinger(values, DefaultBollingerPeriod, DefaultBollingerMult)
	if res == nil {
		t.Fatal("Bollinger should not be nil")
	}
	if res.Bandwidth != 0 {
		t.Errorf("Constant series should have zero bandwidth, got %f", res.Bandwidth)
	}
	if res.Upper != res.Lower {
		t.Error("Bands should collapse on a constant series")
	}
}

func TestBollingerPercentB(t *testing.T) {
	// 19 candles at 100 then a drop to 90: price should sit below the lower band
	values := make([]float64, 20)
	for i := range values {
		values[i] = 100
	}
	values[19] = 90
	res := Bollinger(values, 20, 2)
	if res == nil {
		t.Fatal("Bollinger should not be nil")
	}
	if res.PercentB > 0 {
		t.Errorf("Deep drop should give %%B <= 0, got %f", res.PercentB)
	}
}

func TestATRConstantSeriesIsZero(t *testing.T) {
	candles := constantCandles(30, 100)
	atr, ok := ATR(candles, DefaultATRPeriod)
	if !ok {
		t.Fatal("ATR should succeed")
	}
	if atr != 0 {
		t.Errorf("Constant series should give ATR 0, got %f", atr)
	}
}

func TestATRUsesGaps(t *testing.T) {
	// A gap down between candles must widen the true range beyond H-L
	candles := constantCandles(16, 100)
	candles[15] = exchange.Candle{Open: 90, High: 91, Low: 89, Close: 90}
	atr, ok := ATR(candles, 14)
	if !ok {
		t.Fatal("ATR should succeed")
	}
	if atr <= 0 {
		t.Error("Gap should produce a positive ATR")
	}
}

func TestADXTrendingMarket(t *testing.T) {
	// Steady uptrend: +DI should dominate
	candles := make([]exchange.Candle, 60)
	price := 100.0
	for i := range candles {
		price += 2
		candles[i] = exchange.Candle{Open: price - 1, High: price + 1, Low: price - 2, Close: price}
	}

	res := ComputeADX(candles, 14)
	if res == nil {
		t.Fatal("ADX should not be nil")
	}
	if res.PlusDI <= res.MinusDI {
		t.Errorf("Uptrend should give +DI > -DI, got +%f -%f", res.PlusDI, res.MinusDI)
	}
	if res.ADX < 20 {
		t.Errorf("Strong trend should give ADX >= 20, got %f", res.ADX)
	}
}

func TestADXInsufficientData(t *testing.T) {
	if ComputeADX(constantCandles(10, 100), 14) != nil {
		t.Error("ADX should be nil on insufficient data")
	}
}
