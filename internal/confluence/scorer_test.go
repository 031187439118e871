package confluence

import (
	"testing"

	"bithumb-trading-bot/internal/exchange"
)

// declineCandles builds n candles falling by pct per bar
func declineCandles(n int, start, pct float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := start
	for i := range candles {
		open := price
		price *= 1 - pct/100
		candles[i] = exchange.Candle{Open: open, High: open, Low: price, Close: price, Volume: 100}
	}
	return candles
}

func flatCandles(n int, price float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	for i := range candles {
		candles[i] = exchange.Candle{Open: price, High: price, Low: price, Close: price, Volume: 100}
	}
	return candles
}

func TestAnalyzeInsufficientData(t *testing.T) {
	a := NewAnalyzer()
	r := a.Analyze(flatCandles(49, 100))
	if r.Classification != InsufficientData {
		t.Errorf("Expected INSUFFICIENT_DATA, got %s", r.Classification)
	}
	if r.Total != 0 {
		t.Errorf("Insufficient data should score 0, got %f", r.Total)
	}
}

func TestAnalyzeTotalIsSumOfSubScores(t *testing.T) {
	a := NewAnalyzer()
	r := a.Analyze(declineCandles(80, 1000, 1))
	if r.Classification == InsufficientData {
		t.Fatal("Analysis should succeed")
	}

	sum := r.RSIScore + r.MACDScore + r.BollingerScore + r.VolumeScore
	if r.Total != sum {
		t.Errorf("Total %f should equal sub-score sum %f", r.Total, sum)
	}
	for name, score := range map[string]float64{
		"rsi": r.RSIScore, "macd": r.MACDScore,
		"bollinger": r.BollingerScore, "volume": r.VolumeScore,
	} {
		if score < 0 || score > maxSubScore {
			t.Errorf("%s score %f out of [0, 25]", name, score)
		}
	}
	if r.Total < 0 || r.Total > 100 {
		t.Errorf("Total %f out of [0, 100]", r.Total)
	}
}

func TestAnalyzeDeepOversold(t *testing.T) {
	// Relentless decline: RSI pinned near zero, price under the lower band
	a := NewAnalyzer()
	r := a.Analyze(declineCandles(80, 1000, 1))
	if r.RSIScore != 25 {
		t.Errorf("Deep decline should max the RSI score, got %f (RSI %f)", r.RSIScore, r.RSI)
	}
	if r.BollingerScore < 15 {
		t.Errorf("Price riding the lower band should score, got %f (%%B %f)", r.BollingerScore, r.PercentB)
	}
}

func TestAnalyzeVolumeSurge(t *testing.T) {
	candles := flatCandles(60, 100)
	candles[59].Volume = 300 // 3x the trailing average
	a := NewAnalyzer()
	r := a.Analyze(candles)
	if r.VolumeScore != 25 {
		t.Errorf("3x volume should max the volume score, got %f (ratio %f)", r.VolumeScore, r.VolumeRatio)
	}
}

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		total float64
		want  string
	}{
		{100, StrongBuy},
		{99, Buy},
		{75, Buy},
		{74, WeakBuy},
		{50, WeakBuy},
		{49, NoSignal},
		{0, NoSignal},
	}
	for _, c := range cases {
		if got := classify(c.total); got != c.want {
			t.Errorf("classify(%f) = %s, want %s", c.total, got, c.want)
		}
	}
}

func TestVolumeRatio(t *testing.T) {
	volumes := make([]float64, 21)
	for i := range volumes {
		volumes[i] = 100
	}
	volumes[20] = 150
	if r := volumeRatio(volumes, 20); r != 1.5 {
		t.Errorf("Expected ratio 1.5, got %f", r)
	}
	if r := volumeRatio([]float64{100, 100}, 20); r != 0 {
		t.Errorf("Short history should give ratio 0, got %f", r)
	}
}

func TestBullishDivergence(t *testing.T) {
	// Price makes a lower low while RSI makes a higher low
	prices := make([]float64, 20)
	rsis := make([]float64, 20)
	for i := range prices {
		prices[i] = 100
		rsis[i] = 50
	}
	prices[3], rsis[3] = 90, 25   // first low
	prices[15], rsis[15] = 88, 35 // lower price, higher RSI
	if !bullishDivergence(prices, rsis) {
		t.Error("Expected bullish divergence")
	}

	// Both making lower lows is not divergence
	rsis[15] = 20
	if bullishDivergence(prices, rsis) {
		t.Error("Lower RSI low should not be divergence")
	}
}

func TestWBottom(t *testing.T) {
	lows := make([]float64, 20)
	for i := range lows {
		lows[i] = 95
	}
	lows[3] = 90    // first dip
	lows[15] = 90.5 // second dip holds above the first
	if !wBottom(lows, 90.9) {
		t.Error("Expected a W-bottom")
	}

	// Second low undercutting the first is a slide, not a W
	lows[15] = 89
	if wBottom(lows, 90.9) {
		t.Error("Undercutting low should not be a W-bottom")
	}
}
