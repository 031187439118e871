package regime

import (
	"testing"

	"bithumb-trading-bot/internal/exchange"
)

// flatCandles builds n candles pinned at the given price
func flatCandles(n int, price float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	for i := range candles {
		candles[i] = exchange.Candle{Open: price, High: price, Low: price, Close: price, Volume: 100}
	}
	return candles
}

// trendCandles builds n candles stepping by delta per bar
func trendCandles(n int, start, delta float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := start
	for i := range candles {
		price += delta
		candles[i] = exchange.Candle{
			Open:   price - delta,
			High:   price + 1,
			Low:    price - 2,
			Close:  price,
			Volume: 100,
		}
	}
	return candles
}

func TestDetectInsufficientData(t *testing.T) {
	d := NewDetector()
	if d.Detect(flatCandles(30, 100)) != nil {
		t.Error("Detect should return nil below the minimum candle count")
	}
}

func TestDetectBullTrend(t *testing.T) {
	d := NewDetector()
	a := d.Detect(trendCandles(80, 100, 2))
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != BullTrend {
		t.Errorf("Expected BULL_TREND, got %s", a.Regime)
	}
	if a.TrendDirection != 1 {
		t.Errorf("Expected trend direction 1, got %d", a.TrendDirection)
	}
	if a.Momentum <= 0 {
		t.Errorf("Uptrend should carry positive momentum, got %f", a.Momentum)
	}
	if a.Confidence < confidenceMin || a.Confidence > confidenceMax {
		t.Errorf("Confidence %f out of range", a.Confidence)
	}
}

func TestDetectBearTrend(t *testing.T) {
	d := NewDetector()
	a := d.Detect(trendCandles(80, 500, -2))
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != BearTrend {
		t.Errorf("Expected BEAR_TREND, got %s", a.Regime)
	}
	if a.TrendDirection != -1 {
		t.Errorf("Expected trend direction -1, got %d", a.TrendDirection)
	}
}

func TestDetectSidewaysOnFlatMarket(t *testing.T) {
	d := NewDetector()
	a := d.Detect(flatCandles(80, 1000))
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != Sideways {
		t.Errorf("Flat market should classify as SIDEWAYS, got %s", a.Regime)
	}
}

func TestDetectHighVolatility(t *testing.T) {
	// Quiet market that erupts into wide directionless bars
	candles := make([]exchange.Candle, 0, 80)
	for i := 0; i < 70; i++ {
		candles = append(candles, exchange.Candle{Open: 100, High: 100.2, Low: 99.8, Close: 100, Volume: 100})
	}
	for i := 0; i < 10; i++ {
		close := 99.0
		if i%2 == 0 {
			close = 101.0
		}
		candles = append(candles, exchange.Candle{Open: 100, High: 105, Low: 95, Close: close, Volume: 300})
	}

	d := NewDetector()
	a := d.Detect(candles)
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != HighVolatility {
		t.Errorf("Expected HIGH_VOLATILITY, got %s", a.Regime)
	}
	if a.ATRPercent < atrPercentAbsolute {
		t.Errorf("Expected ATR%% >= %f, got %f", atrPercentAbsolute, a.ATRPercent)
	}
}

func TestTrendDominatesVolatility(t *testing.T) {
	// Strong trend with wide bars: alignment should win over the ATR triggers
	candles := make([]exchange.Candle, 80)
	price := 100.0
	for i := range candles {
		price *= 1.03
		candles[i] = exchange.Candle{
			Open:   price / 1.03,
			High:   price * 1.02,
			Low:    price * 0.97,
			Close:  price,
			Volume: 100,
		}
	}

	d := NewDetector()
	a := d.Detect(candles)
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != BullTrend {
		t.Errorf("Aligned trend should dominate volatility, got %s", a.Regime)
	}
}

func TestIsAdverse(t *testing.T) {
	cases := []struct {
		analysis Analysis
		want     bool
	}{
		{Analysis{Regime: BearTrend}, true},
		{Analysis{Regime: HighVolatility, TrendDirection: -1}, true},
		{Analysis{Regime: HighVolatility, TrendDirection: 1}, false},
		{Analysis{Regime: BullTrend, TrendDirection: 1}, false},
		{Analysis{Regime: Sideways}, false},
	}
	for _, c := range cases {
		if got := c.analysis.IsAdverse(); got != c.want {
			t.Errorf("IsAdverse(%s, dir=%d) = %v, want %v",
				c.analysis.Regime, c.analysis.TrendDirection, got, c.want)
		}
	}
}

func TestPercentileRank(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	if r := percentileRank(values, 5); r != 1.0 {
		t.Errorf("Max value should rank 1.0, got %f", r)
	}
	if r := percentileRank(values, 1); r != 0.2 {
		t.Errorf("Min value should rank 0.2, got %f", r)
	}
}
