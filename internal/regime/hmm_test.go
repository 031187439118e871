package regime

import (
	"math"
	"testing"

	"bithumb-trading-bot/internal/exchange"
)

// pctCandles builds n candles whose close moves by pct per bar
func pctCandles(n int, start, pct float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := start
	for i := range candles {
		open := price
		price *= 1 + pct/100
		high, low := price, open
		if low > high {
			high, low = low, high
		}
		candles[i] = exchange.Candle{Open: open, High: high, Low: low, Close: price, Volume: 100}
	}
	return candles
}

func TestNewHMMRowsNormalized(t *testing.T) {
	h := NewHMM()
	for s := 0; s < numStates; s++ {
		sum := 0.0
		for q := 0; q < numStates; q++ {
			sum += h.transition[s][q]
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("Transition row %d sums to %f", s, sum)
		}

		sum = 0.0
		for o := 0; o < numObservations; o++ {
			sum += h.emission[s][o]
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("Emission row %d sums to %f", s, sum)
		}
	}
}

func TestObservationEncodingRoundTrip(t *testing.T) {
	for ret := 0; ret < numReturnBuckets; ret++ {
		for vol := 0; vol < numVolBuckets; vol++ {
			for volume := 0; volume < numVolumeBuckets; volume++ {
				obs := encodeObservation(ret, vol, volume)
				if obs < 0 || obs >= numObservations {
					t.Fatalf("Observation %d out of range", obs)
				}
				r, v, u := decodeObservation(obs)
				if r != ret || v != vol || u != volume {
					t.Errorf("Round trip (%d,%d,%d) -> %d -> (%d,%d,%d)",
						ret, vol, volume, obs, r, v, u)
				}
			}
		}
	}
}

func TestHMMDetectInsufficientData(t *testing.T) {
	h := NewHMM()
	if h.Detect(pctCandles(30, 100, 1)) != nil {
		t.Error("Detect should return nil below the minimum candle count")
	}
}

func TestHMMDetectUptrend(t *testing.T) {
	h := NewHMM()
	a := h.Detect(pctCandles(80, 100, 1))
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != BullTrend {
		t.Errorf("Steady 1%% rises should decode as BULL_TREND, got %s", a.Regime)
	}
	if a.TrendDirection != 1 {
		t.Errorf("Expected trend direction 1, got %d", a.TrendDirection)
	}
	// Every backtraced state agrees on a clean trend
	if a.Confidence != confidenceMax {
		t.Errorf("Expected confidence %f, got %f", confidenceMax, a.Confidence)
	}
}

func TestHMMDetectDowntrend(t *testing.T) {
	h := NewHMM()
	a := h.Detect(pctCandles(80, 100000, -1))
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != BearTrend {
		t.Errorf("Steady 1%% drops should decode as BEAR_TREND, got %s", a.Regime)
	}
}

func TestHMMTrainRequiresHistory(t *testing.T) {
	h := NewHMM()
	if h.Train(pctCandles(80, 100, 1)) {
		t.Error("Train should refuse fewer than 100 candles")
	}
}

func TestHMMTrainKeepsRowsNormalized(t *testing.T) {
	h := NewHMM()
	if !h.Train(pctCandles(150, 100, 1)) {
		t.Fatal("Train should succeed with enough history")
	}

	for s := 0; s < numStates; s++ {
		sum := 0.0
		for q := 0; q < numStates; q++ {
			if h.transition[s][q] < 0 {
				t.Errorf("Negative transition probability at (%d,%d)", s, q)
			}
			sum += h.transition[s][q]
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Errorf("Trained transition row %d sums to %f", s, sum)
		}

		sum = 0.0
		for o := 0; o < numObservations; o++ {
			sum += h.emission[s][o]
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Errorf("Trained emission row %d sums to %f", s, sum)
		}
	}
}

func TestDetectorPrefersHMMOverlay(t *testing.T) {
	d := NewDetectorWithHMM(NewHMM())
	a := d.Detect(pctCandles(80, 100, 1))
	if a == nil {
		t.Fatal("Detect should succeed")
	}
	if a.Regime != BullTrend {
		t.Errorf("Expected BULL_TREND from the overlay, got %s", a.Regime)
	}
	if a.Confidence != confidenceMax {
		t.Errorf("Overlay confidence should be %f on a clean trend, got %f", confidenceMax, a.Confidence)
	}
}
