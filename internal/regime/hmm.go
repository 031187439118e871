package regime

import (
	"math"
	"sync"

	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/indicator"
)

// Hidden states
const (
	stateBull = iota
	stateBear
	stateSideways
	stateHighVol
	numStates = 4
)

// Observation alphabet: returnBucket(5) x volBucket(3) x volumeBucket(3)
const (
	numReturnBuckets = 5
	numVolBuckets    = 3
	numVolumeBuckets = 3
	numObservations  = numReturnBuckets * numVolBuckets * numVolumeBuckets // 45
)

const (
	hmmMinCandles      = 60
	hmmTrainMinCandles = 100
	hmmAgreementWindow = 5
	baumWelchIters     = 10
)

// HMM is a 4-state hidden Markov model over discretized market
// observations. Viterbi decoding yields the current regime; Baum-Welch
// can retrain the matrices in place. The trained model lives in memory
// only.
type HMM struct {
	mu sync.RWMutex

	initial    [numStates]float64
	transition [numStates][numStates]float64
	emission   [numStates][numObservations]float64
}

// NewHMM creates a model with hand-seeded persistence priors
// (diagonal transition mass ~= 0.70) and regime-consistent emissions.
func NewHMM() *HMM {
	h := &HMM{}

	for i := 0; i < numStates; i++ {
		h.initial[i] = 1.0 / numStates
		for j := 0; j < numStates; j++ {
			if i == j {
				h.transition[i][j] = 0.70
			} else {
				h.transition[i][j] = 0.10
			}
		}
	}

	for s := 0; s < numStates; s++ {
		total := 0.0
		for o := 0; o < numObservations; o++ {
			w := emissionSeed(s, o)
			h.emission[s][o] = w
			total += w
		}
		for o := 0; o < numObservations; o++ {
			h.emission[s][o] /= total
		}
	}
	return h
}

// emissionSeed weights observation o for state s before normalization.
// Bull favors rising returns, bear falling ones, sideways flat bars,
// high-vol the top volatility bucket and tail returns.
func emissionSeed(state, obs int) float64 {
	ret, vol, volume := decodeObservation(obs)

	w := 1.0
	switch state {
	case stateBull:
		w += float64(ret) * 1.5 // buckets 3..4 are up moves
		if vol < 2 {
			w += 1.0
		}
		if volume >= 1 {
			w += 0.5
		}
	case stateBear:
		w += float64(numReturnBuckets-1-ret) * 1.5
		if vol < 2 {
			w += 1.0
		}
		if volume >= 1 {
			w += 0.5
		}
	case stateSideways:
		if ret == 2 {
			w += 3.0
		}
		if vol == 0 {
			w += 2.0
		}
		if volume == 0 {
			w += 1.0
		}
	case stateHighVol:
		if vol == 2 {
			w += 3.0
		}
		if ret == 0 || ret == numReturnBuckets-1 {
			w += 2.0
		}
		if volume == 2 {
			w += 1.0
		}
	}
	return w
}

func encodeObservation(ret, vol, volume int) int {
	return ret*numVolBuckets*numVolumeBuckets + vol*numVolumeBuckets + volume
}

func decodeObservation(obs int) (ret, vol, volume int) {
	ret = obs / (numVolBuckets * numVolumeBuckets)
	rem := obs % (numVolBuckets * numVolumeBuckets)
	return ret, rem / numVolumeBuckets, rem % numVolumeBuckets
}

// observe discretizes candles into the observation alphabet.
// Result is aligned to the tail of the candle series.
func observe(candles []exchange.Candle) []int {
	atrSeries := indicator.ATRSeries(candles, indicator.DefaultATRPeriod)
	if atrSeries == nil {
		return nil
	}

	volumes := indicator.Volumes(candles)
	offset := len(candles) - len(atrSeries)

	obs := make([]int, 0, len(atrSeries))
	for i := 0; i < len(atrSeries); i++ {
		idx := offset + i
		prev := candles[idx-1].Close
		if prev <= 0 {
			continue
		}
		retPct := (candles[idx].Close - prev) / prev * 100

		ret := 2 // flat
		switch {
		case retPct <= -1.5:
			ret = 0
		case retPct <= -0.3:
			ret = 1
		case retPct >= 1.5:
			ret = 4
		case retPct >= 0.3:
			ret = 3
		}

		atrPct := 0.0
		if candles[idx].Close > 0 {
			atrPct = atrSeries[i] / candles[idx].Close * 100
		}
		vol := 1
		switch {
		case atrPct < 0.8:
			vol = 0
		case atrPct >= 2.0:
			vol = 2
		}

		volRatio := 1.0
		if avg, ok := indicator.SMA(volumes[:idx+1], 20); ok && avg > 0 {
			volRatio = volumes[idx] / avg
		}
		volume := 1
		switch {
		case volRatio < 0.8:
			volume = 0
		case volRatio >= 1.5:
			volume = 2
		}

		obs = append(obs, encodeObservation(ret, vol, volume))
	}
	return obs
}

// Detect runs Viterbi over the candle observations and maps the
// backtraced final state to a regime. Confidence is the fraction of the
// last five decoded states matching the final one, mapped to [30, 95].
func (h *HMM) Detect(candles []exchange.Candle) *Analysis {
	if len(candles) < hmmMinCandles {
		return nil
	}
	obs := observe(candles)
	if len(obs) < hmmAgreementWindow {
		return nil
	}

	h.mu.RLock()
	path := h.viterbi(obs)
	h.mu.RUnlock()
	if path == nil {
		return nil
	}

	final := path[len(path)-1]
	agree := 0
	for _, s := range path[len(path)-hmmAgreementWindow:] {
		if s == final {
			agree++
		}
	}
	frac := float64(agree) / float64(hmmAgreementWindow)

	closes := indicator.Closes(candles)
	momentum := momentumPercent(closes, momentumBars)

	analysis := &Analysis{
		Confidence: confidenceMin + frac*(confidenceMax-confidenceMin),
		Momentum:   momentum,
		Timestamp:  candles[len(candles)-1].Timestamp,
	}

	if adx := indicator.ComputeADX(candles, 14); adx != nil {
		analysis.ADX = adx.ADX
	}
	if atr, ok := indicator.ATR(candles, indicator.DefaultATRPeriod); ok {
		analysis.ATR = atr
		if price := closes[len(closes)-1]; price > 0 {
			analysis.ATRPercent = atr / price * 100
		}
	}

	switch final {
	case stateBull:
		analysis.Regime = BullTrend
		analysis.TrendDirection = 1
	case stateBear:
		analysis.Regime = BearTrend
		analysis.TrendDirection = -1
	case stateHighVol:
		analysis.Regime = HighVolatility
		analysis.TrendDirection = sign(momentum)
	default:
		analysis.Regime = Sideways
	}
	return analysis
}

// viterbi decodes the most likely state path in log space
func (h *HMM) viterbi(obs []int) []int {
	n := len(obs)
	if n == 0 {
		return nil
	}

	logProb := make([][numStates]float64, n)
	backptr := make([][numStates]int, n)

	for s := 0; s < numStates; s++ {
		logProb[0][s] = safeLog(h.initial[s]) + safeLog(h.emission[s][obs[0]])
	}

	for t := 1; t < n; t++ {
		for s := 0; s < numStates; s++ {
			best, bestPrev := math.Inf(-1), 0
			for p := 0; p < numStates; p++ {
				cand := logProb[t-1][p] + safeLog(h.transition[p][s])
				if cand > best {
					best, bestPrev = cand, p
				}
			}
			logProb[t][s] = best + safeLog(h.emission[s][obs[t]])
			backptr[t][s] = bestPrev
		}
	}

	// Backtrace from the best terminal state
	best, bestState := math.Inf(-1), 0
	for s := 0; s < numStates; s++ {
		if logProb[n-1][s] > best {
			best, bestState = logProb[n-1][s], s
		}
	}

	path := make([]int, n)
	path[n-1] = bestState
	for t := n - 1; t > 0; t-- {
		path[t-1] = backptr[t][path[t]]
	}
	return path
}

// Train runs Baum-Welch over the candle observations, updating the
// transition and emission matrices in place. Requires at least 100
// candles; returns false otherwise.
func (h *HMM) Train(candles []exchange.Candle) bool {
	if len(candles) < hmmTrainMinCandles {
		return false
	}
	obs := observe(candles)
	if len(obs) < hmmAgreementWindow {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for iter := 0; iter < baumWelchIters; iter++ {
		h.baumWelchStep(obs)
	}
	return true
}

// baumWelchStep performs one E-M pass with per-step scaling
func (h *HMM) baumWelchStep(obs []int) {
	n := len(obs)

	// Forward with scaling
	alpha := make([][numStates]float64, n)
	scale := make([]float64, n)
	for s := 0; s < numStates; s++ {
		alpha[0][s] = h.initial[s] * h.emission[s][obs[0]]
		scale[0] += alpha[0][s]
	}
	normalize(&alpha[0], scale[0])
	for t := 1; t < n; t++ {
		for s := 0; s < numStates; s++ {
			sum := 0.0
			for p := 0; p < numStates; p++ {
				sum += alpha[t-1][p] * h.transition[p][s]
			}
			alpha[t][s] = sum * h.emission[s][obs[t]]
			scale[t] += alpha[t][s]
		}
		normalize(&alpha[t], scale[t])
	}

	// Backward with the same scale factors
	beta := make([][numStates]float64, n)
	for s := 0; s < numStates; s++ {
		beta[n-1][s] = 1
	}
	for t := n - 2; t >= 0; t-- {
		for s := 0; s < numStates; s++ {
			sum := 0.0
			for q := 0; q < numStates; q++ {
				sum += h.transition[s][q] * h.emission[q][obs[t+1]] * beta[t+1][q]
			}
			if scale[t+1] > 0 {
				beta[t][s] = sum / scale[t+1]
			}
		}
	}

	// Accumulate expected transitions and emissions
	var transNum [numStates][numStates]float64
	var transDen [numStates]float64
	var emitNum [numStates][numObservations]float64
	var emitDen [numStates]float64

	for t := 0; t < n; t++ {
		var gamma [numStates]float64
		total := 0.0
		for s := 0; s < numStates; s++ {
			gamma[s] = alpha[t][s] * beta[t][s]
			total += gamma[s]
		}
		if total <= 0 {
			continue
		}
		for s := 0; s < numStates; s++ {
			gamma[s] /= total
			emitNum[s][obs[t]] += gamma[s]
			emitDen[s] += gamma[s]
			if t < n-1 {
				transDen[s] += gamma[s]
			}
		}

		if t < n-1 {
			xiTotal := 0.0
			var xi [numStates][numStates]float64
			for s := 0; s < numStates; s++ {
				for q := 0; q < numStates; q++ {
					xi[s][q] = alpha[t][s] * h.transition[s][q] * h.emission[q][obs[t+1]] * beta[t+1][q]
					xiTotal += xi[s][q]
				}
			}
			if xiTotal > 0 {
				for s := 0; s < numStates; s++ {
					for q := 0; q < numStates; q++ {
						transNum[s][q] += xi[s][q] / xiTotal
					}
				}
			}
		}
	}

	// Re-estimate with a small floor so no probability collapses to zero
	const floor = 1e-6
	for s := 0; s < numStates; s++ {
		if transDen[s] > 0 {
			rowSum := 0.0
			for q := 0; q < numStates; q++ {
				h.transition[s][q] = transNum[s][q]/transDen[s] + floor
				rowSum += h.transition[s][q]
			}
			for q := 0; q < numStates; q++ {
				h.transition[s][q] /= rowSum
			}
		}
		if emitDen[s] > 0 {
			rowSum := 0.0
			for o := 0; o < numObservations; o++ {
				h.emission[s][o] = emitNum[s][o]/emitDen[s] + floor
				rowSum += h.emission[s][o]
			}
			for o := 0; o < numObservations; o++ {
				h.emission[s][o] /= rowSum
			}
		}
	}
}

func normalize(row *[numStates]float64, total float64) {
	if total <= 0 {
		return
	}
	for i := range row {
		row[i] /= total
	}
}

func safeLog(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return math.Log(v)
}
