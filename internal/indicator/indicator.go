// Package indicator computes technical indicators over candle series.
//
// Enrich is a pure function: given the same candles it always produces the
// same Series, and it never mutates its input. Every indicator slice is
// aligned with the input candles; positions inside an indicator's warm-up
// window hold NaN, and strategies must check validity with Valid before
// reading. Outside the warm-up window values are always present.
//
// Indicator math uses float64 — these feed signal scoring, never monetary
// arithmetic, which stays in decimals end to end.
package indicator

import (
	"math"

	"coinbase-trader/pkg/types"
)

// Standard parameter set. Strategies reference these columns by field name;
// the names are stable identifiers.
const (
	emaFast     = 20
	emaMid      = 50
	emaSlow     = 200
	rsiPeriod   = 14
	macdFast    = 12
	macdSlow    = 26
	macdSignal  = 9
	bbPeriod    = 20
	bbStdDev    = 2.0
	adxPeriod   = 14
	stochPeriod = 14
	stochSmooth = 3
	atrPeriod   = 14
	rollPeriod  = 50
	volShort    = 10
)

// WarmUp is the largest warm-up window across all indicators. Series built
// from fewer candles than this have NaN in their newest slots for the slow
// indicators and are not tradable.
const WarmUp = emaSlow

// Series is a candle sequence decorated with indicator columns.
type Series struct {
	Candles []types.Candle

	Close  []float64
	High   []float64
	Low    []float64
	Volume []float64

	EMA20  []float64
	EMA50  []float64
	EMA200 []float64

	RSI []float64

	MACD       []float64
	MACDSignal []float64
	MACDHist   []float64

	BBUpper  []float64
	BBMiddle []float64
	BBLower  []float64
	BBWidth  []float64 // (upper-lower)/middle, fraction

	ADX     []float64
	PlusDI  []float64
	MinusDI []float64

	StochK []float64
	StochD []float64

	ATR []float64

	RollingHigh []float64 // max high over the trailing window, inclusive
	RollingLow  []float64

	VolumeMA      []float64 // 20-bar average volume
	VolumeMAShort []float64 // 10-bar average volume, the dry-up baseline
}

// Len returns the number of candles in the series.
func (s *Series) Len() int { return len(s.Candles) }

// Valid reports whether every given value is a real number.
func Valid(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Enrich decorates candles with the full indicator set.
func Enrich(candles []types.Candle) *Series {
	n := len(candles)
	s := &Series{
		Candles: candles,
		Close:   make([]float64, n),
		High:    make([]float64, n),
		Low:     make([]float64, n),
		Volume:  make([]float64, n),
	}
	for i, c := range candles {
		s.Close[i], _ = c.Close.Float64()
		s.High[i], _ = c.High.Float64()
		s.Low[i], _ = c.Low.Float64()
		s.Volume[i], _ = c.Volume.Float64()
	}

	s.EMA20 = ema(s.Close, emaFast)
	s.EMA50 = ema(s.Close, emaMid)
	s.EMA200 = ema(s.Close, emaSlow)
	s.RSI = rsi(s.Close, rsiPeriod)
	s.MACD, s.MACDSignal, s.MACDHist = macd(s.Close)
	s.BBUpper, s.BBMiddle, s.BBLower, s.BBWidth = bollinger(s.Close)
	s.ADX, s.PlusDI, s.MinusDI = adx(s.High, s.Low, s.Close, adxPeriod)
	s.StochK, s.StochD = stochastic(s.High, s.Low, s.Close)
	s.ATR = atr(s.High, s.Low, s.Close, atrPeriod)
	s.RollingHigh = rollingMax(s.High, rollPeriod)
	s.RollingLow = rollingMin(s.Low, rollPeriod)
	s.VolumeMA = sma(s.Volume, bbPeriod)
	s.VolumeMAShort = sma(s.Volume, volShort)

	return s
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// sma computes the simple moving average; NaN for the first period-1 slots.
func sma(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema computes the exponential moving average, seeded with the SMA of the
// first period values.
func ema(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) < period {
		return out
	}
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// emaFrom computes an EMA over a series whose head may be NaN (e.g. the
// MACD line). The seed is the SMA of the first period valid values.
func emaFrom(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	start := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start < 0 || len(values)-start < period {
		return out
	}
	var seed float64
	for i := start; i < start+period; i++ {
		seed += values[i]
	}
	out[start+period-1] = seed / float64(period)

	k := 2.0 / float64(period+1)
	for i := start + period; i < len(values); i++ {
		out[i] = (values[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// rsi computes the Relative Strength Index with Wilder smoothing.
func rsi(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if len(values) <= period {
		return out
	}

	var avgGain, avgLoss float64
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
	out[period] = rsiValue(avgGain, avgLoss)

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
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// macd computes the MACD line (EMA12−EMA26), its EMA9 signal line, and the
// histogram.
func macd(values []float64) (line, signal, hist []float64) {
	fast := ema(values, macdFast)
	slow := ema(values, macdSlow)
	line = nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			line[i] = fast[i] - slow[i]
		}
	}
	signal = emaFrom(line, macdSignal)
	hist = nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(line[i]) && !math.IsNaN(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return line, signal, hist
}

// bollinger computes the 20-period bands at 2 standard deviations.
func bollinger(values []float64) (upper, middle, lower, width []float64) {
	n := len(values)
	middle = sma(values, bbPeriod)
	upper = nanSlice(n)
	lower = nanSlice(n)
	width = nanSlice(n)

	for i := bbPeriod - 1; i < n; i++ {
		mean := middle[i]
		var variance float64
		for j := i - bbPeriod + 1; j <= i; j++ {
			d := values[j] - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(bbPeriod))
		upper[i] = mean + bbStdDev*sd
		lower[i] = mean - bbStdDev*sd
		if mean != 0 {
			width[i] = (upper[i] - lower[i]) / mean
		}
	}
	return upper, middle, lower, width
}

// trueRange returns the TR series (NaN at index 0).
func trueRange(high, low, close []float64) []float64 {
	out := nanSlice(len(high))
	for i := 1; i < len(high); i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// atr computes the Average True Range with Wilder smoothing.
func atr(high, low, close []float64, period int) []float64 {
	out := nanSlice(len(high))
	tr := trueRange(high, low, close)
	if len(high) <= period {
		return out
	}

	var seed float64
	for i := 1; i <= period; i++ {
		seed += tr[i]
	}
	out[period] = seed / float64(period)
	for i := period + 1; i < len(high); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// adx computes the Average Directional Index with ±DI, Wilder smoothing
// throughout. The first valid ADX appears after two warm-up periods.
func adx(high, low, close []float64, period int) (adxOut, plusDI, minusDI []float64) {
	n := len(high)
	adxOut = nanSlice(n)
	plusDI = nanSlice(n)
	minusDI = nanSlice(n)
	if n <= 2*period {
		return adxOut, plusDI, minusDI
	}

	tr := trueRange(high, low, close)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder-smoothed running sums, seeded over the first period bars.
	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	dx := nanSlice(n)
	setDI := func(i int) {
		if trS == 0 {
			return
		}
		plusDI[i] = 100 * plusS / trS
		minusDI[i] = 100 * minusS / trS
		sum := plusDI[i] + minusDI[i]
		if sum != 0 {
			dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / sum
		}
	}
	setDI(period)

	for i := period + 1; i < n; i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		setDI(i)
	}

	// ADX is the Wilder smoothing of DX, seeded with its simple mean.
	var seed float64
	count := 0
	for i := period; i < 2*period && i < n; i++ {
		if !math.IsNaN(dx[i]) {
			seed += dx[i]
			count++
		}
	}
	if count == 0 {
		return adxOut, plusDI, minusDI
	}
	adxOut[2*period-1] = seed / float64(count)
	for i := 2 * period; i < n; i++ {
		if math.IsNaN(dx[i]) {
			adxOut[i] = adxOut[i-1]
			continue
		}
		adxOut[i] = (adxOut[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return adxOut, plusDI, minusDI
}

// stochastic computes %K over the trailing window and %D as its 3-bar SMA.
func stochastic(high, low, close []float64) (k, d []float64) {
	n := len(high)
	k = nanSlice(n)
	for i := stochPeriod - 1; i < n; i++ {
		hh, ll := math.Inf(-1), math.Inf(1)
		for j := i - stochPeriod + 1; j <= i; j++ {
			hh = math.Max(hh, high[j])
			ll = math.Min(ll, low[j])
		}
		if hh > ll {
			k[i] = 100 * (close[i] - ll) / (hh - ll)
		} else {
			k[i] = 50 // flat window
		}
	}
	d = smaValid(k, stochSmooth)
	return k, d
}

// smaValid is an SMA that starts once its window is fully valid.
func smaValid(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		var sum float64
		ok := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				ok = false
				break
			}
			sum += values[j]
		}
		if ok {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// rollingMax returns the max over the trailing window ending at each index.
func rollingMax(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		m := math.Inf(-1)
		for j := i - period + 1; j <= i; j++ {
			m = math.Max(m, values[j])
		}
		out[i] = m
	}
	return out
}

// rollingMin returns the min over the trailing window ending at each index.
func rollingMin(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		m := math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			m = math.Min(m, values[j])
		}
		out[i] = m
	}
	return out
}
