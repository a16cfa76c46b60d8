package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

// flatCandles builds n candles at a constant price.
func flatCandles(n int, price float64) []types.Candle {
	out := make([]types.Candle, n)
	p := decimal.NewFromFloat(price)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = types.Candle{
			Start:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:   p,
			High:   p,
			Low:    p,
			Close:  p,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

// rampCandles builds n candles whose close rises by step each bar.
func rampCandles(n int, base, step float64) []types.Candle {
	out := make([]types.Candle, n)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := base + step*float64(i)
		out[i] = types.Candle{
			Start:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:   decimal.NewFromFloat(c - step/2),
			High:   decimal.NewFromFloat(c + step),
			Low:    decimal.NewFromFloat(c - step),
			Close:  decimal.NewFromFloat(c),
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

func TestWarmUpBoundary(t *testing.T) {
	t.Parallel()
	s := Enrich(flatCandles(WarmUp, 100))

	if !math.IsNaN(s.EMA200[WarmUp-2]) {
		t.Errorf("EMA200[%d] = %f, want NaN inside warm-up", WarmUp-2, s.EMA200[WarmUp-2])
	}
	if math.IsNaN(s.EMA200[WarmUp-1]) {
		t.Errorf("EMA200[%d] is NaN, want first valid value at the boundary", WarmUp-1)
	}

	short := Enrich(flatCandles(WarmUp-1, 100))
	for i, v := range short.EMA200 {
		if !math.IsNaN(v) {
			t.Fatalf("EMA200[%d] = %f with %d candles, want all NaN", i, v, WarmUp-1)
		}
	}
}

func TestEnrichDeterministic(t *testing.T) {
	t.Parallel()
	candles := rampCandles(250, 100, 0.5)

	a := Enrich(candles)
	b := Enrich(candles)

	last := a.Len() - 1
	pairs := []struct {
		name string
		x, y float64
	}{
		{"EMA20", a.EMA20[last], b.EMA20[last]},
		{"RSI", a.RSI[last], b.RSI[last]},
		{"MACD", a.MACD[last], b.MACD[last]},
		{"BBWidth", a.BBWidth[last], b.BBWidth[last]},
		{"ADX", a.ADX[last], b.ADX[last]},
		{"ATR", a.ATR[last], b.ATR[last]},
	}
	for _, p := range pairs {
		if p.x != p.y {
			t.Errorf("%s differs between runs: %f vs %f", p.name, p.x, p.y)
		}
	}
}

func TestEnrichDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	candles := rampCandles(250, 100, 0.5)
	before := candles[42].Close
	Enrich(candles)
	if !candles[42].Close.Equal(before) {
		t.Error("Enrich mutated its input candles")
	}
}

func TestFlatSeriesValues(t *testing.T) {
	t.Parallel()
	s := Enrich(flatCandles(250, 100))
	last := s.Len() - 1

	for _, tc := range []struct {
		name string
		got  float64
		want float64
	}{
		{"EMA20", s.EMA20[last], 100},
		{"EMA50", s.EMA50[last], 100},
		{"EMA200", s.EMA200[last], 100},
		{"BBMiddle", s.BBMiddle[last], 100},
		{"BBUpper", s.BBUpper[last], 100},
		{"BBWidth", s.BBWidth[last], 0},
		{"ATR", s.ATR[last], 0},
		{"RollingHigh", s.RollingHigh[last], 100},
		{"RollingLow", s.RollingLow[last], 100},
		{"VolumeMA", s.VolumeMA[last], 1000},
	} {
		if math.Abs(tc.got-tc.want) > 1e-9 {
			t.Errorf("%s = %f, want %f", tc.name, tc.got, tc.want)
		}
	}
}

func TestRSIExtremes(t *testing.T) {
	t.Parallel()

	up := Enrich(rampCandles(50, 100, 1))
	if got := up.RSI[up.Len()-1]; got != 100 {
		t.Errorf("RSI on a pure uptrend = %f, want 100", got)
	}

	down := Enrich(rampCandles(50, 200, -1))
	if got := down.RSI[down.Len()-1]; got != 0 {
		t.Errorf("RSI on a pure downtrend = %f, want 0", got)
	}
}

func TestVolumeMAShortWindow(t *testing.T) {
	t.Parallel()
	candles := flatCandles(30, 100)
	for i := range candles {
		candles[i].Volume = decimal.NewFromInt(int64(100 * (i + 1)))
	}
	s := Enrich(candles)

	if !math.IsNaN(s.VolumeMAShort[8]) {
		t.Errorf("VolumeMAShort[8] = %v, want NaN before a full 10-bar window", s.VolumeMAShort[8])
	}
	// Mean of volumes 100..1000.
	if got := s.VolumeMAShort[9]; got != 550 {
		t.Errorf("VolumeMAShort[9] = %v, want 550", got)
	}
	// Mean of volumes 2100..3000 at the last bar.
	if got := s.VolumeMAShort[29]; got != 2550 {
		t.Errorf("VolumeMAShort[29] = %v, want 2550", got)
	}
}

func TestSMAKnownValues(t *testing.T) {
	t.Parallel()
	out := sma([]float64{1, 2, 3, 4, 5}, 3)

	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Error("sma warm-up slots not NaN")
	}
	for i, want := range map[int]float64{2: 2, 3: 3, 4: 4} {
		if out[i] != want {
			t.Errorf("sma[%d] = %f, want %f", i, out[i], want)
		}
	}
}

func TestEMASeededWithSMA(t *testing.T) {
	t.Parallel()
	out := ema([]float64{2, 4, 6, 8}, 3)

	if out[2] != 4 { // SMA of the first 3 values
		t.Errorf("ema seed = %f, want 4", out[2])
	}
	// k = 2/(3+1) = 0.5: (8−4)·0.5 + 4 = 6
	if out[3] != 6 {
		t.Errorf("ema[3] = %f, want 6", out[3])
	}
}

func TestValid(t *testing.T) {
	t.Parallel()
	if !Valid(1, 0, -3.5) {
		t.Error("Valid rejected real numbers")
	}
	if Valid(1, math.NaN()) {
		t.Error("Valid accepted NaN")
	}
	if Valid(math.Inf(1)) {
		t.Error("Valid accepted +Inf")
	}
}
