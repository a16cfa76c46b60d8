package strategy

import (
	"coinbase-trader/internal/config"
	"coinbase-trader/internal/indicator"
	"coinbase-trader/pkg/types"
)

// Breakout hunts range expansions out of consolidation: ADX must show the
// market was ranging before the breakout bar, then the close punching
// through the rolling extreme — ideally with a volume spike after a dry
// spell and a volatility squeeze — scores the entry.
type Breakout struct {
	cfg config.BreakoutConfig
}

// NewBreakout creates the consolidation-breakout evaluator.
func NewBreakout(cfg config.BreakoutConfig) *Breakout {
	return &Breakout{cfg: cfg}
}

func (b *Breakout) Name() string { return "breakout" }

// Maximum achievable scores: breakout 2 + squeeze 1 + volume 2 + compression 1.
const breakoutMaxScore = 6.0

// dryUpWindow is how many prior bars establish the volume dry-up baseline
// and the ATR local minimum.
const dryUpWindow = 10

func (b *Breakout) Analyze(s *indicator.Series, productID string) types.Signal {
	at := seriesTime(s)
	i := s.Len() - 1
	if i < indicator.WarmUp || i < dryUpWindow+1 {
		return hold(b.Name(), 0, at, "insufficient history")
	}
	if !indicator.Valid(s.ADX[i-1], s.RollingHigh[i-1], s.RollingLow[i-1],
		s.RollingHigh[i-2], s.RollingLow[i-2], s.BBWidth[i],
		s.VolumeMA[i], s.VolumeMAShort[i-1], s.ATR[i], s.ATR[i-1]) {
		return hold(b.Name(), 0, at, "indicators not ready")
	}

	// Consolidation precondition reads the bar before the breakout: once
	// the move is underway ADX rises and the edge is gone.
	if s.ADX[i-1] >= b.cfg.ADXConsolidation {
		return hold(b.Name(), 0.5, at, "already trending before breakout bar")
	}

	close := s.Close[i]
	squeeze := s.BBWidth[i] < b.cfg.SqueezeWidthPct
	volumeSpike := s.VolumeMA[i] > 0 && s.Volume[i] >= b.cfg.VolumeSpikeMult*s.VolumeMA[i]
	volumeDriedUp := s.VolumeMAShort[i-1] < 0.8*s.VolumeMA[i]

	atrLocalMin := true
	for j := i - dryUpWindow; j < i; j++ {
		if !indicator.Valid(s.ATR[j]) || s.ATR[i-1] > s.ATR[j] {
			atrLocalMin = false
			break
		}
	}

	var buy scorer
	if close > s.RollingHigh[i-1] && s.Close[i-1] <= s.RollingHigh[i-2] {
		buy.add(2, "close broke %0.f-bar high", float64(rollPeriodBars))
	}
	if buy.score > 0 {
		if squeeze {
			buy.add(1, "band squeeze (width %.1f%%)", s.BBWidth[i]*100)
		}
		if volumeDriedUp && volumeSpike {
			buy.add(2, "volume dry-up then %.1fx spike", s.Volume[i]/s.VolumeMA[i])
		}
		if atrLocalMin {
			buy.add(1, "volatility compressed to local minimum")
		}
	}

	var sell scorer
	if close < s.RollingLow[i-1] && s.Close[i-1] >= s.RollingLow[i-2] {
		sell.add(2, "close broke %0.f-bar low", float64(rollPeriodBars))
	}
	if sell.score > 0 {
		if squeeze {
			sell.add(1, "band squeeze (width %.1f%%)", s.BBWidth[i]*100)
		}
		if volumeDriedUp && volumeSpike {
			sell.add(2, "volume dry-up then %.1fx spike", s.Volume[i]/s.VolumeMA[i])
		}
		if atrLocalMin {
			sell.add(1, "volatility compressed to local minimum")
		}
	}

	// A wick through the high that closed back inside the range is a
	// failed breakout; treat it as a sell hint rather than noise.
	if buy.score == 0 && s.High[i] > s.RollingHigh[i-1] && close < s.RollingHigh[i-1] {
		sell.add(2, "failed breakout above %0.2f", s.RollingHigh[i-1])
	}

	return verdict(b.Name(), buy, sell, b.cfg.MinScore, breakoutMaxScore, breakoutMaxScore, at)
}

// rollPeriodBars mirrors the rolling high/low window used by the indicator
// engine; referenced only for reason strings.
const rollPeriodBars = 50
