package strategy

import (
	"math"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/indicator"
	"coinbase-trader/pkg/types"
)

// Momentum trades with an established trend: it requires ADX to confirm a
// trend exists, reads direction from the EMA stack, and only buys on a
// pullback toward the middle band — never into an extended move above the
// upper band.
type Momentum struct {
	cfg config.MomentumConfig
}

// NewMomentum creates the trend-following evaluator.
func NewMomentum(cfg config.MomentumConfig) *Momentum {
	return &Momentum{cfg: cfg}
}

func (m *Momentum) Name() string { return "momentum" }

// Maximum achievable scores per side: trend 2 + MACD 2 + RSI 1 + band 2 + volume 1.
const momentumMaxScore = 8.0

func (m *Momentum) Analyze(s *indicator.Series, productID string) types.Signal {
	at := seriesTime(s)
	i := s.Len() - 1
	if i < indicator.WarmUp {
		return hold(m.Name(), 0, at, "insufficient history")
	}
	if !indicator.Valid(s.ADX[i], s.EMA20[i], s.EMA50[i], s.EMA200[i], s.RSI[i],
		s.MACD[i], s.MACDSignal[i], s.MACD[i-1], s.MACDSignal[i-1],
		s.BBUpper[i], s.BBMiddle[i], s.VolumeMA[i]) {
		return hold(m.Name(), 0, at, "indicators not ready")
	}

	// Trend-regime precondition: no trend, no trade.
	if s.ADX[i] < m.cfg.ADXThreshold {
		return hold(m.Name(), 0.5, at, "ADX below trend threshold")
	}

	close := s.Close[i]
	bullish := s.EMA20[i] > s.EMA50[i] && s.EMA50[i] > s.EMA200[i]
	bearish := s.EMA20[i] < s.EMA50[i] && s.EMA50[i] < s.EMA200[i]
	macdCrossUp := s.MACD[i] > s.MACDSignal[i] && s.MACD[i-1] <= s.MACDSignal[i-1]
	macdCrossDown := s.MACD[i] < s.MACDSignal[i] && s.MACD[i-1] >= s.MACDSignal[i-1]
	volumeSpike := s.VolumeMA[i] > 0 && s.Volume[i] >= m.cfg.VolumeSpikeMult*s.VolumeMA[i]

	var buy scorer
	// Extended above the upper band is never a buy, whatever else fires.
	if close <= s.BBUpper[i] {
		if bullish {
			buy.add(2, "bullish EMA alignment (20>50>200)")
		}
		if macdCrossUp {
			buy.add(2, "MACD crossed above signal")
		}
		if s.RSI[i] >= m.cfg.RSIBuyLow && s.RSI[i] <= m.cfg.RSIBuyHigh {
			buy.add(1, "RSI %.1f in momentum zone", s.RSI[i])
		}
		if bullish && s.BBMiddle[i] > 0 &&
			math.Abs(close-s.BBMiddle[i])/s.BBMiddle[i] <= m.cfg.PullbackPct {
			buy.add(2, "pullback to middle band in uptrend")
		}
		if volumeSpike {
			buy.add(1, "volume %.1fx above average", s.Volume[i]/s.VolumeMA[i])
		}
	}

	var sell scorer
	if bearish {
		sell.add(2, "bearish EMA alignment (20<50<200)")
	}
	if macdCrossDown {
		sell.add(2, "MACD crossed below signal")
	}
	if s.RSI[i] > m.cfg.RSISellHigh {
		sell.add(1, "RSI %.1f overbought", s.RSI[i])
	}
	if bearish && close < s.BBMiddle[i] {
		sell.add(2, "broke below middle band in downtrend")
	}
	if sell.score > 0 && volumeSpike {
		sell.add(1, "volume %.1fx above average", s.Volume[i]/s.VolumeMA[i])
	}

	return verdict(m.Name(), buy, sell, m.cfg.MinScore, momentumMaxScore, momentumMaxScore, at)
}
