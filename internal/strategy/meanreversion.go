package strategy

import (
	"coinbase-trader/internal/config"
	"coinbase-trader/internal/indicator"
	"coinbase-trader/pkg/types"
)

// MeanReversion fades band extremes: it buys oversold touches of the lower
// Bollinger band and sells overbought touches of the upper band. Buys in a
// long-term downtrend (price below EMA200) carry a heavy penalty — catching
// knives is not the trade.
type MeanReversion struct {
	cfg config.MeanReversionConfig
}

// NewMeanReversion creates the band-reversion evaluator.
func NewMeanReversion(cfg config.MeanReversionConfig) *MeanReversion {
	return &MeanReversion{cfg: cfg}
}

func (m *MeanReversion) Name() string { return "meanreversion" }

// Maximum achievable scores: band 2 + RSI 2 + stochastic 2 + distance 1.
const meanRevMaxScore = 7.0

// downtrendPenalty is subtracted from the buy score when price sits below
// the 200-period EMA.
const downtrendPenalty = 3.0

func (m *MeanReversion) Analyze(s *indicator.Series, productID string) types.Signal {
	at := seriesTime(s)
	i := s.Len() - 1
	if i < indicator.WarmUp {
		return hold(m.Name(), 0, at, "insufficient history")
	}
	if !indicator.Valid(s.BBUpper[i], s.BBMiddle[i], s.BBLower[i], s.RSI[i],
		s.StochK[i], s.StochD[i], s.StochK[i-1], s.StochD[i-1], s.EMA200[i]) {
		return hold(m.Name(), 0, at, "indicators not ready")
	}

	close := s.Close[i]
	sd := (s.BBUpper[i] - s.BBMiddle[i]) / 2 // one standard deviation
	stochCrossUp := s.StochK[i] > s.StochD[i] && s.StochK[i-1] <= s.StochD[i-1]
	stochCrossDown := s.StochK[i] < s.StochD[i] && s.StochK[i-1] >= s.StochD[i-1]

	var buy scorer
	if close <= s.BBLower[i] {
		buy.add(2, "price at/below lower band")
	}
	if s.RSI[i] < m.cfg.RSIOversold {
		buy.add(2, "RSI %.1f extremely oversold", s.RSI[i])
	}
	if s.StochK[i] < 20 && stochCrossUp {
		buy.add(2, "stochastic oversold with bullish cross")
	}
	if sd > 0 && (close-s.BBMiddle[i])/sd <= -m.cfg.MeanDistSigma {
		buy.add(1, "%.1f sigma below mean", (s.BBMiddle[i]-close)/sd)
	}
	if close < s.EMA200[i] && buy.score > 0 {
		buy.score -= downtrendPenalty
		if buy.score < 0 {
			buy.score = 0
		}
		buy.reasons = append(buy.reasons, "below EMA200, buy score penalized")
	}

	var sell scorer
	if close >= s.BBUpper[i] {
		sell.add(2, "price at/above upper band")
	}
	if s.RSI[i] > m.cfg.RSIOverbought {
		sell.add(2, "RSI %.1f extremely overbought", s.RSI[i])
	}
	if s.StochK[i] > 80 && stochCrossDown {
		sell.add(2, "stochastic overbought with bearish cross")
	}
	if sd > 0 && (close-s.BBMiddle[i])/sd >= m.cfg.MeanDistSigma {
		sell.add(1, "%.1f sigma above mean", (close-s.BBMiddle[i])/sd)
	}

	return verdict(m.Name(), buy, sell, m.cfg.MinScore, meanRevMaxScore, meanRevMaxScore, at)
}
