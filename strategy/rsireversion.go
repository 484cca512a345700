package strategy

import (
	"fmt"
	"time"

	"botfleet/shared"
)

// RSIReversionName is the reference name of the RSI mean reversion strategy.
const RSIReversionName = "rsi-reversion"

// RSIReversion signals entries on oversold conditions and exits on overbought
// conditions using the relative strength index.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64
}

// Ensure the strategy implements the shared.Strategy interface.
var _ shared.Strategy = (*RSIReversion)(nil)

// NewRSIReversion initializes a new RSI mean reversion strategy.
func NewRSIReversion(period int, oversold float64, overbought float64) *RSIReversion {
	return &RSIReversion{
		period:     period,
		oversold:   oversold,
		overbought: overbought,
	}
}

// Name returns the name of the strategy.
func (s *RSIReversion) Name() string {
	return RSIReversionName
}

// rsi computes the relative strength index over the trailing period of prices.
func rsi(prices []float64, period int) float64 {
	var gains, losses float64
	for idx := len(prices) - period; idx < len(prices); idx++ {
		change := prices[idx] - prices[idx-1]
		switch {
		case change > 0:
			gains += change
		default:
			losses -= change
		}
	}

	if losses == 0 {
		return 100
	}

	rs := gains / losses
	return 100 - (100 / (1 + rs))
}

// Analyze derives a directional signal from the provided candle history.
func (s *RSIReversion) Analyze(history []shared.Candle) (shared.Signal, error) {
	now := time.Now().UTC()

	if len(history) < s.period+1 {
		return shared.HoldSignal("insufficient history", now), nil
	}

	value := rsi(closes(history), s.period)

	switch {
	case value <= s.oversold:
		confidence := (s.oversold - value) / s.oversold
		reason := fmt.Sprintf("rsi(%d) oversold at %.2f", s.period, value)
		return shared.NewSignal(shared.Buy, confidence, reason, now), nil
	case value >= s.overbought:
		confidence := (value - s.overbought) / (100 - s.overbought)
		reason := fmt.Sprintf("rsi(%d) overbought at %.2f", s.period, value)
		return shared.NewSignal(shared.Sell, confidence, reason, now), nil
	default:
		return shared.HoldSignal("rsi in neutral band", now), nil
	}
}
