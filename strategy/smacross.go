package strategy

import (
	"fmt"
	"math"
	"time"

	"botfleet/shared"
)

// SMACrossName is the reference name of the moving average crossover strategy.
const SMACrossName = "sma-cross"

// SMACross signals entries and exits from fast/slow moving average crossovers.
type SMACross struct {
	fastPeriod int
	slowPeriod int
}

// Ensure the strategy implements the shared.Strategy interface.
var _ shared.Strategy = (*SMACross)(nil)

// NewSMACross initializes a new moving average crossover strategy.
func NewSMACross(fastPeriod int, slowPeriod int) *SMACross {
	return &SMACross{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
	}
}

// Name returns the name of the strategy.
func (s *SMACross) Name() string {
	return SMACrossName
}

// Analyze derives a directional signal from the provided candle history.
func (s *SMACross) Analyze(history []shared.Candle) (shared.Signal, error) {
	now := time.Now().UTC()

	// The slow average needs one extra sample to detect the crossover.
	if len(history) < s.slowPeriod+1 {
		return shared.HoldSignal("insufficient history", now), nil
	}

	prices := closes(history)
	prev := prices[:len(prices)-1]

	fast := sma(prices, s.fastPeriod)
	slow := sma(prices, s.slowPeriod)
	prevFast := sma(prev, s.fastPeriod)
	prevSlow := sma(prev, s.slowPeriod)

	if slow == 0 {
		return shared.Signal{}, fmt.Errorf("degenerate slow average for %d candles", len(history))
	}

	// Confidence scales with the separation of the averages relative to price.
	separation := math.Abs(fast-slow) / slow
	confidence := math.Min(1, separation*100)

	switch {
	case prevFast <= prevSlow && fast > slow:
		reason := fmt.Sprintf("fast sma(%d) crossed above slow sma(%d)", s.fastPeriod, s.slowPeriod)
		return shared.NewSignal(shared.Buy, confidence, reason, now), nil
	case prevFast >= prevSlow && fast < slow:
		reason := fmt.Sprintf("fast sma(%d) crossed below slow sma(%d)", s.fastPeriod, s.slowPeriod)
		return shared.NewSignal(shared.Sell, confidence, reason, now), nil
	default:
		return shared.HoldSignal("no crossover", now), nil
	}
}
