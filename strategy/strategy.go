// Package strategy provides the concrete trading strategies run by bots.
package strategy

import (
	"fmt"

	"botfleet/shared"
)

// New initializes a strategy from its reference name.
func New(name string) (shared.Strategy, error) {
	switch name {
	case SMACrossName:
		return NewSMACross(10, 30), nil
	case RSIReversionName:
		return NewRSIReversion(14, 30, 70), nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
}

// closes extracts the close prices of the provided candles.
func closes(history []shared.Candle) []float64 {
	prices := make([]float64, len(history))
	for idx := range history {
		prices[idx] = history[idx].Close
	}

	return prices
}

// sma computes the simple moving average of the trailing period of prices.
func sma(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}

	var sum float64
	for idx := len(prices) - period; idx < len(prices); idx++ {
		sum += prices[idx]
	}

	return sum / float64(period)
}
