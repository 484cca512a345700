package shared

import (
	"fmt"
	"time"
)

// Interval represents the market data time period of a candle.
type Interval int

const (
	OneMinute Interval = iota
	FiveMinute
	FifteenMinute
	OneHour
)

// String stringifies the provided interval.
func (i Interval) String() string {
	switch i {
	case OneMinute:
		return "1m"
	case FiveMinute:
		return "5m"
	case FifteenMinute:
		return "15m"
	case OneHour:
		return "1h"
	default:
		return "unknown"
	}
}

// Duration returns the time duration covered by one candle of the interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case OneMinute:
		return time.Minute
	case FiveMinute:
		return time.Minute * 5
	case FifteenMinute:
		return time.Minute * 15
	case OneHour:
		return time.Hour
	default:
		return 0
	}
}

// ParseInterval parses an interval from its string form.
func ParseInterval(s string) (Interval, error) {
	switch s {
	case "1m":
		return OneMinute, nil
	case "5m":
		return FiveMinute, nil
	case "15m":
		return FifteenMinute, nil
	case "1h":
		return OneHour, nil
	default:
		return 0, fmt.Errorf("unknown interval: %s", s)
	}
}

// Candle represents a unit OHLCV candle for a symbol.
type Candle struct {
	Symbol   string
	Interval Interval
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	// Closed indicates the candle's interval has elapsed. A closed candle
	// is immutable; an unclosed one may still be updated in place.
	Closed bool
}

// Key returns the subscription key for the candle's symbol and interval.
func (c Candle) Key() string {
	return SubscriptionKey(c.Symbol, c.Interval)
}

// SubscriptionKey forms the canonical key for a (symbol, interval) pair.
func SubscriptionKey(symbol string, interval Interval) string {
	return fmt.Sprintf("%s@%s", symbol, interval.String())
}

// Subscription represents a (symbol, interval) market data subscription.
type Subscription struct {
	Symbol   string
	Interval Interval
}

// Key returns the canonical key of the subscription.
func (s Subscription) Key() string {
	return SubscriptionKey(s.Symbol, s.Interval)
}
