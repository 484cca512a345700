package shared

import (
	"time"
)

// SignalType represents the directional recommendation of a strategy.
type SignalType int

const (
	Hold SignalType = iota
	Buy
	Sell
)

// String stringifies the provided signal type.
func (s SignalType) String() string {
	switch s {
	case Hold:
		return "hold"
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Signal represents a strategy's directional recommendation.
type Signal struct {
	Type       SignalType
	Confidence float64
	Reason     string
	CreatedOn  time.Time
}

// NewSignal initializes a new signal, clamping confidence to [0, 1].
func NewSignal(kind SignalType, confidence float64, reason string, created time.Time) Signal {
	switch {
	case confidence < 0:
		confidence = 0
	case confidence > 1:
		confidence = 1
	}

	return Signal{
		Type:       kind,
		Confidence: confidence,
		Reason:     reason,
		CreatedOn:  created,
	}
}

// HoldSignal returns a hold signal with the provided reason.
func HoldSignal(reason string, created time.Time) Signal {
	return NewSignal(Hold, 0, reason, created)
}
