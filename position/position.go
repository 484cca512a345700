package position

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Side represents the direction of a position.
type Side int

const (
	Long Side = iota
	Short
)

// String stringifies the provided side.
func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Status represents the status of a position.
type Status int

const (
	Open Status = iota
	Closed
)

// String stringifies the provided position status.
func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Position represents a market position opened by an executed signal.
type Position struct {
	ID              string
	BotID           string
	Symbol          string
	Side            Side
	Quantity        float64
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	TrailingStopPct float64
	// ExtremePrice tracks the most favourable price seen since entry and
	// anchors the trailing stop ratchet.
	ExtremePrice float64
	EntryFee     float64
	ExitPrice    float64
	RealizedPNL  float64
	Status       Status
	OpenedOn     time.Time
	ClosedOn     time.Time
}

// Params bundles the inputs required to open a position.
type Params struct {
	BotID           string
	Symbol          string
	Side            Side
	Quantity        float64
	EntryPrice      float64
	StopLoss        float64
	TakeProfit      float64
	TrailingStopPct float64
	FeeRate         float64
}

// New initializes a new open position from the provided parameters.
func New(params *Params) (*Position, error) {
	if params.Quantity <= 0 {
		return nil, fmt.Errorf("position quantity must be positive, got %f", params.Quantity)
	}
	if params.EntryPrice <= 0 {
		return nil, fmt.Errorf("position entry price must be positive, got %f", params.EntryPrice)
	}

	pos := &Position{
		ID:              uuid.New().String(),
		BotID:           params.BotID,
		Symbol:          params.Symbol,
		Side:            params.Side,
		Quantity:        params.Quantity,
		EntryPrice:      params.EntryPrice,
		StopLoss:        params.StopLoss,
		TakeProfit:      params.TakeProfit,
		TrailingStopPct: params.TrailingStopPct,
		ExtremePrice:    params.EntryPrice,
		EntryFee:        params.EntryPrice * params.Quantity * params.FeeRate,
		Status:          Open,
		OpenedOn:        time.Now().UTC(),
	}

	return pos, nil
}

// UnrealizedPNL returns the unrealized profit of the position at the provided price.
func (p *Position) UnrealizedPNL(currentPrice float64) float64 {
	switch p.Side {
	case Short:
		return (p.EntryPrice - currentPrice) * p.Quantity
	default:
		return (currentPrice - p.EntryPrice) * p.Quantity
	}
}

// RatchetStop advances the trailing stop in the profit protecting direction
// using the provided price. The stop never loosens once set.
func (p *Position) RatchetStop(currentPrice float64) {
	if p.TrailingStopPct <= 0 {
		return
	}

	switch p.Side {
	case Long:
		p.ExtremePrice = math.Max(p.ExtremePrice, currentPrice)
		candidate := p.ExtremePrice * (1 - p.TrailingStopPct)
		if candidate > p.StopLoss {
			p.StopLoss = candidate
		}
	case Short:
		p.ExtremePrice = math.Min(p.ExtremePrice, currentPrice)
		candidate := p.ExtremePrice * (1 + p.TrailingStopPct)
		if p.StopLoss == 0 || candidate < p.StopLoss {
			p.StopLoss = candidate
		}
	}
}

// StopTriggered reports whether the provided price breaches the stop loss.
func (p *Position) StopTriggered(currentPrice float64) bool {
	if p.StopLoss <= 0 {
		return false
	}

	switch p.Side {
	case Short:
		return currentPrice >= p.StopLoss
	default:
		return currentPrice <= p.StopLoss
	}
}

// TakeProfitTriggered reports whether the provided price reaches the take profit.
func (p *Position) TakeProfitTriggered(currentPrice float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}

	switch p.Side {
	case Short:
		return currentPrice <= p.TakeProfit
	default:
		return currentPrice >= p.TakeProfit
	}
}

// Close closes the position at the provided price, realizing its profit net
// of entry and exit fees.
func (p *Position) Close(exitPrice float64, feeRate float64) (float64, error) {
	if p.Status == Closed {
		return 0, fmt.Errorf("position %s is already closed", p.ID)
	}

	exitFee := exitPrice * p.Quantity * feeRate
	p.ExitPrice = exitPrice
	p.RealizedPNL = p.UnrealizedPNL(exitPrice) - p.EntryFee - exitFee
	p.Status = Closed
	p.ClosedOn = time.Now().UTC()

	return p.RealizedPNL, nil
}

// Describe summarizes the position for logs and notifications.
func (p *Position) Describe() string {
	return fmt.Sprintf("%s position (%s) for %s: qty %f @ %f, stop %f",
		p.Side.String(), p.ID, p.Symbol, p.Quantity, p.EntryPrice, p.StopLoss)
}
