package position

import (
	"testing"

	"github.com/peterldowns/testy/assert"
)

func newLongPosition(t *testing.T, trailingStopPct float64) *Position {
	t.Helper()

	pos, err := New(&Params{
		BotID:           "bot-1",
		Symbol:          "BTCUSDT",
		Side:            Long,
		Quantity:        2,
		EntryPrice:      100,
		StopLoss:        90,
		TrailingStopPct: trailingStopPct,
		FeeRate:         0.001,
	})
	assert.NoError(t, err)

	return pos
}

func TestNewPosition(t *testing.T) {
	// Ensure a position requires a positive quantity.
	_, err := New(&Params{Quantity: 0, EntryPrice: 100})
	assert.Error(t, err)

	// Ensure a position requires a positive entry price.
	_, err = New(&Params{Quantity: 1, EntryPrice: 0})
	assert.Error(t, err)

	// Ensure a valid position opens with the entry fee accounted for.
	pos := newLongPosition(t, 0)
	assert.Equal(t, Open, pos.Status)
	assert.Equal(t, float64(100), pos.ExtremePrice)

	entryPrice, quantity, feeRate := float64(100), float64(2), 0.001
	assert.Equal(t, entryPrice*quantity*feeRate, pos.EntryFee)
}

func TestUnrealizedPNL(t *testing.T) {
	pos := newLongPosition(t, 0)

	// Ensure long profit tracks price above entry.
	assert.Equal(t, float64(10), pos.UnrealizedPNL(105))
	assert.Equal(t, float64(-10), pos.UnrealizedPNL(95))

	// Ensure short profit tracks price below entry.
	pos.Side = Short
	assert.Equal(t, float64(-10), pos.UnrealizedPNL(105))
	assert.Equal(t, float64(10), pos.UnrealizedPNL(95))
}

func TestRatchetStop(t *testing.T) {
	pos := newLongPosition(t, 0.05)

	// Ensure the stop advances when price makes a new extreme.
	pos.RatchetStop(110)
	assert.Equal(t, float64(110), pos.ExtremePrice)
	assert.Equal(t, 110*0.95, pos.StopLoss)

	// Ensure the stop never loosens on a pullback.
	pos.RatchetStop(100)
	assert.Equal(t, float64(110), pos.ExtremePrice)
	assert.Equal(t, 110*0.95, pos.StopLoss)

	// Ensure a higher extreme ratchets the stop further up.
	pos.RatchetStop(120)
	assert.Equal(t, float64(120), pos.ExtremePrice)
	assert.Equal(t, 120*0.95, pos.StopLoss)

	// Ensure positions without a trailing stop keep their initial stop.
	fixed := newLongPosition(t, 0)
	fixed.RatchetStop(150)
	assert.Equal(t, float64(90), fixed.StopLoss)
}

func TestStopAndTakeProfitTriggers(t *testing.T) {
	pos := newLongPosition(t, 0)
	pos.TakeProfit = 120

	// Ensure the stop triggers at and below the stop price.
	assert.False(t, pos.StopTriggered(91))
	assert.True(t, pos.StopTriggered(90))
	assert.True(t, pos.StopTriggered(85))

	// Ensure the take profit triggers at and above the take profit price.
	assert.False(t, pos.TakeProfitTriggered(119))
	assert.True(t, pos.TakeProfitTriggered(120))
	assert.True(t, pos.TakeProfitTriggered(125))

	// Ensure a short position mirrors both triggers.
	pos.Side = Short
	pos.StopLoss = 110
	pos.TakeProfit = 80
	assert.True(t, pos.StopTriggered(110))
	assert.False(t, pos.StopTriggered(109))
	assert.True(t, pos.TakeProfitTriggered(80))
	assert.False(t, pos.TakeProfitTriggered(81))
}

func TestClosePosition(t *testing.T) {
	pos := newLongPosition(t, 0)

	// Ensure closing realizes profit net of entry and exit fees.
	exitPrice, feeRate := float64(105), 0.001
	realized, err := pos.Close(exitPrice, feeRate)
	assert.NoError(t, err)

	want := pos.UnrealizedPNL(exitPrice) - pos.EntryFee - exitPrice*pos.Quantity*feeRate
	assert.Equal(t, want, realized)
	assert.Equal(t, Closed, pos.Status)
	assert.Equal(t, float64(105), pos.ExitPrice)

	// Ensure a closed position cannot be closed again.
	_, err = pos.Close(110, 0.001)
	assert.Error(t, err)
}
