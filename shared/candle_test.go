package shared

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Interval
		wantErr bool
	}{
		{name: "one minute", input: "1m", want: OneMinute},
		{name: "five minute", input: "5m", want: FiveMinute},
		{name: "fifteen minute", input: "15m", want: FifteenMinute},
		{name: "one hour", input: "1h", want: OneHour},
		{name: "unknown interval", input: "3d", wantErr: true},
		{name: "empty interval", input: "", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseInterval(test.input)
			if test.wantErr {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, test.want, got)
			assert.Equal(t, test.input, got.String())
		})
	}
}

func TestIntervalDuration(t *testing.T) {
	assert.Equal(t, time.Minute, OneMinute.Duration())
	assert.Equal(t, time.Hour, OneHour.Duration())
}

func TestSubscriptionKey(t *testing.T) {
	sub := Subscription{Symbol: "BTCUSDT", Interval: OneMinute}
	assert.Equal(t, "BTCUSDT@1m", sub.Key())

	candle := Candle{Symbol: "BTCUSDT", Interval: OneMinute}
	assert.Equal(t, sub.Key(), candle.Key())
}

func TestNewSignalClampsConfidence(t *testing.T) {
	now := time.Now()

	signal := NewSignal(Buy, 1.5, "test", now)
	assert.Equal(t, float64(1), signal.Confidence)

	signal = NewSignal(Sell, -0.5, "test", now)
	assert.Equal(t, float64(0), signal.Confidence)

	signal = HoldSignal("idle", now)
	assert.Equal(t, Hold, signal.Type)
}
