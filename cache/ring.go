package cache

import (
	"botfleet/shared"
)

// ring is a fixed capacity, strictly time ordered buffer of closed candles.
type ring struct {
	candles []shared.Candle
	size    int
}

// newRing initializes a new ring with the provided capacity.
func newRing(size int) *ring {
	return &ring{
		candles: make([]shared.Candle, 0, size),
		size:    size,
	}
}

// upsert admits the provided closed candle, replacing the newest entry when
// open times match and rejecting writes that would break time ordering.
// It reports whether the candle was admitted.
func (r *ring) upsert(candle shared.Candle) bool {
	if len(r.candles) == 0 {
		r.candles = append(r.candles, candle)
		return true
	}

	last := r.candles[len(r.candles)-1]
	switch {
	case candle.OpenTime.Equal(last.OpenTime):
		r.candles[len(r.candles)-1] = candle
	case candle.OpenTime.After(last.OpenTime):
		r.candles = append(r.candles, candle)
		if len(r.candles) > r.size {
			r.candles = r.candles[1:]
		}
	default:
		// A write older than the newest entry would reorder history.
		return false
	}

	return true
}

// latest returns the newest candle in the ring.
func (r *ring) latest() (shared.Candle, bool) {
	if len(r.candles) == 0 {
		return shared.Candle{}, false
	}

	return r.candles[len(r.candles)-1], true
}

// lastN copies up to n of the newest candles, ordered oldest first.
func (r *ring) lastN(n int) []shared.Candle {
	if n <= 0 || len(r.candles) == 0 {
		return nil
	}
	if n > len(r.candles) {
		n = len(r.candles)
	}

	out := make([]shared.Candle, n)
	copy(out, r.candles[len(r.candles)-n:])
	return out
}
