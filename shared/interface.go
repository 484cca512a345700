package shared

import (
	"context"
)

// Strategy defines the requirements for analyzing candle history into a signal.
type Strategy interface {
	// Name returns the name of the strategy.
	Name() string
	// Analyze derives a directional signal from the provided candle history,
	// ordered oldest first.
	Analyze(history []Candle) (Signal, error)
}

// CandleStore defines the requirements for storing and querying recent candles.
type CandleStore interface {
	// Put upserts the provided candle keyed by symbol, interval and open time.
	Put(ctx context.Context, candle Candle) error
	// GetLatest returns the most recent candle for the pair.
	GetLatest(ctx context.Context, symbol string, interval Interval) (Candle, error)
	// GetRange returns up to count of the most recent closed candles for the
	// pair, ordered oldest first.
	GetRange(ctx context.Context, symbol string, interval Interval, count int) ([]Candle, error)
	// Health reports the health of the store's backing connection.
	Health(ctx context.Context) Health
}

// MarketStream defines the requirements for a live market data subscription stream.
type MarketStream interface {
	// Subscribe adds the provided pair to the desired subscription set.
	Subscribe(symbol string, interval Interval) error
	// Unsubscribe removes the provided pair from the desired subscription set.
	Unsubscribe(symbol string, interval Interval) error
}

// Broadcaster defines the requirements for fanning out payloads to subscribers.
type Broadcaster interface {
	// Publish relays the provided payload to all subscribers of the channel.
	Publish(channel string, payload any)
}
