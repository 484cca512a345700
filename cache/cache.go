// Package cache implements the reconnect resilient recent candle store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"botfleet/shared"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// defaultHistorySize is the default candle history capacity per pair.
	defaultHistorySize = 500
	// defaultPutRetries is the default bounded retry count for mirror
	// writes. Deliberately independent of the feed's reconnect constants.
	defaultPutRetries = 3
	// defaultRetryMin is the default base delay between mirror retries.
	defaultRetryMin = time.Millisecond * 100
	// defaultRetryMax is the default cap on the delay between mirror retries.
	defaultRetryMax = time.Second * 2
	// defaultReadTimeout is the default overall timeout for store reads.
	defaultReadTimeout = time.Second * 2
	// healthTimeout bounds the backing store ping for health reports.
	healthTimeout = time.Second
	// maxWorkers is the maximum number of concurrent mirror writers.
	maxWorkers = 8
	// keyPrefix prefixes all backing store keys.
	keyPrefix = "candles:"
)

// ErrUnavailable is returned when no candle is available for a query.
var ErrUnavailable = errors.New("no candle available")

// Config represents the candle cache configuration.
type Config struct {
	// Client is the optional redis client mirroring closed candles. The
	// cache degrades to memory only operation without it, or when it faults.
	Client *redis.Client
	// HistorySize caps the candle history retained per pair.
	HistorySize int
	// PutRetries bounds mirror write retries before the write is dropped.
	PutRetries int
	// RetryMin is the base delay between mirror write retries.
	RetryMin time.Duration
	// RetryMax caps the delay between mirror write retries.
	RetryMax time.Duration
	// ReadTimeout bounds backing store reads.
	ReadTimeout time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Cache is a low latency store of recent candle history per (symbol, interval).
// Ingestion is served from memory and never blocks on the backing store.
type Cache struct {
	cfg *Config

	mtx      sync.RWMutex
	rings    map[string]*ring
	partials map[string]shared.Candle

	workers chan struct{}
}

// mirrorCandle is the serialized form of a candle in the backing store.
type mirrorCandle struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed"`
}

// Ensure the cache implements the CandleStore interface.
var _ shared.CandleStore = (*Cache)(nil)

// NewCache initializes a new candle cache.
func NewCache(cfg *Config) *Cache {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.PutRetries <= 0 {
		cfg.PutRetries = defaultPutRetries
	}
	if cfg.RetryMin == 0 {
		cfg.RetryMin = defaultRetryMin
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	return &Cache{
		cfg:      cfg,
		rings:    make(map[string]*ring),
		partials: make(map[string]shared.Candle),
		workers:  make(chan struct{}, maxWorkers),
	}
}

// Put upserts the provided candle keyed by symbol, interval and open time.
// Closed candles enter the history ring and are mirrored to the backing
// store; the in-progress candle is tracked separately and never appears in
// range reads. Backing store faults degrade to logs, never errors.
func (c *Cache) Put(ctx context.Context, candle shared.Candle) error {
	key := candle.Key()

	c.mtx.Lock()
	if !candle.Closed {
		c.partials[key] = candle
		c.mtx.Unlock()
		return nil
	}

	r, ok := c.rings[key]
	if !ok {
		r = newRing(c.cfg.HistorySize)
		c.rings[key] = r
	}
	admitted := r.upsert(candle)

	// A closed candle supersedes the in-progress one for its open time.
	partial, ok := c.partials[key]
	if ok && !partial.OpenTime.After(candle.OpenTime) {
		delete(c.partials, key)
	}
	c.mtx.Unlock()

	if !admitted {
		c.cfg.Logger.Error().Msgf("rejecting out of order candle write for %s at %s",
			key, candle.OpenTime)
		return nil
	}

	c.mirror(candle)
	return nil
}

// mirror schedules a bounded retry write of the provided candle to the
// backing store without blocking ingestion.
func (c *Cache) mirror(candle shared.Candle) {
	if c.cfg.Client == nil {
		return
	}

	select {
	case c.workers <- struct{}{}:
		// do nothing.
	default:
		c.cfg.Logger.Error().Msgf("mirror writers saturated: %d/%d, dropping write for %s",
			len(c.workers), maxWorkers, candle.Key())
		return
	}

	go func() {
		c.writeMirror(candle)
		<-c.workers
	}()
}

// writeMirror writes the provided candle to the backing store with bounded
// retries, dropping the write once they are exhausted.
func (c *Cache) writeMirror(candle shared.Candle) {
	payload, err := json.Marshal(mirrorCandle{
		Symbol:   candle.Symbol,
		Interval: candle.Interval.String(),
		OpenTime: candle.OpenTime.UnixMilli(),
		Open:     candle.Open,
		High:     candle.High,
		Low:      candle.Low,
		Close:    candle.Close,
		Volume:   candle.Volume,
		Closed:   candle.Closed,
	})
	if err != nil {
		c.cfg.Logger.Error().Msgf("marshaling candle mirror write: %v", err)
		return
	}

	key := keyPrefix + candle.Key()
	delay := &backoff.Backoff{
		Min:    c.cfg.RetryMin,
		Max:    c.cfg.RetryMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.PutRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay.Duration())
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReadTimeout)
		err := c.cfg.Client.ZAdd(ctx, key, redis.Z{
			Score:  float64(candle.OpenTime.UnixMilli()),
			Member: string(payload),
		}).Err()
		if err == nil {
			err = c.cfg.Client.ZRemRangeByRank(ctx, key, 0, int64(-(c.cfg.HistorySize + 1))).Err()
		}
		cancel()

		if err == nil {
			return
		}
		lastErr = err
	}

	c.cfg.Logger.Error().Msgf("dropping candle mirror write for %s after %d retries: %v",
		candle.Key(), c.cfg.PutRetries, lastErr)
}

// GetLatest returns the most recent candle for the pair, consulting the
// backing store only when memory is cold. The read is bounded by the
// configured timeout and never hangs indefinitely.
func (c *Cache) GetLatest(ctx context.Context, symbol string, interval shared.Interval) (shared.Candle, error) {
	key := shared.SubscriptionKey(symbol, interval)

	c.mtx.RLock()
	partial, hasPartial := c.partials[key]
	var newest shared.Candle
	var hasNewest bool
	if r, ok := c.rings[key]; ok {
		newest, hasNewest = r.latest()
	}
	c.mtx.RUnlock()

	switch {
	case hasPartial && (!hasNewest || partial.OpenTime.After(newest.OpenTime)):
		return partial, nil
	case hasNewest:
		return newest, nil
	}

	candles, err := c.readMirror(ctx, key, 1)
	if err != nil {
		c.cfg.Logger.Error().Msgf("reading latest candle for %s from backing store: %v", key, err)
		return shared.Candle{}, ErrUnavailable
	}
	if len(candles) == 0 {
		return shared.Candle{}, ErrUnavailable
	}

	return candles[len(candles)-1], nil
}

// GetRange returns up to count of the most recent closed candles for the
// pair, ordered oldest first with no gaps introduced by eviction.
func (c *Cache) GetRange(ctx context.Context, symbol string, interval shared.Interval, count int) ([]shared.Candle, error) {
	key := shared.SubscriptionKey(symbol, interval)

	c.mtx.RLock()
	r, ok := c.rings[key]
	var candles []shared.Candle
	if ok {
		candles = r.lastN(count)
	}
	c.mtx.RUnlock()

	if len(candles) > 0 {
		return candles, nil
	}

	candles, err := c.readMirror(ctx, key, count)
	if err != nil {
		c.cfg.Logger.Error().Msgf("reading candle range for %s from backing store: %v", key, err)
		return nil, ErrUnavailable
	}

	return candles, nil
}

// readMirror reads up to count of the newest candles for the key from the
// backing store, ordered oldest first.
func (c *Cache) readMirror(ctx context.Context, key string, count int) ([]shared.Candle, error) {
	if c.cfg.Client == nil || count <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	members, err := c.cfg.Client.ZRange(ctx, keyPrefix+key, int64(-count), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading backing store range: %w", err)
	}

	candles := make([]shared.Candle, 0, len(members))
	for idx := range members {
		candle, err := parseMirrorCandle(members[idx])
		if err != nil {
			c.cfg.Logger.Error().Msgf("dropping malformed mirrored candle for %s: %v", key, err)
			continue
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseMirrorCandle parses a candle from its serialized backing store form.
func parseMirrorCandle(member string) (shared.Candle, error) {
	var candle shared.Candle

	interval, err := shared.ParseInterval(gjson.Get(member, "interval").String())
	if err != nil {
		return candle, fmt.Errorf("parsing mirrored interval: %w", err)
	}

	candle.Symbol = gjson.Get(member, "symbol").String()
	if candle.Symbol == "" {
		return candle, fmt.Errorf("mirrored candle missing symbol")
	}

	candle.Interval = interval
	candle.OpenTime = time.UnixMilli(gjson.Get(member, "openTime").Int()).UTC()
	candle.Open = gjson.Get(member, "open").Float()
	candle.High = gjson.Get(member, "high").Float()
	candle.Low = gjson.Get(member, "low").Float()
	candle.Close = gjson.Get(member, "close").Float()
	candle.Volume = gjson.Get(member, "volume").Float()
	candle.Closed = gjson.Get(member, "closed").Bool()

	return candle, nil
}

// Health reports the health of the backing store connection under a short
// timeout. It never returns an error.
func (c *Cache) Health(ctx context.Context) shared.Health {
	if c.cfg.Client == nil {
		return shared.Health{}
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	err := c.cfg.Client.Ping(ctx).Err()
	return shared.Health{Connected: err == nil, PingOK: err == nil}
}
