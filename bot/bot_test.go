package bot

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"botfleet/shared"

	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

// stubStore serves a fixed candle history.
type stubStore struct {
	history []shared.Candle
}

func (s *stubStore) Put(ctx context.Context, candle shared.Candle) error {
	return nil
}

func (s *stubStore) GetLatest(ctx context.Context, symbol string, interval shared.Interval) (shared.Candle, error) {
	if len(s.history) == 0 {
		return shared.Candle{}, nil
	}
	return s.history[len(s.history)-1], nil
}

func (s *stubStore) GetRange(ctx context.Context, symbol string, interval shared.Interval, count int) ([]shared.Candle, error) {
	return s.history, nil
}

func (s *stubStore) Health(ctx context.Context) shared.Health {
	return shared.Health{Connected: true, PingOK: true}
}

// scriptedStrategy replays a fixed signal script, holding once exhausted.
type scriptedStrategy struct {
	mtx     sync.Mutex
	script  []shared.Signal
	calls   int
	panicky bool
}

func (s *scriptedStrategy) Name() string {
	return "scripted"
}

func (s *scriptedStrategy) Analyze(history []shared.Candle) (shared.Signal, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.panicky {
		panic("scripted fault")
	}

	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		return shared.HoldSignal("script exhausted", time.Now().UTC()), nil
	}

	return s.script[idx], nil
}

func newCandle(minute int, close float64, closed bool) shared.Candle {
	return shared.Candle{
		Symbol:   "BTCUSDT",
		Interval: shared.OneMinute,
		OpenTime: time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC),
		Open:     close,
		High:     close,
		Low:      close,
		Close:    close,
		Volume:   1,
		Closed:   closed,
	}
}

func setupBot(t *testing.T, strat shared.Strategy, mutate func(cfg *Config)) *Bot {
	t.Helper()

	cfg := &Config{
		BotID:            "bot-1",
		Symbol:           "BTCUSDT",
		Interval:         shared.OneMinute,
		Strategy:         strat,
		Capital:          1000,
		RiskPerTrade:     0.02,
		MaxPositionSize:  0.5,
		DrawdownGuardPct: 0.5,
		StopLossPct:      0.1,
		FeeRate:          0.001,
		Cache:            &stubStore{},
		Logger:           &log.Logger,
	}
	if mutate != nil {
		mutate(cfg)
	}

	b, err := New(cfg)
	assert.NoError(t, err)

	return b
}

func assertNear(t *testing.T, want float64, got float64) {
	t.Helper()
	assert.True(t, math.Abs(want-got) < 1e-9)
}

func buySignal() shared.Signal {
	return shared.NewSignal(shared.Buy, 1, "scripted buy", time.Now().UTC())
}

func sellSignal() shared.Signal {
	return shared.NewSignal(shared.Sell, 1, "scripted sell", time.Now().UTC())
}

func holdSignal() shared.Signal {
	return shared.HoldSignal("scripted hold", time.Now().UTC())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "missing bot id", mutate: func(cfg *Config) { cfg.BotID = "" }},
		{name: "missing symbol", mutate: func(cfg *Config) { cfg.Symbol = "" }},
		{name: "missing strategy", mutate: func(cfg *Config) { cfg.Strategy = nil }},
		{name: "non-positive capital", mutate: func(cfg *Config) { cfg.Capital = 0 }},
		{name: "risk out of range", mutate: func(cfg *Config) { cfg.RiskPerTrade = 1.5 }},
		{name: "position size out of range", mutate: func(cfg *Config) { cfg.MaxPositionSize = 0 }},
		{name: "drawdown guard out of range", mutate: func(cfg *Config) { cfg.DrawdownGuardPct = 1 }},
		{name: "stop loss out of range", mutate: func(cfg *Config) { cfg.StopLossPct = 0 }},
		{name: "trailing stop out of range", mutate: func(cfg *Config) { cfg.TrailingStopPct = 1 }},
		{name: "negative fee rate", mutate: func(cfg *Config) { cfg.FeeRate = -0.01 }},
		{name: "missing cache", mutate: func(cfg *Config) { cfg.Cache = nil }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := &Config{
				BotID:            "bot-1",
				Symbol:           "BTCUSDT",
				Interval:         shared.OneMinute,
				Strategy:         &scriptedStrategy{},
				Capital:          1000,
				RiskPerTrade:     0.02,
				MaxPositionSize:  0.5,
				DrawdownGuardPct: 0.5,
				StopLossPct:      0.1,
				FeeRate:          0.001,
				Cache:            &stubStore{},
				Logger:           &log.Logger,
			}
			test.mutate(cfg)

			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestBotLifecycle(t *testing.T) {
	b := setupBot(t, &scriptedStrategy{}, nil)

	// Ensure a new bot starts out stopped.
	assert.Equal(t, shared.Stopped, b.Status())

	// Ensure only a halted bot can resume.
	err := b.Resume()
	assert.Error(t, err)

	b.Start()
	assert.Equal(t, shared.Running, b.Status())

	b.Halt("manual")
	assert.Equal(t, shared.Halted, b.Status())
	assert.Equal(t, "manual", b.Snapshot().HaltReason)

	assert.NoError(t, b.Resume())
	assert.Equal(t, shared.Running, b.Status())

	b.Stop(false)
	assert.Equal(t, shared.Stopped, b.Status())

	// Ensure a stopped bot ignores candle updates.
	b.OnCandle(context.Background(), newCandle(0, 100, true))
	assert.Equal(t, float64(0), b.Snapshot().TotalPNL)
}

func TestRestore(t *testing.T) {
	b := setupBot(t, &scriptedStrategy{}, nil)

	// Ensure only a stopped bot can be restored.
	b.Start()
	err := b.Restore(-50, 1000, "")
	assert.Error(t, err)
	b.Stop(false)

	// Ensure restoring seeds the pnl and drawdown accounting.
	assert.NoError(t, b.Restore(-50, 1000, ""))
	snapshot := b.Snapshot()
	assert.Equal(t, float64(-50), snapshot.TotalPNL)
	assert.Equal(t, float64(1000), snapshot.PeakEquity)
	assertNear(t, 0.05, snapshot.DrawdownPct)
	assert.Equal(t, shared.Stopped, snapshot.Status)

	// Ensure a restored halt survives a start and clears on resume.
	b2 := setupBot(t, &scriptedStrategy{}, nil)
	assert.NoError(t, b2.Restore(-500, 1000, drawdownHaltReason))
	assert.Equal(t, shared.Halted, b2.Status())

	b2.Start()
	snapshot = b2.Snapshot()
	assert.Equal(t, shared.Halted, snapshot.Status)
	assert.Equal(t, drawdownHaltReason, snapshot.HaltReason)

	assert.NoError(t, b2.Resume())
	assert.Equal(t, shared.Running, b2.Status())
}

func TestSingleTradeScenario(t *testing.T) {
	strat := &scriptedStrategy{script: []shared.Signal{buySignal(), holdSignal(), sellSignal()}}
	b := setupBot(t, strat, nil)
	b.Start()

	ctx := context.Background()

	// Ensure the buy opens a risk sized long position.
	b.OnCandle(ctx, newCandle(0, 100, true))
	snapshot := b.Snapshot()
	assert.True(t, snapshot.Position != nil)
	assertNear(t, 2, snapshot.Position.Quantity)
	assertNear(t, 90, snapshot.Position.StopLoss)

	quantity := snapshot.Position.Quantity
	entryFee := snapshot.Position.EntryFee

	// Ensure the hold leaves the position untouched.
	b.OnCandle(ctx, newCandle(1, 105, true))
	assert.True(t, b.Snapshot().Position != nil)

	// Ensure the sell closes the position, realizing profit net of fees.
	b.OnCandle(ctx, newCandle(2, 95, true))
	snapshot = b.Snapshot()
	assert.True(t, snapshot.Position == nil)

	want := (95-100)*quantity - entryFee - 95*quantity*0.001
	assertNear(t, want, snapshot.TotalPNL)
	assert.Equal(t, shared.Running, snapshot.Status)
	assert.Equal(t, 3, strat.calls)
}

func TestPositionSizing(t *testing.T) {
	// Ensure the risk budget sizes the position when the notional cap is
	// loose: 2% of 1000 risked over a 5% stop at 100 buys 4 units.
	strat := &scriptedStrategy{script: []shared.Signal{buySignal()}}
	b := setupBot(t, strat, func(cfg *Config) {
		cfg.StopLossPct = 0.05
	})
	b.Start()

	b.OnCandle(context.Background(), newCandle(0, 100, true))
	snapshot := b.Snapshot()
	assert.True(t, snapshot.Position != nil)
	assertNear(t, 4, snapshot.Position.Quantity)
	assertNear(t, 95, snapshot.Position.StopLoss)

	// Ensure the notional cap binds when the risk sized quantity exceeds it.
	strat = &scriptedStrategy{script: []shared.Signal{buySignal()}}
	b = setupBot(t, strat, func(cfg *Config) {
		cfg.RiskPerTrade = 0.5
		cfg.MaxPositionSize = 0.3
	})
	b.Start()

	b.OnCandle(context.Background(), newCandle(0, 100, true))
	snapshot = b.Snapshot()
	assert.True(t, snapshot.Position != nil)
	assertNear(t, 3, snapshot.Position.Quantity)
}

func TestDrawdownGuard(t *testing.T) {
	strat := &scriptedStrategy{script: []shared.Signal{buySignal()}}
	b := setupBot(t, strat, func(cfg *Config) {
		cfg.DrawdownGuardPct = 0.1
	})
	b.Start()

	// Ensure a drawdown below the guard leaves the bot running.
	b.mtx.Lock()
	b.totalPNL = -99
	b.updateDrawdownLocked(100)
	b.mtx.Unlock()
	assert.Equal(t, shared.Running, b.Status())

	// Ensure the guard halts at exactly the configured drawdown.
	b.mtx.Lock()
	b.totalPNL = -100
	b.updateDrawdownLocked(100)
	b.mtx.Unlock()

	snapshot := b.Snapshot()
	assert.Equal(t, shared.Halted, snapshot.Status)
	assert.Equal(t, drawdownHaltReason, snapshot.HaltReason)
	assertNear(t, 0.1, snapshot.DrawdownPct)

	// Ensure a halted bot rejects new entries.
	b.OnCandle(context.Background(), newCandle(0, 100, true))
	assert.True(t, b.Snapshot().Position == nil)

	// Ensure the bot trades again once resumed.
	assert.NoError(t, b.Resume())
	assert.Equal(t, shared.Running, b.Status())
}

func TestTrailingStopRatchet(t *testing.T) {
	strat := &scriptedStrategy{script: []shared.Signal{buySignal()}}
	b := setupBot(t, strat, func(cfg *Config) {
		cfg.TrailingStopPct = 0.05
	})
	b.Start()

	ctx := context.Background()

	b.OnCandle(ctx, newCandle(0, 100, true))
	snapshot := b.Snapshot()
	assert.True(t, snapshot.Position != nil)
	assertNear(t, 90, snapshot.Position.StopLoss)

	// Ensure a favourable move ratchets the stop up. In-progress updates
	// drive the stop without invoking the strategy.
	b.OnCandle(ctx, newCandle(1, 110, false))
	snapshot = b.Snapshot()
	assertNear(t, 110*0.95, snapshot.Position.StopLoss)

	// Ensure a pullback never loosens the stop.
	b.OnCandle(ctx, newCandle(1, 106, false))
	snapshot = b.Snapshot()
	assertNear(t, 110*0.95, snapshot.Position.StopLoss)

	// Ensure breaching the ratcheted stop closes the position at the stop
	// price, locking in profit.
	b.OnCandle(ctx, newCandle(1, 104, false))
	snapshot = b.Snapshot()
	assert.True(t, snapshot.Position == nil)
	assert.True(t, snapshot.TotalPNL > 0)
	assert.Equal(t, 1, strat.calls)
}

func TestStrategyFaultIsolation(t *testing.T) {
	strat := &scriptedStrategy{panicky: true}
	b := setupBot(t, strat, nil)
	b.Start()

	ctx := context.Background()

	// Ensure a panicking strategy errors its own bot instead of crashing.
	b.OnCandle(ctx, newCandle(0, 100, true))
	snapshot := b.Snapshot()
	assert.Equal(t, shared.Errored, snapshot.Status)
	assert.True(t, strings.Contains(snapshot.HaltReason, "panicked"))

	// Ensure an errored bot ignores further candles.
	strat.mtx.Lock()
	strat.panicky = false
	strat.mtx.Unlock()
	b.OnCandle(ctx, newCandle(1, 100, true))
	assert.Equal(t, 0, strat.calls)
}

func TestSingleOpenPosition(t *testing.T) {
	strat := &scriptedStrategy{}
	var opened int
	b := setupBot(t, strat, func(cfg *Config) {
		cfg.Publish = func(channel string, payload any) {
			snapshot, ok := payload.(Snapshot)
			if ok && snapshot.Position != nil {
				opened++
			}
		}
	})
	b.Start()

	// Every analysis signals a buy.
	strat.script = []shared.Signal{
		buySignal(), buySignal(), buySignal(), buySignal(),
		buySignal(), buySignal(), buySignal(), buySignal(),
	}

	// Ensure concurrent buys open at most one position.
	var wg sync.WaitGroup
	for idx := 0; idx < 8; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.OnCandle(context.Background(), newCandle(0, 100, true))
		}()
	}
	wg.Wait()

	snapshot := b.Snapshot()
	assert.True(t, snapshot.Position != nil)
	assert.Equal(t, 1, opened)
	assert.Equal(t, float64(0), snapshot.TotalPNL)
}
