// Package bot implements the trading bot position and risk state machine.
package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"botfleet/position"
	"botfleet/shared"

	"github.com/rs/zerolog"
)

const (
	// defaultLookback is the default candle history depth for analysis.
	defaultLookback = 60
	// drawdownHaltReason labels the drawdown guard halt.
	drawdownHaltReason = "drawdown_exceeded"
	// stateChannel is the broadcast channel for bot state changes.
	stateChannel = "bot_state"
)

// Config represents a trading bot configuration.
type Config struct {
	// BotID uniquely identifies the bot.
	BotID string
	// Symbol is the traded symbol.
	Symbol string
	// Interval is the candle interval driving the bot.
	Interval shared.Interval
	// Strategy analyzes candle history into signals.
	Strategy shared.Strategy
	// Capital is the paper capital allocated to the bot.
	Capital float64
	// RiskPerTrade is the fraction of capital risked per trade.
	RiskPerTrade float64
	// MaxPositionSize caps the position notional as a fraction of capital.
	MaxPositionSize float64
	// DrawdownGuardPct is the drawdown fraction triggering a safety halt.
	DrawdownGuardPct float64
	// TrailingStopPct is the optional trailing stop distance fraction.
	TrailingStopPct float64
	// StopLossPct is the initial stop distance fraction below entry.
	StopLossPct float64
	// TakeProfitPct is the optional take profit distance fraction above entry.
	TakeProfitPct float64
	// FeeRate is the paper fill fee fraction per side.
	FeeRate float64
	// Lookback is the candle history depth requested for analysis.
	Lookback int
	// Cache provides recent candle history.
	Cache shared.CandleStore
	// PersistClosedPosition persists the provided closed position.
	PersistClosedPosition func(pos *position.Position) error
	// PersistState persists the provided bot state snapshot.
	PersistState func(botID string, snapshot Snapshot) error
	// Publish relays bot state changes to subscribers.
	Publish func(channel string, payload any)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config has sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.BotID == "" {
		errs = errors.Join(errs, fmt.Errorf("bot id cannot be an empty string"))
	}
	if cfg.Symbol == "" {
		errs = errors.Join(errs, fmt.Errorf("bot symbol cannot be an empty string"))
	}
	if cfg.Strategy == nil {
		errs = errors.Join(errs, fmt.Errorf("bot strategy cannot be nil"))
	}
	if cfg.Capital <= 0 {
		errs = errors.Join(errs, fmt.Errorf("bot capital must be positive"))
	}
	if cfg.RiskPerTrade <= 0 || cfg.RiskPerTrade > 1 {
		errs = errors.Join(errs, fmt.Errorf("risk per trade must be in (0, 1]"))
	}
	if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1 {
		errs = errors.Join(errs, fmt.Errorf("max position size must be in (0, 1]"))
	}
	if cfg.DrawdownGuardPct <= 0 || cfg.DrawdownGuardPct >= 1 {
		errs = errors.Join(errs, fmt.Errorf("drawdown guard must be in (0, 1)"))
	}
	if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1 {
		errs = errors.Join(errs, fmt.Errorf("stop loss percent must be in (0, 1)"))
	}
	if cfg.TrailingStopPct < 0 || cfg.TrailingStopPct >= 1 {
		errs = errors.Join(errs, fmt.Errorf("trailing stop percent must be in [0, 1)"))
	}
	if cfg.FeeRate < 0 {
		errs = errors.Join(errs, fmt.Errorf("fee rate cannot be negative"))
	}
	if cfg.Cache == nil {
		errs = errors.Join(errs, fmt.Errorf("bot candle cache cannot be nil"))
	}

	return errs
}

// Snapshot represents the observable runtime state of a bot.
type Snapshot struct {
	BotID       string
	Status      shared.BotStatus
	HaltReason  string
	TotalPNL    float64
	PeakEquity  float64
	DrawdownPct float64
	Position    *position.Position
}

// Bot owns one position lifecycle for one (symbol, strategy) pair, converting
// signals into risk checked paper executions and managing protective stops.
// All state mutation happens under the bot's own lock, so dispatch and
// lifecycle operations from different goroutines stay consistent.
type Bot struct {
	cfg *Config

	mtx         sync.Mutex
	status      shared.BotStatus
	haltReason  string
	totalPNL    float64
	peakEquity  float64
	drawdownPct float64
	lastPrice   float64
	pos         *position.Position
}

// New initializes a new trading bot from the provided config.
func New(cfg *Config) (*Bot, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating bot config: %w", err)
	}

	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}

	return &Bot{
		cfg:        cfg,
		status:     shared.Stopped,
		peakEquity: cfg.Capital,
	}, nil
}

// ID returns the bot's unique id.
func (b *Bot) ID() string {
	return b.cfg.BotID
}

// Subscription returns the (symbol, interval) pair driving the bot.
func (b *Bot) Subscription() shared.Subscription {
	return shared.Subscription{Symbol: b.cfg.Symbol, Interval: b.cfg.Interval}
}

// Status returns the bot's runtime status.
func (b *Bot) Status() shared.BotStatus {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.status
}

// Snapshot returns a copy of the bot's observable runtime state.
func (b *Bot) Snapshot() Snapshot {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.snapshotLocked()
}

func (b *Bot) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		BotID:       b.cfg.BotID,
		Status:      b.status,
		HaltReason:  b.haltReason,
		TotalPNL:    b.totalPNL,
		PeakEquity:  b.peakEquity,
		DrawdownPct: b.drawdownPct,
	}

	if b.pos != nil {
		pos := *b.pos
		snapshot.Position = &pos
	}

	return snapshot
}

// publishStateLocked relays and persists the bot's current state.
func (b *Bot) publishStateLocked() {
	snapshot := b.snapshotLocked()

	if b.cfg.Publish != nil {
		b.cfg.Publish(stateChannel, snapshot)
	}
	if b.cfg.PersistState != nil {
		err := b.cfg.PersistState(b.cfg.BotID, snapshot)
		if err != nil {
			b.cfg.Logger.Error().Msgf("persisting state for bot %s: %v", b.cfg.BotID, err)
		}
	}
}

// Start transitions the bot to running. A halted bot keeps its halt and
// requires an explicit resume.
func (b *Bot) Start() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.status == shared.Running || b.status == shared.Halted {
		return
	}

	b.status = shared.Running
	b.haltReason = ""
	b.publishStateLocked()
}

// Restore seeds a stopped bot with previously persisted state. The peak
// equity never regresses below the allocated capital, and a non-empty halt
// reason restores the bot halted.
func (b *Bot) Restore(totalPNL float64, peakEquity float64, haltReason string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.status != shared.Stopped {
		return fmt.Errorf("bot %s is %s, only a stopped bot can be restored", b.cfg.BotID, b.status.String())
	}

	b.totalPNL = totalPNL
	if peakEquity > b.peakEquity {
		b.peakEquity = peakEquity
	}
	b.updateDrawdownLocked(0)

	if haltReason != "" {
		b.status = shared.Halted
		b.haltReason = haltReason
	}

	b.publishStateLocked()
	return nil
}

// Stop transitions the bot to stopped. The open position, if any, is force
// closed at the provided price only when closePosition is set.
func (b *Bot) Stop(closePosition bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if closePosition && b.pos != nil {
		price := b.lastPrice
		if price <= 0 {
			price = b.pos.EntryPrice
		}
		b.closePositionLocked(price, "force closed on stop")
	}

	b.status = shared.Stopped
	b.publishStateLocked()
}

// Halt transitions the bot to halted with the provided reason, rejecting
// further executions until resumed.
func (b *Bot) Halt(reason string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.haltLocked(reason)
}

func (b *Bot) haltLocked(reason string) {
	if b.status == shared.Halted {
		return
	}

	b.status = shared.Halted
	b.haltReason = reason
	b.cfg.Logger.Info().Msgf("bot %s halted: %s", b.cfg.BotID, reason)
	b.publishStateLocked()
}

// Resume transitions a halted bot back to running.
func (b *Bot) Resume() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.status != shared.Halted {
		return fmt.Errorf("bot %s is %s, only a halted bot can resume", b.cfg.BotID, b.status.String())
	}

	b.status = shared.Running
	b.haltReason = ""
	b.publishStateLocked()
	return nil
}

// markErroredLocked isolates the bot after a strategy fault.
func (b *Bot) markErroredLocked(err error) {
	b.status = shared.Errored
	b.haltReason = err.Error()
	b.cfg.Logger.Error().Msgf("bot %s errored: %v", b.cfg.BotID, err)
	b.publishStateLocked()
}

// OnCandle is the sole per candle entry point for the bot. Protective stops
// and the drawdown guard are evaluated on every update; the strategy only
// runs on closed candles.
func (b *Bot) OnCandle(ctx context.Context, candle shared.Candle) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.status != shared.Running && b.status != shared.Halted {
		return
	}

	b.lastPrice = candle.Close
	b.updatePositionLocked(candle.Close)

	if b.status != shared.Running || !candle.Closed {
		return
	}

	history, err := b.cfg.Cache.GetRange(ctx, b.cfg.Symbol, b.cfg.Interval, b.cfg.Lookback)
	if err != nil {
		b.cfg.Logger.Error().Msgf("fetching history for bot %s: %v", b.cfg.BotID, err)
		return
	}

	signal, err := b.analyze(history)
	if err != nil {
		b.markErroredLocked(err)
		return
	}

	b.executeLocked(signal, candle.Close)
}

// analyze runs the strategy over the provided history, converting panics
// into errors so a faulting strategy only isolates its own bot.
func (b *Bot) analyze(history []shared.Candle) (signal shared.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", b.cfg.Strategy.Name(), r)
		}
	}()

	signal, err = b.cfg.Strategy.Analyze(history)
	if err != nil {
		err = fmt.Errorf("strategy %s: %w", b.cfg.Strategy.Name(), err)
	}

	return signal, err
}

// updatePositionLocked recomputes unrealized profit and protective stops at
// the provided price, force closing on stop or take profit breaches, and
// reapplies the drawdown guard.
func (b *Bot) updatePositionLocked(price float64) {
	if b.pos != nil {
		b.pos.RatchetStop(price)

		switch {
		case b.pos.StopTriggered(price):
			// Paper fills assume execution at the trigger price.
			b.closePositionLocked(b.pos.StopLoss, "stop loss triggered")
		case b.pos.TakeProfitTriggered(price):
			b.closePositionLocked(b.pos.TakeProfit, "take profit triggered")
		}
	}

	b.updateDrawdownLocked(price)
}

// updateDrawdownLocked recomputes equity, peak equity and drawdown at the
// provided price, halting the bot when the guard is breached.
func (b *Bot) updateDrawdownLocked(price float64) {
	var unrealized float64
	if b.pos != nil {
		unrealized = b.pos.UnrealizedPNL(price)
	}

	equity := b.cfg.Capital + b.totalPNL + unrealized
	if equity > b.peakEquity {
		b.peakEquity = equity
	}

	if b.peakEquity <= 0 {
		return
	}

	b.drawdownPct = math.Max(0, (b.peakEquity-equity)/b.peakEquity)
	if b.status == shared.Running && b.drawdownPct >= b.cfg.DrawdownGuardPct {
		b.haltLocked(drawdownHaltReason)
	}
}

// executeLocked converts the provided signal into a risk checked paper
// execution at the provided price.
func (b *Bot) executeLocked(signal shared.Signal, price float64) {
	switch signal.Type {
	case shared.Buy:
		b.openPositionLocked(signal, price)
	case shared.Sell:
		if b.pos == nil {
			return
		}
		b.closePositionLocked(price, signal.Reason)
	default:
		// do nothing.
	}
}

// openPositionLocked opens a position when every risk gate holds. Rejected
// trades are logged as no-ops, never errors.
func (b *Bot) openPositionLocked(signal shared.Signal, price float64) {
	switch {
	case b.status != shared.Running:
		b.cfg.Logger.Info().Msgf("bot %s rejecting buy: status %s", b.cfg.BotID, b.status.String())
		return
	case b.pos != nil:
		b.cfg.Logger.Info().Msgf("bot %s rejecting buy: position already open", b.cfg.BotID)
		return
	case b.drawdownPct >= b.cfg.DrawdownGuardPct:
		b.cfg.Logger.Info().Msgf("bot %s rejecting buy: drawdown %.2f%% at guard", b.cfg.BotID, b.drawdownPct*100)
		return
	}

	stopDistance := price * b.cfg.StopLossPct
	if stopDistance <= 0 {
		b.cfg.Logger.Info().Msgf("bot %s rejecting buy: degenerate stop distance", b.cfg.BotID)
		return
	}

	quantity := math.Min(b.cfg.RiskPerTrade*b.cfg.Capital/stopDistance,
		b.cfg.MaxPositionSize*b.cfg.Capital/price)
	if quantity <= 0 {
		b.cfg.Logger.Info().Msgf("bot %s rejecting buy: computed size is zero", b.cfg.BotID)
		return
	}

	var takeProfit float64
	if b.cfg.TakeProfitPct > 0 {
		takeProfit = price * (1 + b.cfg.TakeProfitPct)
	}

	pos, err := position.New(&position.Params{
		BotID:           b.cfg.BotID,
		Symbol:          b.cfg.Symbol,
		Side:            position.Long,
		Quantity:        quantity,
		EntryPrice:      price,
		StopLoss:        price * (1 - b.cfg.StopLossPct),
		TakeProfit:      takeProfit,
		TrailingStopPct: b.cfg.TrailingStopPct,
		FeeRate:         b.cfg.FeeRate,
	})
	if err != nil {
		b.cfg.Logger.Error().Msgf("bot %s opening position: %v", b.cfg.BotID, err)
		return
	}

	b.pos = pos
	b.cfg.Logger.Info().Msgf("bot %s opened %s (%s)", b.cfg.BotID, pos.Describe(), signal.Reason)
	b.publishStateLocked()
}

// closePositionLocked closes the open position at the provided price,
// realizing its profit and refreshing the drawdown accounting.
func (b *Bot) closePositionLocked(price float64, reason string) {
	if b.pos == nil {
		return
	}

	realized, err := b.pos.Close(price, b.cfg.FeeRate)
	if err != nil {
		b.cfg.Logger.Error().Msgf("bot %s closing position: %v", b.cfg.BotID, err)
		return
	}

	closed := b.pos
	b.pos = nil
	b.totalPNL += realized

	b.cfg.Logger.Info().Msgf("bot %s closed %s @ %f, pnl %f (%s)",
		b.cfg.BotID, closed.Describe(), price, realized, reason)

	if b.cfg.PersistClosedPosition != nil {
		err = b.cfg.PersistClosedPosition(closed)
		if err != nil {
			b.cfg.Logger.Error().Msgf("persisting closed position for bot %s: %v", b.cfg.BotID, err)
		}
	}

	b.updateDrawdownLocked(price)
	b.publishStateLocked()
}
