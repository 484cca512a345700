// Package fleet implements the orchestrator owning the live trading bot set.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"botfleet/bot"
	"botfleet/position"
	"botfleet/shared"

	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// candleChannel is the broadcast channel for processed candles.
	candleChannel = "candles"
)

var (
	// ErrDuplicateBotID is returned when creating a bot with a taken id.
	ErrDuplicateBotID = errors.New("duplicate bot id")
	// ErrBotNotFound is returned when no bot exists for the provided id.
	ErrBotNotFound = errors.New("bot not found")
	// ErrInvalidState is returned when a lifecycle operation is not valid
	// for the bot's current state.
	ErrInvalidState = errors.New("invalid bot state")
)

// ManagerConfig represents the bot orchestrator configuration.
type ManagerConfig struct {
	// Stream is the shared market data stream.
	Stream shared.MarketStream
	// Cache is the shared candle cache.
	Cache shared.CandleStore
	// PersistClosedPosition persists the provided closed position.
	PersistClosedPosition func(pos *position.Position) error
	// PersistState persists the provided bot state snapshot.
	PersistState func(botID string, snapshot bot.Snapshot) error
	// Publish relays processed candles and bot state changes to subscribers.
	Publish func(channel string, payload any)
	// ForceCloseOnStop closes a bot's open position when the bot is stopped.
	// Defaults to leaving the position open.
	ForceCloseOnStop bool
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// entry tracks one managed bot. Its mutex serializes lifecycle operations
// for the bot id; the worker channel serializes candle dispatch so one slow
// bot never delays its siblings.
type entry struct {
	mtx     sync.Mutex
	bot     *bot.Bot
	started bool
	worker  chan struct{}
}

// Manager is the sole authority over the live bot set, multiplexing the
// shared feed and cache to independent bots with reference counted
// subscriptions.
type Manager struct {
	cfg *ManagerConfig

	mtx  sync.RWMutex
	bots map[string]*entry

	refsMtx sync.Mutex
	refs    map[string]int

	candles chan shared.Candle
}

// NewManager initializes a new bot orchestrator.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg.Stream == nil {
		return nil, fmt.Errorf("orchestrator stream cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("orchestrator cache cannot be nil")
	}

	return &Manager{
		cfg:     cfg,
		bots:    make(map[string]*entry),
		refs:    make(map[string]int),
		candles: make(chan shared.Candle, bufferSize),
	}, nil
}

// CreateBot validates and registers a new bot without starting it unless
// autoStart is set. The orchestrator injects its shared collaborators into
// the bot config before validation.
func (m *Manager) CreateBot(cfg *bot.Config, autoStart bool) (string, error) {
	cfg.Cache = m.cfg.Cache
	cfg.PersistClosedPosition = m.cfg.PersistClosedPosition
	cfg.PersistState = m.cfg.PersistState
	cfg.Publish = m.cfg.Publish
	if cfg.Logger == nil {
		cfg.Logger = m.cfg.Logger
	}

	b, err := bot.New(cfg)
	if err != nil {
		return "", err
	}

	m.mtx.Lock()
	if _, ok := m.bots[cfg.BotID]; ok {
		m.mtx.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateBotID, cfg.BotID)
	}
	m.bots[cfg.BotID] = &entry{
		bot:    b,
		worker: make(chan struct{}, 1),
	}
	m.mtx.Unlock()

	m.cfg.Logger.Info().Msgf("registered bot %s for %s", cfg.BotID, b.Subscription().Key())

	if autoStart {
		err = m.StartBot(cfg.BotID)
		if err != nil {
			return "", err
		}
	}

	return cfg.BotID, nil
}

// lookup returns the entry for the provided bot id.
func (m *Manager) lookup(botID string) (*entry, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	e, ok := m.bots[botID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}

	return e, nil
}

// retain reference counts a consumer of the provided subscription,
// subscribing upstream only for the first one.
func (m *Manager) retain(sub shared.Subscription) {
	m.refsMtx.Lock()
	m.refs[sub.Key()]++
	first := m.refs[sub.Key()] == 1
	m.refsMtx.Unlock()

	if first {
		err := m.cfg.Stream.Subscribe(sub.Symbol, sub.Interval)
		if err != nil {
			// The desired set is already updated, the stream resends it
			// on reconnect.
			m.cfg.Logger.Error().Msgf("subscribing to %s: %v", sub.Key(), err)
		}
	}
}

// release drops a consumer of the provided subscription, unsubscribing
// upstream only when the last one leaves.
func (m *Manager) release(sub shared.Subscription) {
	m.refsMtx.Lock()
	if m.refs[sub.Key()] > 0 {
		m.refs[sub.Key()]--
	}
	last := m.refs[sub.Key()] == 0
	if last {
		delete(m.refs, sub.Key())
	}
	m.refsMtx.Unlock()

	if last {
		err := m.cfg.Stream.Unsubscribe(sub.Symbol, sub.Interval)
		if err != nil {
			m.cfg.Logger.Error().Msgf("unsubscribing from %s: %v", sub.Key(), err)
		}
	}
}

// StartBot wires the bot into candle dispatch and transitions it to running.
func (m *Manager) StartBot(botID string) error {
	e, err := m.lookup(botID)
	if err != nil {
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.started {
		return nil
	}

	m.retain(e.bot.Subscription())
	e.started = true
	e.bot.Start()

	m.cfg.Logger.Info().Msgf("started bot %s", botID)
	return nil
}

// StopBot unwires the bot from candle dispatch and transitions it to
// stopped, releasing its feed subscription when it was the last consumer.
func (m *Manager) StopBot(botID string) error {
	e, err := m.lookup(botID)
	if err != nil {
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.started {
		return nil
	}

	e.started = false
	e.bot.Stop(m.cfg.ForceCloseOnStop)
	m.release(e.bot.Subscription())

	m.cfg.Logger.Info().Msgf("stopped bot %s", botID)
	return nil
}

// RestoreBot seeds a stopped bot with previously persisted state.
func (m *Manager) RestoreBot(botID string, totalPNL float64, peakEquity float64, haltReason string) error {
	e, err := m.lookup(botID)
	if err != nil {
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.bot.Restore(totalPNL, peakEquity, haltReason)
}

// ResumeBot resumes a halted bot.
func (m *Manager) ResumeBot(botID string) error {
	e, err := m.lookup(botID)
	if err != nil {
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.bot.Resume()
}

// HaltBot halts the provided bot with a reason.
func (m *Manager) HaltBot(botID string, reason string) error {
	e, err := m.lookup(botID)
	if err != nil {
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.bot.Halt(reason)
	return nil
}

// RemoveBot deregisters a stopped bot.
func (m *Manager) RemoveBot(botID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.bots[botID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.started || e.bot.Status() != shared.Stopped {
		return fmt.Errorf("%w: bot %s is %s, only a stopped bot can be removed",
			ErrInvalidState, botID, e.bot.Status().String())
	}

	delete(m.bots, botID)
	m.cfg.Logger.Info().Msgf("removed bot %s", botID)
	return nil
}

// Snapshot returns the runtime snapshot of the provided bot.
func (m *Manager) Snapshot(botID string) (bot.Snapshot, error) {
	e, err := m.lookup(botID)
	if err != nil {
		return bot.Snapshot{}, err
	}

	return e.bot.Snapshot(), nil
}

// Snapshots returns runtime snapshots for every registered bot.
func (m *Manager) Snapshots() []bot.Snapshot {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	snapshots := make([]bot.Snapshot, 0, len(m.bots))
	for _, e := range m.bots {
		snapshots = append(snapshots, e.bot.Snapshot())
	}

	return snapshots
}

// SendCandle relays the provided candle for dispatch.
func (m *Manager) SendCandle(candle shared.Candle) {
	select {
	case m.candles <- candle:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("candle dispatch channel at capacity: %d/%d",
			len(m.candles), bufferSize)
	}
}

// dispatch caches the provided candle and fans it out to every started bot
// subscribed to its pair on independent per bot workers.
func (m *Manager) dispatch(ctx context.Context, candle shared.Candle) {
	err := m.cfg.Cache.Put(ctx, candle)
	if err != nil {
		m.cfg.Logger.Error().Msgf("caching candle for %s: %v", candle.Key(), err)
	}

	key := candle.Key()

	m.mtx.RLock()
	targets := make([]*entry, 0, len(m.bots))
	for _, e := range m.bots {
		if e.started && e.bot.Subscription().Key() == key {
			targets = append(targets, e)
		}
	}
	m.mtx.RUnlock()

	for _, e := range targets {
		select {
		case e.worker <- struct{}{}:
			go func(e *entry, candle shared.Candle) {
				e.bot.OnCandle(ctx, candle)
				<-e.worker
			}(e, candle)
		default:
			m.cfg.Logger.Error().Msgf("bot %s still processing, dropping candle for %s",
				e.bot.ID(), key)
		}
	}

	if m.cfg.Publish != nil {
		m.cfg.Publish(candleChannel, candle)
	}
}

// Run manages the candle dispatch lifecycle of the orchestrator.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle := <-m.candles:
			m.dispatch(ctx, candle)
		}
	}
}
