// Package service wires the feed, cache, orchestrator and collaborators
// into one explicitly constructed botfleet service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botfleet/bot"
	"botfleet/broadcast"
	"botfleet/cache"
	"botfleet/database"
	"botfleet/feed"
	"botfleet/fleet"
	"botfleet/position"
	"botfleet/shared"
	"botfleet/strategy"

	"github.com/go-co-op/gocron"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	// healthJobSeconds is the period of the health logging job.
	healthJobSeconds = 30
	// snapshotJobSeconds is the period of the bot state snapshot job.
	snapshotJobSeconds = 60
)

// BotSpec describes one bot to create at startup.
type BotSpec struct {
	// ID uniquely identifies the bot.
	ID string
	// Symbol is the traded symbol.
	Symbol string
	// Interval is the candle interval driving the bot.
	Interval shared.Interval
	// StrategyRef names the strategy to run.
	StrategyRef string
}

// Config represents the configuration struct for the botfleet service.
type Config struct {
	// FeedURL is the exchange stream url.
	FeedURL string
	// RedisAddr is the optional candle cache backing store address.
	RedisAddr string
	// DatabaseEndpoint is the optional persistence endpoint.
	DatabaseEndpoint string
	// DatabaseUser is the database user.
	DatabaseUser string
	// DatabasePass is the database user pass.
	DatabasePass string
	// Bots are the bots to create at startup.
	Bots []BotSpec
	// AutoStart starts the configured bots immediately.
	AutoStart bool
	// ForceCloseOnStop closes open positions when a bot is stopped.
	ForceCloseOnStop bool
	// Capital is the paper capital allocated per bot.
	Capital float64
	// RiskPerTrade is the fraction of capital risked per trade.
	RiskPerTrade float64
	// MaxPositionSize caps position notional as a fraction of capital.
	MaxPositionSize float64
	// DrawdownGuardPct is the drawdown fraction triggering a safety halt.
	DrawdownGuardPct float64
	// StopLossPct is the initial stop distance fraction.
	StopLossPct float64
	// TrailingStopPct is the optional trailing stop distance fraction.
	TrailingStopPct float64
	// TakeProfitPct is the optional take profit distance fraction.
	TakeProfitPct float64
	// FeeRate is the paper fill fee fraction per side.
	FeeRate float64
	// Cancel is the context cancellation function.
	Cancel context.CancelFunc
}

// Validate asserts the config has sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.FeedURL == "" {
		errs = errors.Join(errs, fmt.Errorf("feed url cannot be an empty string"))
	}
	if len(cfg.Bots) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no bots provided for botfleet service"))
	}
	if cfg.Cancel == nil {
		errs = errors.Join(errs, fmt.Errorf("context cancellation function cannot be nil"))
	}

	return errs
}

// Service represents the botfleet trading service.
type Service struct {
	cfg          *Config
	feed         *feed.Feed
	cache        *cache.Cache
	orchestrator *fleet.Manager
	hub          *broadcast.Hub
	db           *database.Database
	jobScheduler *gocron.Scheduler
	logger       *zerolog.Logger
	wg           sync.WaitGroup
}

// NewService initializes a new botfleet service.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating service config: %w", err)
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	logger := log.With().Str("service", "botfleet").Logger()

	var client *redis.Client
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	cacheLogger := logger.With().Str("component", "cache").Logger()
	candleCache := cache.NewCache(&cache.Config{
		Client: client,
		Logger: &cacheLogger,
	})

	hubLogger := logger.With().Str("component", "broadcast").Logger()
	hub := broadcast.NewHub(&broadcast.HubConfig{Logger: &hubLogger})

	var db *database.Database
	var persistClosedPosition func(pos *position.Position) error
	var persistState func(botID string, snapshot bot.Snapshot) error
	if cfg.DatabaseEndpoint != "" {
		dbLogger := logger.With().Str("component", "database").Logger()
		db, err = database.NewDatabase(ctx, &database.DatabaseConfig{
			Endpoint: cfg.DatabaseEndpoint,
			User:     cfg.DatabaseUser,
			Pass:     cfg.DatabasePass,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %w", err)
		}

		persistClosedPosition = func(pos *position.Position) error {
			return db.PersistClosedTrade(ctx, pos)
		}
		persistState = func(botID string, snapshot bot.Snapshot) error {
			return db.PersistBotState(ctx, snapshot)
		}
	}

	var orchestrator *fleet.Manager
	relayCandleFunc := func(candle shared.Candle) {
		if orchestrator != nil {
			orchestrator.SendCandle(candle)
		}
	}

	feedLogger := logger.With().Str("component", "feed").Logger()
	marketFeed, err := feed.NewFeed(&feed.Config{
		URL:         cfg.FeedURL,
		RelayCandle: relayCandleFunc,
		Logger:      &feedLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating market feed: %w", err)
	}

	fleetLogger := logger.With().Str("component", "fleet").Logger()
	orchestrator, err = fleet.NewManager(&fleet.ManagerConfig{
		Stream:                marketFeed,
		Cache:                 candleCache,
		PersistClosedPosition: persistClosedPosition,
		PersistState:          persistState,
		Publish:               hub.Publish,
		ForceCloseOnStop:      cfg.ForceCloseOnStop,
		Logger:                &fleetLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	svc := &Service{
		cfg:          cfg,
		feed:         marketFeed,
		cache:        candleCache,
		orchestrator: orchestrator,
		hub:          hub,
		db:           db,
		jobScheduler: gocron.NewScheduler(time.UTC),
		logger:       &logger,
	}

	err = svc.createBots(ctx)
	if err != nil {
		return nil, err
	}

	return svc, nil
}

// createBots registers the configured bots with the orchestrator, restoring
// any persisted state before they start.
func (s *Service) createBots(ctx context.Context) error {
	for idx := range s.cfg.Bots {
		spec := s.cfg.Bots[idx]

		strat, err := strategy.New(spec.StrategyRef)
		if err != nil {
			return fmt.Errorf("resolving strategy for bot %s: %w", spec.ID, err)
		}

		botLogger := s.logger.With().Str("bot", spec.ID).Logger()
		_, err = s.orchestrator.CreateBot(&bot.Config{
			BotID:            spec.ID,
			Symbol:           spec.Symbol,
			Interval:         spec.Interval,
			Strategy:         strat,
			Capital:          s.cfg.Capital,
			RiskPerTrade:     s.cfg.RiskPerTrade,
			MaxPositionSize:  s.cfg.MaxPositionSize,
			DrawdownGuardPct: s.cfg.DrawdownGuardPct,
			StopLossPct:      s.cfg.StopLossPct,
			TrailingStopPct:  s.cfg.TrailingStopPct,
			TakeProfitPct:    s.cfg.TakeProfitPct,
			FeeRate:          s.cfg.FeeRate,
			Logger:           &botLogger,
		}, false)
		if err != nil {
			return fmt.Errorf("creating bot %s: %w", spec.ID, err)
		}

		s.restoreBotState(ctx, spec.ID)

		if s.cfg.AutoStart {
			err = s.orchestrator.StartBot(spec.ID)
			if err != nil {
				return fmt.Errorf("starting bot %s: %w", spec.ID, err)
			}
		}
	}

	return nil
}

// restoreBotState seeds the provided bot with its persisted state when a
// database is configured. Failures are logged, the bot starts fresh.
func (s *Service) restoreBotState(ctx context.Context, botID string) {
	if s.db == nil {
		return
	}

	state, err := s.db.LoadBotState(ctx, botID)
	if err != nil {
		s.logger.Error().Msgf("loading state for bot %s: %v", botID, err)
		return
	}
	if state == nil {
		return
	}

	// A persisted halt carries over; other stored statuses reflect the prior
	// run and do not.
	var haltReason string
	if state.Status == shared.Halted.String() {
		haltReason = state.HaltReason
	}

	err = s.orchestrator.RestoreBot(botID, state.TotalPNL, state.PeakEquity, haltReason)
	if err != nil {
		s.logger.Error().Msgf("restoring state for bot %s: %v", botID, err)
		return
	}

	s.logger.Info().Msgf("restored bot %s with pnl %f", botID, state.TotalPNL)
}

// Orchestrator exposes the bot orchestrator for the administrative surface.
func (s *Service) Orchestrator() *fleet.Manager {
	return s.orchestrator
}

// Hub exposes the broadcast hub for dashboard consumers.
func (s *Service) Hub() *broadcast.Hub {
	return s.hub
}

// scheduleJobs registers the periodic health and snapshot jobs.
func (s *Service) scheduleJobs(ctx context.Context) {
	_, err := s.jobScheduler.Every(healthJobSeconds).Seconds().Do(func() {
		cacheHealth := s.cache.Health(ctx)
		s.logger.Info().Msgf("feed %s, cache connected=%t ping=%t",
			s.feed.State().String(), cacheHealth.Connected, cacheHealth.PingOK)
	})
	if err != nil {
		s.logger.Error().Msgf("scheduling health job: %v", err)
	}

	if s.db == nil {
		return
	}

	_, err = s.jobScheduler.Every(snapshotJobSeconds).Seconds().Do(func() {
		snapshots := s.orchestrator.Snapshots()
		for idx := range snapshots {
			err := s.db.PersistBotState(ctx, snapshots[idx])
			if err != nil {
				s.logger.Error().Msgf("persisting snapshot for bot %s: %v",
					snapshots[idx].BotID, err)
			}
		}
	})
	if err != nil {
		s.logger.Error().Msgf("scheduling snapshot job: %v", err)
	}
}

// Run handles the lifecycle processes of the botfleet service.
func (s *Service) Run(ctx context.Context) {
	s.wg.Add(2)

	go func() {
		s.orchestrator.Run(ctx)
		s.wg.Done()
	}()

	go func() {
		s.feed.Run(ctx)
		// A feed that stops streaming for good tears down the service.
		s.cfg.Cancel()
		s.wg.Done()
	}()

	s.scheduleJobs(ctx)
	s.jobScheduler.StartAsync()

	<-ctx.Done()

	s.feed.Close()
	s.jobScheduler.Stop()
	s.wg.Wait()
}
