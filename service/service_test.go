package service

import (
	"context"
	"testing"
	"time"

	"botfleet/shared"

	"github.com/peterldowns/testy/assert"
)

func serviceConfig(cancel context.CancelFunc) *Config {
	return &Config{
		FeedURL: "ws://127.0.0.1:1/stream",
		Bots: []BotSpec{
			{ID: "alpha", Symbol: "BTCUSDT", Interval: shared.OneMinute, StrategyRef: "sma-cross"},
		},
		Capital:          10000,
		RiskPerTrade:     0.02,
		MaxPositionSize:  0.5,
		DrawdownGuardPct: 0.2,
		StopLossPct:      0.05,
		FeeRate:          0.001,
		Cancel:           cancel,
	}
}

func TestConfigValidate(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ensure the feed url, bots and cancel function are required.
	cfg := serviceConfig(cancel)
	assert.NoError(t, cfg.Validate())

	cfg = serviceConfig(cancel)
	cfg.FeedURL = ""
	assert.Error(t, cfg.Validate())

	cfg = serviceConfig(cancel)
	cfg.Bots = nil
	assert.Error(t, cfg.Validate())

	cfg = serviceConfig(nil)
	assert.Error(t, cfg.Validate())
}

func TestNewService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ensure the configured bots are registered with the orchestrator.
	svc, err := NewService(ctx, serviceConfig(cancel))
	assert.NoError(t, err)

	snapshot, err := svc.Orchestrator().Snapshot("alpha")
	assert.NoError(t, err)
	assert.Equal(t, shared.Stopped, snapshot.Status)

	// Ensure an unknown strategy reference fails service creation.
	cfg := serviceConfig(cancel)
	cfg.Bots[0].StrategyRef = "momentum"
	_, err = NewService(ctx, cfg)
	assert.Error(t, err)
}

func TestServiceGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, serviceConfig(cancel))
	assert.NoError(t, err)

	// Ensure the service can be run and gracefully terminated while the
	// feed endpoint is unreachable.
	time.AfterFunc(time.Second*2, func() {
		cancel()
	})
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
		// do nothing.
	case <-time.After(time.Second * 10):
		t.Fatal("timed out waiting for the service to stop")
	}
}

func TestServiceTeardownOnFeedExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, serviceConfig(cancel))
	assert.NoError(t, err)

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	// Ensure a feed that stops for good cancels the shared context and
	// tears down the whole service.
	svc.feed.Close()

	select {
	case <-done:
		// do nothing.
	case <-time.After(time.Second * 10):
		t.Fatal("timed out waiting for the service to stop")
	}
	assert.Error(t, ctx.Err())
}
