package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"botfleet/service"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Printf("loading config: %v", err)
		return
	}

	specs, err := cfg.botSpecs()
	if err != nil {
		log.Printf("parsing bot definitions: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcCfg := service.Config{
		FeedURL:          cfg.FeedURL,
		RedisAddr:        cfg.RedisAddr,
		DatabaseEndpoint: cfg.DatabaseEndpoint,
		DatabaseUser:     cfg.DatabaseUser,
		DatabasePass:     cfg.DatabasePass,
		Bots:             specs,
		AutoStart:        cfg.AutoStart,
		ForceCloseOnStop: cfg.ForceCloseOnStop,
		Capital:          defaultCapital,
		RiskPerTrade:     defaultRiskPerTrade,
		MaxPositionSize:  defaultMaxPositionSize,
		DrawdownGuardPct: defaultDrawdownGuardPct,
		StopLossPct:      defaultStopLossPct,
		FeeRate:          defaultFeeRate,
		Cancel:           cancel,
	}
	svc, err := service.NewService(ctx, &svcCfg)
	if err != nil {
		log.Printf("creating botfleet service: %v", err)
		return
	}

	go handleTermination(ctx, cancel)
	svc.Run(ctx)
}
