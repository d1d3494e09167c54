package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/logprocessor/pkg/config"
	"github.com/splax/logprocessor/pkg/logger"
	"github.com/splax/logprocessor/pkg/loggen"
)

const reportInterval = 30 * time.Second

func main() {
	cfg := config.LoadLoadGenConfig()
	log := logger.New("log-producer", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := loggen.NewClient(cfg.ProcessorURL, nil)
	if err != nil {
		log.Error("invalid processor url", "error", err)
		os.Exit(1)
	}
	if err := client.Health(ctx); err != nil {
		log.Warn("processor not healthy yet, sending anyway", "error", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	runner := loggen.NewRunner(client, loggen.NewGenerator(uint64(time.Now().UnixNano())), cfg.Rate, log)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error { return runner.Work(ctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				counters := runner.Counters()
				log.Info("log generation progress", "sent", counters.Sent.Load(), "failed", counters.Failed.Load(), "rate", cfg.Rate)
			}
		}
	})

	log.Info("log generator starting", "processor_url", cfg.ProcessorURL, "rate", cfg.Rate, "workers", workers)
	if err := g.Wait(); err != nil {
		log.Error("log generator stopped", "error", err)
		os.Exit(1)
	}
	counters := runner.Counters()
	log.Info("log generator stopped", "sent", counters.Sent.Load(), "failed", counters.Failed.Load())
}
