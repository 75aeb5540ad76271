package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"poolrelay/internal/application"
	"poolrelay/internal/config"
	"poolrelay/internal/infrastructure/kafka"
	"poolrelay/internal/infrastructure/logging"
	"poolrelay/internal/infrastructure/telemetry"
	"poolrelay/internal/streaming"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logFile, err := logging.Init(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "poolrelay-notifier", cfg.OtelEndpoint)
	if err != nil {
		log.Printf("tracing init error: %v", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.Printf("tracing shutdown error: %v", err)
			}
		}()
	}

	notifier := application.NewNotifier(cfg.NotifyWebhookURL, nil)
	if cfg.NotifyWebhookURL == "" {
		log.Printf("no webhook configured, notifications go to the log")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	workers := make([]*kafka.Worker, 0, cfg.NotifyWorkers)
	for i := 0; i < cfg.NotifyWorkers; i++ {
		worker, err := kafka.NewWorker(kafka.WorkerConfig{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     cfg.KafkaGroupID,
			Stage:       streaming.JobTypeNotify,
			Prefix:      cfg.KafkaTopicPrefix,
			MaxAttempts: cfg.NotifyMaxAttempts,
			Backoff:     cfg.NotifyBackoff,
		}, notifier.Handle)
		if err != nil {
			log.Fatalf("worker error: %v", err)
		}
		workers = append(workers, worker)
		group.Go(func() error { return worker.Run(groupCtx) })
	}
	log.Printf("notify workers started: count=%d group=%s", cfg.NotifyWorkers, cfg.KafkaGroupID)

	<-ctx.Done()
	for _, worker := range workers {
		_ = worker.Close()
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker shutdown error: %v", err)
	}
}
