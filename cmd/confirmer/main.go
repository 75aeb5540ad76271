package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"poolrelay/internal/application"
	"poolrelay/internal/config"
	"poolrelay/internal/infrastructure/clickhouse"
	"poolrelay/internal/infrastructure/ethrpc"
	"poolrelay/internal/infrastructure/kafka"
	"poolrelay/internal/infrastructure/logging"
	"poolrelay/internal/infrastructure/mysql"
	"poolrelay/internal/infrastructure/sqlite"
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

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "poolrelay-confirmer", cfg.OtelEndpoint)
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

	ledger, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("ledger error: %v", err)
	}
	if closer, ok := ledger.(io.Closer); ok {
		defer closer.Close()
	}

	rpcClient, err := ethrpc.NewClient(ethrpc.Config{URL: cfg.RPCURL, CallTimeout: cfg.CallTimeout})
	if err != nil {
		log.Fatalf("rpc error: %v", err)
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:     cfg.KafkaBrokers,
		TopicPrefix: cfg.KafkaTopicPrefix,
	})
	if err != nil {
		log.Fatalf("kafka error: %v", err)
	}
	defer producer.Close()

	var audit application.AuditSink = application.NoopAudit{}
	if cfg.ClickhouseDSN != "" {
		trail, err := clickhouse.NewAuditTrail(cfg.ClickhouseDSN)
		if err != nil {
			log.Printf("audit trail disabled: %v", err)
		} else {
			audit = trail
		}
	}

	poller := application.NewPoller(rpcClient, ledger, nil)
	handler := application.NewConfirmHandler(ledger, poller, producer, audit, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	workers := make([]*kafka.Worker, 0, cfg.ConfirmWorkers)
	for i := 0; i < cfg.ConfirmWorkers; i++ {
		worker, err := kafka.NewWorker(kafka.WorkerConfig{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     cfg.KafkaGroupID,
			Stage:       streaming.JobTypeConfirm,
			Prefix:      cfg.KafkaTopicPrefix,
			MaxAttempts: cfg.ConfirmMaxAttempts,
			Backoff:     cfg.ConfirmBackoff,
		}, handler.Handle,
			kafka.WithExhaustFunc(handler.Exhaust),
		)
		if err != nil {
			log.Fatalf("worker error: %v", err)
		}
		workers = append(workers, worker)
		group.Go(func() error { return worker.Run(groupCtx) })
	}
	group.Go(func() error { return runWatchdog(groupCtx, ledger, cfg) })
	log.Printf("confirm workers started: count=%d group=%s", cfg.ConfirmWorkers, cfg.KafkaGroupID)

	<-ctx.Done()
	for _, worker := range workers {
		_ = worker.Close()
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker shutdown error: %v", err)
	}
}

// runWatchdog sweeps pending records that outlived their window, catching
// ambiguous submissions that never produced a hash and confirm jobs the
// broker lost.
func runWatchdog(ctx context.Context, ledger application.Ledger, cfg config.Config) error {
	ticker := time.NewTicker(cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		swept, err := ledger.ExpireStale(ctx, cfg.PendingTTL)
		if err != nil {
			log.Printf("watchdog sweep error: %v", err)
			continue
		}
		if swept > 0 {
			log.Printf("watchdog expired %d stale records", swept)
		}
	}
}

func openLedger(cfg config.Config) (application.Ledger, error) {
	if cfg.LedgerDriver == "sqlite" {
		return sqlite.NewLedger(cfg.SQLitePath)
	}
	return mysql.NewLedger(cfg.DBDSN)
}
