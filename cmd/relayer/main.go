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
	"poolrelay/internal/infrastructure/redisdb"
	"poolrelay/internal/infrastructure/sqlite"
	"poolrelay/internal/infrastructure/telemetry"
	"poolrelay/internal/interfaces/httpapi"
	"poolrelay/internal/streaming"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
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

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "poolrelay-relayer", cfg.OtelEndpoint)
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
	pool, err := ethrpc.NewPool(cfg.PoolAddress, cfg.ChainID, cfg.RelayerKey)
	if err != nil {
		log.Fatalf("pool error: %v", err)
	}
	gateway := ethrpc.NewGateway(rpcClient, pool)

	redisClient, err := redisdb.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer redisClient.Close()
	sequencer := redisdb.NewSequencer(redisClient, "")

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	chainNonce, err := rpcClient.TransactionCount(startCtx, pool.RelayerAddress())
	if err != nil {
		startCancel()
		log.Fatalf("chain nonce read error: %v", err)
	}
	nonce, err := sequencer.Initialize(startCtx, chainNonce)
	startCancel()
	if err != nil {
		log.Fatalf("nonce init error: %v", err)
	}
	log.Printf("nonce sequencer initialized: chain=%d counter=%d relayer=%s", chainNonce, nonce, pool.RelayerAddress())

	dedup := redisdb.NewDedup(redisClient, cfg.DedupTTL)

	gas, err := application.NewGasPricer(rpcClient, application.GasPricerConfig{
		TTL:       cfg.GasTTL,
		BufferPct: cfg.GasBufferPct,
	})
	if err != nil {
		log.Fatalf("gas pricer error: %v", err)
	}
	exec := application.NewExecutor(sequencer, gas, gateway, gateway, nil)

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:     cfg.KafkaBrokers,
		TopicPrefix: cfg.KafkaTopicPrefix,
	})
	if err != nil {
		log.Fatalf("kafka error: %v", err)
	}
	defer producer.Close()

	var audit application.AuditSink = application.NoopAudit{}
	var auditReader application.AuditReader
	if cfg.ClickhouseDSN != "" {
		trail, err := clickhouse.NewAuditTrail(cfg.ClickhouseDSN)
		if err != nil {
			log.Printf("audit trail disabled: %v", err)
		} else {
			audit = trail
			auditReader = trail
		}
	}

	service := application.NewService(ledger, producer, gateway, application.ServiceConfig{
		IdempotencyBucket: cfg.IdempotencyBucket,
	}, nil)

	metrics := httpapi.NewMetrics()
	httpServer, err := httpapi.NewServer(httpapi.ServerDeps{
		Service:     service,
		Ledger:      ledger,
		Chain:       rpcClient,
		Nonces:      sequencer,
		NonceReader: rpcClient,
		Relayer:     pool.RelayerAddress(),
		Audit:       auditReader,
		Metrics:     metrics,
		Build:       httpapi.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime},
	})
	if err != nil {
		log.Fatalf("http server error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Printf("http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()

	handler := application.NewSubmitHandler(ledger, exec, dedup, producer, audit, nil)
	limiter := rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), 1)

	group, groupCtx := errgroup.WithContext(ctx)
	workers := make([]*kafka.Worker, 0, cfg.SubmitWorkers)
	for i := 0; i < cfg.SubmitWorkers; i++ {
		worker, err := kafka.NewWorker(kafka.WorkerConfig{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     cfg.KafkaGroupID,
			Stage:       streaming.JobTypeSubmit,
			Prefix:      cfg.KafkaTopicPrefix,
			MaxAttempts: cfg.SubmitMaxAttempts,
			Backoff:     cfg.SubmitBackoff,
		}, handler.Handle,
			kafka.WithObserver(metrics),
			kafka.WithExhaustFunc(handler.Exhaust),
			kafka.WithRateLimit(limiter),
		)
		if err != nil {
			log.Fatalf("worker error: %v", err)
		}
		workers = append(workers, worker)
		group.Go(func() error { return worker.Run(groupCtx) })
	}
	log.Printf("submit workers started: count=%d group=%s", cfg.SubmitWorkers, cfg.KafkaGroupID)

	<-ctx.Done()
	for _, worker := range workers {
		_ = worker.Close()
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker shutdown error: %v", err)
	}
}

func openLedger(cfg config.Config) (application.Ledger, error) {
	if cfg.LedgerDriver == "sqlite" {
		return sqlite.NewLedger(cfg.SQLitePath)
	}
	return mysql.NewLedger(cfg.DBDSN)
}
