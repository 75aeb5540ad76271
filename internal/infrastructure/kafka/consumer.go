package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"poolrelay/internal/application"
	"poolrelay/internal/infrastructure/telemetry"
	"poolrelay/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Handler processes one decoded job. A transient error re-runs the job after
// backoff; anything else is terminal for this delivery.
type Handler func(ctx context.Context, job streaming.Job) error

// ExhaustFunc fires when a job's retry budget runs out. The message is
// committed afterwards either way.
type ExhaustFunc func(ctx context.Context, job streaming.Job, lastErr error)

// Observer receives pipeline counters. Implemented by the http metrics
// endpoint; nil-safe via noopObserver.
type Observer interface {
	JobDone(stage string)
	JobRetried(stage string)
	JobFailed(stage string)
	JobExhausted(stage string)
	FetchError(stage string)
	DecodeError(stage string)
}

type noopObserver struct{}

func (noopObserver) JobDone(string)      {}
func (noopObserver) JobRetried(string)   {}
func (noopObserver) JobFailed(string)    {}
func (noopObserver) JobExhausted(string) {}
func (noopObserver) FetchError(string)   {}
func (noopObserver) DecodeError(string)  {}

// MessageSource is the slice of kafka.Reader the worker loop consumes.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type WorkerConfig struct {
	Brokers []string
	GroupID string
	Stage   streaming.JobType
	Prefix  string
	// MaxAttempts bounds in-process retries per delivery, counted across
	// redeliveries via the job's attempt field.
	MaxAttempts int
	Backoff     time.Duration
}

// Worker consumes one pipeline stage. Each worker owns its reader and runs a
// serial fetch-handle-commit loop; concurrency comes from running several
// workers in the same consumer group. Messages are committed after handling
// regardless of outcome, so retries beyond the in-process budget must go
// through the exhaust callback, not redelivery.
type Worker struct {
	source  MessageSource
	handler Handler
	exhaust ExhaustFunc
	obs     Observer
	limiter *rate.Limiter
	logger  *slog.Logger
	cfg     WorkerConfig
}

func NewWorker(cfg WorkerConfig, handler Handler, opts ...WorkerOption) (*Worker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Stage == "" {
		return nil, errors.New("worker stage is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    TopicFor(cfg.Prefix, cfg.Stage),
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	worker := newWorker(cfg, reader, handler, opts...)
	return worker, nil
}

func newWorker(cfg WorkerConfig, source MessageSource, handler Handler, opts ...WorkerOption) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	worker := &Worker{
		source:  source,
		handler: handler,
		obs:     noopObserver{},
		logger:  slog.Default(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(worker)
	}
	return worker
}

type WorkerOption func(*Worker)

func WithObserver(obs Observer) WorkerOption {
	return func(w *Worker) {
		if obs != nil {
			w.obs = obs
		}
	}
}

func WithExhaustFunc(fn ExhaustFunc) WorkerOption {
	return func(w *Worker) { w.exhaust = fn }
}

// WithRateLimit caps handled jobs per second across workers sharing the
// limiter. Used on the submit stage to keep broadcast bursts off the node.
func WithRateLimit(limiter *rate.Limiter) WorkerOption {
	return func(w *Worker) { w.limiter = limiter }
}

func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func (w *Worker) Close() error {
	if closer, ok := w.source.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (w *Worker) Run(ctx context.Context) error {
	stage := string(w.cfg.Stage)
	tracer := otel.Tracer("poolrelay/pipeline")
	for {
		message, err := w.source.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			w.obs.FetchError(stage)
			w.logger.Error("kafka fetch error", slog.String("stage", stage), slog.String("error", err.Error()))
			continue
		}

		job, err := streaming.Decode(message.Value)
		if err != nil {
			w.obs.DecodeError(stage)
			w.logger.Error("job decode error", slog.String("stage", stage), slog.String("error", err.Error()))
			_ = w.source.CommitMessages(ctx, message)
			continue
		}

		messageCtx := telemetry.ExtractKafkaHeaders(ctx, message.Headers)
		messageCtx, span := tracer.Start(messageCtx, "pipeline.process_"+stage, trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(
			attribute.String("job.type", string(job.Type)),
			attribute.String("ref.id", job.RefID),
		)

		if w.limiter != nil {
			if err := w.limiter.Wait(messageCtx); err != nil {
				span.End()
				return ctx.Err()
			}
		}

		if err := w.process(messageCtx, job); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err := w.source.CommitMessages(ctx, message); err != nil {
			w.logger.Error("kafka commit error", slog.String("stage", stage), slog.String("error", err.Error()))
		}
	}
}

// process runs the handler with a bounded fixed-backoff retry loop. The
// attempt counter starts from the job's own field so a redelivered job does
// not reset its budget.
func (w *Worker) process(ctx context.Context, job streaming.Job) error {
	stage := string(w.cfg.Stage)
	attempt := job.Attempt
	for {
		err := w.handler(ctx, job)
		if err == nil {
			w.obs.JobDone(stage)
			return nil
		}
		if !application.IsTransient(err) {
			w.obs.JobFailed(stage)
			w.logger.Error("job failed",
				slog.String("stage", stage), slog.String("ref_id", job.RefID), slog.String("error", err.Error()))
			return err
		}

		attempt++
		if attempt >= w.cfg.MaxAttempts {
			w.obs.JobExhausted(stage)
			w.logger.Warn("job retry budget exhausted",
				slog.String("stage", stage), slog.String("ref_id", job.RefID),
				slog.Int("attempts", attempt), slog.String("error", err.Error()))
			if w.exhaust != nil {
				w.exhaust(ctx, job, err)
			}
			return err
		}
		w.obs.JobRetried(stage)
		w.logger.Info("job retrying",
			slog.String("stage", stage), slog.String("ref_id", job.RefID), slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.Backoff):
		}
	}
}
