package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"poolrelay/internal/infrastructure/telemetry"
	"poolrelay/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer enqueues pipeline jobs. One topic per stage; the message key is
// the job's dedup identity so redeliveries land on the same partition.
type Producer struct {
	writer *kafka.Writer
	prefix string
}

type ProducerConfig struct {
	Brokers     []string
	TopicPrefix string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = "poolrelay"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{writer: writer, prefix: cfg.TopicPrefix}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func TopicFor(prefix string, jobType streaming.JobType) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = "poolrelay"
	}
	return prefix + "-" + string(jobType)
}

func (p *Producer) Enqueue(ctx context.Context, jobs ...streaming.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tracer := otel.Tracer("poolrelay/kafka")
	messages := make([]kafka.Message, 0, len(jobs))
	spans := make([]trace.Span, 0, len(jobs))
	for _, job := range jobs {
		jobCtx, span := tracer.Start(ctx, "pipeline.enqueue_"+string(job.Type), trace.WithSpanKind(trace.SpanKindProducer))
		span.SetAttributes(
			attribute.String("job.type", string(job.Type)),
			attribute.String("ref.id", job.RefID),
		)
		if job.TxHash != "" {
			span.SetAttributes(attribute.String("tx.hash", job.TxHash))
		}

		payload, err := streaming.Encode(job)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return err
		}
		headers := make([]kafka.Header, 0, 2)
		telemetry.InjectKafkaHeaders(jobCtx, &headers)
		messages = append(messages, kafka.Message{
			Topic:   TopicFor(p.prefix, job.Type),
			Key:     []byte(messageKey(job)),
			Value:   payload,
			Headers: headers,
		})
		spans = append(spans, span)
	}

	err := p.writer.WriteMessages(ctx, messages...)
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

func messageKey(job streaming.Job) string {
	if job.Type == streaming.JobTypeNotify {
		return job.Recipient
	}
	return job.RefID
}
