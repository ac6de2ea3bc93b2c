package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Queue defaults. The stream uses work-queue retention: a message is
// removed once a consumer acknowledges it.
const (
	DefaultStream       = "FLOWRUN_JOBS"
	DefaultSubject      = "flowrun.jobs"
	DefaultDurable      = "flowrun-worker"
	DefaultAckWait      = 5 * time.Minute
	DefaultMaxDeliver   = 3
	DefaultFetchTimeout = 5 * time.Second
)

// QueueConfig tunes the JetStream stream and consumer. Zero values take
// the package defaults.
type QueueConfig struct {
	Stream       string
	Subject      string
	Durable      string
	AckWait      time.Duration
	MaxDeliver   int
	FetchTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Queue is the JetStream-backed job queue: publish on one side, a pool of
// fetch loops on the other.
type Queue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config QueueConfig
	logger zerolog.Logger
}

// NewQueue connects to NATS and prepares the JetStream handle. The
// connection reconnects indefinitely; stream setup happens separately in
// EnsureStream so read-only callers can skip it.
func NewQueue(url string, config QueueConfig, logger zerolog.Logger) (*Queue, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return &Queue{
		conn:   conn,
		js:     js,
		config: config.withDefaults(),
		logger: logger,
	}, nil
}

// EnsureStream creates or updates the job stream.
func (q *Queue) EnsureStream(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.config.Stream,
		Subjects:  []string{q.config.Subject},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", q.config.Stream, err)
	}
	return nil
}

// Publish enqueues one job. The execution ID doubles as the message
// deduplication ID, so re-publishing the same execution is a no-op within
// the stream's dedupe window.
func (q *Queue) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	_, err = q.js.Publish(ctx, q.config.Subject, data, jetstream.WithMsgID(job.ExecutionID))
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ExecutionID, err)
	}
	return nil
}

// Consume runs `slots` fetch loops against a shared durable consumer and
// blocks until ctx is canceled. Each loop pulls one message at a time, so
// a slot is busy for as long as its execution runs and slots bound the
// worker's parallelism.
func (q *Queue) Consume(ctx context.Context, handle func(context.Context, Job) error, slots int) error {
	stream, err := q.js.Stream(ctx, q.config.Stream)
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", q.config.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.config.Durable,
		FilterSubject: q.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.config.AckWait,
		MaxDeliver:    q.config.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", q.config.Durable, err)
	}

	if slots < 1 {
		slots = 1
	}
	q.logger.Info().
		Str("stream", q.config.Stream).
		Str("subject", q.config.Subject).
		Int("slots", slots).
		Msg("consuming jobs")

	var wg sync.WaitGroup
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			q.fetchLoop(ctx, consumer, handle, slot)
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *Queue) fetchLoop(ctx context.Context, consumer jetstream.Consumer, handle func(context.Context, Job) error, slot int) {
	logger := q.logger.With().Int("slot", slot).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(q.config.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug().Err(err).Msg("fetch timeout or error")
			continue
		}

		for msg := range msgs.Messages() {
			q.handleMessage(ctx, logger, msg, handle)
		}
		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			logger.Warn().Err(msgs.Error()).Msg("message fetch error")
		}
	}
}

// handleMessage runs the handler for one message. Handler failures Nak for
// redelivery; undecodable payloads are acknowledged away as poison
// messages so they cannot wedge the work queue.
func (q *Queue) handleMessage(ctx context.Context, logger zerolog.Logger, msg jetstream.Msg, handle func(context.Context, Job) error) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			logger.Warn().Err(err).Msg("failed to NAK message during shutdown")
		}
		return
	}

	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		logger.Error().Err(err).Msg("failed to parse job payload; dropping poison message")
		if err := msg.Ack(); err != nil {
			logger.Warn().Err(err).Msg("failed to ACK poison message")
		}
		return
	}

	if err := handle(ctx, job); err != nil {
		logger.Error().Err(err).Str("executionId", job.ExecutionID).Msg("job failed")
		if err := msg.Nak(); err != nil {
			logger.Warn().Err(err).Msg("failed to NAK message")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		logger.Warn().Err(err).Msg("failed to ACK message")
	}
}

// Close drains the NATS connection, flushing pending acknowledgements.
func (q *Queue) Close() error {
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Drain()
}
