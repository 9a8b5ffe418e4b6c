package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/projectchat/internal/logger"
)

const retryHeader = "x-retries"

// JobHandler processes one job id. A returned error schedules a retry until
// MaxRetries is reached; after that the message goes to the dead-letter queue.
type JobHandler func(ctx context.Context, jobID string) error

type ConsumerConfig struct {
	Queue       string
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  ConsumerConfig
	log  *slog.Logger

	// retry republishes a failed job onto the retry queue.
	retry func(ctx context.Context, jobID string, attempt int) error
}

func NewConsumer(url string, cfg ConsumerConfig, log *slog.Logger) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Concurrency > 50 {
		cfg.Concurrency = 50
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	conn, ch, err := dial(url, cfg.Queue)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	c := &Consumer{conn: conn, ch: ch, cfg: cfg, log: log}
	c.retry = func(ctx context.Context, jobID string, attempt int) error {
		return publishJob(ctx, ch, retryQueue(cfg.Queue), jobID,
			amqp.Table{retryHeader: int32(attempt)}, strconv.FormatInt(cfg.RetryDelay.Milliseconds(), 10))
	}
	return c, nil
}

func (c *Consumer) Close() error {
	var result *multierror.Error
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		result = multierror.Append(result, err)
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Run consumes until ctx is cancelled or the delivery channel closes, then
// waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context, handle JobHandler) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.log.Info("worker started", "queue", c.cfg.Queue, "concurrency", c.cfg.Concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, c.cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := c.log.With("worker", workerID)
			for d := range jobs {
				c.dispatch(logger.WithContext(ctx, log), d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func attempts(d amqp.Delivery) int {
	switch v := d.Headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// dispatch acks, retries or dead-letters one delivery.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle JobHandler) {
	log := logger.FromContext(ctx)

	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn("bad job message", logger.Err(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With("job_id", m.JobID)

	start := time.Now()
	err := handle(logger.WithContext(ctx, log), m.JobID)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack failed", logger.Err(ackErr))
		}
		return
	}

	attempt := attempts(d) + 1
	log.Warn("job failed", "attempt", attempt, "cost", time.Since(start), logger.Err(err))
	if attempt > c.cfg.MaxRetries || c.retry == nil {
		_ = d.Nack(false, false)
		return
	}
	if rerr := c.retry(context.WithoutCancel(ctx), m.JobID, attempt); rerr != nil {
		log.Error("schedule retry", logger.Err(rerr))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
