package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hanchipham/MosquitoBackend/pkg/metrics"
	"github.com/hanchipham/MosquitoBackend/pkg/mq"
)

const (
	// consumeRetryDelay spaces attempts to open the consume channel while the
	// MQ client is still connecting.
	consumeRetryDelay = 2 * time.Second

	// maxConsumeAttempts bounds how long Start waits for the broker.
	maxConsumeAttempts = 5
)

// Consumer pulls inference jobs off the work queue and runs a cycle for each.
// Deliveries are acked once a cycle completes, including the recorded-failure
// path; only storage errors where no result row exists yet are nacked back
// onto the queue.
type Consumer struct {
	logger       *slog.Logger
	orchestrator *Orchestrator
	client       mq.ClientInterface
	workers      int
	metrics      *metrics.PipelineMetrics
	wg           sync.WaitGroup
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger       *slog.Logger
	Orchestrator *Orchestrator
	Client       mq.ClientInterface
	// Workers is the number of goroutines draining the queue; defaults to 1.
	Workers int
	// Metrics is optional.
	Metrics *metrics.PipelineMetrics
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Consumer{
		logger:       cfg.Logger.With("component", "consumer"),
		orchestrator: cfg.Orchestrator,
		client:       cfg.Client,
		workers:      workers,
		metrics:      cfg.Metrics,
	}, nil
}

// Start opens the consume channel and launches the worker goroutines. The MQ
// client connects in the background, so the first attempts may find it not
// ready yet; Start retries before giving up.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.consumeWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started", "workers", c.workers)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.processMessages(ctx, i, deliveries)
	}
	return nil
}

func (c *Consumer) consumeWithRetry(ctx context.Context) (<-chan amqp.Delivery, error) {
	var lastErr error
	for attempt := 0; attempt < maxConsumeAttempts; attempt++ {
		deliveries, err := c.client.Consume()
		if err == nil {
			return deliveries, nil
		}
		lastErr = err

		c.logger.Info("queue not ready, retrying",
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(consumeRetryDelay):
		}
	}
	return nil, lastErr
}

// processMessages drains the deliveries channel until it closes or the
// context is canceled.
func (c *Consumer) processMessages(ctx context.Context, worker int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	logger := c.logger.With("worker", worker)

	for {
		select {
		case <-ctx.Done():
			logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, logger, delivery)
		}
	}
}

// handleDelivery runs one cycle for a delivery and settles it. Malformed
// payloads are acked: redelivery cannot fix them, and leaving them on the
// queue would loop forever.
func (c *Consumer) handleDelivery(ctx context.Context, logger *slog.Logger, delivery amqp.Delivery) {
	if c.metrics != nil {
		c.metrics.JobsInFlight.Inc()
		defer c.metrics.JobsInFlight.Dec()
	}

	job, err := DecodeJob(delivery.Body)
	if err != nil {
		logger.Error("failed to decode job", "error", err)
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	logger.Info("job received",
		"device_code", job.DeviceCode,
		"image_id", job.ImageID,
	)

	err = c.orchestrator.RunCycle(ctx, job)
	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", "error", ackErr)
		}

	case errors.Is(err, ErrAfterResult):
		// The result row exists; requeueing would record a duplicate.
		logger.Error("cycle failed after result was recorded",
			"device_code", job.DeviceCode,
			"image_id", job.ImageID,
			"error", err,
		)
		if ackErr := delivery.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", "error", ackErr)
		}

	default:
		logger.Error("cycle failed, requeueing job",
			"device_code", job.DeviceCode,
			"image_id", job.ImageID,
			"error", err,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.Error("failed to nack message", "error", nackErr)
		}
	}
}

// Stop closes the MQ client and waits for in-flight cycles to finish.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	c.wg.Wait()

	c.logger.Info("consumer stopped")
	return nil
}
