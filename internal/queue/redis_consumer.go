/**
 * Direct Redis Queue Consumer for the Drawing Analysis Worker
 *
 * Compatible with the TypeScript RedisQueue producer: job IDs are pushed
 * onto a LIST, job bodies live in the "<queue>:data" hash, and status
 * changes are published on "<queue>:events" for WebSocket streaming.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/processor"
	"github.com/redis/go-redis/v9"
)

const defaultRedisQueue = "drawing:jobs"

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *runner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DrawingProcessorInterface
	ProcessingTimeout int64 // milliseconds
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = defaultRedisQueue
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RedisConsumer")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client: client,
		runner: newRunner(cfg.Processor, cfg.ProcessingTimeout, logger),
		config: cfg,
		logger: logger,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return c.config.QueueName + ":" + suffix
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop gracefully stops the consumer. In-flight jobs are cancelled and
// their failed runs persisted before the client closes.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log := c.logger.With("worker", id)
	log.Debug("worker started")

	for {
		select {
		case <-c.ctx.Done():
			log.Debug("worker stopping")
			return
		default:
		}
		if err := c.processNextJob(); err != nil {
			if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			log.Error("job fetch failed", "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	id := result[1]

	data, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		c.markFailed(id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if err := job.Payload.validate(); err != nil {
		c.markFailed(id, map[string]interface{}{"error": err.Error()})
		return err
	}

	c.markProcessing(id)
	out, status, err := c.runner.run(c.ctx, &job.Payload)
	if err == nil {
		c.markFinished(id, status, completionMetadata(out))
		return nil
	}

	job.Attempts++
	if retryable(err) && job.Attempts < job.MaxRetries && c.ctx.Err() == nil {
		if rerr := c.requeue(&job); rerr != nil {
			c.logger.Error("failed to requeue job", "job_id", job.Payload.JobID, "error", rerr)
		} else {
			c.logger.Warn("job requeued", "job_id", job.Payload.JobID, "attempt", job.Attempts, "max", job.MaxRetries)
			return nil
		}
	}
	detail := errorDetail(err)
	detail["attempts"] = job.Attempts
	if out != nil && out.RunID != "" {
		detail["runId"] = out.RunID
	}
	c.markFailed(id, detail)
	return nil
}

func (c *RedisConsumer) requeue(job *RedisJobData) error {
	updated, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.ctx)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, updated)
		pipe.SRem(ctx, c.key("processing"), job.ID)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	return err
}

func (c *RedisConsumer) markProcessing(id string) {
	ctx := c.ctx
	c.client.SAdd(ctx, c.key("processing"), id)
	c.publish(ctx, id, StatusProcessing)
}

// markFinished records a completed or degraded run; both count as completed
// for the producer's bookkeeping.
func (c *RedisConsumer) markFinished(id, status string, result map[string]interface{}) {
	ctx := context.WithoutCancel(c.ctx)
	payload, _ := json.Marshal(result)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.key("processing"), id)
		pipe.SAdd(ctx, c.key("completed"), id)
		pipe.HSet(ctx, c.key("results"), id, payload)
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to record job result", "id", id, "error", err)
	}
	c.publish(ctx, id, status)
}

func (c *RedisConsumer) markFailed(id string, detail map[string]interface{}) {
	ctx := context.WithoutCancel(c.ctx)
	payload, _ := json.Marshal(detail)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.key("processing"), id)
		pipe.SAdd(ctx, c.key("failed"), id)
		pipe.HSet(ctx, c.key("errors"), id, payload)
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to record job failure", "id", id, "error", err)
	}
	c.publish(ctx, id, StatusFailed)
}

func (c *RedisConsumer) publish(ctx context.Context, id, status string) {
	event, _ := json.Marshal(jobEvent(id, status, time.Now()))
	if err := c.client.Publish(ctx, c.key("events"), event).Err(); err != nil {
		c.logger.Debug("event publish failed", "id", id, "error", err)
	}
}

func jobEvent(id, status string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     id,
		"timestamp": at.Format(time.RFC3339),
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
