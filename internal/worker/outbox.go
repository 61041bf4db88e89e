package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookingcoord/internal/backoff"
	"bookingcoord/internal/config"
	"bookingcoord/internal/domain"
	"bookingcoord/internal/events"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/metrics"
	"bookingcoord/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OutboxWorker parks broadcasts made while the real-time link is down and
// replays them, in order, once it is back.
type OutboxWorker struct {
	publisher     domain.Publisher
	conn          domain.ConnectionObserver
	redis         *redis.Client
	schedule      backoff.Schedule
	maxRetries    int
	queue         chan models.OutboxTask
	queueKey      string
	deadLetterKey string
	pollInterval  time.Duration
	wake          chan struct{}
	logger        *zerolog.Logger

	// held is a task whose publish failed; it goes out before anything newer.
	held *models.OutboxTask
}

func NewOutboxWorker(
	publisher domain.Publisher,
	conn domain.ConnectionObserver,
	redisClient *redis.Client,
	cfg config.OutboxConfig,
	logger *zerolog.Logger,
) *OutboxWorker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = "realtime:outbox"
	}
	if cfg.DeadLetterKey == "" {
		cfg.DeadLetterKey = "realtime:outbox:deadletter"
	}
	return &OutboxWorker{
		publisher:     publisher,
		conn:          conn,
		redis:         redisClient,
		schedule:      backoff.Schedule{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2},
		maxRetries:    cfg.MaxRetries,
		queue:         make(chan models.OutboxTask, 128),
		queueKey:      cfg.QueueKey,
		deadLetterKey: cfg.DeadLetterKey,
		pollInterval:  cfg.PollInterval,
		wake:          make(chan struct{}, 1),
		logger:        logging.Component(logger, "outbox"),
	}
}

// Enqueue stores ev for later delivery. Redis is used when configured,
// the in-memory queue otherwise or when Redis fails.
func (w *OutboxWorker) Enqueue(ctx context.Context, ev events.Event) error {
	frame, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	task := models.OutboxTask{
		ID:        uuid.NewString(),
		EventType: string(frame.Type),
		Payload:   frame.Payload,
		CreatedAt: time.Now().UTC(),
	}
	metrics.IncPublish(task.EventType, "queued")

	if w.redis != nil {
		if err := w.pushRedis(ctx, w.queueKey, task); err != nil {
			w.logger.Warn().Err(err).Msg("redis push failed, falling back to memory queue")
		} else {
			w.signal()
			return nil
		}
	}

	select {
	case w.queue <- task:
		w.signal()
		return nil
	default:
		return fmt.Errorf("outbox queue full, %s dropped", task.EventType)
	}
}

func (w *OutboxWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start runs the delivery loop until ctx is done.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("outbox worker started")
	defer w.logger.Info().Msg("outbox worker stopped")

	remove := w.conn.OnConnect(func(uint64) { w.signal() })
	defer remove()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
		w.drain(ctx)
	}
}

// drain publishes queued tasks while the link is up.
func (w *OutboxWorker) drain(ctx context.Context) {
	for ctx.Err() == nil && w.conn.State().Connected {
		task, ok := w.next(ctx)
		if !ok {
			return
		}
		if !w.process(ctx, &task) {
			return
		}
	}
}

func (w *OutboxWorker) next(ctx context.Context) (models.OutboxTask, bool) {
	if w.held != nil {
		t := *w.held
		w.held = nil
		return t, true
	}
	select {
	case t := <-w.queue:
		return t, true
	default:
	}
	if w.redis == nil {
		return models.OutboxTask{}, false
	}
	for {
		raw, err := w.redis.RPop(ctx, w.queueKey).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("redis RPOP failed")
			}
			return models.OutboxTask{}, false
		}
		var task models.OutboxTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			w.logger.Error().Err(err).Msg("decode outbox task")
			w.pushDeadLetterRaw(ctx, raw)
			continue
		}
		return task, true
	}
}

// process reports whether draining may continue.
func (w *OutboxWorker) process(ctx context.Context, task *models.OutboxTask) bool {
	ev, err := events.Decode(events.Frame{Type: events.Type(task.EventType), Payload: task.Payload})
	if err != nil {
		task.LastError = err.Error()
		w.deadLetter(ctx, task)
		return true
	}

	if _, ok := w.publisher.Publish(ev); ok {
		w.logger.Debug().Str("task_id", task.ID).Str("type", task.EventType).Msg("outbox task delivered")
		return true
	}
	return w.retryOrFail(ctx, task, models.ErrConnectionLost)
}

func (w *OutboxWorker) retryOrFail(ctx context.Context, task *models.OutboxTask, cause error) bool {
	task.RetryCount++
	task.LastError = cause.Error()
	if task.RetryCount >= w.maxRetries {
		w.deadLetter(ctx, task)
		return true
	}
	w.held = task
	return backoff.Wait(ctx, w.schedule.Next(task.RetryCount))
}

func (w *OutboxWorker) deadLetter(ctx context.Context, task *models.OutboxTask) {
	w.logger.Error().
		Str("task_id", task.ID).
		Str("type", task.EventType).
		Int("retries", task.RetryCount).
		Str("last_error", task.LastError).
		Msg("outbox task moved to dead letter")
	if w.redis == nil {
		return
	}
	if err := w.pushRedis(ctx, w.deadLetterKey, *task); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("dead letter push failed")
	}
}

func (w *OutboxWorker) pushDeadLetterRaw(ctx context.Context, raw string) {
	if err := w.redis.LPush(ctx, w.deadLetterKey, raw).Err(); err != nil {
		w.logger.Error().Err(err).Msg("dead letter push failed")
	}
}

func (w *OutboxWorker) pushRedis(ctx context.Context, key string, task models.OutboxTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}
