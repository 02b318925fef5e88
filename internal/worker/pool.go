package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"go.uber.org/zap"
)

// ErrDeliveriesClosed is returned by Run when the broker stops delivering.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

type JobRunner interface {
	RunJob(ctx context.Context, jobID string) (*chat.Message, error)
}

// Pool runs queued jobs on a fixed number of goroutines.
type Pool struct {
	runner      JobRunner
	concurrency int
	log         *zap.Logger
}

func NewPool(runner JobRunner, concurrency int, log *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{runner: runner, concurrency: concurrency, log: log}
}

// Run dispatches deliveries until ctx is done or the channel closes. Jobs
// already handed to a worker finish before Run returns; they run on a
// context that shutdown does not cancel.
func (p *Pool) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	jobs := make(chan amqp.Delivery, p.concurrency)
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := p.log.With(zap.Int("worker", workerID))
			for d := range jobs {
				p.handle(jobCtx, log, d)
			}
		}(i)
	}

	stop := func() {
		close(jobs)
		wg.Wait()
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker shutting down")
			stop()
			return nil

		case d, ok := <-deliveries:
			if !ok {
				stop()
				return ErrDeliveriesClosed
			}
			jobs <- d
		}
	}
}

// handle acks on success. Failures are nacked without requeue so they
// dead-letter instead of running again.
func (p *Pool) handle(ctx context.Context, log *zap.Logger, d amqp.Delivery) {
	var m rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn("bad message", zap.ByteString("body", d.Body), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	log = log.With(zap.String("job_id", m.JobID))
	start := time.Now()
	msg, err := p.runner.RunJob(ctx, m.JobID)
	if err != nil {
		log.Error("job failed", zap.Duration("cost", time.Since(start)), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	fields := []zap.Field{zap.Duration("cost", time.Since(start))}
	if msg != nil {
		fields = append(fields, zap.Uint64("assistant_message_id", msg.ID))
	}
	log.Info("job done", fields...)

	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}
