package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"BrokerCopilot/internal/dispatch"
	"BrokerCopilot/internal/queue"
)

// Pause between failed dequeues while the queue backend is unavailable.
var (
	dequeueRetryInitial = 200 * time.Millisecond
	dequeueRetryMax     = 10 * time.Second
)

// Executor performs one delivery attempt. *dispatch.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, task queue.Task) (dispatch.Outcome, error)
}

func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	tasks queue.Queue,
	exec Executor,
	limiter *rate.Limiter,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			retry := backoff.NewExponentialBackOff()
			retry.InitialInterval = dequeueRetryInitial
			retry.MaxInterval = dequeueRetryMax
			retry.MaxElapsedTime = 0
			retry.Reset()

			for {
				// ----------------------------
				// Next Task
				// ----------------------------
				task, err := tasks.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						logger.Info("worker shutting down", zap.Int("worker_id", id))
						return
					}
					if errors.Is(err, queue.ErrClosed) {
						logger.Info("task queue closed", zap.Int("worker_id", id))
						return
					}
					wait := retry.NextBackOff()
					logger.Error("failed to dequeue task",
						zap.Int("worker_id", id),
						zap.Duration("retry_in", wait),
						zap.Error(err),
					)
					select {
					case <-ctx.Done():
						logger.Info("worker shutting down", zap.Int("worker_id", id))
						return
					case <-time.After(wait):
					}
					continue
				}
				retry.Reset()

				// ----------------------------
				// Rate Limit
				// ----------------------------
				if err := limiter.Wait(ctx); err != nil {
					logger.Warn("rate limiter stopped by context",
						zap.Int("worker_id", id),
						zap.String("email_id", task.EmailID),
						zap.Error(err),
					)
					return
				}

				// ----------------------------
				// Deliver
				// ----------------------------
				outcome, err := exec.Execute(ctx, task)
				if aerr := tasks.Ack(task); aerr != nil {
					logger.Warn("failed to ack task",
						zap.Int("worker_id", id),
						zap.String("email_id", task.EmailID),
						zap.Error(aerr),
					)
				}
				if err != nil {
					logger.Error("send task failed",
						zap.Int("worker_id", id),
						zap.String("email_id", task.EmailID),
						zap.String("lane", string(task.Lane)),
						zap.Error(err),
					)
					continue
				}

				logger.Debug("send task done",
					zap.Int("worker_id", id),
					zap.String("email_id", task.EmailID),
					zap.String("outcome", string(outcome)),
				)
			}
		}(i)
	}
}
