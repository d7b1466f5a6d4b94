package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"BrokerCopilot/internal/queue"
)

type BulkResult struct {
	Total   int         `json:"total"`
	Sent    int         `json:"sent"`
	Failed  int         `json:"failed"`
	Skipped int         `json:"skipped"`
	Batches []BatchStat `json:"batches"`
}

type BatchStat struct {
	Number  int `json:"number"`
	Size    int `json:"size"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// SendBulk sends ids in batches of batchSize, pausing delay between batches.
// Non-positive arguments fall back to the configured defaults. Retries
// scheduled by a failed attempt count as failed here.
func (e *Engine) SendBulk(ctx context.Context, ids []string, batchSize int, delay time.Duration) (BulkResult, error) {
	if batchSize <= 0 {
		batchSize = e.cfg.BulkBatchSize
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if delay < 0 {
		delay = e.cfg.BulkBatchDelay
	}

	res := BulkResult{Total: len(ids), Batches: []BatchStat{}}

	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		stat := BatchStat{Number: len(res.Batches) + 1, Size: end - start}

		for _, id := range ids[start:end] {
			outcome, err := e.Execute(ctx, queue.Task{EmailID: id, Lane: queue.LanePriority, Force: true})
			if err != nil {
				e.log.Error("bulk send failed for email", zap.String("email_id", id), zap.Error(err))
			}
			switch outcome {
			case OutcomeSent:
				stat.Sent++
			case OutcomeSkipped:
				stat.Skipped++
			default:
				stat.Failed++
			}
		}

		res.Sent += stat.Sent
		res.Failed += stat.Failed
		res.Skipped += stat.Skipped
		res.Batches = append(res.Batches, stat)

		e.log.Info("bulk batch processed",
			zap.Int("batch", stat.Number),
			zap.Int("size", stat.Size),
			zap.Int("sent", stat.Sent),
			zap.Int("failed", stat.Failed),
		)

		if end < len(ids) && delay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return res, nil
}
