// Package dispatch moves scheduled emails through their delivery lifecycle:
// it finds due records, queues them, sends them through the provider chain,
// schedules retries and recurrences, and reconciles stuck or expired records.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"BrokerCopilot/internal/email"
	"BrokerCopilot/internal/metrics"
	"BrokerCopilot/internal/models"
	"BrokerCopilot/internal/queue"
	"BrokerCopilot/internal/store"
)

var (
	ErrNotCancellable = errors.New("only pending or queued emails can be cancelled")
	ErrNotSendable    = errors.New("only pending or queued emails can be sent now")
)

// Sender is the delivery side of the engine. *email.Chain implements it.
type Sender interface {
	Send(ctx context.Context, msg *email.Message, preferred string) (*email.Result, error)
}

type Config struct {
	BatchLimit int

	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration

	PollInterval     time.Duration
	SweepInterval    time.Duration
	CleanupInterval  time.Duration
	CleanupRetention time.Duration
	StuckLease       time.Duration

	BulkBatchSize  int
	BulkBatchDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchLimit:       100,
		RetryDelay:       60 * time.Second,
		RetryMaxDelay:    600 * time.Second,
		SoftTimeLimit:    5 * time.Minute,
		HardTimeLimit:    10 * time.Minute,
		PollInterval:     30 * time.Second,
		SweepInterval:    5 * time.Minute,
		CleanupInterval:  24 * time.Hour,
		CleanupRetention: 90 * 24 * time.Hour,
		StuckLease:       15 * time.Minute,
		BulkBatchSize:    10,
		BulkBatchDelay:   time.Second,
	}
}

type Engine struct {
	store  store.Store
	queue  queue.Queue
	sender Sender
	cfg    Config
	now    func() time.Time
	log    *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st store.Store, q queue.Queue, sender Sender, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		queue:  q,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		log:    logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type ScanResult struct {
	Found  int `json:"found"`
	Queued int `json:"queued"`
	Urgent int `json:"urgent"`
	Normal int `json:"normal"`
	Failed int `json:"failed"`
}

// Scan queues every due record. A record that cannot be queued goes back
// to pending and the rest of the batch continues.
func (e *Engine) Scan(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()

	due, err := e.store.ListDue(ctx, e.now().UTC(), e.cfg.BatchLimit)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list due emails: %w", err)
	}

	res := ScanResult{Found: len(due)}
	for _, rec := range due {
		lane := queue.LaneFor(rec.Priority)
		if err := e.enqueue(ctx, queue.Task{EmailID: rec.ID, Lane: lane}); err != nil {
			e.log.Error("failed to queue email",
				zap.String("email_id", rec.ID),
				zap.String("lane", string(lane)),
				zap.Error(err),
			)
			res.Failed++
			continue
		}

		res.Queued++
		if lane == queue.LanePriority {
			res.Urgent++
		} else {
			res.Normal++
		}
	}

	if res.Found > 0 {
		e.log.Info("dispatch scan complete",
			zap.Int("found", res.Found),
			zap.Int("queued", res.Queued),
			zap.Int("urgent", res.Urgent),
			zap.Int("normal", res.Normal),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// enqueue marks the record queued and hands it to the task queue, reverting
// to pending when the queue refuses it.
func (e *Engine) enqueue(ctx context.Context, task queue.Task) error {
	id := task.EmailID
	if _, err := e.store.UpdateStatus(ctx, id, models.StatusQueued); err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}

	task.EnqueuedAt = e.now().UTC()
	if err := e.queue.Enqueue(ctx, task); err != nil {
		if _, rerr := e.store.UpdateStatus(context.WithoutCancel(ctx), id, models.StatusPending); rerr != nil {
			e.log.Error("failed to revert email to pending", zap.String("email_id", id), zap.Error(rerr))
		}
		return fmt.Errorf("enqueue: %w", err)
	}

	metrics.EmailsQueued.WithLabelValues(string(task.Lane)).Inc()
	return nil
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Execute performs one delivery attempt for the task's record. Running it
// twice for one record is safe: only pending or queued records are claimed,
// the claim itself is a checked transition, and a pending record behind its
// retry gate is left alone unless the task is forced.
func (e *Engine) Execute(ctx context.Context, task queue.Task) (outcome Outcome, err error) {
	// Bookkeeping must land even when the send deadline has passed.
	bg := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send task panicked: %v", r)
			e.log.Error("send task panicked", zap.String("email_id", task.EmailID), zap.Any("panic", r))
			outcome = e.recoverPanic(bg, task.EmailID, err)
		}
	}()

	rec, err := e.store.Get(ctx, task.EmailID)
	if errors.Is(err, store.ErrNotFound) {
		e.skip(task.EmailID, "not_found")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch email: %w", err)
	}
	if !rec.Status.Cancellable() {
		e.skip(task.EmailID, string(rec.Status))
		return OutcomeSkipped, nil
	}
	if e.gated(rec) && !task.Force {
		e.skip(task.EmailID, "retry_gate")
		return OutcomeSkipped, nil
	}

	claimed, err := e.store.UpdateStatus(ctx, rec.ID, models.StatusSending)
	if errors.Is(err, store.ErrInvalidTransition) {
		e.skip(task.EmailID, "claimed")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim email: %w", err)
	}

	sendCtx := ctx
	if e.cfg.HardTimeLimit > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, e.cfg.HardTimeLimit)
		defer cancel()
	}
	if e.cfg.SoftTimeLimit > 0 {
		soft := time.AfterFunc(e.cfg.SoftTimeLimit, func() {
			e.log.Warn("send task exceeded soft time limit",
				zap.String("email_id", rec.ID),
				zap.Duration("limit", e.cfg.SoftTimeLimit),
			)
		})
		defer soft.Stop()
	}

	res, sendErr := e.sender.Send(sendCtx, email.MessageFrom(claimed), task.Provider)
	if sendErr != nil {
		return e.fail(bg, claimed, sendErr)
	}

	sent, err := e.store.UpdateStatus(bg, rec.ID, models.StatusSent, store.WithMessageID(res.MessageID), store.WithProvider(res.Provider))
	if err != nil {
		return "", fmt.Errorf("mark sent: %w", err)
	}
	metrics.EmailsSent.Inc()
	e.log.Info("email sent",
		zap.String("email_id", sent.ID),
		zap.String("provider", res.Provider),
		zap.String("message_id", res.MessageID),
	)

	e.expandRecurrence(bg, sent)
	return OutcomeSent, nil
}

// fail records a failed attempt. Permanent errors and exhausted records end
// in failed; everything else returns to pending behind the backoff gate.
func (e *Engine) fail(ctx context.Context, rec *models.ScheduledEmail, cause error) (Outcome, error) {
	attempts := rec.RetryCount + 1
	msg := cause.Error()

	if email.IsPermanent(cause) || attempts >= rec.MaxRetries {
		if _, err := e.store.UpdateStatus(ctx, rec.ID, models.StatusFailed, store.WithError(msg)); err != nil {
			return "", fmt.Errorf("mark failed: %w", err)
		}
		metrics.EmailFailures.Inc()
		e.log.Error("email failed",
			zap.String("email_id", rec.ID),
			zap.Int("retry_count", attempts),
			zap.Bool("permanent", email.IsPermanent(cause)),
			zap.Error(cause),
		)
		return OutcomeFailed, nil
	}

	delay := e.retryDelay(attempts)
	retryAt := e.now().Add(delay)
	if _, err := e.store.UpdateStatus(ctx, rec.ID, models.StatusPending,
		store.WithError(msg), store.WithRetryAt(retryAt)); err != nil {
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	metrics.EmailRetries.Inc()
	e.log.Warn("email send failed, will retry",
		zap.String("email_id", rec.ID),
		zap.Int("retry_count", attempts),
		zap.Int("max_retries", rec.MaxRetries),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	return OutcomeRetry, nil
}

// recoverPanic routes a record claimed by a panicking task through the
// normal failure path. Records that were never claimed are left alone.
func (e *Engine) recoverPanic(ctx context.Context, id string, cause error) Outcome {
	rec, err := e.store.Get(ctx, id)
	if err != nil || rec.Status != models.StatusSending {
		return OutcomeSkipped
	}
	outcome, err := e.fail(ctx, rec, cause)
	if err != nil {
		e.log.Error("failed to release panicked email", zap.String("email_id", id), zap.Error(err))
	}
	return outcome
}

// retryDelay is RetryDelay doubled per prior attempt, capped at RetryMaxDelay.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// gated reports whether rec is waiting out a retry delay.
func (e *Engine) gated(rec *models.ScheduledEmail) bool {
	return rec.Status == models.StatusPending &&
		rec.NextAttemptAt != nil &&
		rec.NextAttemptAt.After(e.now())
}

func (e *Engine) skip(id, reason string) {
	metrics.TasksSkipped.WithLabelValues(reason).Inc()
	e.log.Info("send task skipped", zap.String("email_id", id), zap.String("reason", reason))
}

// SendNow queues a pending or queued record on the priority lane, ignoring
// its schedule and any retry gate.
func (e *Engine) SendNow(ctx context.Context, id, provider string) (*models.ScheduledEmail, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Cancellable() {
		return nil, ErrNotSendable
	}

	task := queue.Task{EmailID: id, Provider: provider, Lane: queue.LanePriority, Force: true}
	if err := e.enqueue(ctx, task); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrNotSendable
		}
		return nil, err
	}

	e.log.Info("email queued for immediate send", zap.String("email_id", id))
	return e.store.Get(ctx, id)
}

// Cancel moves a pending or queued record to cancelled. A task already in
// flight is not interrupted; its claim fails and it is skipped.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.ScheduledEmail, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Cancellable() {
		return nil, ErrNotCancellable
	}

	out, err := e.store.UpdateStatus(ctx, id, models.StatusCancelled)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, ErrNotCancellable
	}
	if err != nil {
		return nil, err
	}

	e.log.Info("email cancelled", zap.String("email_id", id))
	return out, nil
}
