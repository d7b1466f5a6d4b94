package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"BrokerCopilot/internal/metrics"
)

var ErrNoProviders = errors.New("no email providers available")

// Chain tries providers in order until one accepts the message.
type Chain struct {
	providers []Provider
	primary   string
	timeout   time.Duration
	log       *zap.Logger
}

// NewChain keeps providers in the given order. primary names the provider
// tried first when a send does not ask for one; empty means the first one.
// Each attempt is bounded by timeout when it is positive. A provider whose
// name is already registered is dropped.
func NewChain(primary string, timeout time.Duration, logger *zap.Logger, providers ...Provider) *Chain {
	var unique []Provider
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if seen[p.Name()] {
			logger.Warn("duplicate email provider ignored", zap.String("provider", p.Name()))
			continue
		}
		seen[p.Name()] = true
		unique = append(unique, p)
	}

	return &Chain{
		providers: unique,
		primary:   primary,
		timeout:   timeout,
		log:       logger,
	}
}

func (c *Chain) Names() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

func (c *Chain) Has(name string) bool {
	return c.lookup(name) != nil
}

func (c *Chain) lookup(name string) Provider {
	for _, p := range c.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// order returns the providers to try: preferred if registered, otherwise the
// primary, then the rest in registration order.
func (c *Chain) order(preferred string) []Provider {
	first := c.lookup(preferred)
	if first == nil {
		first = c.lookup(c.primary)
	}

	out := make([]Provider, 0, len(c.providers))
	if first != nil {
		out = append(out, first)
	}
	for _, p := range c.providers {
		if p != first {
			out = append(out, p)
		}
	}
	return out
}

// Send delivers msg through the first provider that succeeds. It never
// retries a provider.
func (c *Chain) Send(ctx context.Context, msg *Message, preferred string) (*Result, error) {
	order := c.order(preferred)
	if len(order) == 0 {
		return nil, ErrNoProviders
	}

	var attempts []error
	for _, p := range order {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, transient(p.Name(), err))
			break
		}

		res, err := c.attempt(ctx, p, msg)
		if err == nil {
			metrics.ProviderAttempts.WithLabelValues(p.Name(), "success").Inc()
			c.log.Info("email delivered",
				zap.String("provider", p.Name()),
				zap.String("message_id", res.MessageID),
				zap.Int("attempt", len(attempts)+1),
			)
			return res, nil
		}

		metrics.ProviderAttempts.WithLabelValues(p.Name(), "failure").Inc()
		c.log.Warn("email provider failed",
			zap.String("provider", p.Name()),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Error(err),
		)
		attempts = append(attempts, err)
	}

	return nil, &ChainError{Attempts: attempts}
}

func (c *Chain) attempt(ctx context.Context, p Provider, msg *Message) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := p.Send(ctx, msg)
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			err = transient(p.Name(), err)
		}
		return nil, err
	}
	return res, nil
}

// ChainError reports every failed attempt of a Send.
type ChainError struct {
	Attempts []error
}

func (e *ChainError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, err := range e.Attempts {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all email providers failed: %s", strings.Join(msgs, "; "))
}

// Unwrap exposes the last cause.
func (e *ChainError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Permanent is true only when every attempt failed permanently.
func (e *ChainError) Permanent() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, err := range e.Attempts {
		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.Permanent {
			return false
		}
	}
	return true
}
