package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Handler executes one task. Returning an error asks for a retry.
type Handler func(ctx context.Context, txnID uint64) error

// RetryPolicy bounds how often a failing handler is re-invoked.
type RetryPolicy struct {
	MaxRetries uint64
	Delay      time.Duration
	// Permanent marks errors that must not be retried. Nil retries everything.
	Permanent func(error) bool
}

// Consumer pulls tasks and hands them to a Handler, committing only after the
// handler succeeded or the retry budget is spent.
type Consumer struct {
	reader MessageReader
	handle Handler
	policy RetryPolicy
	log    *zap.SugaredLogger
}

func NewConsumer(r MessageReader, h Handler, p RetryPolicy, log *zap.SugaredLogger) *Consumer {
	return &Consumer{reader: r, handle: h, policy: p, log: log}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.Process(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Errorf("commit offset=%d: %v", msg.Offset, err)
		}
	}
}

// Process runs the handler for a single message under the retry policy.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) {
	task, err := DecodeTask(msg.Value)
	if err != nil {
		c.log.Errorf("drop undecodable task offset=%d: %v", msg.Offset, err)
		return
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.handle(ctx, task.TransactionID)
		if err != nil && c.policy.Permanent != nil && c.policy.Permanent(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.log.Warnf("txn %d attempt %d failed: %v", task.TransactionID, attempt, err)
		}
		return err
	}

	if err := backoff.Retry(op, c.backOff(ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		c.log.Errorf("txn %d given up after %d attempts: %v", task.TransactionID, attempt, err)
	}
}

func (c *Consumer) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.policy.Delay
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.policy.MaxRetries), ctx)
}
