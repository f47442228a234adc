package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDrainInProgress is returned when a drain cycle is requested while
// another one is still running.
var ErrDrainInProgress = errors.New("a drain cycle is already in progress")

// parseFailureHeader carries the per-message parse failure count across
// requeues, so a poison message cannot loop forever.
const parseFailureHeader = "x-parse-failures"

// RecordStore is the storage surface a drain cycle needs.
type RecordStore interface {
	BeginDrain(ctx context.Context) (DrainTx, error)
}

// DrainTx is one storage transaction scoped to a whole drain cycle.
type DrainTx interface {
	InsertRecord(ctx context.Context, rec *LogRecord) error
	InsertDeadLetter(ctx context.Context, payload []byte, failures int, reason string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DrainConsumer materializes queued log messages into the store. One drain
// cycle pulls everything that was enqueued before it started, inserts the
// batch inside a single transaction and acknowledges messages only after
// that transaction commits. The transport is at-least-once: a redelivered
// message may be persisted twice, which callers must tolerate.
type DrainConsumer struct {
	broker          *ConnManager
	store           RecordStore
	queue           string
	poisonThreshold int
	metrics         *PipelineMetrics
	now             func() time.Time

	// mu serializes drain cycles; concurrent invocations are rejected.
	mu sync.Mutex
}

// DrainOption customizes a DrainConsumer.
type DrainOption func(*DrainConsumer)

// WithDrainMetrics attaches pipeline metrics to the consumer.
func WithDrainMetrics(m *PipelineMetrics) DrainOption {
	return func(d *DrainConsumer) { d.metrics = m }
}

// WithDrainClock overrides the clock, for tests.
func WithDrainClock(now func() time.Time) DrainOption {
	return func(d *DrainConsumer) { d.now = now }
}

// NewDrainConsumer creates a consumer draining the manager's queue into the
// given store.
func NewDrainConsumer(broker *ConnManager, store RecordStore, cfg DrainConfig, opts ...DrainOption) *DrainConsumer {
	d := &DrainConsumer{
		broker:          broker,
		store:           store,
		queue:           broker.cfg.Queue,
		poisonThreshold: cfg.PoisonThreshold,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// pendingRetry is a malformed message scheduled for requeue with an
// incremented failure count. The copy is republished and the original acked,
// both only after the batch commit.
type pendingRetry struct {
	tag uint64
	pub amqp.Publishing
}

// Drain runs one drain cycle and returns the number of records persisted.
// On any broker or storage error nothing is committed and nothing is
// acknowledged, so every pulled message becomes redeliverable.
func (d *DrainConsumer) Drain(ctx context.Context) (int, error) {
	if !d.mu.TryLock() {
		return 0, ErrDrainInProgress
	}
	defer d.mu.Unlock()

	ch, release, err := d.broker.Acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	var (
		tx        DrainTx
		count     int
		acks      []uint64
		pulled    []uint64
		retries   []pendingRetry
		committed bool
	)

	// Requeue everything pulled so far and roll the transaction back.
	// Runs on every failure exit, and keeps messages redeliverable.
	abort := func(cause error) (int, error) {
		if tx != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Printf("[drain] rollback failed: %v", rbErr)
			}
		}
		for _, tag := range pulled {
			if nackErr := ch.Nack(tag, false, true); nackErr != nil {
				log.Printf("[drain] requeue of message %d failed: %v", tag, nackErr)
			}
		}
		d.metrics.drainFailed()
		return 0, cause
	}

	for {
		msg, ok, err := ch.Get(d.queue, false)
		if err != nil {
			return abort(fmt.Errorf("pull from queue %q: %w", d.queue, err))
		}
		if !ok {
			// Queue empty: the batch ends here.
			break
		}
		pulled = append(pulled, msg.DeliveryTag)

		// The transaction is opened lazily so draining an empty queue
		// never touches the store.
		if tx == nil {
			if tx, err = d.store.BeginDrain(ctx); err != nil {
				return abort(err)
			}
		}

		rec, parseErr := ParseRecord(msg.Body, d.now())
		if parseErr != nil {
			failures := parseFailureCount(msg.Headers) + 1
			if failures >= d.poisonThreshold {
				// Poison message. Park it in the inspection table
				// instead of requeuing forever.
				if err := tx.InsertDeadLetter(ctx, msg.Body, failures, parseErr.Error()); err != nil {
					return abort(err)
				}
				log.Printf("[drain] dead-lettered message after %d parse failures: %v", failures, parseErr)
				d.metrics.deadLettered()
				acks = append(acks, msg.DeliveryTag)
				continue
			}

			log.Printf("[drain] malformed message (attempt %d/%d), requeueing: %v", failures, d.poisonThreshold, parseErr)
			d.metrics.requeued()
			retries = append(retries, pendingRetry{
				tag: msg.DeliveryTag,
				pub: retryPublishing(msg, failures),
			})
			continue
		}

		if err := tx.InsertRecord(ctx, rec); err != nil {
			return abort(fmt.Errorf("storage failure: %w", err))
		}
		acks = append(acks, msg.DeliveryTag)
		count++
	}

	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			return abort(fmt.Errorf("commit drain batch: %w", err))
		}
		committed = true
	}

	// Rows are durable now (or there were none). Acks must not precede the
	// commit, per the delivery contract.
	for _, r := range retries {
		if err := ch.PublishWithContext(ctx, "", d.queue, false, false, r.pub); err != nil {
			// Leave the original unacked; it is redelivered with its
			// old failure count once the channel closes.
			log.Printf("[drain] requeue publish failed, message %d left for redelivery: %v", r.tag, err)
			continue
		}
		acks = append(acks, r.tag)
	}
	for _, tag := range acks {
		if err := ch.Ack(tag, false); err != nil {
			log.Printf("[drain] ack of message %d failed: %v", tag, err)
		}
	}

	if committed {
		d.metrics.drained(count)
	}
	log.Printf("[drain] cycle complete: %d records persisted, %d requeued, %d pulled", count, len(retries), len(pulled))
	return count, nil
}

// retryPublishing builds the persistent copy of a malformed message carrying
// the incremented failure count.
func retryPublishing(msg amqp.Delivery, failures int) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[parseFailureHeader] = int32(failures)

	return amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         msg.Body,
	}
}

// parseFailureCount reads the failure counter from message headers. AMQP
// decodes integers into several widths depending on the publisher.
func parseFailureCount(headers amqp.Table) int {
	switch v := headers[parseFailureHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
