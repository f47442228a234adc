package core

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sua-platform/logstream/pkg/correlation"
)

// Emitter publishes structured log events to the broker on behalf of one
// service. Log is fire-and-forget: it never returns an error and never waits
// on a reconnect, so it is safe to call from request handlers. Delivery is
// at-least-once once the broker accepts the publish; an event emitted while
// the broker is down is lost apart from the local diagnostic line.
type Emitter struct {
	service  string
	exchange string
	broker   *ConnManager
	metrics  *PipelineMetrics
	now      func() time.Time
}

// EmitterOption customizes an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterMetrics attaches pipeline metrics to the emitter.
func WithEmitterMetrics(m *PipelineMetrics) EmitterOption {
	return func(e *Emitter) { e.metrics = m }
}

// WithEmitterClock overrides the clock, for tests.
func WithEmitterClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an emitter for the named service, publishing through the
// given connection manager.
func NewEmitter(service string, broker *ConnManager, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		service:  service,
		exchange: broker.cfg.Exchange,
		broker:   broker,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Log emits one structured event. The correlation id is taken from ctx. The
// extra map carries request side-channel fields (method, path, query, ip,
// statusCode, duration) and is flattened into the wire payload.
func (e *Emitter) Log(ctx context.Context, level, url, message string, extra map[string]any) {
	lvl := NormalizeLevel(level)
	corrID := correlation.FromContext(ctx)
	ts := e.now().UTC()
	line := fmt.Sprintf("%s %s %s Correlation: %s [%s] - %s",
		ts.Format(WireTimeLayout), lvl, url, corrID, e.service, message)

	body, err := EncodeEventPayload(ts, lvl, url, corrID, e.service, message, extra)
	if err != nil {
		log.Printf("[emitter] failed to encode log event: %v", err)
		log.Print(line)
		return
	}

	ch, err := e.broker.Channel()
	if err != nil {
		// Broker down. Degrade to the local diagnostic line; the event
		// itself is lost.
		e.metrics.eventDropped()
		log.Printf("[emitter] broker unavailable, event not published: %s", line)
		return
	}

	err = ch.PublishWithContext(ctx, e.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		e.metrics.eventDropped()
		log.Printf("[emitter] publish failed (%v): %s", err, line)
		return
	}

	e.metrics.eventPublished(lvl)
	// Mirror every event to local output for operational visibility.
	log.Print(line)
}

// Info emits an INFO level event.
func (e *Emitter) Info(ctx context.Context, url, message string, extra map[string]any) {
	e.Log(ctx, LevelInfo, url, message, extra)
}

// Warn emits a WARN level event.
func (e *Emitter) Warn(ctx context.Context, url, message string, extra map[string]any) {
	e.Log(ctx, LevelWarn, url, message, extra)
}

// Error emits an ERROR level event.
func (e *Emitter) Error(ctx context.Context, url, message string, extra map[string]any) {
	e.Log(ctx, LevelError, url, message, extra)
}
