package core

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeTx struct {
	records     []*LogRecord
	deadLetters [][]byte
	committed   bool
	rolledBack  bool
	insertErr   error
	commitErr   error
}

func (t *fakeTx) InsertRecord(ctx context.Context, rec *LogRecord) error {
	if t.insertErr != nil {
		return t.insertErr
	}
	t.records = append(t.records, rec)
	return nil
}

func (t *fakeTx) InsertDeadLetter(ctx context.Context, payload []byte, failures int, reason string) error {
	t.deadLetters = append(t.deadLetters, payload)
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeRecordStore struct {
	tx         *fakeTx
	beginCount int
}

func (s *fakeRecordStore) BeginDrain(ctx context.Context) (DrainTx, error) {
	s.beginCount++
	return s.tx, nil
}

// newDrainFixture wires a consumer to a single fake connection preloaded
// with the given deliveries.
func newDrainFixture(t *testing.T, deliveries []amqp.Delivery) (*DrainConsumer, *fakeChannel, *fakeRecordStore) {
	t.Helper()

	conn := newFakeConn()
	conn.ch.deliveries = deliveries

	m := NewConnManager(testBrokerConfig(), WithDialer(func(cfg BrokerConfig) (BrokerConnection, error) {
		return conn, nil
	}))
	t.Cleanup(func() { m.Close() })

	store := &fakeRecordStore{tx: &fakeTx{}}
	d := NewDrainConsumer(m, store, DrainConfig{PoisonThreshold: 3})
	return d, conn.ch, store
}

func validDelivery(tag uint64, message string) amqp.Delivery {
	body, _ := EncodeEventPayload(time.Now(), "info", "http://svc/x", "corr-1", "svc", message, nil)
	return amqp.Delivery{DeliveryTag: tag, Body: body}
}

func TestDrainPersistsBatch(t *testing.T) {
	d, ch, store := newDrainFixture(t, []amqp.Delivery{
		validDelivery(1, "first"),
		validDelivery(2, "second"),
		validDelivery(3, "third"),
	})

	count, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 records drained, got %d", count)
	}
	if len(store.tx.records) != 3 {
		t.Errorf("Expected 3 inserts, got %d", len(store.tx.records))
	}
	if !store.tx.committed {
		t.Error("Expected the batch transaction to commit")
	}
	if len(ch.acked) != 3 {
		t.Errorf("Expected 3 acks, got %d", len(ch.acked))
	}
	if len(ch.nacked) != 0 {
		t.Errorf("Expected no nacks, got %d", len(ch.nacked))
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	d, ch, store := newDrainFixture(t, nil)

	count, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 records, got %d", count)
	}
	if store.beginCount != 0 {
		t.Error("Draining an empty queue must not open a transaction")
	}
	if len(ch.acked) != 0 {
		t.Errorf("Expected no acks, got %d", len(ch.acked))
	}
}

func TestDrainMalformedMessageRequeued(t *testing.T) {
	d, ch, store := newDrainFixture(t, []amqp.Delivery{
		validDelivery(1, "good"),
		{DeliveryTag: 2, Body: []byte("{broken")},
		validDelivery(3, "also good"),
	})

	count, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 records drained, got %d", count)
	}
	if len(store.tx.records) != 2 {
		t.Errorf("Expected 2 inserts, got %d", len(store.tx.records))
	}
	if !store.tx.committed {
		t.Error("A malformed message must not block the rest of the batch")
	}

	// The malformed message is republished with an incremented failure
	// count and its original acked.
	if len(ch.published) != 1 {
		t.Fatalf("Expected 1 requeue publish, got %d", len(ch.published))
	}
	if got := ch.published[0].Headers[parseFailureHeader]; got != int32(1) {
		t.Errorf("Expected failure count 1 on the requeued copy, got %v", got)
	}
	if len(ch.acked) != 3 {
		t.Errorf("Expected the original of the requeued message to be acked too, got %d acks", len(ch.acked))
	}
}

func TestDrainPoisonMessageDeadLettered(t *testing.T) {
	d, ch, store := newDrainFixture(t, []amqp.Delivery{
		{
			DeliveryTag: 1,
			Body:        []byte("{broken"),
			Headers:     amqp.Table{parseFailureHeader: int32(2)},
		},
	})

	count, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 records drained, got %d", count)
	}
	if len(store.tx.deadLetters) != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", len(store.tx.deadLetters))
	}
	if !store.tx.committed {
		t.Error("Dead letters commit with the batch")
	}
	if len(ch.published) != 0 {
		t.Error("A dead-lettered message must not be requeued")
	}
	if len(ch.acked) != 1 {
		t.Errorf("Expected the poison message to be acked, got %d acks", len(ch.acked))
	}
}

func TestDrainCommitFailureRequeuesEverything(t *testing.T) {
	d, ch, store := newDrainFixture(t, []amqp.Delivery{
		validDelivery(1, "first"),
		validDelivery(2, "second"),
	})
	store.tx.commitErr = errors.New("connection reset")

	if _, err := d.Drain(context.Background()); err == nil {
		t.Fatal("Expected Drain to fail on commit error")
	}

	if len(ch.acked) != 0 {
		t.Errorf("Nothing may be acked when the commit fails, got %d acks", len(ch.acked))
	}
	if len(ch.nacked) != 2 {
		t.Fatalf("Expected both messages nacked, got %d", len(ch.nacked))
	}
	for i, requeue := range ch.requeued {
		if !requeue {
			t.Errorf("Nack %d must requeue", i)
		}
	}
}

func TestDrainInsertFailureRequeuesEverything(t *testing.T) {
	d, ch, store := newDrainFixture(t, []amqp.Delivery{
		validDelivery(1, "first"),
	})
	store.tx.insertErr = errors.New("disk full")

	if _, err := d.Drain(context.Background()); err == nil {
		t.Fatal("Expected Drain to fail on insert error")
	}
	if !store.tx.rolledBack {
		t.Error("Expected the transaction to roll back")
	}
	if len(ch.acked) != 0 {
		t.Errorf("Expected no acks, got %d", len(ch.acked))
	}
	if len(ch.nacked) != 1 {
		t.Errorf("Expected 1 nack, got %d", len(ch.nacked))
	}
}

func TestDrainRepublishFailureLeavesOriginalUnacked(t *testing.T) {
	d, ch, store := newDrainFixture(t, []amqp.Delivery{
		validDelivery(1, "good"),
		{DeliveryTag: 2, Body: []byte("{broken")},
	})
	ch.publishErr = errors.New("channel closed")

	count, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 record drained, got %d", count)
	}
	if !store.tx.committed {
		t.Error("The valid part of the batch still commits")
	}

	// Only the valid message is acked; the malformed one stays pending
	// for broker redelivery.
	if len(ch.acked) != 1 || ch.acked[0] != 1 {
		t.Errorf("Expected only tag 1 acked, got %v", ch.acked)
	}
}

func TestDrainRejectsConcurrentCycles(t *testing.T) {
	d, _, _ := newDrainFixture(t, nil)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.Drain(context.Background()); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("Expected ErrDrainInProgress, got %v", err)
	}
}
