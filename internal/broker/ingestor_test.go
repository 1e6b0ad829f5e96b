package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/orderflow/internal/buffer"
	"github.com/drblury/orderflow/internal/domain"
)

type recordingStore struct {
	mu     sync.Mutex
	orders []domain.Order
	err    error
}

func (r *recordingStore) Upsert(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.orders = append(r.orders, order)
	return nil
}

func (r *recordingStore) stored() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Order, len(r.orders))
	copy(out, r.orders)
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (r *recordingNotifier) Notify(order domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
}

func (r *recordingNotifier) notified() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Order, len(r.orders))
	copy(out, r.orders)
	return out
}

type ingestorFixture struct {
	pubsub   *gochannel.GoChannel
	ingestor *Ingestor
	store    *recordingStore
	notifier *recordingNotifier
	ring     *buffer.Ring
}

func newIngestorFixture(t *testing.T, schemaID int, store *recordingStore) *ingestorFixture {
	t.Helper()

	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	ring := buffer.New(buffer.DefaultCapacity)
	notifier := &recordingNotifier{}
	ingestor := NewIngestor("orders", pubsub, testCodec(t, schemaID), store, ring, notifier, testLogger(), testMetrics())

	return &ingestorFixture{pubsub: pubsub, ingestor: ingestor, store: store, notifier: notifier, ring: ring}
}

func (f *ingestorFixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := f.ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("ingestor run failed: %v", err)
		}
	}()
}

func (f *ingestorFixture) publishOrder(t *testing.T, order domain.Order, schemaID int) {
	t.Helper()
	codec := testCodec(t, schemaID)
	payload, err := codec.Encode(order, schemaID)
	require.NoError(t, err)
	require.NoError(t, f.pubsub.Publish("orders", message.NewMessage(watermill.NewUUID(), payload)))
}

func ingestedOrder(id string) domain.Order {
	return domain.Order{
		ID:          id,
		CustomerID:  "customer-1",
		OrderDate:   "2026-08-30",
		Items:       []domain.OrderItem{{ProductID: "prod-1", Name: "Widget", Quantity: 1, Price: 3}},
		TotalAmount: 3,
		Status:      domain.StatusPending,
	}
}

func TestIngestorProcessesValidMessage(t *testing.T) {
	const schemaID = 2
	fixture := newIngestorFixture(t, schemaID, &recordingStore{})
	fixture.run(t)

	fixture.publishOrder(t, ingestedOrder("order-1"), schemaID)

	require.Eventually(t, func() bool {
		return len(fixture.notifier.notified()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "order-1", fixture.notifier.notified()[0].ID)
	assert.Equal(t, 1, fixture.ring.Len())
	require.Len(t, fixture.store.stored(), 1)
	assert.Equal(t, "order-1", fixture.store.stored()[0].ID)
}

func TestIngestorSkipsUndecodablePayload(t *testing.T) {
	const schemaID = 2
	fixture := newIngestorFixture(t, schemaID, &recordingStore{})
	fixture.run(t)

	// A malformed payload followed by a valid one: the malformed message
	// produces no buffer entry and no notification; the valid one is
	// processed normally.
	require.NoError(t, fixture.pubsub.Publish("orders", message.NewMessage(watermill.NewUUID(), []byte("not avro"))))
	fixture.publishOrder(t, ingestedOrder("order-2"), schemaID)

	require.Eventually(t, func() bool {
		return len(fixture.notifier.notified()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "order-2", fixture.notifier.notified()[0].ID)
	assert.Equal(t, 1, fixture.ring.Len())
}

func TestIngestorSkipsEmptyPayload(t *testing.T) {
	const schemaID = 2
	fixture := newIngestorFixture(t, schemaID, &recordingStore{})
	fixture.run(t)

	require.NoError(t, fixture.pubsub.Publish("orders", message.NewMessage(watermill.NewUUID(), nil)))
	fixture.publishOrder(t, ingestedOrder("order-3"), schemaID)

	require.Eventually(t, func() bool {
		return len(fixture.notifier.notified()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "order-3", fixture.notifier.notified()[0].ID)
}

func TestIngestorPersistFailureDoesNotBlockNotification(t *testing.T) {
	const schemaID = 2
	fixture := newIngestorFixture(t, schemaID, &recordingStore{err: errors.New("datastore down")})
	fixture.run(t)

	fixture.publishOrder(t, ingestedOrder("order-4"), schemaID)

	require.Eventually(t, func() bool {
		return len(fixture.notifier.notified()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "order-4", fixture.notifier.notified()[0].ID)
	assert.Equal(t, 1, fixture.ring.Len(), "buffer still receives the event")
}

func TestIngestorPreservesArrivalOrder(t *testing.T) {
	const schemaID = 2
	fixture := newIngestorFixture(t, schemaID, &recordingStore{})
	fixture.run(t)

	for _, id := range []string{"order-a", "order-b", "order-c"} {
		fixture.publishOrder(t, ingestedOrder(id), schemaID)
	}

	require.Eventually(t, func() bool {
		return len(fixture.notifier.notified()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	notified := fixture.notifier.notified()
	assert.Equal(t, "order-a", notified[0].ID)
	assert.Equal(t, "order-b", notified[1].ID)
	assert.Equal(t, "order-c", notified[2].ID)

	snapshot := fixture.ring.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "order-a", snapshot[0].ID)
	assert.Equal(t, "order-c", snapshot[2].ID)
}
