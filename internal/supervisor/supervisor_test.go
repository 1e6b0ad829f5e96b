package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/orderflow/internal/broker"
	"github.com/drblury/orderflow/internal/buffer"
	"github.com/drblury/orderflow/internal/config"
	"github.com/drblury/orderflow/internal/domain"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/metrics"
	"github.com/drblury/orderflow/internal/schema"
)

type fakeResolver struct {
	failures int
	calls    int
}

func (f *fakeResolver) Resolve() (int, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, errors.New("schema registry unavailable")
	}
	return 1, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (nopPublisher) Close() error { return nil }

type nopSubscriber struct{}

func (nopSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (nopSubscriber) Close() error { return nil }

type nopStore struct{}

func (nopStore) Upsert(ctx context.Context, order domain.Order) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(order domain.Order) {}

type stubRegistry struct{}

func (stubRegistry) Register(subject, schemaJSON string) (int, error) { return 1, nil }
func (stubRegistry) LatestID(subject string) (int, error) { return 1, nil }
func (stubRegistry) SchemaByID(id int) (string, error) { return schema.CanonicalSchema(), nil }

func testDeps(t *testing.T, resolver SchemaResolver) (Deps, *broker.Publisher) {
	t.Helper()

	codec, err := schema.NewCodec(stubRegistry{})
	require.NoError(t, err)

	logger := logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	set := metrics.NewSet(prometheus.NewRegistry())
	publisher := broker.NewPublisher("orders", codec, logger, set)

	cfg := &config.Config{
		KafkaBrokers:           []string{"localhost:9092"},
		KafkaClientID:          "orderflow-test",
		KafkaConsumerGroup:     "order-consumer-group",
		OrdersTopic:            "orders",
		BootstrapRetryInterval: 10 * time.Millisecond,
	}

	return Deps{
		Config:    cfg,
		Registrar: resolver,
		Codec:     codec,
		Publisher: publisher,
		Store:     nopStore{},
		Buffer:    buffer.New(buffer.DefaultCapacity),
		Notifier:  nopNotifier{},
		Logger:    logger,
		Metrics:   set,
	}, publisher
}

func withStubbedFactories(t *testing.T, pubErrs, subErrs int) {
	t.Helper()

	originalPub := broker.PublisherFactory
	originalSub := broker.SubscriberFactory
	t.Cleanup(func() {
		broker.PublisherFactory = originalPub
		broker.SubscriberFactory = originalSub
	})

	pubCalls, subCalls := 0, 0
	broker.PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCalls++
		if pubCalls <= pubErrs {
			return nil, errors.New("kafka publisher connect failed")
		}
		return nopPublisher{}, nil
	}
	broker.SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCalls++
		if subCalls <= subErrs {
			return nil, errors.New("kafka subscriber connect failed")
		}
		return nopSubscriber{}, nil
	}
}

func TestStartSucceedsFirstAttempt(t *testing.T) {
	withStubbedFactories(t, 0, 0)
	resolver := &fakeResolver{}
	deps, publisher := testDeps(t, resolver)

	require.NoError(t, New(deps).Start(context.Background()))
	assert.True(t, publisher.Ready())
	assert.Equal(t, 1, resolver.calls)
}

func TestStartRetriesWholeSequenceOnSchemaFailure(t *testing.T) {
	withStubbedFactories(t, 0, 0)
	resolver := &fakeResolver{failures: 2}
	deps, publisher := testDeps(t, resolver)

	start := time.Now()
	require.NoError(t, New(deps).Start(context.Background()))
	elapsed := time.Since(start)

	assert.True(t, publisher.Ready())
	assert.Equal(t, 3, resolver.calls)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond, "two fixed-delay retries expected")
}

func TestStartRetriesOnSubscriberFailure(t *testing.T) {
	withStubbedFactories(t, 0, 1)
	resolver := &fakeResolver{}
	deps, publisher := testDeps(t, resolver)

	require.NoError(t, New(deps).Start(context.Background()))
	assert.True(t, publisher.Ready())
	// The whole sequence reruns, so schema resolution is attempted again.
	assert.Equal(t, 2, resolver.calls)
}

func TestStartStopsWhenContextCancelled(t *testing.T) {
	withStubbedFactories(t, 0, 0)
	resolver := &fakeResolver{failures: 1 << 30}
	deps, publisher := testDeps(t, resolver)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := New(deps).Start(ctx)
	require.Error(t, err)
	assert.False(t, publisher.Ready())
}

func TestPublisherNotBoundBeforeBootstrapCompletes(t *testing.T) {
	withStubbedFactories(t, 0, 0)
	deps, publisher := testDeps(t, &fakeResolver{})

	_, err := publisher.Publish(context.Background(), domain.NewOrder{
		CustomerID:  "customer-1",
		OrderDate:   "2026-08-30",
		Items:       []domain.OrderItem{{ProductID: "p", Name: "n", Quantity: 1, Price: 1}},
		TotalAmount: 1,
	})
	assert.ErrorIs(t, err, broker.ErrNotReady)

	require.NoError(t, New(deps).Start(context.Background()))
	assert.True(t, publisher.Ready())
}
