package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/orderflow/internal/buffer"
	"github.com/drblury/orderflow/internal/domain"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/metrics"
	"github.com/drblury/orderflow/internal/schema"
)

// DefaultPersistTimeout bounds the best-effort datastore write per message.
const DefaultPersistTimeout = 3 * time.Second

// OrderStore persists decoded orders. Failures are per-message and never
// stop the consume loop.
type OrderStore interface {
	Upsert(ctx context.Context, order domain.Order) error
}

// Notifier receives every decoded order, in partition order.
type Notifier interface {
	Notify(order domain.Order)
}

// Ingestor drains the orders topic one message at a time: decode, buffer,
// persist, notify. Processing of message N completes before N+1 starts, so
// partition order is preserved end to end.
type Ingestor struct {
	topic          string
	subscriber     message.Subscriber
	codec          *schema.Codec
	store          OrderStore
	buffer         *buffer.Ring
	notifier       Notifier
	logger         logging.ServiceLogger
	metrics        *metrics.Set
	persistTimeout time.Duration
}

// NewIngestor wires an Ingestor over an already-connected subscriber.
func NewIngestor(
	topic string,
	subscriber message.Subscriber,
	codec *schema.Codec,
	store OrderStore,
	ring *buffer.Ring,
	notifier Notifier,
	logger logging.ServiceLogger,
	set *metrics.Set,
) *Ingestor {
	return &Ingestor{
		topic:          topic,
		subscriber:     subscriber,
		codec:          codec,
		store:          store,
		buffer:         ring,
		notifier:       notifier,
		logger:         logger,
		metrics:        set,
		persistTimeout: DefaultPersistTimeout,
	}
}

// Run subscribes and consumes until the context is cancelled or the
// subscriber closes the stream. Per-message failures are logged and skipped;
// only the subscription itself failing is returned to the caller.
func (i *Ingestor) Run(ctx context.Context) error {
	messages, err := i.subscribe(ctx)
	if err != nil {
		return err
	}
	i.consume(messages)
	return nil
}

// Start subscribes and launches the consume loop in the background. The
// subscription error is returned synchronously so the bootstrap supervisor
// can treat it as an initialisation failure; once started, the loop runs
// until the context is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	messages, err := i.subscribe(ctx)
	if err != nil {
		return err
	}
	go i.consume(messages)
	return nil
}

func (i *Ingestor) subscribe(ctx context.Context) (<-chan *message.Message, error) {
	messages, err := i.subscriber.Subscribe(ctx, i.topic)
	if err != nil {
		return nil, fmt.Errorf("orderflow: subscribe to %s: %w", i.topic, err)
	}
	i.logger.Info("ingestor subscribed", logging.LogFields{"topic": i.topic})
	return messages, nil
}

// consume handles one message at a time. Message N is fully processed before
// N+1 starts, which carries the broker's partition order through to the
// buffer and the notification path.
func (i *Ingestor) consume(messages <-chan *message.Message) {
	for msg := range messages {
		i.process(msg)
		msg.Ack()
	}
}

func (i *Ingestor) process(msg *message.Message) {
	if len(msg.Payload) == 0 {
		return
	}

	ctx, span := tracer.Start(msg.Context(), "ingestor.process")
	defer span.End()

	i.metrics.MessagesConsumed.Inc()

	order, err := i.codec.Decode(msg.Payload)
	if err != nil {
		i.metrics.DecodeFailures.Inc()
		span.RecordError(err)
		i.logger.Error("skipping undecodable message", err, logging.LogFields{
			"message_uuid": msg.UUID,
		})
		return
	}

	i.buffer.Append(order)

	persistCtx, cancel := context.WithTimeout(ctx, i.persistTimeout)
	if err := i.store.Upsert(persistCtx, order); err != nil {
		// Best effort: the event still reaches waiting clients.
		i.metrics.PersistFailures.Inc()
		span.RecordError(err)
		i.logger.Error("order not persisted", err, logging.LogFields{
			"order_id": order.ID,
		})
	}
	cancel()

	i.notifier.Notify(order)

	i.logger.Debug("order ingested", logging.LogFields{
		"order_id": order.ID,
		"status":   string(order.Status),
	})
}
