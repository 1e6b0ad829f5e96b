package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/orderflow/internal/domain"
	"github.com/drblury/orderflow/internal/ids"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/metrics"
	"github.com/drblury/orderflow/internal/schema"
)

var tracer = otel.Tracer("github.com/drblury/orderflow/internal/broker")

// ErrNotReady is returned by Publish while the bootstrap supervisor has not
// yet connected the broker.
var ErrNotReady = errors.New("orderflow: broker not ready")

// Publisher assigns identity to new orders, encodes them against the
// resolved schema, and publishes them keyed by order id.
//
// A Publisher is constructed before the broker connection exists and becomes
// usable once the supervisor calls Bind.
type Publisher struct {
	topic   string
	codec   *schema.Codec
	logger  logging.ServiceLogger
	metrics *metrics.Set

	mu       sync.RWMutex
	pub      message.Publisher
	schemaID int
	ready    bool
}

// NewPublisher returns an unbound Publisher for the topic.
func NewPublisher(topic string, codec *schema.Codec, logger logging.ServiceLogger, set *metrics.Set) *Publisher {
	return &Publisher{
		topic:   topic,
		codec:   codec,
		logger:  logger,
		metrics: set,
	}
}

// Bind attaches the connected broker publisher and the resolved schema id.
// Called by the bootstrap supervisor after a successful initialisation pass.
func (p *Publisher) Bind(pub message.Publisher, schemaID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pub = pub
	p.schemaID = schemaID
	p.ready = true
}

// Ready reports whether Bind has been called.
func (p *Publisher) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Publish assigns a fresh identity to the submitted order, encodes it, and
// sends it to the orders topic keyed by that identity. On any failure the
// order is not considered sent and no identity is issued.
func (p *Publisher) Publish(ctx context.Context, newOrder domain.NewOrder) (string, error) {
	p.mu.RLock()
	pub, schemaID, ready := p.pub, p.schemaID, p.ready
	p.mu.RUnlock()
	if !ready {
		return "", ErrNotReady
	}

	ctx, span := tracer.Start(ctx, "publisher.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	id := ids.NewULID()
	order := newOrder.Build(id)

	payload, err := p.codec.Encode(order, schemaID)
	if err != nil {
		p.metrics.PublishFailures.Inc()
		span.RecordError(err)
		return "", fmt.Errorf("orderflow: encode order: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(PartitionKeyMetadataField, id)

	if err := pub.Publish(p.topic, msg); err != nil {
		p.metrics.PublishFailures.Inc()
		span.RecordError(err)
		return "", fmt.Errorf("orderflow: publish order: %w", err)
	}

	p.metrics.OrdersPublished.Inc()
	p.logger.Info("order published", logging.LogFields{
		"order_id": id,
		"topic":    p.topic,
	})
	return id, nil
}
