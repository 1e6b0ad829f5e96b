// Package broker owns the Kafka side of the pipeline: building the publisher
// and subscriber, publishing new orders, and ingesting the event stream.
package broker

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/orderflow/internal/config"
)

// PartitionKeyMetadataField carries the partition key on outgoing messages.
// The publisher sets it to the order identity so all events for one order
// land on the same partition, in send order.
const PartitionKeyMetadataField = "partition_key"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// NewKafkaPublisher connects a publisher that keys messages by the partition
// key metadata field.
func NewKafkaPublisher(cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			Marshaler: kafka.NewWithPartitioningMarshaler(partitionKeyFromMetadata),
		},
		logger,
	)
}

// NewKafkaSubscriber connects a consumer-group subscriber that starts at the
// current offset rather than replaying topic history.
func NewKafkaSubscriber(cfg *config.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaConfig.ClientID = cfg.KafkaClientID
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest

	return SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               cfg.KafkaBrokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         cfg.KafkaConsumerGroup,
			OverwriteSaramaConfig: saramaConfig,
		},
		logger,
	)
}

func partitionKeyFromMetadata(topic string, msg *message.Message) (string, error) {
	key := msg.Metadata.Get(PartitionKeyMetadataField)
	if key == "" {
		return "", fmt.Errorf("orderflow: message %s has no partition key", msg.UUID)
	}
	return key, nil
}
