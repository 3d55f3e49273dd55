// Package kafka provides the Kafka transport for ledgerflow.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ledgerflow/internal/runtime/metadata"
	"github.com/drblury/ledgerflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, transport.Builders{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.KafkaCapabilities)
}

// PartitionKey keeps every event about one subject on one partition so they
// are processed in order. Messages without a key fall back to their UUID.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadata.KeyPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// BuildPublisher creates a synchronous Kafka publisher.
func BuildPublisher(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}

	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		saramaCfg.ClientID = id
	}
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll

	return PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.NewWithPartitioningMarshaler(PartitionKey),
			OverwriteSaramaConfig: saramaCfg,
		},
		logger,
	)
}

// BuildSubscriber creates a consumer-group subscriber. New groups start at
// the newest offset; a lost session is re-established after the configured
// reconnect delay.
func BuildSubscriber(ctx context.Context, cfg transport.Config, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}
	if consumerGroup == "" {
		return nil, fmt.Errorf("kafka: consumer group is required")
	}

	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		saramaCfg.ClientID = id
	}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	subCfg := kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         consumerGroup,
		OverwriteSaramaConfig: saramaCfg,
	}
	if delay := cfg.GetReconnectDelay(); delay > 0 {
		subCfg.ReconnectRetrySleep = delay
	}
	return SubscriberFactory(subCfg, logger)
}

// PartitionFromMessage reports the partition a consumed message came from.
func PartitionFromMessage(msg *message.Message) (int32, bool) {
	return kafka.MessagePartitionFromCtx(msg.Context())
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
