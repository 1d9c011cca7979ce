// Package messaging publishes miner events to Kafka: JSON for shares and jobs,
// protobuf for hashrate and state samples.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/gompminer/pkg/circuit"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// Message header keys.
const (
	HeaderContentType = "content-type"
	HeaderProtoType   = "proto-type"
	HeaderEventTime   = "event-time" // protobuf-encoded google.protobuf.Timestamp
)

// Content types.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/x-protobuf"
)

// MessageWriter is the part of *kafka.Writer the client uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go producers, one per topic
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]MessageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) MessageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]MessageWriter),
		circuitBreaker: circuit.New("kafka", nil),
		retryConfig:    retry.NetworkConfig(),
	}
	k.newWriter = func(topic string) MessageWriter {
		return &kafka.Writer{
			Addr:         kafka.TCP(k.brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
			Compression:  kafka.Snappy,
		}
	}
	k.circuitBreaker.OnStateChange(func(name string, from, to circuit.State) {
		k.logger.Warn("sink circuit changed state", "sink", name, "from", from.String(), "to", to.String())
	})
	return k
}

// GetProducer gets or creates the producer for a topic
func (k *KafkaClient) GetProducer(topic string) MessageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// newProtoMessage encodes msg with its type name and event time in the headers.
func newProtoMessage(key string, msg proto.Message, at time.Time) (kafka.Message, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	ts, err := proto.Marshal(timestamppb.New(at))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  at,
		Headers: []kafka.Header{
			{Key: HeaderContentType, Value: []byte(ContentTypeProto)},
			{Key: HeaderProtoType, Value: []byte(msg.ProtoReflect().Descriptor().FullName())},
			{Key: HeaderEventTime, Value: ts},
		},
	}, nil
}

// EventTime decodes the event-time header of a message published by PublishProto.
func EventTime(m kafka.Message) (time.Time, bool) {
	for _, h := range m.Headers {
		if h.Key != HeaderEventTime {
			continue
		}
		var ts timestamppb.Timestamp
		if err := proto.Unmarshal(h.Value, &ts); err != nil {
			return time.Time{}, false
		}
		return ts.AsTime(), true
	}
	return time.Time{}, false
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message, at time.Time) error {
	kafkaMsg, err := newProtoMessage(key, msg, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, kafkaMsg, "publish_proto")
}

// PublishJSON publishes v as a JSON message to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: HeaderContentType, Value: []byte(ContentTypeJSON)}},
	}, "publish_json")
}

func (k *KafkaClient) publish(ctx context.Context, topic string, msg kafka.Message, op string) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			if err := writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", string(msg.Key)).
					WithContext("message_size", len(msg.Value))
			}

			k.logger.Debug("published message", "topic", topic, "key", string(msg.Key), "size", len(msg.Value))
			return nil
		})
	})
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]MessageWriter)
	return lastErr
}
