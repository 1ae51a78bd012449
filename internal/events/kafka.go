package events

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaWriter is the subset of *kafka.Writer used by KafkaPublisher.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka writer.
type KafkaConfig struct {
	Brokers []string

	// Principal is attached to every message as a header.
	Principal string
}

// KafkaPublisher writes events to Kafka. The subject is used as the topic.
type KafkaPublisher struct {
	writer    kafkaWriter
	brokers   []string
	principal string
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher returns a publisher for cfg.Brokers. Topics are chosen per
// message, so one writer serves every subject.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events: kafka: no brokers configured")
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{Dial: dialer.DialFunc},
	}
	return &KafkaPublisher{
		writer:    w,
		brokers:   cfg.Brokers,
		principal: cfg.Principal,
		dial:      dialer.DialFunc,
	}, nil
}

// Publish implements Publisher. key selects the partition so all events of a
// session stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, subject, key string, event any) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: subject,
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(subject)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: kafka write %s: %w", subject, err)
	}
	return nil
}

// Ready implements Publisher by dialling the first reachable broker.
func (p *KafkaPublisher) Ready(ctx context.Context) error {
	var lastErr error
	for _, b := range p.brokers {
		conn, err := p.dial(ctx, "tcp", b)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("events: kafka unreachable: %w", lastErr)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
