package mq

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerKey       = "x-message-key"
	headerTimestamp = "x-message-ts"
)

// KafkaConfig defines configuration for the Kafka producer.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	RequiredAcks kafka.RequiredAcks
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
	Compression  kafka.Compression

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	// Synchronous writes wait for at least the leader.
	if c.RequiredAcks == kafka.RequireNone && !c.Async {
		c.RequiredAcks = kafka.RequireOne
	}
	return c
}

// KafkaProducer implements Producer on a kafka-go Writer.
type KafkaProducer struct {
	brokers []string
	writer  *kafka.Writer
	dialer  *kafka.Dialer

	closeOnce sync.Once
	closeErr  error
}

// NewKafkaProducer builds the writer; no connection is made until the first write or Ping.
func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	cfg = cfg.withDefaults()

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Async:        cfg.Async,
		Compression:  cfg.Compression,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}
	return &KafkaProducer{brokers: cfg.Brokers, writer: writer, dialer: dialer}, nil
}

func (k *KafkaProducer) Publish(ctx context.Context, topic string, messages ...*Message) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if len(messages) == 0 {
		return errors.New("messages are required")
	}
	records := make([]kafka.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			return errors.New("message is nil")
		}
		records = append(records, toKafkaMessage(topic, msg))
	}
	return k.writer.WriteMessages(ctx, records...)
}

// Ping dials the first broker.
func (k *KafkaProducer) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close is idempotent.
func (k *KafkaProducer) Close() error {
	k.closeOnce.Do(func() {
		k.closeErr = k.writer.Close()
	})
	return k.closeErr
}

// toKafkaMessage sorts headers so records are byte-stable, then appends key and timestamp headers.
func toKafkaMessage(topic string, message *Message) kafka.Message {
	ts := message.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	names := make([]string, 0, len(message.Headers))
	for name := range message.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]kafka.Header, 0, len(names)+2)
	for _, name := range names {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(message.Headers[name])})
	}
	if message.Key != "" {
		headers = append(headers, kafka.Header{Key: headerKey, Value: []byte(message.Key)})
	}
	headers = append(headers, kafka.Header{Key: headerTimestamp, Value: []byte(ts.Format(time.RFC3339Nano))})

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.Key),
		Value:   message.Body,
		Headers: headers,
		Time:    ts,
	}
}
