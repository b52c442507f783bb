package mq

import (
	"context"
	"time"
)

// Producer publishes messages to a topic. Implementations are safe for concurrent use.
type Producer interface {
	// Publish writes messages in order; an empty call is an error.
	Publish(ctx context.Context, topic string, messages ...*Message) error
	Ping(ctx context.Context) error
	// Close flushes pending writes.
	Close() error
}

// Message is one record. Key selects the partition.
type Message struct {
	Key       string            `json:"key"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`
}

func NewMessage(key string, body []byte) *Message {
	return &Message{
		Key:       key,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Header returns the header value or "".
func (m *Message) Header(key string) string {
	return m.Headers[key]
}
