// Package events publishes one "run finished" event per request.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runbox/internal/common/mq"
	appErr "runbox/pkg/errors"
)

const EventRunFinished = "run.finished"

// RunEvent carries run metadata. Source code, stdin and output are never included.
type RunEvent struct {
	Type             string `json:"type"`
	RunID            string `json:"runId"`
	Language         string `json:"language"`
	State            string `json:"state"`
	ErrorCode        int    `json:"errorCode,omitempty"`
	ExitCode         int    `json:"exitCode"`
	TimedOut         bool   `json:"timedOut"`
	KilledForMemory  bool   `json:"killedForMemory"`
	FileSizeExceeded bool   `json:"fileSizeExceeded,omitempty"`
	OutputTruncated  bool   `json:"outputTruncated"`
	CompileMs        int64  `json:"compileMs"`
	ExecuteMs        int64  `json:"executeMs"`
	CPUTimeMs        int64  `json:"cpuTimeMs"`
	MemoryKB         int64  `json:"memoryKb"`
	StartedAt        int64  `json:"startedAt"`
	FinishedAt       int64  `json:"finishedAt"`
}

// Publisher publishes run events.
type Publisher interface {
	PublishRunFinished(ctx context.Context, event RunEvent) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) PublishRunFinished(ctx context.Context, event RunEvent) error {
	return nil
}

// MQPublisher publishes run events to a message queue topic.
type MQPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQPublisher creates a new MQ run event publisher.
func NewMQPublisher(producer mq.Producer, topic string) *MQPublisher {
	return &MQPublisher{producer: producer, topic: topic}
}

// PublishRunFinished publishes a final run event keyed by run id.
func (p *MQPublisher) PublishRunFinished(ctx context.Context, event RunEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("run event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("run event topic is required")
	}
	if event.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if event.Type == "" {
		event.Type = EventRunFinished
	}
	if event.FinishedAt == 0 {
		event.FinishedAt = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run event failed: %w", err)
	}
	message := mq.NewMessage(event.RunID, payload)
	message.SetHeader("type", event.Type)
	message.SetHeader("language", event.Language)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish run event failed")
	}
	return nil
}
