// Package events publishes task and job status changes on an in-process
// watermill bus.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
)

const (
	TaskTopic = "tao.task.status"
	JobTopic  = "tao.job.status"

	kindMetadataKey = "kind"
)

type TaskStatusChanged struct {
	JobID    int64       `json:"job_id"`
	TaskID   int64       `json:"task_id"`
	Kind     task.Kind   `json:"kind"`
	Host     string      `json:"host,omitempty"`
	Previous task.Status `json:"previous"`
	Status   task.Status `json:"status"`
	ExitCode int         `json:"exit_code"`
	At       time.Time   `json:"at"`
}

type JobStatusChanged struct {
	JobID    int64       `json:"job_id"`
	User     string      `json:"user"`
	Previous task.Status `json:"previous"`
	Status   task.Status `json:"status"`
	At       time.Time   `json:"at"`
}

// Handler processes one message payload. A returned error nacks the message.
type Handler func(ctx context.Context, payload []byte) error

// Bus is a publisher and subscriber of status events
type Bus struct {
	pubSub *gochannel.GoChannel
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            1000,
				BlockPublishUntilSubscriberAck: false,
			},
			watermill.NewSlogLogger(logger),
		),
	}
}

func (b *Bus) publish(ctx context.Context, topic string, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", kind, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(kindMetadataKey, kind)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publishing %s event: %w", kind, err)
	}
	return nil
}

func (b *Bus) PublishTask(ctx context.Context, e TaskStatusChanged) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return b.publish(ctx, TaskTopic, "task", e)
}

func (b *Bus) PublishJob(ctx context.Context, e JobStatusChanged) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return b.publish(ctx, JobTopic, "job", e)
}

// Subscribe calls handler for every message on topic until ctx is done or
// the bus is closed. Messages are acked on success and nacked on error.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range messages {
			if err := handler(msg.Context(), msg.Payload); err != nil {
				slog.WarnContext(ctx, "event handler failed", "topic", topic, "uuid", msg.UUID, "error", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}

// SubscribeTasks decodes task events for handler
func (b *Bus) SubscribeTasks(ctx context.Context, handler func(context.Context, TaskStatusChanged) error) error {
	return b.Subscribe(ctx, TaskTopic, func(ctx context.Context, payload []byte) error {
		var e TaskStatusChanged
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return handler(ctx, e)
	})
}

// SubscribeJobs decodes job events for handler
func (b *Bus) SubscribeJobs(ctx context.Context, handler func(context.Context, JobStatusChanged) error) error {
	return b.Subscribe(ctx, JobTopic, func(ctx context.Context, payload []byte) error {
		var e JobStatusChanged
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return handler(ctx, e)
	})
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}
