package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/models"
)

// Topic carries every job lifecycle event of the process.
const Topic = "pipeline.jobs"

const metaType = "event_type"

// Type distinguishes the payloads sharing Topic.
type Type string

const (
	TypeJobTransitioned Type = "job_transitioned"
	TypeBatchSettled    Type = "batch_settled"
)

// JobTransitioned is emitted once per status change of a tracked job.
type JobTransitioned struct {
	BatchID string           `json:"batch_id"`
	From    models.JobStatus `json:"from"`
	Record  models.JobRecord `json:"record"`
	At      time.Time        `json:"at"`
}

// BatchSettled is emitted exactly once when every job of a batch is terminal.
type BatchSettled struct {
	BatchID string             `json:"batch_id"`
	Records []models.JobRecord `json:"records"`
	At      time.Time          `json:"at"`
}

// Handlers receives decoded events. Nil callbacks skip that type.
type Handlers struct {
	OnTransition func(JobTransitioned)
	OnSettled    func(BatchSettled)
}

// Bus is an in-process pub/sub for job events. Publish blocks until every
// subscriber acked, so subscribers observe a job's events in emission order.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, newZapAdapter(logger)),
		logger: logger,
	}
}

// JobTransitioned publishes a status change.
func (b *Bus) JobTransitioned(ev JobTransitioned) error {
	return b.publish(TypeJobTransitioned, ev)
}

// BatchSettled publishes a batch settlement.
func (b *Bus) BatchSettled(ev BatchSettled) error {
	return b.publish(TypeBatchSettled, ev)
}

func (b *Bus) publish(typ Type, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	msg := message.NewMessage(uuid.NewString(), raw)
	msg.Metadata.Set(metaType, string(typ))
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	return nil
}

// Subscribe delivers events to h until ctx is cancelled. Every message is
// acked after its handler returns; the returned channel closes once the
// delivery goroutine exited.
func (b *Bus) Subscribe(ctx context.Context, name string, h Handlers) (<-chan struct{}, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	logger := b.logger.With(zap.String("subscriber", name))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			dispatch(logger, msg, h)
			msg.Ack()
		}
	}()
	return done, nil
}

func dispatch(logger *zap.Logger, msg *message.Message, h Handlers) {
	switch Type(msg.Metadata.Get(metaType)) {
	case TypeJobTransitioned:
		if h.OnTransition == nil {
			return
		}
		var ev JobTransitioned
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logger.Error("decode job transition", zap.String("message_id", msg.UUID), zap.Error(err))
			return
		}
		h.OnTransition(ev)
	case TypeBatchSettled:
		if h.OnSettled == nil {
			return
		}
		var ev BatchSettled
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logger.Error("decode batch settled", zap.String("message_id", msg.UUID), zap.Error(err))
			return
		}
		h.OnSettled(ev)
	default:
		logger.Warn("unknown event type", zap.String("message_id", msg.UUID))
	}
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
