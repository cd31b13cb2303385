package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/internal/kafka"
)

// DefaultTopic is where run transitions are published for external
// consumers (progress streaming, audit pipelines).
const DefaultTopic = "runs.events"

// Kafka publishes step events to a Kafka topic, keyed by run ID so each
// run's stream stays ordered within one partition.
type Kafka struct {
	producer kafka.Producer
	topic    string
}

// NewKafka creates a Kafka publisher. An empty topic selects DefaultTopic.
func NewKafka(producer kafka.Producer, topic string) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Publish(ctx context.Context, ev domain.StepEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal step event: %w", err)
	}
	return k.producer.Publish(ctx, k.topic, ev.RunID, payload)
}
