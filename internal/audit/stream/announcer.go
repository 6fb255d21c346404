// Package stream mirrors committed audit events onto a Kafka topic for
// downstream SIEM consumers. The mirror is an egress feed only: the
// audit log stays the source of truth, and delivery failures are logged,
// never allowed to block or fail a commit.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"chronicle/internal/audit"
)

// DefaultTopic receives mirrored events unless configured otherwise.
const DefaultTopic = "chronicle.audit.events"

// Announcer publishes committed events to Kafka.
type Announcer struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New connects to the brokers and ensures the topic exists. Topic
// creation conflicts are fine: another replica won the race.
func New(ctx context.Context, brokers []string, topic string, logger *slog.Logger) (*Announcer, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, 1, 1, nil, topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("ensure topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("ensure topic %s: %w", topic, resp.Err)
	}

	return &Announcer{
		client: client,
		topic:  topic,
		logger: logger.With("component", "stream_announcer"),
	}, nil
}

// Announce publishes a batch asynchronously, keyed by event id so
// replays stay per-event ordered within a partition.
func (a *Announcer) Announce(ctx context.Context, evs []*audit.Event) {
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			a.logger.Error("marshal event for stream", "event", ev.ID, "error", err)
			continue
		}
		record := &kgo.Record{
			Key:   []byte(ev.ID),
			Value: payload,
			Topic: a.topic,
		}
		a.client.Produce(ctx, record, func(r *kgo.Record, err error) {
			if err != nil {
				a.logger.Warn("stream publish failed",
					"event", string(r.Key),
					"error", err,
				)
			}
		})
	}
}

// Close flushes in-flight records and releases the client.
func (a *Announcer) Close(ctx context.Context) error {
	if err := a.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush stream: %w", err)
	}
	a.client.Close()
	return nil
}
