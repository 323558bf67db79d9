// Package archive mirrors broker events onto a Kafka topic so external
// consumers can replay task history without holding an SSE connection open.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
)

// DefaultTopic is the event archive topic when none is configured.
const DefaultTopic = "broker-events"

// Archiver subscribes to every bus channel and produces one Kafka record per
// event. Delivery is at-least-once; consumers dedupe on the event sequence.
type Archiver struct {
	client *kgo.Client
	bus    *eventbus.Bus
	topic  string
}

// New connects to the brokers and ensures the archive topic exists.
func New(brokers []string, topic string, bus *eventbus.Bus) (*Archiver, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=archive: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=archive: kafka client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("could not create archive topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	return &Archiver{client: client, bus: bus, topic: topic}, nil
}

// Run consumes bus events until ctx is cancelled. Produce errors are logged
// and dropped; the archive is an observer, never backpressure on dispatch.
func (a *Archiver) Run(ctx context.Context) {
	sub := a.bus.Subscribe("*")
	defer a.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			a.client.Close()
			return
		case ev := <-sub.C():
			record, err := newRecord(a.topic, ev)
			if err != nil {
				slog.Warn("could not encode archive event",
					slog.String("channel", ev.Channel), slog.Any("error", err))
				continue
			}
			a.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
				if err != nil {
					slog.Warn("archive produce failed",
						slog.String("channel", ev.Channel), slog.Any("error", err))
				}
			})
		}
	}
}

// newRecord encodes one event. The key is the event channel so per-channel
// ordering survives partitioning.
func newRecord(topic string, ev domain.Event) (*kgo.Record, error) {
	value, err := json.Marshal(map[string]any{
		"channel":   ev.Channel,
		"seq":       ev.Seq,
		"timestamp": ev.Timestamp,
		"payload":   ev.Payload,
	})
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.Channel),
		Value: value,
	}, nil
}

// createTopicIfNotExists issues a CreateTopics request and tolerates the
// topic-already-exists error code.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=archive: create topic request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=archive: unexpected response type %T", resp)
	}
	for _, t := range createResp.Topics {
		// Error code 36 is TOPIC_ALREADY_EXISTS.
		if t.ErrorCode != 0 && t.ErrorCode != 36 {
			return fmt.Errorf("op=archive: create topic %q: error code %d", t.Topic, t.ErrorCode)
		}
	}
	return nil
}
