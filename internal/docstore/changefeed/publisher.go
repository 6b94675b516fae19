// Package changefeed publishes document change events to Kafka so other
// systems can follow writes without watching every document. Publishing is
// best-effort: a failed produce is logged by the caller, never surfaced to
// the writer.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"docsync/internal/transport"
)

// Op is the kind of change an event describes.
type Op string

const (
	OpWrite  Op = "write"
	OpDelete Op = "delete"
)

// ChangeEvent is the record value, JSON-encoded. Doc is absent for deletes.
type ChangeEvent struct {
	ID         string                `json:"id"`
	Collection string                `json:"collection"`
	DocID      string                `json:"docId"`
	Op         Op                    `json:"op"`
	Doc        transport.RawDocument `json:"doc,omitempty"`
	At         time.Time             `json:"at"`
}

// Publisher produces change events to a single topic, keyed by
// collection/docId so per-document ordering survives partitioning.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// New connects to the brokers and returns a ready publisher.
func New(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("changefeed: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("changefeed: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("changefeed: connect: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish produces one change event synchronously.
func (p *Publisher) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("changefeed: encode event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.Collection + "/" + ev.DocID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("changefeed: produce: %w", err)
	}
	return nil
}

// Close flushes and releases the underlying client.
func (p *Publisher) Close() {
	p.client.Close()
}

// EnsureTopic creates the topic if it does not exist yet. Safe to call on
// every startup.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int32) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("changefeed: connect: %w", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, partitions, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("changefeed: create topic: %w", err)
	}
	// kadm reports per-topic errors in the response.
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("changefeed: create topic %q: %w", topic, resp.Err)
	}
	return nil
}
