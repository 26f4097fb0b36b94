// Package kafka publishes operational alerts to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// DefaultTopic is the alert topic used when Config.Topic is empty
const DefaultTopic = "paysync.alerts"

// Writer is the subset of *kafka.Writer the alerter uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Config holds Kafka alerter configuration
type Config struct {
	// Brokers lists the bootstrap brokers (required)
	Brokers []string

	// Topic receives alerts. Default: DefaultTopic
	Topic string

	// WriteTimeout bounds a single write. Default: 5s
	WriteTimeout time.Duration
}

// AlertMessage is the JSON value of an alert record
type AlertMessage struct {
	Kind           string            `json:"kind"`
	Severity       string            `json:"severity"`
	OrganizationID string            `json:"organization_id,omitempty"`
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Alerter implements paysync.Alerter on a Kafka writer. Records are keyed
// by organization so one tenant's alerts stay ordered within a partition.
type Alerter struct {
	writer Writer
}

var _ paysync.Alerter = (*Alerter)(nil)

// New creates an alerter writing to the configured brokers and topic
func New(config Config) (*Alerter, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", paysync.ErrInvalidConfig)
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	return NewWithWriter(&skafka.Writer{
		Addr:                   skafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &skafka.Hash{},
		RequiredAcks:           skafka.RequireOne,
		WriteTimeout:           config.WriteTimeout,
		AllowAutoTopicCreation: true,
	}), nil
}

// NewWithWriter allows injecting a custom writer
func NewWithWriter(w Writer) *Alerter {
	return &Alerter{writer: w}
}

// Alert implements paysync.Alerter
func (a *Alerter) Alert(ctx context.Context, alert paysync.Alert) error {
	createdAt := alert.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	value, err := json.Marshal(AlertMessage{
		Kind:           string(alert.Kind),
		Severity:       string(alert.Severity),
		OrganizationID: alert.OrganizationID,
		EventID:        alert.EventID,
		EventType:      alert.EventType,
		Message:        alert.Message,
		Metadata:       alert.Metadata,
		CreatedAt:      createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	key := alert.OrganizationID
	if key == "" {
		key = alert.EventID
	}

	msg := skafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  createdAt,
		Headers: []skafka.Header{
			{Key: "kind", Value: []byte(alert.Kind)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write %s alert: %w", alert.Kind, err)
	}
	return nil
}

// Close flushes and closes the writer
func (a *Alerter) Close() error {
	return a.writer.Close()
}
