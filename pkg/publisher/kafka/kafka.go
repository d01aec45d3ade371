// Package kafka ships credential audit events to a Kafka topic. Messages are
// keyed by profile id, so every event for one profile lands on the same
// partition in the order it was emitted.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/authkeeper/pkg/publisher"
)

const (
	defaultPublishTimeout = 5 * time.Second

	// One event is written per credential operation; the writer default of
	// 1s would stall each of them waiting for a batch to fill.
	batchTimeout = 10 * time.Millisecond
)

var (
	errMissingBrokers = errors.New("kafka brokers are required")
	errMissingTopic   = errors.New("kafka topic is required")
	errNilEvent       = errors.New("event is required")
	errClosed         = errors.New("kafka publisher is closed")
)

// Message is the writer message type used by this publisher.
type Message = skafka.Message

// Config configures a Kafka publisher. It mirrors the [publisher.kafka]
// section of config.toml.
type Config struct {
	Brokers        []string
	Topic          string
	ClientID       string
	PublishTimeout time.Duration
}

// Validate reports every missing required field.
func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errMissingBrokers)
	}
	if c.Topic == "" {
		errs = append(errs, errMissingTopic)
	}
	return errors.Join(errs...)
}

func (c Config) newWriter() *skafka.Writer {
	w := &skafka.Writer{
		Addr:         skafka.TCP(c.Brokers...),
		Topic:        c.Topic,
		Balancer:     &skafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: skafka.RequireOne,
	}
	if c.ClientID != "" {
		w.Transport = &skafka.Transport{ClientID: c.ClientID}
	}
	return w
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...Message) error
	Close() error
}

// Publisher writes audit events to Kafka. Close is idempotent; publishing
// after Close fails.
type Publisher struct {
	w       writer
	timeout time.Duration

	mu       sync.RWMutex
	closed   bool
	closeErr error
}

var _ publisher.Publisher = (*Publisher)(nil)

// NewPublisher validates c and connects a writer for its topic.
func NewPublisher(c Config) (*Publisher, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return newPublisherWithWriter(c, c.newWriter())
}

func newPublisherWithWriter(c Config, w writer) (*Publisher, error) {
	if c.Topic == "" {
		return nil, errMissingTopic
	}
	if w == nil {
		return nil, errors.New("writer is required")
	}

	p := &Publisher{w: w, timeout: c.PublishTimeout}
	if p.timeout <= 0 {
		p.timeout = defaultPublishTimeout
	}
	return p, nil
}

// Publish writes event as one JSON message, bounded by the publish timeout.
func (p *Publisher) Publish(ctx context.Context, event *publisher.Event) error {
	msg, err := toMessage(event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing %s event for %s: %w", event.Type, event.Key(), err)
	}
	return nil
}

// Close flushes and closes the writer once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closeErr = p.w.Close()
	}
	return p.closeErr
}

func toMessage(event *publisher.Event) (Message, error) {
	if event == nil {
		return Message{}, errNilEvent
	}
	if event.Provider == "" {
		return Message{}, publisher.ErrEmptyProvider
	}

	value, err := json.Marshal(event)
	if err != nil {
		return Message{}, fmt.Errorf("encoding event: %w", err)
	}

	return Message{
		Key:   []byte(event.Key()),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []skafka.Header{
			{Key: "schema", Value: []byte(event.Schema)},
			{Key: "type", Value: []byte(event.Type)},
			{Key: "provider", Value: []byte(event.Provider)},
		},
	}, nil
}
