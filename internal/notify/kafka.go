package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one record to publish.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Publisher sends messages to a broker. KafkaPublisher is the real one;
// StubPublisher buffers in memory for tests and for runs without a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close()
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	ClientID    string        `yaml:"client_id"`
	Linger      time.Duration `yaml:"linger"`
	MaxBuffered int           `yaml:"max_buffered"`
}

// KafkaPublisher is a franz-go producer.
type KafkaPublisher struct {
	client         *kgo.Client
	defaultHeaders map[string]string
	mu             sync.RWMutex
	closed         bool
}

// NewKafkaPublisher creates a producer that waits for all ISR acknowledgements.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("notify: kafka brokers required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "autotrader"
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 5 * time.Millisecond
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 1000
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: create kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("client_id", cfg.ClientID).
		Msg("notify: kafka producer created")

	return &KafkaPublisher{
		client:         client,
		defaultHeaders: map[string]string{"producer": cfg.ClientID},
	}, nil
}

// toRecord converts a Message to a kgo.Record, injecting default headers.
func (p *KafkaPublisher) toRecord(msg Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+len(p.defaultHeaders))
	for k, v := range p.defaultHeaders {
		if _, ok := msg.Headers[k]; !ok {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

// Publish sends synchronously, waiting for broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("notify: producer is closed")
	}
	p.mu.RUnlock()

	results := p.client.ProduceSync(ctx, p.toRecord(msg))
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", msg.Topic, err)
	}

	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("notify: message published")
	return nil
}

// Close flushes pending records and shuts down the producer.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("notify: kafka flush failed")
	}
	p.client.Close()
	log.Info().Msg("notify: kafka producer closed")
}

// --- Stub publisher ---

// StubPublisher buffers messages in memory.
type StubPublisher struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func NewStubPublisher() *StubPublisher {
	return &StubPublisher{}
}

func (p *StubPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *StubPublisher) Close() {}

// Messages returns a copy of everything published.
func (p *StubPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// ---------------------------------------------------------------------------
// Kafka notifier
// ---------------------------------------------------------------------------

// Kafka publishes trade events as JSON keyed by token, so one token's events
// stay ordered on a single partition.
type Kafka struct {
	pub   Publisher
	topic string
}

// NewKafka creates the notifier. topic defaults to "trades.events".
func NewKafka(pub Publisher, topic string) *Kafka {
	if topic == "" {
		topic = "trades.events"
	}
	return &Kafka{pub: pub, topic: topic}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	return k.pub.Publish(ctx, Message{
		Topic: k.topic,
		Key:   ev.Token,
		Value: data,
		Headers: map[string]string{
			"event_id":   ev.ID,
			"event_type": string(ev.Type),
		},
		Timestamp: ev.Time,
	})
}
