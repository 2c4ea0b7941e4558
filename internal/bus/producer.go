package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents a message to be published to or consumed from Kafka.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes messages to Kafka/RedPanda.
type Producer interface {
	// Publish sends a Message synchronously, waiting for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value as JSON and publishes synchronously.
	PublishJSON(ctx context.Context, topic, key string, value interface{}) error
	// Produce sends a record asynchronously. Delivery errors are logged.
	Produce(ctx context.Context, msg Message) error
	// Flush waits for all buffered records to be delivered. Returns 0 on success.
	Flush(timeout time.Duration) int
	// Close flushes pending records and shuts down the producer.
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID         string
	maxBufferedRecords int
	linger             time.Duration
	batchMaxBytes      int32
}

// WithInstanceID sets the producer instance identifier used as ClientID and in message headers.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithMaxBufferedRecords sets the maximum number of records buffered before blocking.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBufferedRecords = n }
}

// WithLinger sets the time to wait for batching before sending.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// KafkaProducer is a Kafka producer backed by franz-go.
type KafkaProducer struct {
	client         *kgo.Client
	defaultHeaders map[string]string
	mu             sync.RWMutex
	closed         bool

	delivered atomic.Int64
	failed    atomic.Int64
}

// ProducerStats counts acknowledged and failed records.
type ProducerStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Stats returns delivery counters since creation.
func (p *KafkaProducer) Stats() ProducerStats {
	return ProducerStats{Delivered: p.delivered.Load(), Failed: p.failed.Load()}
}

// NewProducer creates a Kafka producer. Records are Snappy-compressed and
// acknowledged by all in-sync replicas.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{
		instanceID:         "chainintel",
		maxBufferedRecords: 10000,
		linger:             5 * time.Millisecond,
		batchMaxBytes:      1024 * 1024,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBufferedRecords),
		kgo.ProducerBatchMaxBytes(cfg.batchMaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create kafka producer: %w", err)
	}

	log.Info().Strs("brokers", brokers).Str("instance_id", cfg.instanceID).
		Msg("bus: kafka producer created")

	return &KafkaProducer{
		client: client,
		defaultHeaders: map[string]string{
			"producer":       cfg.instanceID,
			"schema_version": SchemaVersion,
		},
	}, nil
}

func (p *KafkaProducer) toRecord(msg Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+len(p.defaultHeaders)+1)
	for k, v := range p.defaultHeaders {
		if _, ok := msg.Headers[k]; !ok {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if _, ok := msg.Headers["event_id"]; !ok {
		headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.New().String())})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{Topic: msg.Topic, Key: []byte(msg.Key), Value: msg.Value, Headers: headers, Timestamp: ts}
}

func (p *KafkaProducer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Publish sends msg and waits for the broker acknowledgement.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if p.isClosed() {
		return fmt.Errorf("bus: producer is closed")
	}
	results := p.client.ProduceSync(ctx, p.toRecord(msg))
	if err := results.FirstErr(); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).Str("topic", msg.Topic).Str("key", msg.Key).Msg("bus: publish failed")
		return fmt.Errorf("bus: publish to %s: %w", msg.Topic, err)
	}
	p.delivered.Add(1)
	r := results[0].Record
	log.Debug().Str("topic", r.Topic).Int32("partition", r.Partition).Int64("offset", r.Offset).
		Msg("bus: message published")
	return nil
}

// PublishJSON marshals value as JSON and publishes synchronously.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bus: marshal json: %w", err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

// Produce sends msg asynchronously. Delivery errors are logged, not returned.
func (p *KafkaProducer) Produce(ctx context.Context, msg Message) error {
	if p.isClosed() {
		return fmt.Errorf("bus: producer is closed")
	}
	p.client.Produce(ctx, p.toRecord(msg), func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			log.Error().Err(err).Str("topic", r.Topic).Msg("bus: async produce failed")
			return
		}
		p.delivered.Add(1)
	})
	return nil
}

// Flush waits for all buffered records to be delivered. Returns 0 on success, 1 on error.
func (p *KafkaProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("bus: flush failed")
		return 1
	}
	return 0
}

// Close flushes pending records and shuts down the producer.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.client.Close()
	log.Info().Msg("bus: kafka producer closed")
}

// --- Stub producer for development/testing ---

// StubProducer implements Producer by buffering messages in memory.
// Used when Kafka is not configured and in unit tests.
type StubProducer struct {
	mu       sync.Mutex
	messages []Message
	failWith error
}

// NewStubProducer creates a new in-memory stub producer.
func NewStubProducer() *StubProducer {
	return &StubProducer{messages: make([]Message, 0, 1024)}
}

// FailWith makes every subsequent call return err; nil restores success.
func (p *StubProducer) FailWith(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *StubProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

func (p *StubProducer) Produce(ctx context.Context, msg Message) error {
	return p.Publish(ctx, msg)
}

func (p *StubProducer) Flush(_ time.Duration) int { return 0 }

func (p *StubProducer) Close() {}

// Messages returns a copy of the captured messages.
func (p *StubProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Topic returns the captured messages published to topic.
func (p *StubProducer) Topic(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
