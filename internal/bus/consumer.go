package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Consumer reads messages from Kafka/RedPanda topics.
type Consumer interface {
	// Poll returns up to maxRecords buffered or newly fetched messages. It blocks
	// until at least one message arrives or ctx is done.
	Poll(ctx context.Context, maxRecords int) ([]Message, error)
	// Close shuts down the consumer and commits final offsets.
	Close()
}

// KafkaConsumer is a Kafka consumer backed by franz-go with consumer group
// support, automatic offset commits and cooperative rebalancing.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string
	mu      sync.Mutex
	closed  bool
}

// NewConsumer creates a consumer subscribed to topics. New groups start at
// the earliest available offset.
func NewConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("bus: at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create kafka consumer: %w", err)
	}

	log.Info().Strs("brokers", brokers).Str("group_id", groupID).Strs("topics", topics).
		Msg("bus: kafka consumer created")

	return &KafkaConsumer{client: client, groupID: groupID, topics: topics}, nil
}

func (c *KafkaConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Poll fetches up to maxRecords messages.
func (c *KafkaConsumer) Poll(ctx context.Context, maxRecords int) ([]Message, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("bus: consumer is closed")
	}
	fetches := c.client.PollRecords(ctx, maxRecords)
	defer c.client.AllowRebalance()
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("bus: consumer is closed")
	}
	if err := ctx.Err(); err != nil && fetches.NumRecords() == 0 {
		return nil, err
	}
	logFetchErrors(fetches)

	out := make([]Message, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, recordToMessage(r))
	})
	return out, nil
}

func logFetchErrors(fetches kgo.Fetches) {
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		log.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).
			Msg("bus: fetch error")
	}
}

// Close shuts down the consumer, committing final offsets.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("bus: kafka consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// TopicNaming provides canonical topic names.
// Pattern: <domain>.<category>.<variant>
type TopicNaming struct{}

func (TopicNaming) RawTransactions(chain string) string { return fmt.Sprintf("chain.raw_tx.%s", chain) }
func (TopicNaming) Signals(typ string) string           { return fmt.Sprintf("intel.signals.%s", typ) }
func (TopicNaming) RiskScores() string                  { return "intel.risk_scores" }
func (TopicNaming) Entities() string                    { return "intel.entities" }
func (TopicNaming) Alerts() string                      { return "ops.alerts.chainintel" }
func (TopicNaming) Heartbeat() string                   { return "ops.heartbeat.chainintel" }
func (TopicNaming) Audit() string                       { return "audit.chainintel" }

// Topics is the global topic naming instance.
var Topics = TopicNaming{}

// TopicRetention maps topic patterns to their retention in hours.
var TopicRetention = map[string]int{
	"chain.raw_tx.*":           72,
	"intel.signals.*":          2160,
	"intel.risk_scores":        720,
	"intel.entities":           8760,
	"ops.alerts.chainintel":    720,
	"ops.heartbeat.chainintel": 24,
	"audit.chainintel":         8760,
}
