// Package sink delivers pipeline outputs to downstream consumers.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/chainintel/internal/bus"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// Entity actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Sink receives terminal pipeline outputs. Publishing is fire-and-forget:
// callers log errors and carry on.
type Sink interface {
	PublishSignal(ctx context.Context, s model.Signal) error
	PublishRiskScore(ctx context.Context, rs model.RiskScore) error
	PublishEntity(ctx context.Context, e model.Entity, action string) error
	Alert(ctx context.Context, severity, kind, message string, details map[string]string) error
}

type windowKey struct{}

// WithWindow tags ctx with the processing window ID carried on events.
func WithWindow(ctx context.Context, windowID string) context.Context {
	return context.WithValue(ctx, windowKey{}, windowID)
}

// WindowFrom returns the window ID set by WithWindow.
func WindowFrom(ctx context.Context) string {
	id, _ := ctx.Value(windowKey{}).(string)
	return id
}

// ---------------------------------------------------------------------------
// Kafka sink
// ---------------------------------------------------------------------------

// KafkaSink publishes JSON events through a bus.Producer. Signals, risk
// scores and entities go out asynchronously; alerts are acknowledged.
type KafkaSink struct {
	producer bus.Producer
	name     string

	published atomic.Int64
	failed    atomic.Int64
}

// NewKafkaSink creates a Kafka sink. name is the event producer name.
func NewKafkaSink(producer bus.Producer, name string) *KafkaSink {
	if name == "" {
		name = "chainintel"
	}
	return &KafkaSink{producer: producer, name: name}
}

func (k *KafkaSink) produce(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("sink: marshal %s: %w", topic, err)
	}
	if err := k.producer.Produce(ctx, bus.Message{Topic: topic, Key: key, Value: data}); err != nil {
		k.failed.Add(1)
		return fmt.Errorf("sink: produce %s: %w", topic, err)
	}
	k.published.Add(1)
	return nil
}

// PublishSignal publishes to intel.signals.<type>, keyed by signal ID.
func (k *KafkaSink) PublishSignal(ctx context.Context, s model.Signal) error {
	ev := bus.SignalEvent{BaseEvent: bus.NewBaseEvent(k.name, WindowFrom(ctx)), Signal: s}
	return k.produce(ctx, bus.Topics.Signals(s.Type.String()), s.ID, ev)
}

// PublishRiskScore publishes to intel.risk_scores, keyed by address.
func (k *KafkaSink) PublishRiskScore(ctx context.Context, rs model.RiskScore) error {
	ev := bus.RiskScoreEvent{BaseEvent: bus.NewBaseEvent(k.name, WindowFrom(ctx)), Score: rs}
	return k.produce(ctx, bus.Topics.RiskScores(), rs.Address, ev)
}

// PublishEntity publishes to intel.entities, keyed by entity ID.
func (k *KafkaSink) PublishEntity(ctx context.Context, e model.Entity, action string) error {
	ev := bus.EntityEvent{BaseEvent: bus.NewBaseEvent(k.name, WindowFrom(ctx)), Entity: e, Action: action}
	return k.produce(ctx, bus.Topics.Entities(), e.ID, ev)
}

// Alert publishes synchronously to the ops alert topic.
func (k *KafkaSink) Alert(ctx context.Context, severity, kind, message string, details map[string]string) error {
	ev := bus.Alert{
		BaseEvent: bus.NewBaseEvent(k.name, WindowFrom(ctx)),
		Severity:  severity,
		Kind:      kind,
		Message:   message,
		Details:   details,
	}
	if err := k.producer.PublishJSON(ctx, bus.Topics.Alerts(), kind, ev); err != nil {
		k.failed.Add(1)
		return fmt.Errorf("sink: alert: %w", err)
	}
	k.published.Add(1)
	return nil
}

// Heartbeat publishes a liveness event to the ops heartbeat topic.
func (k *KafkaSink) Heartbeat(ctx context.Context, status string, uptime time.Duration, metrics map[string]float64) error {
	ev := bus.Heartbeat{
		BaseEvent: bus.NewBaseEvent(k.name, ""),
		Component: k.name,
		Status:    status,
		Uptime:    uptime,
		Metrics:   metrics,
	}
	return k.produce(ctx, bus.Topics.Heartbeat(), k.name, ev)
}

// Stats returns (published, failed).
func (k *KafkaSink) Stats() (int64, int64) { return k.published.Load(), k.failed.Load() }

// ---------------------------------------------------------------------------
// Log sink
// ---------------------------------------------------------------------------

// LogSink writes every output as a structured log line.
type LogSink struct{}

// PublishSignal logs s.
func (LogSink) PublishSignal(ctx context.Context, s model.Signal) error {
	log.Info().Str("window", WindowFrom(ctx)).Str("signal_id", s.ID).Str("type", s.Type.String()).
		Float64("confidence", s.Confidence).Float64("value", s.EstimatedValue).
		Str("actor", s.Actor).Str("entity_id", s.EntityID).Strs("tx_hashes", s.TxHashes).
		Msg("sink: signal")
	return nil
}

// PublishRiskScore logs rs.
func (LogSink) PublishRiskScore(ctx context.Context, rs model.RiskScore) error {
	ev := log.Debug()
	if rs.Score >= 0.8 {
		ev = log.Info()
	}
	ev.Str("window", WindowFrom(ctx)).Str("address", rs.Address).Float64("score", rs.Score).
		Bool("degraded", rs.Degraded).Str("model", rs.ModelVersion).Msg("sink: risk score")
	return nil
}

// PublishEntity logs e.
func (LogSink) PublishEntity(ctx context.Context, e model.Entity, action string) error {
	log.Info().Str("window", WindowFrom(ctx)).Str("entity_id", e.ID).Str("action", action).
		Str("type", e.Type.String()).Float64("confidence", e.Confidence).Int("members", len(e.Members)).
		Uint64("version", e.Version).Msg("sink: entity")
	return nil
}

// Alert logs at error level for critical alerts, warn otherwise.
func (LogSink) Alert(ctx context.Context, severity, kind, message string, details map[string]string) error {
	ev := log.Warn()
	if severity == SeverityCritical {
		ev = log.Error()
	}
	d := ev.Str("window", WindowFrom(ctx)).Str("severity", severity).Str("kind", kind)
	for k, v := range details {
		d = d.Str(k, v)
	}
	d.Msg("sink: ALERT " + message)
	return nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// FanOut delivers to every sink and joins their errors.
type FanOut []Sink

// PublishSignal delivers s to every sink.
func (f FanOut) PublishSignal(ctx context.Context, s model.Signal) error {
	var errs []error
	for _, sk := range f {
		errs = append(errs, sk.PublishSignal(ctx, s))
	}
	return errors.Join(errs...)
}

// PublishRiskScore delivers rs to every sink.
func (f FanOut) PublishRiskScore(ctx context.Context, rs model.RiskScore) error {
	var errs []error
	for _, sk := range f {
		errs = append(errs, sk.PublishRiskScore(ctx, rs))
	}
	return errors.Join(errs...)
}

// PublishEntity delivers e to every sink.
func (f FanOut) PublishEntity(ctx context.Context, e model.Entity, action string) error {
	var errs []error
	for _, sk := range f {
		errs = append(errs, sk.PublishEntity(ctx, e, action))
	}
	return errors.Join(errs...)
}

// Alert delivers the alert to every sink.
func (f FanOut) Alert(ctx context.Context, severity, kind, message string, details map[string]string) error {
	var errs []error
	for _, sk := range f {
		errs = append(errs, sk.Alert(ctx, severity, kind, message, details))
	}
	return errors.Join(errs...)
}
