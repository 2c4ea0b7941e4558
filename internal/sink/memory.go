package sink

import (
	"context"
	"sync"

	"github.com/nexus-trading/chainintel/internal/model"
)

// AlertRecord is an alert captured by MemorySink.
type AlertRecord struct {
	WindowID string
	Severity string
	Kind     string
	Message  string
	Details  map[string]string
}

// MemorySink records everything it receives. Used as the test sink.
type MemorySink struct {
	mu       sync.Mutex
	signals  []model.Signal
	scores   []model.RiskScore
	entities []model.Entity
	alerts   []AlertRecord
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) PublishSignal(_ context.Context, s model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, s)
	return nil
}

func (m *MemorySink) PublishRiskScore(_ context.Context, rs model.RiskScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, rs)
	return nil
}

func (m *MemorySink) PublishEntity(_ context.Context, e model.Entity, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = append(m.entities, e.Clone())
	return nil
}

func (m *MemorySink) Alert(ctx context.Context, severity, kind, message string, details map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, AlertRecord{
		WindowID: WindowFrom(ctx),
		Severity: severity,
		Kind:     kind,
		Message:  message,
		Details:  details,
	})
	return nil
}

// Signals returns the recorded signals.
func (m *MemorySink) Signals() []model.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Signal(nil), m.signals...)
}

// RiskScores returns the recorded risk scores.
func (m *MemorySink) RiskScores() []model.RiskScore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RiskScore(nil), m.scores...)
}

// Entities returns the recorded entities.
func (m *MemorySink) Entities() []model.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Entity(nil), m.entities...)
}

// Alerts returns the recorded alerts.
func (m *MemorySink) Alerts() []AlertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AlertRecord(nil), m.alerts...)
}
