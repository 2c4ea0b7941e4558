package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/chainintel/internal/model"
)

// SchemaVersion is stamped on every published event.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	CorrelationID string    `json:"correlation_id,omitempty"` // processing window
}

// NewBaseEvent creates a new BaseEvent with a generated ID.
func NewBaseEvent(producer, windowID string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		CorrelationID: windowID,
	}
}

// --- Intelligence events ---

// SignalEvent carries one detected signal.
type SignalEvent struct {
	BaseEvent
	Signal model.Signal `json:"signal"`
}

// RiskScoreEvent carries the current risk score of one address.
type RiskScoreEvent struct {
	BaseEvent
	Score model.RiskScore `json:"risk_score"`
}

// EntityEvent carries an entity after a create or merge.
type EntityEvent struct {
	BaseEvent
	Entity model.Entity `json:"entity"`
	Action string       `json:"action"` // created|updated
}

// --- Ops events ---

// Alert reports a condition an operator must look at.
type Alert struct {
	BaseEvent
	Severity string            `json:"severity"` // warning|critical
	Kind     string            `json:"kind"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

// Heartbeat is published periodically by the pipeline.
type Heartbeat struct {
	BaseEvent
	Component string             `json:"component"`
	Status    string             `json:"status"` // healthy|degraded|unhealthy
	Uptime    time.Duration      `json:"uptime_seconds"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}
