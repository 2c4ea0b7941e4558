// Package audit keeps the compliance trail of entity, sanctions and operator
// decisions.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nexus-trading/chainintel/internal/bus"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// Entry event types.
const (
	EventEntity        = "entity"
	EventSanctionsHit  = "sanctions_hit"
	EventWindowAborted = "window_aborted"
	EventControl       = "control"
)

// ActorPipeline marks entries recorded by the pipeline itself.
const ActorPipeline = "pipeline"

// Entry is a single audit trail entry.
type Entry struct {
	WindowID  string    `json:"window_id,omitempty"`
	EventType string    `json:"event_type"` // entity|sanctions_hit|window_aborted|control
	Timestamp time.Time `json:"ts"`
	Subject   string    `json:"subject"` // entity ID, address or job name
	Actor     string    `json:"actor"`
	Decision  string    `json:"decision,omitempty"`
	Payload   string    `json:"payload,omitempty"` // JSON of the full record
}

// Trail records decisions to a bounded in-memory buffer and, when a producer
// is set, to the audit topic.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	entries  []Entry
	maxBuf   int
	now      func() time.Time
}

// NewTrail creates a trail. Once maxBuf entries are buffered the oldest is
// discarded. A nil producer keeps the trail in memory only.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		producer: producer,
		entries:  make([]Entry, 0, maxBuf),
		maxBuf:   maxBuf,
		now:      time.Now,
	}
}

// RecordEntity logs an entity create or merge.
func (t *Trail) RecordEntity(windowID string, e model.Entity, action string) {
	t.record(Entry{
		WindowID:  windowID,
		EventType: EventEntity,
		Subject:   e.ID,
		Actor:     ActorPipeline,
		Decision:  action,
		Payload:   mustMarshal(e),
	})
}

// RecordSanctions logs a positive screening result. Clean results are not
// recorded.
func (t *Trail) RecordSanctions(windowID string, r model.SanctionsResult) {
	if !r.IsSanctioned {
		return
	}
	decision := "match"
	if r.Degraded {
		decision = "unverified"
	}
	t.record(Entry{
		WindowID:  windowID,
		EventType: EventSanctionsHit,
		Subject:   r.Address,
		Actor:     ActorPipeline,
		Decision:  decision,
		Payload:   mustMarshal(r),
	})
}

// RecordWindowAborted logs a window dropped by the pipeline.
func (t *Trail) RecordWindowAborted(windowID string, cause error) {
	t.record(Entry{
		WindowID:  windowID,
		EventType: EventWindowAborted,
		Subject:   windowID,
		Actor:     ActorPipeline,
		Decision:  cause.Error(),
	})
}

// RecordControl logs an operator action. A failed action is recorded with
// its error as the decision.
func (t *Trail) RecordControl(actor, action, target string, err error) {
	decision := "ok"
	if err != nil {
		decision = err.Error()
	}
	subject := action
	if target != "" {
		subject = action + ":" + target
	}
	t.record(Entry{
		EventType: EventControl,
		Subject:   subject,
		Actor:     actor,
		Decision:  decision,
	})
}

// Query returns the buffered entries of one window.
func (t *Trail) Query(windowID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.WindowID == windowID {
			result = append(result, e)
		}
	}
	return result
}

// Recent returns up to n of the newest entries, newest first.
func (t *Trail) Recent(n int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.entries) {
		n = len(t.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(t.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.entries[i])
	}
	return out
}

// Entries returns a copy of the buffer, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Trail) record(entry Entry) {
	t.mu.Lock()
	entry.Timestamp = t.now()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	// Publish outside the lock.
	if t.producer != nil {
		if err := t.producer.PublishJSON(context.Background(), bus.Topics.Audit(), entry.Subject, entry); err != nil {
			log.Error().Err(err).
				Str("event_type", entry.EventType).
				Str("subject", entry.Subject).
				Msg("audit: failed to publish entry")
		}
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: failed to marshal payload")
		return "{}"
	}
	return string(data)
}
