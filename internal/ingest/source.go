// Package ingest supplies raw transaction windows to the pipeline.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
)

// ErrExhausted is returned by NextBatch once a finite source has nothing left.
var ErrExhausted = errors.New("ingest: source exhausted")

// ErrUnboundedWindow is returned by streaming sources for a WindowSpec with
// neither limit set.
var ErrUnboundedWindow = errors.New("ingest: window has no transaction or duration limit")

// Source yields raw transactions one window at a time.
type Source interface {
	// NextBatch blocks until the window closes, ctx is done, or the source
	// is exhausted. A window that closes on duration may be empty.
	NextBatch(ctx context.Context, spec model.WindowSpec) ([]model.RawTransaction, error)
	Close() error
}

// Stats reports source counters.
type Stats struct {
	Received      int64
	DecodeErrors  int64
	Batches       int64
	Reconnects    int64
	Connected     bool
	BufferDropped int64
}

// ---------------------------------------------------------------------------
// Slice source
// ---------------------------------------------------------------------------

// SliceSource replays an in-memory slice. Duration limits are ignored.
type SliceSource struct {
	mu   sync.Mutex
	txs  []model.RawTransaction
	next int
}

// NewSliceSource creates a source over txs.
func NewSliceSource(txs []model.RawTransaction) *SliceSource {
	return &SliceSource{txs: append([]model.RawTransaction(nil), txs...)}
}

// NextBatch returns up to MaxTransactions records, or everything left when
// MaxTransactions is zero.
func (s *SliceSource) NextBatch(ctx context.Context, spec model.WindowSpec) ([]model.RawTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.txs) {
		return nil, ErrExhausted
	}
	end := len(s.txs)
	if spec.MaxTransactions > 0 && s.next+spec.MaxTransactions < end {
		end = s.next + spec.MaxTransactions
	}
	out := append([]model.RawTransaction(nil), s.txs[s.next:end]...)
	s.next = end
	return out, nil
}

// NewFileSource loads a JSON file holding one transaction or an array of
// them and replays it.
func NewFileSource(path string) (*SliceSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	txs, err := decodeRecords(data)
	if err != nil {
		return nil, err
	}
	return NewSliceSource(txs), nil
}

// Remaining returns the number of records not yet returned.
func (s *SliceSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs) - s.next
}

func (s *SliceSource) Close() error { return nil }

// ---------------------------------------------------------------------------
// Channel source
// ---------------------------------------------------------------------------

// ChannelSource reads from a channel fed by the caller. Closing the channel
// exhausts the source.
type ChannelSource struct {
	ch      <-chan model.RawTransaction
	batches atomic.Int64
}

// NewChannelSource creates a source reading ch.
func NewChannelSource(ch <-chan model.RawTransaction) *ChannelSource {
	return &ChannelSource{ch: ch}
}

func (c *ChannelSource) NextBatch(ctx context.Context, spec model.WindowSpec) ([]model.RawTransaction, error) {
	out, err := collect(ctx, spec, c.ch)
	if err == nil {
		c.batches.Add(1)
	}
	return out, err
}

func (c *ChannelSource) Close() error { return nil }

// collect reads ch until the window closes. A closed channel ends the window
// early; if nothing was read it reports ErrExhausted.
func collect(ctx context.Context, spec model.WindowSpec, ch <-chan model.RawTransaction) ([]model.RawTransaction, error) {
	if !spec.Bounded() {
		return nil, ErrUnboundedWindow
	}
	var deadline <-chan time.Time
	if spec.MaxDuration > 0 {
		t := time.NewTimer(spec.MaxDuration)
		defer t.Stop()
		deadline = t.C
	}

	capHint := spec.MaxTransactions
	if capHint <= 0 || capHint > 4096 {
		capHint = 256
	}
	out := make([]model.RawTransaction, 0, capHint)
	for spec.MaxTransactions <= 0 || len(out) < spec.MaxTransactions {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return out, nil
		case tx, ok := <-ch:
			if !ok {
				if len(out) == 0 {
					return nil, ErrExhausted
				}
				return out, nil
			}
			out = append(out, tx)
		}
	}
	return out, nil
}

// decodeRecords accepts a single JSON object or an array of objects.
func decodeRecords(data []byte) ([]model.RawTransaction, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("ingest: empty payload")
	}
	if data[0] == '[' {
		var txs []model.RawTransaction
		if err := json.Unmarshal(data, &txs); err != nil {
			return nil, fmt.Errorf("ingest: decode batch: %w", err)
		}
		return txs, nil
	}
	var tx model.RawTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("ingest: decode record: %w", err)
	}
	return []model.RawTransaction{tx}, nil
}
