package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nexus-trading/chainintel/internal/model"
)

// Transfer aggregates all value sent from one address to another in a window.
type Transfer struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

// Window is the extracted view of one processing window.
type Window struct {
	ID               string
	Transactions     []model.Transaction // chain order
	Vectors          map[string]model.AddressFeatureVector
	Addresses        []string // sorted keys of Vectors
	BaselineGasPrice float64  // median gas price (gwei) across the window
	Start, End       time.Time

	transfers map[[2]string]*Transfer
	adj       map[string]map[string]struct{}
}

func newWindow(ordered []model.Transaction) *Window {
	w := &Window{
		Transactions: ordered,
		Vectors:      make(map[string]model.AddressFeatureVector),
		transfers:    make(map[[2]string]*Transfer),
		adj:          make(map[string]map[string]struct{}),
	}

	d := xxhash.New()
	gas := make([]float64, 0, len(ordered))
	for _, tx := range ordered {
		_, _ = d.WriteString(tx.Hash)

		if w.Start.IsZero() || tx.Timestamp.Before(w.Start) {
			w.Start = tx.Timestamp
		}
		if tx.Timestamp.After(w.End) {
			w.End = tx.Timestamp
		}
		if g := tx.GasPriceFloat(); g > 0 {
			gas = append(gas, g)
		}
		if tx.To == "" || tx.To == tx.From {
			continue
		}
		key := [2]string{tx.From, tx.To}
		t := w.transfers[key]
		if t == nil {
			t = &Transfer{From: tx.From, To: tx.To}
			w.transfers[key] = t
		}
		t.Count++
		t.Value += tx.ValueFloat()
		w.link(tx.From, tx.To)
		w.link(tx.To, tx.From)
	}

	var first uint64
	if len(ordered) > 0 {
		first = ordered[0].BlockNumber
	}
	w.ID = fmt.Sprintf("w-%d-%016x", first, d.Sum64())
	w.BaselineGasPrice = median(gas)
	return w
}

func (w *Window) link(a, b string) {
	m := w.adj[a]
	if m == nil {
		m = make(map[string]struct{})
		w.adj[a] = m
	}
	m[b] = struct{}{}
}

func (w *Window) finalize() {
	w.Addresses = sortedKeys(w.Vectors)
}

// HasEdge reports whether a and b transacted directly in either direction.
func (w *Window) HasEdge(a, b string) bool {
	_, ok := w.adj[a][b]
	return ok
}

// Neighbors returns the sorted direct counterparties of addr.
func (w *Window) Neighbors(addr string) []string {
	return sortedKeys(w.adj[addr])
}

// Transfers returns the directed transfer aggregates of the window.
func (w *Window) Transfers() []Transfer {
	out := make([]Transfer, 0, len(w.transfers))
	for _, t := range w.transfers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Vector returns the feature vector for addr.
func (w *Window) Vector(addr string) (model.AddressFeatureVector, bool) {
	v, ok := w.Vectors[addr]
	return v, ok
}
