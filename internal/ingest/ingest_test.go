package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/chainintel/internal/bus"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawTx(i int) model.RawTransaction {
	return model.RawTransaction{
		Chain:       "ethereum",
		Hash:        fmt.Sprintf("0x%064x", i),
		BlockNumber: 100 + uint64(i),
		Timestamp:   1700000000 + int64(i),
		From:        fmt.Sprintf("0x%040x", i+1),
		To:          fmt.Sprintf("0x%040x", i+2),
		Value:       "1000000000000000000",
	}
}

func rawTxs(n int) []model.RawTransaction {
	out := make([]model.RawTransaction, n)
	for i := range out {
		out[i] = rawTx(i)
	}
	return out
}

func TestSliceSource(t *testing.T) {
	s := NewSliceSource(rawTxs(5))
	ctx := context.Background()

	b, err := s.NextBatch(ctx, model.WindowSpec{MaxTransactions: 2})
	require.NoError(t, err)
	assert.Len(t, b, 2)
	assert.Equal(t, rawTx(0).Hash, b[0].Hash)
	assert.Equal(t, 3, s.Remaining())

	b, err = s.NextBatch(ctx, model.WindowSpec{})
	require.NoError(t, err)
	assert.Len(t, b, 3)

	_, err = s.NextBatch(ctx, model.WindowSpec{MaxTransactions: 2})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestFileSource(t *testing.T) {
	data, err := json.Marshal(rawTxs(3))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "txs.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := NewFileSource(path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Remaining())

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err = NewFileSource(path)
	assert.Error(t, err)
}

func TestSliceSource_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSliceSource(rawTxs(1)).NextBatch(ctx, model.WindowSpec{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannelSource_CountLimit(t *testing.T) {
	ch := make(chan model.RawTransaction, 10)
	for _, tx := range rawTxs(5) {
		ch <- tx
	}
	s := NewChannelSource(ch)

	b, err := s.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 3, MaxDuration: time.Hour})
	require.NoError(t, err)
	assert.Len(t, b, 3)
}

func TestChannelSource_DurationLimit(t *testing.T) {
	ch := make(chan model.RawTransaction, 10)
	ch <- rawTx(1)
	s := NewChannelSource(ch)

	start := time.Now()
	b, err := s.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 100, MaxDuration: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Len(t, b, 1)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	b, err = s.NextBatch(context.Background(), model.WindowSpec{MaxDuration: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestChannelSource_Closed(t *testing.T) {
	ch := make(chan model.RawTransaction, 2)
	ch <- rawTx(1)
	close(ch)
	s := NewChannelSource(ch)

	b, err := s.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 10})
	require.NoError(t, err)
	assert.Len(t, b, 1)

	_, err = s.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 10})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestChannelSource_Unbounded(t *testing.T) {
	_, err := NewChannelSource(make(chan model.RawTransaction)).NextBatch(context.Background(), model.WindowSpec{})
	assert.ErrorIs(t, err, ErrUnboundedWindow)
}

func TestChannelSource_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewChannelSource(make(chan model.RawTransaction)).NextBatch(ctx, model.WindowSpec{MaxTransactions: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeRecords(t *testing.T) {
	one, err := json.Marshal(rawTx(1))
	require.NoError(t, err)
	many, err := json.Marshal(rawTxs(3))
	require.NoError(t, err)

	txs, err := decodeRecords(one)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	txs, err = decodeRecords(append([]byte("  \n"), many...))
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	_, err = decodeRecords([]byte("{not json"))
	assert.Error(t, err)
	_, err = decodeRecords(nil)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

type fakeConsumer struct {
	mu     sync.Mutex
	queue  []bus.Message
	closed bool
}

func (f *fakeConsumer) Poll(ctx context.Context, maxRecords int) ([]bus.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		n := min(maxRecords, len(f.queue))
		out := f.queue[:n]
		f.queue = f.queue[n:]
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConsumer) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func message(t *testing.T, v any) bus.Message {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bus.Message{Topic: "chain.raw_tx.ethereum", Value: data}
}

func TestKafkaSource_CountWindow(t *testing.T) {
	fc := &fakeConsumer{}
	for i := 0; i < 6; i++ {
		fc.queue = append(fc.queue, message(t, rawTx(i)))
	}
	k := NewKafkaSourceFrom(fc)
	k.pollSize = 2

	b, err := k.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 5})
	require.NoError(t, err)
	assert.Len(t, b, 5)
	assert.Len(t, fc.queue, 1)
	assert.Equal(t, int64(5), k.Stats().Received)
}

func TestKafkaSource_DurationWindowAndBadRecords(t *testing.T) {
	fc := &fakeConsumer{queue: []bus.Message{
		message(t, rawTxs(3)),
		{Topic: "chain.raw_tx.ethereum", Value: []byte("garbage")},
		message(t, rawTx(9)),
	}}
	k := NewKafkaSourceFrom(fc)

	b, err := k.NextBatch(context.Background(), model.WindowSpec{MaxDuration: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Len(t, b, 4)
	assert.Equal(t, int64(1), k.Stats().DecodeErrors)
}

func TestKafkaSource_Cancelled(t *testing.T) {
	k := NewKafkaSourceFrom(&fakeConsumer{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.NextBatch(ctx, model.WindowSpec{MaxTransactions: 10})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestKafkaSource_Close(t *testing.T) {
	fc := &fakeConsumer{}
	require.NoError(t, NewKafkaSourceFrom(fc).Close())
	assert.True(t, fc.closed)
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func wsServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestWebSocketSource_ReceivesAndSubscribes(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := wsServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		batch, _ := json.Marshal(rawTxs(3))
		_ = conn.WriteMessage(websocket.TextMessage, batch)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("nope"))
		one, _ := json.Marshal(rawTx(7))
		_ = conn.WriteMessage(websocket.TextMessage, one)
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := NewWebSocketSource(WSConfig{Endpoint: wsURL(srv), Subscribe: `{"op":"subscribe","channel":"txs"}`})
	defer s.Close()

	b, err := s.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 4, MaxDuration: 5 * time.Second})
	require.NoError(t, err)
	assert.Len(t, b, 4)
	assert.Equal(t, rawTx(7).Hash, b[3].Hash)
	assert.Equal(t, `{"op":"subscribe","channel":"txs"}`, <-subscribed)

	st := s.Stats()
	assert.Equal(t, int64(1), st.DecodeErrors)
	assert.True(t, st.Connected)
}

func TestWebSocketSource_Reconnects(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := wsServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		one, _ := json.Marshal(rawTx(n))
		_ = conn.WriteMessage(websocket.TextMessage, one)
		// Drop the connection right away.
	})

	s := NewWebSocketSource(WSConfig{Endpoint: wsURL(srv), ReconnectDelay: 10 * time.Millisecond})
	defer s.Close()

	b, err := s.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 3, MaxDuration: 5 * time.Second})
	require.NoError(t, err)
	assert.Len(t, b, 3)
	mu.Lock()
	assert.GreaterOrEqual(t, conns, 3)
	mu.Unlock()
}

func TestWebSocketSource_DialFailureBacksOff(t *testing.T) {
	s := NewWebSocketSource(WSConfig{Endpoint: "ws://127.0.0.1:1", ReconnectDelay: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})

	b, err := s.NextBatch(context.Background(), model.WindowSpec{MaxDuration: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.GreaterOrEqual(t, s.Stats().Reconnects, int64(2))
	assert.False(t, s.Stats().Connected)

	require.NoError(t, s.Close())
	_, err = s.NextBatch(context.Background(), model.WindowSpec{MaxTransactions: 1})
	assert.ErrorIs(t, err, ErrExhausted)
}
