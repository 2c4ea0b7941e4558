package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// WSConfig configures the websocket transaction feed.
type WSConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	Headers        map[string]string `yaml:"headers"`
	Subscribe      string            `yaml:"subscribe"` // sent verbatim after every connect
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	MaxBackoff     time.Duration     `yaml:"max_backoff"`
	PingInterval   time.Duration     `yaml:"ping_interval"`
	ReadTimeout    time.Duration     `yaml:"read_timeout"`
	BufferSize     int               `yaml:"buffer_size"`
}

// DefaultWSConfig returns feed defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay: time.Second,
		MaxBackoff:     30 * time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		BufferSize:     10000,
	}
}

// WebSocketSource reads JSON transactions pushed by a websocket feed. The
// connection is kept open across windows and re-dialed with exponential
// backoff when it drops. Records that arrive while the buffer is full are
// dropped and counted.
type WebSocketSource struct {
	config WSConfig
	dialer websocket.Dialer

	buf chan model.RawTransaction

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	received     atomic.Int64
	decodeErrors atomic.Int64
	dropped      atomic.Int64
	batches      atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewWebSocketSource creates a feed source. The connection is opened on the
// first NextBatch or Start.
func NewWebSocketSource(cfg WSConfig) *WebSocketSource {
	def := DefaultWSConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &WebSocketSource{
		config: cfg,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		buf:    make(chan model.RawTransaction, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop. It is safe to call more than once.
func (w *WebSocketSource) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w.cancel = cancel
		go w.run(runCtx)
	})
}

// NextBatch collects buffered records until the window closes.
func (w *WebSocketSource) NextBatch(ctx context.Context, spec model.WindowSpec) ([]model.RawTransaction, error) {
	w.Start(ctx)
	out, err := collect(ctx, spec, w.buf)
	if err == nil {
		w.batches.Add(1)
	}
	return out, err
}

func (w *WebSocketSource) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.buf)

	delay := w.config.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := w.connect(ctx)
		if err != nil {
			w.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("ingest: websocket connect failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, w.config.MaxBackoff)
			continue
		}
		delay = w.config.ReconnectDelay

		w.readLoop(ctx, conn)
		w.disconnect()
	}
}

func (w *WebSocketSource) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range w.config.Headers {
		header.Set(k, v)
	}
	conn, _, err := w.dialer.DialContext(ctx, w.config.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("ingest: dial %s: %w", w.config.Endpoint, err)
	}
	if w.config.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(w.config.Subscribe)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ingest: subscribe: %w", err)
		}
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connected.Store(true)
	log.Info().Str("endpoint", w.config.Endpoint).Msg("ingest: websocket connected")
	return conn, nil
}

func (w *WebSocketSource) disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected.Store(false)
}

// readLoop runs until the connection fails or ctx is done. Pings are written
// from a separate goroutine; gorilla allows one concurrent writer and one
// concurrent reader.
func (w *WebSocketSource) readLoop(ctx context.Context, conn *websocket.Conn) {
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		t := time.NewTicker(w.config.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-loopCtx.Done():
				// Unblock ReadMessage.
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-t.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.Debug().Err(err).Msg("ingest: websocket ping failed")
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Info().Msg("ingest: websocket closed by peer")
				} else {
					log.Warn().Err(err).Msg("ingest: websocket read failed, reconnecting")
				}
			}
			return
		}
		txs, err := decodeRecords(data)
		if err != nil {
			w.decodeErrors.Add(1)
			log.Debug().Err(err).Msg("ingest: skipping undecodable frame")
			continue
		}
		for _, tx := range txs {
			select {
			case w.buf <- tx:
				w.received.Add(1)
			default:
				if w.dropped.Add(1)%1000 == 1 {
					log.Warn().Int64("dropped", w.dropped.Load()).Msg("ingest: websocket buffer full, dropping records")
				}
			}
		}
	}
}

// Stats returns source counters.
func (w *WebSocketSource) Stats() Stats {
	return Stats{
		Received:      w.received.Load(),
		DecodeErrors:  w.decodeErrors.Load(),
		Batches:       w.batches.Load(),
		Reconnects:    w.reconnects.Load(),
		Connected:     w.connected.Load(),
		BufferDropped: w.dropped.Load(),
	}
}

// Close stops the connection loop. Buffered records are discarded.
func (w *WebSocketSource) Close() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return nil
}
