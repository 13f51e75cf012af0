package feed

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of a WSClient. Transitions:
// Connecting → Open → Reconnecting → (Open | Closed), with Closed terminal
// and reachable from any state via Close or context cancellation.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// StaleTimeout is the maximum duration of silence (no payload, no
	// heartbeat) before the connection is considered dead and torn down.
	StaleTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// PingInterval is how often sendPing is invoked while Open. Zero
	// disables client-initiated pings.
	PingInterval time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for exchange market-data feeds.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:             url,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		StaleTimeout:    30 * time.Second,
		BackoffInitial:  100 * time.Millisecond,
		BackoffMax:      10 * time.Second,
		BackoffFactor:   2.0,
	}
}

// WSClient is a resilient WebSocket connection. It reconnects with
// exponential backoff, treats prolonged silence as a dead connection, and
// fans inbound messages out to subscribers. Lifecycle hooks (same package)
// let the pipeline re-subscribe after a reconnect and surface disconnect
// events while the connection is down.
type WSClient struct {
	cfg WSConfig

	state atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  []chan []byte

	outbox chan []byte

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	// onOpen fires after every successful (re)connect, onDrop after every
	// transition into Reconnecting. Set before Connect.
	onOpen func()
	onDrop func()
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig) *WSClient {
	c := &WSClient{
		cfg:    cfg,
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current lifecycle state.
func (ws *WSClient) State() ConnState {
	return ConnState(ws.state.Load())
}

// Subscribe returns a channel that receives every inbound message. A nil
// message is a drop marker: it is delivered in-stream when the connection
// is lost, strictly before any message from the next connection. The
// caller must drain the channel to avoid dropped messages.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.subMu.Unlock()
	return ch
}

// Send enqueues a message for delivery over the connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		log.Printf("feed: ws outbox full, dropping message (%d bytes)", len(data))
	}
}

// Connect dials the endpoint and starts the read/write loops. It blocks
// until the initial connection succeeds or ctx is cancelled.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		ws.state.Store(int32(StateClosed))
		return err
	}
	ws.setOpen()

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)

	return nil
}

// Close shuts down the client, closing the underlying connection and all
// subscriber channels. No further reconnect attempts are made.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		ws.state.Store(int32(StateClosed))
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()

		// Detach the subscriber list under the write lock so no fan-out can
		// hold a reference, then close outside it. A send racing Close sees
		// either the old list (send completes before the lock is granted) or
		// nil, never a closed channel.
		ws.subMu.Lock()
		subs := ws.subs
		ws.subs = nil
		ws.subMu.Unlock()
		for _, ch := range subs {
			close(ch)
		}

		close(ws.done)
	})
}

// Done returns a channel that is closed when the client has fully shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

// ForceReconnect tears down the current socket, which the read loop
// observes as an error and recovers from via the normal reconnect path.
// Used when the exchange reports an unrecoverable error payload.
func (ws *WSClient) ForceReconnect() {
	ws.mu.RLock()
	c := ws.conn
	ws.mu.RUnlock()
	if c != nil {
		c.Close()
	}
}

func (ws *WSClient) setOpen() {
	ws.state.Store(int32(StateOpen))
	if ws.onOpen != nil {
		ws.onOpen()
	}
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, ws.url(), ws.cfg.Headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// url returns the dial endpoint under the connection lock so it can be
// repointed while the client is reconnecting.
func (ws *WSClient) url() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.cfg.URL
}

// announceDrop transitions into Reconnecting and delivers a nil drop marker
// to every subscriber. Markers are sent blocking, not best-effort: they must
// never be lost, and redialing only starts once every subscriber has the
// marker queued behind the dead connection's messages. Cancellation aborts
// the wait during shutdown.
func (ws *WSClient) announceDrop(ctx context.Context) {
	ws.state.Store(int32(StateReconnecting))
	if ws.onDrop != nil {
		ws.onDrop()
	}

	ws.subMu.RLock()
	defer ws.subMu.RUnlock()
	for _, ch := range ws.subs {
		select {
		case ch <- nil:
		case <-ctx.Done():
			return
		}
	}
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ws.cfg.BackoffInitial
	bo.MaxInterval = ws.cfg.BackoffMax
	bo.Multiplier = ws.cfg.BackoffFactor
	bo.Reset()

	for {
		delay := bo.NextBackOff()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			log.Printf("feed: reconnect to %s failed: %v (retrying)", ws.url(), err)
			continue
		}

		ws.setOpen()
		return true
	}
}

// readLoop reads messages and fans them out to subscribers. It doubles as
// the staleness monitor: the read deadline is pushed forward on every
// inbound message, so a silent connection times out and reconnects.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.StaleTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("feed: read error on %s (triggering reconnect): %v", ws.url(), err)
			c.Close()
			ws.announceDrop(ctx)
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		ws.fanOut(msg)
	}
}

// writeLoop drains the outbox and handles periodic pings.
func (ws *WSClient) writeLoop(ctx context.Context) {
	var pingC <-chan time.Time
	if ws.cfg.PingInterval > 0 {
		t := time.NewTicker(ws.cfg.PingInterval)
		defer t.Stop()
		pingC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingC:
			ws.write(websocket.PingMessage, nil)
		case data := <-ws.outbox:
			ws.write(websocket.TextMessage, data)
		}
	}
}

func (ws *WSClient) write(messageType int, data []byte) {
	ws.mu.RLock()
	c := ws.conn
	ws.mu.RUnlock()
	if err := c.WriteMessage(messageType, data); err != nil {
		log.Printf("feed: write error: %v", err)
	}
}

// fanOut delivers msg to every subscriber without blocking.
func (ws *WSClient) fanOut(msg []byte) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, ch := range ws.subs {
		select {
		case ch <- msg:
		default:
			// Slow consumer — drop to avoid head-of-line blocking.
		}
	}
}
