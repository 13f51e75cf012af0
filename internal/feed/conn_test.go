package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newEchoServer returns an httptest.Server that upgrades to WebSocket and
// echoes every message back to the client.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWSClient_Connect(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	cfg := DefaultWSConfig(wsURL(srv))
	client := NewWSClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if client.State() != StateOpen {
		t.Fatalf("expected StateOpen after connect, got %s", client.State())
	}

	// Verify round-trip: subscribe, send, receive.
	sub := client.Subscribe()
	client.Send([]byte("hello"))

	select {
	case msg := <-sub:
		if string(msg) != "hello" {
			t.Fatalf("expected 'hello', got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestWSClient_Reconnect(t *testing.T) {
	srv := newEchoServer(t)

	cfg := DefaultWSConfig(wsURL(srv))
	cfg.StaleTimeout = 200 * time.Millisecond
	cfg.BackoffInitial = 50 * time.Millisecond

	var opens, drops atomic.Int32
	client := NewWSClient(cfg)
	client.onOpen = func() { opens.Add(1) }
	client.onDrop = func() { drops.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if opens.Load() != 1 {
		t.Fatalf("expected one open after initial connect, got %d", opens.Load())
	}

	// Kill the server to break the connection.
	srv.Close()

	// Wait for the client to detect the drop.
	deadline := time.After(2 * time.Second)
	for drops.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for drop detection")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if client.State() != StateReconnecting {
		t.Fatalf("expected StateReconnecting after server close, got %s", client.State())
	}

	// Point the client at a fresh server so the reconnect succeeds.
	srv2 := newEchoServer(t)
	defer srv2.Close()

	client.mu.Lock()
	client.cfg.URL = wsURL(srv2)
	client.mu.Unlock()

	deadline = time.After(3 * time.Second)
	for opens.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconnect")
		case <-time.After(50 * time.Millisecond):
		}
	}

	if client.State() != StateOpen {
		t.Fatalf("expected StateOpen after reconnect, got %s", client.State())
	}
}

func TestWSClient_StaleTimeout(t *testing.T) {
	// A server that accepts the connection but never sends anything.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		select {}
	}))
	defer srv.Close()

	cfg := DefaultWSConfig(wsURL(srv))
	cfg.StaleTimeout = 200 * time.Millisecond
	cfg.BackoffInitial = 50 * time.Millisecond

	client := NewWSClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	// The silent server must trigger a staleness timeout and a transition
	// out of Open.
	deadline := time.After(2 * time.Second)
	for client.State() == StateOpen {
		select {
		case <-deadline:
			t.Fatal("staleness timeout did not trigger reconnect")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestWSClient_ForceReconnect(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	cfg := DefaultWSConfig(wsURL(srv))
	cfg.BackoffInitial = 20 * time.Millisecond

	var drops atomic.Int32
	client := NewWSClient(cfg)
	client.onDrop = func() { drops.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	client.ForceReconnect()

	deadline := time.After(2 * time.Second)
	for drops.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("ForceReconnect did not trigger the reconnect path")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWSClient_DropMarkerInStream(t *testing.T) {
	srv := newEchoServer(t)

	cfg := DefaultWSConfig(wsURL(srv))
	cfg.BackoffInitial = 20 * time.Millisecond
	cfg.StaleTimeout = 200 * time.Millisecond

	client := NewWSClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	sub := client.Subscribe()
	client.Send([]byte("before"))

	select {
	case msg := <-sub:
		if string(msg) != "before" {
			t.Fatalf("expected echoed message, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echoed message")
	}

	// Kill the connection: the subscriber must receive a nil drop marker
	// in-stream, after the last message of the dead connection.
	srv.Close()

	select {
	case msg := <-sub:
		if msg != nil {
			t.Fatalf("expected nil drop marker, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drop marker")
	}
}

func TestWSClient_CloseDuringTraffic(t *testing.T) {
	// A server that floods messages so Close races active fan-out.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if err := c.WriteMessage(websocket.TextMessage, []byte("tick")); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewWSClient(DefaultWSConfig(wsURL(srv)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sub := client.Subscribe()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range sub {
		}
	}()

	// Let traffic flow, then close mid-stream. Must not panic, and the
	// subscriber channel must be closed.
	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed after Close")
	}
}

func TestWSClient_CloseIsTerminal(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	client := NewWSClient(DefaultWSConfig(wsURL(srv)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client.Close()

	if client.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", client.State())
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel not closed after Close")
	}
}
