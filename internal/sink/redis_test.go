package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quiver-data/quiver/internal/feed"
)

// mockRedis records HSET calls.
type mockRedis struct {
	mu    sync.Mutex
	calls []hsetCall
}

type hsetCall struct {
	key    string
	fields map[string]string
}

func (m *mockRedis) HSet(ctx context.Context, key string, values ...any) error {
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		fields[values[i].(string)] = values[i+1].(string)
	}
	m.mu.Lock()
	m.calls = append(m.calls, hsetCall{key: key, fields: fields})
	m.mu.Unlock()
	return nil
}

func (m *mockRedis) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockRedis) call(i int) hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func ticker(bid, ask string) feed.BookTicker {
	return feed.BookTicker{
		EventMeta: feed.EventMeta{
			Exchange:       feed.ExchangeBinance,
			Symbol:         "BTCUSDT",
			Timestamp:      time.UnixMilli(1767225600000).UTC(),
			LocalTimestamp: time.UnixMilli(1767225600001).UTC(),
		},
		BidPrice:  decimal.RequireFromString(bid),
		BidAmount: decimal.NewFromInt(2),
		AskPrice:  decimal.RequireFromString(ask),
		AskAmount: decimal.NewFromInt(3),
	}
}

func disconnect() feed.Disconnect {
	return feed.Disconnect{EventMeta: feed.EventMeta{
		Exchange: feed.ExchangeBinance,
		Symbol:   "BTCUSDT",
	}}
}

func runWriter(t *testing.T, events chan feed.Event) (*mockRedis, func()) {
	t.Helper()
	mock := &mockRedis{}
	writer := NewRedisWriter(mock, events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(done)
	}()
	return mock, func() {
		cancel()
		<-done
	}
}

func waitForCalls(t *testing.T, mock *mockRedis, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for mock.callCount() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, have %d", n, mock.callCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRedisWriter_WritesTopOfBook(t *testing.T) {
	events := make(chan feed.Event, 8)
	mock, stop := runWriter(t, events)
	defer stop()

	events <- ticker("42000.50", "42001.00")
	waitForCalls(t, mock, 1)

	call := mock.call(0)
	if call.key != "book:binance:BTCUSDT" {
		t.Fatalf("unexpected key: %s", call.key)
	}
	if call.fields["bid"] != "42000.5" || call.fields["ask"] != "42001" {
		t.Fatalf("unexpected fields: %v", call.fields)
	}
	if call.fields["bid_amount"] != "2" || call.fields["ask_amount"] != "3" {
		t.Fatalf("unexpected amounts: %v", call.fields)
	}
	if call.fields["ts"] != "1767225600000" {
		t.Fatalf("unexpected ts: %s", call.fields["ts"])
	}
}

func TestRedisWriter_SuppressesDuplicates(t *testing.T) {
	events := make(chan feed.Event, 8)
	mock, stop := runWriter(t, events)
	defer stop()

	events <- ticker("42000.50", "42001.00")
	events <- ticker("42000.50", "42001.00")
	events <- ticker("42000.75", "42001.00")
	waitForCalls(t, mock, 2)

	// Give the flusher a beat; the duplicate must not appear.
	time.Sleep(50 * time.Millisecond)
	if mock.callCount() != 2 {
		t.Fatalf("expected 2 writes after dedup, got %d", mock.callCount())
	}
	if mock.call(1).fields["bid"] != "42000.75" {
		t.Fatalf("second write should carry the new bid, got %v", mock.call(1).fields)
	}
}

func TestRedisWriter_DisconnectInvalidatesCache(t *testing.T) {
	events := make(chan feed.Event, 8)
	mock, stop := runWriter(t, events)
	defer stop()

	events <- ticker("42000.50", "42001.00")
	waitForCalls(t, mock, 1)

	// After a disconnect the same quote must be written again.
	events <- disconnect()
	events <- ticker("42000.50", "42001.00")
	waitForCalls(t, mock, 2)
}

func TestRedisWriter_IgnoresOtherEvents(t *testing.T) {
	events := make(chan feed.Event, 8)
	mock, stop := runWriter(t, events)
	defer stop()

	events <- feed.Trade{EventMeta: feed.EventMeta{
		Exchange: feed.ExchangeBinance, Symbol: "BTCUSDT",
	}}
	events <- ticker("1", "2")
	waitForCalls(t, mock, 1)

	time.Sleep(50 * time.Millisecond)
	if mock.callCount() != 1 {
		t.Fatalf("expected only the ticker write, got %d", mock.callCount())
	}
}
