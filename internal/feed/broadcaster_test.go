package feed

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testTrade(exchange Exchange, symbol string, price int64) Trade {
	now := time.Now().UTC()
	return Trade{
		EventMeta: EventMeta{
			Exchange:       exchange,
			Symbol:         symbol,
			Timestamp:      now,
			LocalTimestamp: now,
		},
		Price:  decimal.NewFromInt(price),
		Amount: decimal.NewFromInt(1),
		Side:   SideBuy,
	}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_FilteredSubscription(t *testing.T) {
	src := make(chan Event, 8)

	bc := NewBroadcaster()
	bc.Register(src)

	btc := bc.Subscribe(ExchangeBinance, "BTCUSDT")
	eth := bc.Subscribe(ExchangeBinance, "ETHUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bc.Run(ctx)

	src <- testTrade(ExchangeBinance, "BTCUSDT", 100)
	src <- testTrade(ExchangeBinance, "ETHUSDT", 200)

	got := recvEvent(t, btc)
	if got.Meta().Symbol != "BTCUSDT" {
		t.Fatalf("btc subscriber got %s", got.Meta().Symbol)
	}

	got = recvEvent(t, eth)
	if got.Meta().Symbol != "ETHUSDT" {
		t.Fatalf("eth subscriber got %s", got.Meta().Symbol)
	}

	// The filtered subscriber must not receive the other symbol.
	select {
	case ev := <-btc:
		t.Fatalf("btc subscriber received unexpected %s/%s", ev.Meta().Exchange, ev.Meta().Symbol)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SubscribeAll(t *testing.T) {
	src := make(chan Event, 8)

	bc := NewBroadcaster()
	bc.Register(src)
	all := bc.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bc.Run(ctx)

	src <- testTrade(ExchangeBinance, "BTCUSDT", 100)
	src <- testTrade(ExchangeDeribit, "BTC-PERPETUAL", 200)

	first := recvEvent(t, all)
	second := recvEvent(t, all)

	if first.Meta().Exchange != ExchangeBinance || second.Meta().Exchange != ExchangeDeribit {
		t.Fatalf("unexpected exchanges: %s, %s", first.Meta().Exchange, second.Meta().Exchange)
	}
}

func TestBroadcaster_MultipleSources(t *testing.T) {
	src1 := make(chan Event, 4)
	src2 := make(chan Event, 4)

	bc := NewBroadcaster()
	bc.Register(src1)
	bc.Register(src2)
	all := bc.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bc.Run(ctx)

	src1 <- testTrade(ExchangeBinance, "BTCUSDT", 100)
	src2 <- testTrade(ExchangeDeribit, "BTC-PERPETUAL", 200)

	seen := map[Exchange]bool{}
	for i := 0; i < 2; i++ {
		seen[recvEvent(t, all).Meta().Exchange] = true
	}
	if !seen[ExchangeBinance] || !seen[ExchangeDeribit] {
		t.Fatalf("expected events from both sources, saw %v", seen)
	}
}

func TestBroadcaster_RunReturnsWhenSourcesClose(t *testing.T) {
	src := make(chan Event)

	bc := NewBroadcaster()
	bc.Register(src)

	done := make(chan struct{})
	go func() {
		bc.Run(context.Background())
		close(done)
	}()

	close(src)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after all sources closed")
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	src := make(chan Event, 512)

	bc := NewBroadcaster()
	bc.Register(src)
	// Subscribed but never drained.
	_ = bc.Subscribe(ExchangeBinance, "BTCUSDT")
	all := bc.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bc.Run(ctx)

	// Overflow the filtered subscriber's buffer. Distribution must keep
	// flowing to the healthy unified subscriber.
	for i := 0; i < 400; i++ {
		src <- testTrade(ExchangeBinance, "BTCUSDT", int64(i))
	}

	received := 0
	deadline := time.After(3 * time.Second)
	for received < 300 {
		select {
		case <-all:
			received++
		case <-deadline:
			t.Fatalf("unified subscriber stalled at %d events", received)
		}
	}
}
