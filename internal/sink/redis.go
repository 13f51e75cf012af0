// Package sink persists normalized feed output to external stores.
package sink

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/quiver-data/quiver/internal/feed"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by GoRedis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedis adapts *redis.Client to the RedisClient interface.
type GoRedis struct {
	C *redis.Client
}

func (g GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.C.HSet(ctx, key, values...).Err()
}

// topOfBook holds the last-written best bid/ask for a market so duplicate
// writes can be skipped.
type topOfBook struct {
	Bid string
	Ask string
}

// RedisWriter subscribes to a broadcast event stream and persists the
// venue-reported best bid/ask for every market into Redis:
//
//	Key:    book:{exchange}:{symbol}
//	Fields: bid, bid_amount, ask, ask_amount, ts
//
// Writes are non-blocking: events are buffered in an internal channel and
// flushed by a dedicated goroutine. Duplicate prices are suppressed. A
// Disconnect event invalidates the cached entry so the first post-reconnect
// quote is always written.
type RedisWriter struct {
	client RedisClient
	events <-chan feed.Event
	buf    chan feed.BookTicker

	mu   sync.Mutex
	last map[string]topOfBook // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from the given stream,
// typically a Broadcaster's SubscribeAll channel.
func NewRedisWriter(client RedisClient, events <-chan feed.Event) *RedisWriter {
	return &RedisWriter{
		client: client,
		events: events,
		buf:    make(chan feed.BookTicker, 1024),
		last:   make(map[string]topOfBook),
	}
}

// Run starts two goroutines: one to drain the event stream into an
// internal buffer, and one to flush buffered quotes to Redis. It blocks
// until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Ingestion: never block the broadcaster.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-rw.events:
				if !ok {
					return
				}
				rw.ingest(ev)
			}
		}
	}()

	// Flusher: write buffered quotes to Redis.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case bt, ok := <-rw.buf:
				if !ok {
					return
				}
				rw.write(ctx, bt)
			}
		}
	}()

	wg.Wait()
}

func (rw *RedisWriter) ingest(ev feed.Event) {
	switch e := ev.(type) {
	case feed.BookTicker:
		select {
		case rw.buf <- e:
		default:
			// Buffer full, drop to keep up.
		}
	case feed.Disconnect:
		meta := e.Meta()
		rw.mu.Lock()
		delete(rw.last, redisKey(meta.Exchange, meta.Symbol))
		rw.mu.Unlock()
	}
}

// write checks for duplicates and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, bt feed.BookTicker) {
	meta := bt.Meta()
	key := redisKey(meta.Exchange, meta.Symbol)

	bid := bt.BidPrice.String()
	ask := bt.AskPrice.String()

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev.Bid == bid && prev.Ask == ask {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = topOfBook{Bid: bid, Ask: ask}
	rw.mu.Unlock()

	ts := strconv.FormatInt(meta.Timestamp.UnixMilli(), 10)
	rw.client.HSet(ctx, key,
		"bid", bid,
		"bid_amount", bt.BidAmount.String(),
		"ask", ask,
		"ask_amount", bt.AskAmount.String(),
		"ts", ts)
}

func redisKey(exchange feed.Exchange, symbol string) string {
	return fmt.Sprintf("book:%s:%s", exchange, symbol)
}
