package feed

import (
	"context"
	"log"
	"sync"
)

// streamKey identifies a filtered subscription by exchange and symbol.
type streamKey struct {
	Exchange Exchange
	Symbol   string
}

// Broadcaster is a many-to-many hub that ingests canonical events from any
// number of pipelines and distributes them to filtered subscribers and a
// unified "all" stream. Fan-out is non-blocking: a slow subscriber loses
// events rather than stalling the feed.
type Broadcaster struct {
	sources []<-chan Event

	mu   sync.RWMutex
	subs map[streamKey][]chan Event

	allMu  sync.RWMutex
	allSub []chan Event
}

// NewBroadcaster creates a Broadcaster ready for source registration.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[streamKey][]chan Event),
	}
}

// Register adds an event stream as a source. Must be called before Run.
func (b *Broadcaster) Register(src <-chan Event) {
	b.sources = append(b.sources, src)
}

// Subscribe returns a buffered channel receiving events for the given
// exchange and symbol. The caller must drain it to avoid dropped events.
func (b *Broadcaster) Subscribe(exchange Exchange, symbol string) <-chan Event {
	ch := make(chan Event, 256)
	key := streamKey{Exchange: exchange, Symbol: symbol}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel receiving every event regardless
// of exchange or symbol. Intended for monitoring and persistence sinks.
func (b *Broadcaster) SubscribeAll() <-chan Event {
	ch := make(chan Event, 512)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// Run consumes from all registered sources and distributes events. It
// blocks until ctx is cancelled or every source channel is closed. Each
// source gets its own goroutine so one stalled pipeline cannot starve the
// others.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(ev)
				}
			}
		}(src)
	}

	wg.Wait()
}

// distribute sends ev to all matching filtered subscribers and all unified
// subscribers without blocking.
func (b *Broadcaster) distribute(ev Event) {
	meta := ev.Meta()
	key := streamKey{Exchange: meta.Exchange, Symbol: meta.Symbol}

	b.mu.RLock()
	if subs, ok := b.subs[key]; ok {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				log.Printf("feed: broadcaster dropping %s for slow subscriber (%s/%s)",
					ev.Kind(), meta.Exchange, meta.Symbol)
			}
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- ev:
		default:
			// Slow unified subscriber, drop.
		}
	}
	b.allMu.RUnlock()
}
