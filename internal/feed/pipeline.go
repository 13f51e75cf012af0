package feed

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/quiver-data/quiver/internal/book"
)

// BookQuerier answers depth queries against the pipeline's book engines.
// Passed to computables so derived computations can snapshot book state at
// the moment their triggering event is processed.
type BookQuerier interface {
	Depth(symbol string, depth int) (bids, asks []book.Level, ok bool)
}

// Computable is a stateful derived computation over the normalized event
// sequence. Compute returns the synthetic events caused by ev, which the
// pipeline interleaves into the stream immediately after it.
type Computable interface {
	Compute(ev Event) []Event
}

// ComputableFactory builds one Computable instance per (symbol, kind).
type ComputableFactory func(exchange Exchange, symbol string, books BookQuerier) Computable

// Pipeline drives one exchange connection: adapter lifecycle, mapper
// translation, book reconstruction and derived computations, producing one
// ordered stream of canonical events. All state it owns is touched only by
// its own Run goroutine.
type Pipeline struct {
	opts    StreamOptions
	adapter Adapter
	mappers []Mapper
	filters []Filter

	factories []ComputableFactory

	books    map[string]*book.Book
	computes map[string][]Computable
	tracked  map[string]bool

	out chan Event
	ws  *WSClient
}

// NewPipeline validates the options, resolves the exchange integration and
// builds the subscription filters. All configuration errors surface here,
// before any I/O.
func NewPipeline(reg *Registry, opts StreamOptions, factories ...ComputableFactory) (*Pipeline, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	integ, err := reg.Lookup(opts.Exchange)
	if err != nil {
		return nil, err
	}

	adapter := integ.NewAdapter()
	mappers := integ.NewMappers()

	var filters []Filter
	for _, m := range mappers {
		filters = append(filters, m.Filters(opts.Symbols)...)
	}
	filters, err = restrictFilters(filters, opts.Channels)
	if err != nil {
		return nil, fmt.Errorf("exchange %q: %w", opts.Exchange, err)
	}

	p := &Pipeline{
		opts:      opts,
		adapter:   adapter,
		mappers:   mappers,
		filters:   filters,
		factories: factories,
		books:     make(map[string]*book.Book),
		computes:  make(map[string][]Computable),
		tracked:   make(map[string]bool),
		out:       make(chan Event, opts.Buffer),
	}
	for _, s := range opts.Symbols {
		p.tracked[s] = true
	}
	return p, nil
}

// Events returns the ordered canonical event stream. The channel is closed
// when Run returns.
func (p *Pipeline) Events() <-chan Event {
	return p.out
}

// Depth implements BookQuerier against this pipeline's book engines.
func (p *Pipeline) Depth(symbol string, depth int) (bids, asks []book.Level, ok bool) {
	b, found := p.books[symbol]
	if !found {
		return nil, nil, false
	}
	bids, asks = b.Depth(depth)
	return bids, asks, true
}

// Run connects and processes messages until ctx is cancelled. Transient
// connection failures are recovered internally; only the initial dial and
// cancellation terminate the run. The output channel is closed on return
// and the socket is torn down on every exit path.
func (p *Pipeline) Run(ctx context.Context) error {
	cfg := DefaultWSConfig(p.adapter.URL())
	cfg.StaleTimeout = p.opts.Timeout

	p.ws = NewWSClient(cfg)
	raw := p.ws.Subscribe()
	p.ws.onOpen = p.subscribe

	if err := p.ws.Connect(ctx); err != nil {
		close(p.out)
		return fmt.Errorf("feed: connect %s: %w", p.opts.Exchange, err)
	}
	defer p.ws.Close()
	defer close(p.out)

	var pingC <-chan time.Time
	if ping := p.adapter.PingMessage(); ping != nil {
		t := time.NewTicker(cfg.StaleTimeout / 3)
		defer t.Stop()
		pingC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingC:
			p.ws.Send(p.adapter.PingMessage())
		case msg, open := <-raw:
			if !open {
				return nil
			}
			// A nil message is the in-stream drop marker: every message
			// before it came from the dead connection, everything after it
			// from the next one, so Disconnect events and book resets land
			// exactly at the boundary.
			if msg == nil {
				if !p.handleDrop(ctx) {
					return ctx.Err()
				}
				continue
			}
			if !p.handleRaw(ctx, msg) {
				return ctx.Err()
			}
		}
	}
}

// subscribe issues the venue subscription payloads. Invoked after every
// successful connect, including reconnects.
func (p *Pipeline) subscribe() {
	msgs, err := p.adapter.SubscribeMessages(p.filters)
	if err != nil {
		log.Printf("feed: %s: building subscribe messages: %v", p.opts.Exchange, err)
		p.surface(err)
		return
	}
	for _, m := range msgs {
		p.ws.Send(m)
	}
}

// handleRaw classifies and maps one raw message. Returns false only when
// ctx was cancelled while emitting.
func (p *Pipeline) handleRaw(ctx context.Context, msg []byte) bool {
	if p.adapter.IsHeartbeat(msg) {
		return true
	}
	if p.adapter.IsError(msg) {
		log.Printf("feed: %s reported error payload, reconnecting: %s", p.opts.Exchange, msg)
		p.surface(fmt.Errorf("feed: %s error payload: %s", p.opts.Exchange, msg))
		p.ws.ForceReconnect()
		return true
	}

	localTS := time.Now().UTC()
	for _, m := range p.mappers {
		if !m.CanHandle(msg) {
			continue
		}
		events, err := p.mapSafe(m, msg, localTS)
		if err != nil {
			log.Printf("feed: %s mapper error (message dropped): %v", p.opts.Exchange, err)
			p.surface(err)
			continue
		}
		for _, ev := range events {
			if !p.emit(ctx, ev) {
				return false
			}
		}
	}
	return true
}

// mapSafe invokes a mapper, converting panics on malformed input into
// per-message errors so the pipeline survives.
func (p *Pipeline) mapSafe(m Mapper, msg []byte, localTS time.Time) (events []Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = fmt.Errorf("feed: mapper panic on %q: %v", msg, r)
		}
	}()
	return m.Map(msg, localTS)
}

// emit delivers one mapped event: updates book state, forwards the event
// downstream with backpressure, then interleaves any derived events its
// computables produce. Returns false when ctx was cancelled.
func (p *Pipeline) emit(ctx context.Context, ev Event) bool {
	meta := ev.Meta()
	p.tracked[meta.Symbol] = true

	if bc, isBook := ev.(BookChange); isBook {
		p.bookFor(meta.Symbol).Apply(bc.IsSnapshot, bc.Bids, bc.Asks)
	}

	if !p.send(ctx, ev) {
		return false
	}

	for _, c := range p.computablesFor(meta.Exchange, meta.Symbol) {
		for _, derived := range c.Compute(ev) {
			if !p.send(ctx, derived) {
				return false
			}
		}
	}
	return true
}

// handleDrop reacts to a connection-loss marker: resets every tracked book,
// emits synthetic Disconnect events when enabled, and lets computables
// flush. Returns false when ctx was cancelled while emitting.
func (p *Pipeline) handleDrop(ctx context.Context) bool {
	now := time.Now().UTC()

	symbols := make([]string, 0, len(p.tracked))
	for s := range p.tracked {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		if b, ok := p.books[symbol]; ok {
			b.Reset()
		}

		ev := Disconnect{EventMeta{
			Exchange:       p.opts.Exchange,
			Symbol:         symbol,
			Timestamp:      now,
			LocalTimestamp: now,
		}}

		if p.opts.WithDisconnectMessages {
			if !p.send(ctx, ev) {
				return false
			}
		}

		// Computables always observe the disconnect so per-symbol state is
		// flushed and reset even when disconnect events are suppressed.
		for _, c := range p.computablesFor(p.opts.Exchange, symbol) {
			for _, derived := range c.Compute(ev) {
				if !p.send(ctx, derived) {
					return false
				}
			}
		}
	}
	return true
}

// send forwards ev downstream, suspending when the consumer is slow.
func (p *Pipeline) send(ctx context.Context, ev Event) bool {
	select {
	case p.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) bookFor(symbol string) *book.Book {
	b, ok := p.books[symbol]
	if !ok {
		b = book.New(string(p.opts.Exchange), symbol)
		p.books[symbol] = b
	}
	return b
}

func (p *Pipeline) computablesFor(exchange Exchange, symbol string) []Computable {
	if len(p.factories) == 0 {
		return nil
	}
	cs, ok := p.computes[symbol]
	if !ok {
		cs = make([]Computable, len(p.factories))
		for i, f := range p.factories {
			cs[i] = f(exchange, symbol, p)
		}
		p.computes[symbol] = cs
	}
	return cs
}

func (p *Pipeline) surface(err error) {
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}
