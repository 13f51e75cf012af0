// Package book maintains local order book state reconstructed from
// normalized snapshot and delta updates. One Book instance serves exactly
// one (exchange, symbol) pair; instances are never shared across symbols.
package book

import "log"

// Book is the authoritative local bid/ask state for a single market.
type Book struct {
	exchange string
	symbol   string

	bids *Side
	asks *Side

	// crossed tracks whether the book is currently in a crossed state so
	// the warning is logged once per transition, not once per update.
	crossed bool
}

// New creates an empty book for the given market. The exchange and symbol
// are only used to label log output.
func New(exchange, symbol string) *Book {
	return &Book{
		exchange: exchange,
		symbol:   symbol,
		bids:     NewSide(true),
		asks:     NewSide(false),
	}
}

// Apply updates the book from one change event. When snapshot is true the
// supplied levels fully replace both sides. Otherwise each level is a
// delta: amount zero removes the price, a positive amount inserts or
// overwrites it. Levels are applied in array order, so the last write for
// a duplicate price wins. Malformed levels (negative price or amount) are
// dropped with a warning.
func (b *Book) Apply(snapshot bool, bids, asks []Level) {
	if snapshot {
		b.bids.Clear()
		b.asks.Clear()
	}

	for _, l := range bids {
		if !b.valid(l) {
			continue
		}
		b.bids.Update(l)
	}
	for _, l := range asks {
		if !b.valid(l) {
			continue
		}
		b.asks.Update(l)
	}

	b.checkCrossed()
}

func (b *Book) valid(l Level) bool {
	if l.Price.Sign() < 0 || l.Amount.Sign() < 0 {
		log.Printf("book: dropping malformed level for %s/%s: price=%s amount=%s",
			b.exchange, b.symbol, l.Price, l.Amount)
		return false
	}
	return true
}

// checkCrossed logs when the book enters a crossed state (best bid >= best
// ask). Crossed state can occur transiently during multi-message snapshots;
// it is left as-is rather than clamped.
func (b *Book) checkCrossed() {
	bid, okBid := b.bids.Best()
	ask, okAsk := b.asks.Best()
	if !okBid || !okAsk {
		b.crossed = false
		return
	}

	crossed := bid.Price.Cmp(ask.Price) >= 0
	if crossed && !b.crossed {
		log.Printf("book: crossed book for %s/%s: bid=%s ask=%s",
			b.exchange, b.symbol, bid.Price, ask.Price)
	}
	b.crossed = crossed
}

// BestBid returns the highest bid, or false if the bid side is empty.
func (b *Book) BestBid() (Level, bool) { return b.bids.Best() }

// BestAsk returns the lowest ask, or false if the ask side is empty.
func (b *Book) BestAsk() (Level, bool) { return b.asks.Best() }

// Depth returns up to n levels per side in best-first order.
func (b *Book) Depth(n int) (bids, asks []Level) {
	return b.bids.Depth(n), b.asks.Depth(n)
}

// Len returns the populated level counts for both sides.
func (b *Book) Len() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Reset clears both sides. Called when the upstream connection is lost so
// no stale liquidity survives a reconnect gap.
func (b *Book) Reset() {
	b.bids.Clear()
	b.asks.Clear()
	b.crossed = false
}
