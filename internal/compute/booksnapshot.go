package compute

import (
	"time"

	"github.com/quiver-data/quiver/internal/feed"
)

// BookSnapshotOptions configures the book-snapshot computation.
type BookSnapshotOptions struct {
	// Depth is the number of levels per side carried by each snapshot.
	Depth int

	// Interval is the minimum exchange-time spacing between snapshots.
	// Zero emits one snapshot per incoming book change.
	Interval time.Duration
}

// BookSnapshots returns a factory producing one snapshot emitter per
// symbol. On every book change for the symbol, if Interval has elapsed
// since the last emission, it queries the pipeline's book engine for the
// top Depth levels per side and emits a synthetic full-snapshot BookChange
// immediately after the trigger.
func BookSnapshots(opts BookSnapshotOptions) feed.ComputableFactory {
	return func(exchange feed.Exchange, symbol string, books feed.BookQuerier) feed.Computable {
		return &bookSnapshots{opts: opts, exchange: exchange, symbol: symbol, books: books}
	}
}

type bookSnapshots struct {
	opts     BookSnapshotOptions
	exchange feed.Exchange
	symbol   string
	books    feed.BookQuerier

	lastEmitted time.Time
}

func (bs *bookSnapshots) Compute(ev feed.Event) []feed.Event {
	switch e := ev.(type) {
	case feed.BookChange:
		return bs.onChange(e)
	case feed.Disconnect:
		// The book was reset upstream; start a fresh emission window.
		bs.lastEmitted = time.Time{}
		return nil
	default:
		return nil
	}
}

func (bs *bookSnapshots) onChange(bc feed.BookChange) []feed.Event {
	if bs.opts.Interval > 0 && !bs.lastEmitted.IsZero() &&
		bc.Timestamp.Sub(bs.lastEmitted) < bs.opts.Interval {
		return nil
	}

	bids, asks, ok := bs.books.Depth(bs.symbol, bs.opts.Depth)
	if !ok {
		return nil
	}
	bs.lastEmitted = bc.Timestamp

	return []feed.Event{feed.BookChange{
		EventMeta: feed.EventMeta{
			Exchange:       bs.exchange,
			Symbol:         bs.symbol,
			Timestamp:      bc.Timestamp,
			LocalTimestamp: bc.LocalTimestamp,
		},
		IsSnapshot: true,
		Bids:       bids,
		Asks:       asks,
	}}
}
