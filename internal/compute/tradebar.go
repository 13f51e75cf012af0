// Package compute provides the built-in derived computations that attach to
// a normalized feed pipeline: OHLCV trade bars and periodic book-depth
// snapshots. Each computation keeps one independent state machine per
// symbol and never mutates book state.
package compute

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quiver-data/quiver/internal/feed"
)

// BarKind selects how trade bars are bucketed.
type BarKind uint8

const (
	// BarTime closes a bar when a trade crosses a fixed time boundary.
	BarTime BarKind = iota
	// BarTick closes a bar after a fixed number of trades.
	BarTick
)

func (k BarKind) String() string {
	switch k {
	case BarTime:
		return "time"
	case BarTick:
		return "tick"
	default:
		return "unknown"
	}
}

// TradeBar is an OHLCV aggregate emitted by the trade-bar computation.
type TradeBar struct {
	feed.EventMeta
	BarKind  BarKind
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Trades   int
	OpenTime time.Time
	// CloseTime is the exchange timestamp of the last trade in the bar.
	CloseTime time.Time
	// Incomplete marks a bar flushed early by a disconnect.
	Incomplete bool
}

func (TradeBar) Kind() string { return "trade_bar" }

// TradeBarOptions configures the trade-bar computation.
type TradeBarOptions struct {
	Kind BarKind

	// Interval is the bar length for BarTime.
	Interval time.Duration

	// Count is the trades-per-bar for BarTick.
	Count int
}

// TradeBars returns a factory producing one bar aggregator per symbol.
// Time bars close when a trade at or past the interval boundary arrives;
// the closed bar is emitted immediately after that trade and the trade
// opens the next bar. Tick bars include their triggering trade. A
// disconnect flushes the in-progress bar as incomplete.
func TradeBars(opts TradeBarOptions) feed.ComputableFactory {
	return func(exchange feed.Exchange, symbol string, _ feed.BookQuerier) feed.Computable {
		return &tradeBars{opts: opts, exchange: exchange, symbol: symbol}
	}
}

type tradeBars struct {
	opts     TradeBarOptions
	exchange feed.Exchange
	symbol   string

	active bool
	bar    TradeBar
}

func (tb *tradeBars) Compute(ev feed.Event) []feed.Event {
	switch e := ev.(type) {
	case feed.Trade:
		return tb.onTrade(e)
	case feed.Disconnect:
		return tb.flush()
	default:
		return nil
	}
}

func (tb *tradeBars) onTrade(t feed.Trade) []feed.Event {
	var out []feed.Event

	if tb.opts.Kind == BarTime && tb.active {
		boundary := tb.bar.OpenTime.Add(tb.opts.Interval)
		if !t.Timestamp.Before(boundary) {
			out = tb.closeBar(false)
		}
	}

	tb.accumulate(t)

	if tb.opts.Kind == BarTick && tb.bar.Trades >= tb.opts.Count {
		out = append(out, tb.closeBar(false)...)
	}
	return out
}

func (tb *tradeBars) accumulate(t feed.Trade) {
	if !tb.active {
		openTime := t.Timestamp
		if tb.opts.Kind == BarTime {
			openTime = t.Timestamp.Truncate(tb.opts.Interval)
		}
		tb.bar = TradeBar{
			EventMeta: feed.EventMeta{
				Exchange: tb.exchange,
				Symbol:   tb.symbol,
			},
			BarKind:  tb.opts.Kind,
			Open:     t.Price,
			High:     t.Price,
			Low:      t.Price,
			OpenTime: openTime,
		}
		tb.active = true
	}

	if t.Price.GreaterThan(tb.bar.High) {
		tb.bar.High = t.Price
	}
	if t.Price.LessThan(tb.bar.Low) {
		tb.bar.Low = t.Price
	}
	tb.bar.Close = t.Price
	tb.bar.Volume = tb.bar.Volume.Add(t.Amount)
	tb.bar.Trades++
	tb.bar.CloseTime = t.Timestamp
	tb.bar.Timestamp = t.Timestamp
	tb.bar.LocalTimestamp = t.LocalTimestamp
}

func (tb *tradeBars) closeBar(incomplete bool) []feed.Event {
	bar := tb.bar
	bar.Incomplete = incomplete
	tb.active = false
	tb.bar = TradeBar{}
	return []feed.Event{bar}
}

// flush emits the in-progress bar (marked incomplete) and resets state.
func (tb *tradeBars) flush() []feed.Event {
	if !tb.active {
		return nil
	}
	return tb.closeBar(true)
}
