package feed

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quiver-data/quiver/internal/book"
)

// Exchange identifies the venue a message or event originated from.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeDeribit Exchange = "deribit"
)

// TradeSide is the aggressor direction of a trade.
type TradeSide uint8

const (
	SideUnknown TradeSide = iota
	SideBuy
	SideSell
)

func (s TradeSide) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// EventMeta carries the fields common to every canonical event: the venue,
// the venue's symbol, the exchange-reported event time, and the local
// receipt time.
type EventMeta struct {
	Exchange       Exchange
	Symbol         string
	Timestamp      time.Time
	LocalTimestamp time.Time
}

// Meta implements Event for any type embedding EventMeta.
func (m EventMeta) Meta() EventMeta { return m }

// Event is the canonical, exchange-agnostic market-data record. Concrete
// types are Trade, BookChange, DerivativeTicker, Liquidation, BookTicker,
// OptionSummary and Disconnect; consumers type-switch on them.
type Event interface {
	Meta() EventMeta
	Kind() string
}

// Trade is a single executed trade.
type Trade struct {
	EventMeta
	ID     string
	Price  decimal.Decimal
	Amount decimal.Decimal
	Side   TradeSide
}

func (Trade) Kind() string { return "trade" }

// BookChange is a set of order book level updates. When IsSnapshot is true
// the levels replace all previous state for the symbol; otherwise each
// level is a delta (amount zero removes the price).
type BookChange struct {
	EventMeta
	IsSnapshot bool
	Bids       []book.Level
	Asks       []book.Level
}

func (BookChange) Kind() string { return "book_change" }

// DerivativeTicker is the periodic state of a derivative instrument. Fields
// an exchange has not reported yet are zero.
type DerivativeTicker struct {
	EventMeta
	LastPrice    decimal.Decimal
	OpenInterest decimal.Decimal
	FundingRate  decimal.Decimal
	IndexPrice   decimal.Decimal
	MarkPrice    decimal.Decimal
}

func (DerivativeTicker) Kind() string { return "derivative_ticker" }

// Liquidation is a forced position closure reported by a derivatives venue.
type Liquidation struct {
	EventMeta
	ID     string
	Price  decimal.Decimal
	Amount decimal.Decimal
	Side   TradeSide
}

func (Liquidation) Kind() string { return "liquidation" }

// BookTicker is the venue-reported best bid and ask.
type BookTicker struct {
	EventMeta
	BidPrice  decimal.Decimal
	BidAmount decimal.Decimal
	AskPrice  decimal.Decimal
	AskAmount decimal.Decimal
}

func (BookTicker) Kind() string { return "book_ticker" }

// OptionSummary is the periodic state of an option instrument.
type OptionSummary struct {
	EventMeta
	UnderlyingPrice decimal.Decimal
	MarkPrice       decimal.Decimal
	MarkIV          decimal.Decimal
	BidIV           decimal.Decimal
	AskIV           decimal.Decimal
	Delta           decimal.Decimal
	Gamma           decimal.Decimal
	Vega            decimal.Decimal
	Theta           decimal.Decimal
	Rho             decimal.Decimal
	OpenInterest    decimal.Decimal
}

func (OptionSummary) Kind() string { return "option_summary" }

// Disconnect is a synthetic event emitted when a connection is lost. It is
// the authoritative signal for consumers to discard cached book and derived
// state for the symbol.
type Disconnect struct {
	EventMeta
}

func (Disconnect) Kind() string { return "disconnect" }

// Filter is a subscription intent: one venue channel plus the symbols to
// subscribe on it. A nil Symbols slice means the channel's full firehose
// where the venue supports that.
type Filter struct {
	Channel string
	Symbols []string
}
