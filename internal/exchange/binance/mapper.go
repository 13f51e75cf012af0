package binance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quiver-data/quiver/internal/book"
	"github.com/quiver-data/quiver/internal/feed"
)

// envelope is the combined-stream wrapper around every payload.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// rawLevel is a ["price", "qty"] pair as sent on the wire.
type rawLevel [2]decimal.Decimal

func toLevels(raw []rawLevel) []book.Level {
	out := make([]book.Level, len(raw))
	for i, l := range raw {
		out[i] = book.Level{Price: l[0], Amount: l[1]}
	}
	return out
}

// symbolFromStream extracts the uppercase symbol from a stream name like
// "btcusdt@trade".
func symbolFromStream(stream string) (string, error) {
	i := strings.IndexByte(stream, '@')
	if i <= 0 {
		return "", fmt.Errorf("binance: malformed stream name %q", stream)
	}
	return strings.ToUpper(stream[:i]), nil
}

func meta(symbol string, ts, localTS time.Time) feed.EventMeta {
	return feed.EventMeta{
		Exchange:       feed.ExchangeBinance,
		Symbol:         symbol,
		Timestamp:      ts,
		LocalTimestamp: localTS,
	}
}

// Mappers returns fresh mapper instances for one pipeline run.
func Mappers() []feed.Mapper {
	return []feed.Mapper{&TradeMapper{}, &BookMapper{}, &BookTickerMapper{}}
}

// TradeMapper translates trade stream payloads.
type TradeMapper struct{}

type rawTrade struct {
	TradeID      int64           `json:"t"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	TradeTime    int64           `json:"T"`
	BuyerIsMaker bool            `json:"m"`
}

func (*TradeMapper) CanHandle(msg []byte) bool {
	return bytes.Contains(msg, []byte("@trade"))
}

func (*TradeMapper) Filters(symbols []string) []feed.Filter {
	return []feed.Filter{{Channel: ChannelTrade, Symbols: symbols}}
}

func (*TradeMapper) Map(msg []byte, localTS time.Time) ([]feed.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("binance: trade envelope: %w", err)
	}
	symbol, err := symbolFromStream(env.Stream)
	if err != nil {
		return nil, err
	}

	var t rawTrade
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("binance: trade payload: %w", err)
	}

	side := feed.SideBuy
	if t.BuyerIsMaker {
		side = feed.SideSell
	}

	return []feed.Event{feed.Trade{
		EventMeta: meta(symbol, time.UnixMilli(t.TradeTime).UTC(), localTS),
		ID:        strconv.FormatInt(t.TradeID, 10),
		Price:     t.Price,
		Amount:    t.Quantity,
		Side:      side,
	}}, nil
}

// BookMapper translates both incremental depth updates and partial-book
// snapshot payloads.
type BookMapper struct{}

type rawDepthUpdate struct {
	EventTime int64      `json:"E"`
	Bids      []rawLevel `json:"b"`
	Asks      []rawLevel `json:"a"`
}

type rawPartialDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         []rawLevel `json:"bids"`
	Asks         []rawLevel `json:"asks"`
}

func (*BookMapper) CanHandle(msg []byte) bool {
	return bytes.Contains(msg, []byte("@depth"))
}

func (*BookMapper) Filters(symbols []string) []feed.Filter {
	return []feed.Filter{
		{Channel: ChannelDepth, Symbols: symbols},
		{Channel: ChannelDepthSnapshot, Symbols: symbols},
	}
}

func (*BookMapper) Map(msg []byte, localTS time.Time) ([]feed.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("binance: depth envelope: %w", err)
	}
	symbol, err := symbolFromStream(env.Stream)
	if err != nil {
		return nil, err
	}

	// Partial-book streams ("@depth20@...") are full snapshots; plain
	// "@depth@..." streams are incremental diffs.
	if strings.Contains(env.Stream, "@depth20") {
		var d rawPartialDepth
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("binance: partial depth payload: %w", err)
		}
		return []feed.Event{feed.BookChange{
			EventMeta:  meta(symbol, localTS, localTS),
			IsSnapshot: true,
			Bids:       toLevels(d.Bids),
			Asks:       toLevels(d.Asks),
		}}, nil
	}

	var d rawDepthUpdate
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("binance: depth payload: %w", err)
	}
	return []feed.Event{feed.BookChange{
		EventMeta:  meta(symbol, time.UnixMilli(d.EventTime).UTC(), localTS),
		IsSnapshot: false,
		Bids:       toLevels(d.Bids),
		Asks:       toLevels(d.Asks),
	}}, nil
}

// BookTickerMapper translates best bid/ask ticker payloads.
type BookTickerMapper struct{}

type rawBookTicker struct {
	BidPrice decimal.Decimal `json:"b"`
	BidQty   decimal.Decimal `json:"B"`
	AskPrice decimal.Decimal `json:"a"`
	AskQty   decimal.Decimal `json:"A"`
}

func (*BookTickerMapper) CanHandle(msg []byte) bool {
	return bytes.Contains(msg, []byte("@bookTicker"))
}

func (*BookTickerMapper) Filters(symbols []string) []feed.Filter {
	return []feed.Filter{{Channel: ChannelBookTicker, Symbols: symbols}}
}

func (*BookTickerMapper) Map(msg []byte, localTS time.Time) ([]feed.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, fmt.Errorf("binance: bookTicker envelope: %w", err)
	}
	symbol, err := symbolFromStream(env.Stream)
	if err != nil {
		return nil, err
	}

	var t rawBookTicker
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("binance: bookTicker payload: %w", err)
	}

	// Spot bookTicker carries no event time; local receipt time stands in.
	return []feed.Event{feed.BookTicker{
		EventMeta: meta(symbol, localTS, localTS),
		BidPrice:  t.BidPrice,
		BidAmount: t.BidQty,
		AskPrice:  t.AskPrice,
		AskAmount: t.AskQty,
	}}, nil
}

// Integration wires the Binance adapter and mappers into a registry entry.
func Integration() feed.Integration {
	return feed.Integration{
		NewAdapter: func() feed.Adapter { return NewAdapter() },
		NewMappers: Mappers,
	}
}
