package deribit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quiver-data/quiver/internal/book"
	"github.com/quiver-data/quiver/internal/feed"
)

// notification is the subscription envelope around every data payload.
type notification struct {
	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

func meta(symbol string, ts, localTS time.Time) feed.EventMeta {
	return feed.EventMeta{
		Exchange:       feed.ExchangeDeribit,
		Symbol:         symbol,
		Timestamp:      ts,
		LocalTimestamp: localTS,
	}
}

func side(direction string) feed.TradeSide {
	switch direction {
	case "buy":
		return feed.SideBuy
	case "sell":
		return feed.SideSell
	default:
		return feed.SideUnknown
	}
}

// indexFor maps an instrument like "BTC-PERPETUAL" to its price index name.
func indexFor(instrument string) string {
	i := strings.IndexByte(instrument, '-')
	if i <= 0 {
		return ""
	}
	return strings.ToLower(instrument[:i]) + "_usd"
}

// isOption reports whether an instrument name is an option (call or put),
// e.g. "BTC-27JUN25-60000-C".
func isOption(instrument string) bool {
	return strings.HasSuffix(instrument, "-C") || strings.HasSuffix(instrument, "-P")
}

// Mappers returns fresh mapper instances for one pipeline run.
func Mappers() []feed.Mapper {
	return []feed.Mapper{&TradesMapper{}, &BookMapper{}, NewTickerMapper()}
}

// TradesMapper translates trade notifications, emitting a Liquidation
// alongside the Trade when the venue flags one.
type TradesMapper struct{}

type rawTrade struct {
	TradeID     string          `json:"trade_id"`
	Instrument  string          `json:"instrument_name"`
	Timestamp   int64           `json:"timestamp"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   string          `json:"direction"`
	Liquidation string          `json:"liquidation"`
}

func (*TradesMapper) CanHandle(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"channel":"trades.`))
}

func (*TradesMapper) Filters(symbols []string) []feed.Filter {
	return []feed.Filter{{Channel: ChannelTrades, Symbols: symbols}}
}

func (*TradesMapper) Map(msg []byte, localTS time.Time) ([]feed.Event, error) {
	var n notification
	if err := json.Unmarshal(msg, &n); err != nil {
		return nil, fmt.Errorf("deribit: trades envelope: %w", err)
	}

	var trades []rawTrade
	if err := json.Unmarshal(n.Params.Data, &trades); err != nil {
		return nil, fmt.Errorf("deribit: trades payload: %w", err)
	}

	var events []feed.Event
	for _, t := range trades {
		m := meta(t.Instrument, time.UnixMilli(t.Timestamp).UTC(), localTS)
		events = append(events, feed.Trade{
			EventMeta: m,
			ID:        t.TradeID,
			Price:     t.Price,
			Amount:    t.Amount,
			Side:      side(t.Direction),
		})
		if t.Liquidation != "" {
			events = append(events, feed.Liquidation{
				EventMeta: m,
				ID:        t.TradeID,
				Price:     t.Price,
				Amount:    t.Amount,
				Side:      side(t.Direction),
			})
		}
	}
	return events, nil
}

// BookMapper translates book notifications. Deribit levels are
// [action, price, amount] triples; "delete" actions map to amount zero.
type BookMapper struct{}

type rawBookLevel struct {
	Action string
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (l *rawBookLevel) UnmarshalJSON(b []byte) error {
	var parts [3]json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[0], &l.Action); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[1], &l.Price); err != nil {
		return err
	}
	return json.Unmarshal(parts[2], &l.Amount)
}

type rawBook struct {
	Type       string         `json:"type"`
	Timestamp  int64          `json:"timestamp"`
	Instrument string         `json:"instrument_name"`
	Bids       []rawBookLevel `json:"bids"`
	Asks       []rawBookLevel `json:"asks"`
}

func (*BookMapper) CanHandle(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"channel":"book.`))
}

func (*BookMapper) Filters(symbols []string) []feed.Filter {
	return []feed.Filter{{Channel: ChannelBook, Symbols: symbols}}
}

func (*BookMapper) Map(msg []byte, localTS time.Time) ([]feed.Event, error) {
	var n notification
	if err := json.Unmarshal(msg, &n); err != nil {
		return nil, fmt.Errorf("deribit: book envelope: %w", err)
	}

	var b rawBook
	if err := json.Unmarshal(n.Params.Data, &b); err != nil {
		return nil, fmt.Errorf("deribit: book payload: %w", err)
	}

	return []feed.Event{feed.BookChange{
		EventMeta:  meta(b.Instrument, time.UnixMilli(b.Timestamp).UTC(), localTS),
		IsSnapshot: b.Type == "snapshot",
		Bids:       toLevels(b.Bids),
		Asks:       toLevels(b.Asks),
	}}, nil
}

func toLevels(raw []rawBookLevel) []book.Level {
	out := make([]book.Level, len(raw))
	for i, l := range raw {
		amount := l.Amount
		if l.Action == "delete" {
			amount = decimal.Zero
		}
		out[i] = book.Level{Price: l.Price, Amount: amount}
	}
	return out
}

// TickerMapper translates ticker notifications into derivative tickers or
// option summaries. It also consumes index-price notifications, caching the
// latest value per index so a ticker arriving before its index still maps
// (with a zero index) and later ones fill it in. Arrival order between the
// two channels is not guaranteed by the venue.
type TickerMapper struct {
	indexes map[string]decimal.Decimal
}

// NewTickerMapper creates a TickerMapper with an empty index cache.
func NewTickerMapper() *TickerMapper {
	return &TickerMapper{indexes: make(map[string]decimal.Decimal)}
}

type rawGreeks struct {
	Delta decimal.Decimal `json:"delta"`
	Gamma decimal.Decimal `json:"gamma"`
	Vega  decimal.Decimal `json:"vega"`
	Theta decimal.Decimal `json:"theta"`
	Rho   decimal.Decimal `json:"rho"`
}

type rawTicker struct {
	Instrument      string          `json:"instrument_name"`
	Timestamp       int64           `json:"timestamp"`
	LastPrice       decimal.Decimal `json:"last_price"`
	OpenInterest    decimal.Decimal `json:"open_interest"`
	CurrentFunding  decimal.Decimal `json:"current_funding"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	MarkIV          decimal.Decimal `json:"mark_iv"`
	BidIV           decimal.Decimal `json:"bid_iv"`
	AskIV           decimal.Decimal `json:"ask_iv"`
	UnderlyingPrice decimal.Decimal `json:"underlying_price"`
	Greeks          rawGreeks       `json:"greeks"`
}

type rawIndex struct {
	IndexName string          `json:"index_name"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

func (*TickerMapper) CanHandle(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"channel":"ticker.`)) ||
		bytes.Contains(msg, []byte(`"channel":"deribit_price_index.`))
}

func (*TickerMapper) Filters(symbols []string) []feed.Filter {
	indexes := make(map[string]bool)
	for _, s := range symbols {
		if idx := indexFor(s); idx != "" {
			indexes[idx] = true
		}
	}
	filters := []feed.Filter{{Channel: ChannelTicker, Symbols: symbols}}
	if len(indexes) > 0 {
		names := make([]string, 0, len(indexes))
		for idx := range indexes {
			names = append(names, idx)
		}
		filters = append(filters, feed.Filter{Channel: ChannelIndex, Symbols: names})
	}
	return filters
}

func (tm *TickerMapper) Map(msg []byte, localTS time.Time) ([]feed.Event, error) {
	var n notification
	if err := json.Unmarshal(msg, &n); err != nil {
		return nil, fmt.Errorf("deribit: ticker envelope: %w", err)
	}

	if strings.HasPrefix(n.Params.Channel, "deribit_price_index.") {
		var idx rawIndex
		if err := json.Unmarshal(n.Params.Data, &idx); err != nil {
			return nil, fmt.Errorf("deribit: index payload: %w", err)
		}
		// State-only update: index ticks yield no canonical events.
		tm.indexes[idx.IndexName] = idx.Price
		return nil, nil
	}

	var t rawTicker
	if err := json.Unmarshal(n.Params.Data, &t); err != nil {
		return nil, fmt.Errorf("deribit: ticker payload: %w", err)
	}

	m := meta(t.Instrument, time.UnixMilli(t.Timestamp).UTC(), localTS)

	if isOption(t.Instrument) {
		return []feed.Event{feed.OptionSummary{
			EventMeta:       m,
			UnderlyingPrice: t.UnderlyingPrice,
			MarkPrice:       t.MarkPrice,
			MarkIV:          t.MarkIV,
			BidIV:           t.BidIV,
			AskIV:           t.AskIV,
			Delta:           t.Greeks.Delta,
			Gamma:           t.Greeks.Gamma,
			Vega:            t.Greeks.Vega,
			Theta:           t.Greeks.Theta,
			Rho:             t.Greeks.Rho,
			OpenInterest:    t.OpenInterest,
		}}, nil
	}

	indexPrice := t.IndexPrice
	if indexPrice.IsZero() {
		indexPrice = tm.indexes[indexFor(t.Instrument)]
	}

	return []feed.Event{feed.DerivativeTicker{
		EventMeta:    m,
		LastPrice:    t.LastPrice,
		OpenInterest: t.OpenInterest,
		FundingRate:  t.CurrentFunding,
		IndexPrice:   indexPrice,
		MarkPrice:    t.MarkPrice,
	}}, nil
}

// Integration wires the Deribit adapter and mappers into a registry entry.
func Integration() feed.Integration {
	return feed.Integration{
		NewAdapter: func() feed.Adapter { return NewAdapter() },
		NewMappers: Mappers,
	}
}
