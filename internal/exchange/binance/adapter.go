// Package binance implements the feed contracts for Binance spot combined
// streams: trades, incremental depth, partial-book snapshots and the best
// bid/ask ticker.
package binance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quiver-data/quiver/internal/feed"
)

const wsURL = "wss://stream.binance.com:9443/stream"

// Channel names accepted in filters.
const (
	ChannelTrade         = "trade"
	ChannelDepth         = "depth"
	ChannelDepthSnapshot = "depthSnapshot"
	ChannelBookTicker    = "bookTicker"
)

// subscribeMsg is the combined-stream subscription envelope.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// Adapter implements feed.Adapter for Binance spot.
type Adapter struct {
	url   string
	cmdID int
}

// NewAdapter creates a Binance adapter for the production endpoint.
func NewAdapter() *Adapter {
	return &Adapter{url: wsURL}
}

func (a *Adapter) Exchange() feed.Exchange { return feed.ExchangeBinance }

func (a *Adapter) URL() string { return a.url }

// SubscribeMessages builds one SUBSCRIBE payload covering every filter.
// Stream names are "<symbol>@<suffix>" with lowercase symbols.
func (a *Adapter) SubscribeMessages(filters []feed.Filter) ([][]byte, error) {
	var params []string
	for _, f := range filters {
		suffix, err := streamSuffix(f.Channel)
		if err != nil {
			return nil, err
		}
		for _, symbol := range f.Symbols {
			params = append(params, strings.ToLower(symbol)+"@"+suffix)
		}
	}
	if len(params) == 0 {
		return nil, nil
	}

	a.cmdID++
	msg, err := json.Marshal(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: a.cmdID})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func streamSuffix(channel string) (string, error) {
	switch channel {
	case ChannelTrade:
		return "trade", nil
	case ChannelDepth:
		return "depth@100ms", nil
	case ChannelDepthSnapshot:
		return "depth20@100ms", nil
	case ChannelBookTicker:
		return "bookTicker", nil
	default:
		return "", fmt.Errorf("binance: unknown channel %q", channel)
	}
}

// IsHeartbeat reports subscription acknowledgements, which carry a
// "result" field and no stream payload. Protocol-level pings are answered
// by the websocket layer and never reach here.
func (a *Adapter) IsHeartbeat(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"result"`)) && !bytes.Contains(msg, []byte(`"stream"`))
}

// IsError reports exchange error payloads.
func (a *Adapter) IsError(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"error"`))
}

// PingMessage returns nil: Binance pings the client, not the reverse.
func (a *Adapter) PingMessage() []byte { return nil }
