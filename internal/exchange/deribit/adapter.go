// Package deribit implements the feed contracts for the Deribit JSON-RPC
// WebSocket API: trades (including liquidations), book snapshots/changes,
// and instrument tickers mapped to derivative tickers or option summaries.
package deribit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quiver-data/quiver/internal/feed"
)

const wsURL = "wss://www.deribit.com/ws/api/v2"

// Channel names accepted in filters.
const (
	ChannelTrades = "trades"
	ChannelBook   = "book"
	ChannelTicker = "ticker"
	ChannelIndex  = "index"
)

// request is the JSON-RPC 2.0 command envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Adapter implements feed.Adapter for Deribit.
type Adapter struct {
	url   string
	cmdID int
}

// NewAdapter creates a Deribit adapter for the production endpoint.
func NewAdapter() *Adapter {
	return &Adapter{url: wsURL}
}

func (a *Adapter) Exchange() feed.Exchange { return feed.ExchangeDeribit }

func (a *Adapter) URL() string { return a.url }

// SubscribeMessages builds a heartbeat request plus one public/subscribe
// covering every filter. Channel names follow Deribit conventions:
// trades.{instrument}.raw, book.{instrument}.raw, ticker.{instrument}.raw,
// deribit_price_index.{index}.
func (a *Adapter) SubscribeMessages(filters []feed.Filter) ([][]byte, error) {
	var channels []string
	for _, f := range filters {
		for _, symbol := range f.Symbols {
			ch, err := channelName(f.Channel, symbol)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return nil, nil
	}

	a.cmdID++
	heartbeat, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      a.cmdID,
		Method:  "public/set_heartbeat",
		Params:  map[string]any{"interval": 30},
	})
	if err != nil {
		return nil, err
	}

	a.cmdID++
	subscribe, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      a.cmdID,
		Method:  "public/subscribe",
		Params:  map[string]any{"channels": channels},
	})
	if err != nil {
		return nil, err
	}

	return [][]byte{heartbeat, subscribe}, nil
}

func channelName(channel, symbol string) (string, error) {
	switch channel {
	case ChannelTrades:
		return "trades." + symbol + ".raw", nil
	case ChannelBook:
		return "book." + symbol + ".raw", nil
	case ChannelTicker:
		return "ticker." + symbol + ".raw", nil
	case ChannelIndex:
		return "deribit_price_index." + strings.ToLower(symbol), nil
	default:
		return "", fmt.Errorf("deribit: unknown channel %q", channel)
	}
}

// IsHeartbeat reports server heartbeats and RPC acknowledgements. The
// periodic PingMessage below satisfies test_request heartbeats.
func (a *Adapter) IsHeartbeat(msg []byte) bool {
	if bytes.Contains(msg, []byte(`"method":"heartbeat"`)) {
		return true
	}
	return bytes.Contains(msg, []byte(`"result"`)) && !bytes.Contains(msg, []byte(`"method":"subscription"`))
}

// IsError reports JSON-RPC error payloads.
func (a *Adapter) IsError(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"error"`))
}

// PingMessage returns a public/test request, sent periodically so the
// server's heartbeat test_request never expires the connection.
func (a *Adapter) PingMessage() []byte {
	return []byte(`{"jsonrpc":"2.0","id":0,"method":"public/test"}`)
}
