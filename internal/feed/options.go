package feed

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned during stream construction. These are the only
// errors a pipeline reports before I/O begins; everything after that is
// recovered internally.
var (
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrUnsupportedChannel  = errors.New("unsupported channel for exchange")
	ErrNoSymbols           = errors.New("at least one symbol is required")
	ErrInvalidTimeout      = errors.New("timeout interval must be positive")
)

// StreamOptions configures one pipeline run for a single exchange.
type StreamOptions struct {
	Exchange Exchange
	Symbols  []string

	// Channels optionally restricts which mapper channels are subscribed.
	// Empty means every channel the exchange's mappers provide.
	Channels []string

	// WithDisconnectMessages emits a synthetic Disconnect event per tracked
	// symbol whenever the connection transitions into reconnecting.
	WithDisconnectMessages bool

	// Timeout is the staleness interval: maximum silence on the connection
	// before it is torn down and re-established. Zero selects the default.
	Timeout time.Duration

	// OnError, when set, receives recoverable errors (malformed messages,
	// mapper failures) without interrupting the stream.
	OnError func(error)

	// Buffer is the output channel capacity. Zero selects the default;
	// once full, the pipeline blocks rather than dropping events.
	Buffer int
}

const (
	defaultTimeout = 30 * time.Second
	defaultBuffer  = 1024
)

// validate applies fail-fast checks before any I/O begins.
func (o *StreamOptions) validate() error {
	if len(o.Symbols) == 0 {
		return fmt.Errorf("%w (exchange %q)", ErrNoSymbols, o.Exchange)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTimeout, o.Timeout)
	}
	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	return nil
}

// restrictFilters drops filters whose channel is not in the requested set.
// Requesting a channel no mapper provides is a configuration error.
func restrictFilters(filters []Filter, channels []string) ([]Filter, error) {
	if len(channels) == 0 {
		return filters, nil
	}

	available := make(map[string]bool, len(filters))
	for _, f := range filters {
		available[f.Channel] = true
	}

	want := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if !available[ch] {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, ch)
		}
		want[ch] = true
	}

	out := filters[:0]
	for _, f := range filters {
		if want[f.Channel] {
			out = append(out, f)
		}
	}
	return out, nil
}
