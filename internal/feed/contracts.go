package feed

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Adapter is the per-exchange connection contract consumed by the pipeline.
// Implementations build venue subscribe payloads and classify raw inbound
// messages; the pipeline owns the socket and its lifecycle.
type Adapter interface {
	// Exchange returns the venue this adapter connects to.
	Exchange() Exchange

	// URL is the WebSocket endpoint to dial.
	URL() string

	// SubscribeMessages builds the outbound payloads that subscribe the
	// connection to the given filters. Called after every (re)connect.
	SubscribeMessages(filters []Filter) ([][]byte, error)

	// IsHeartbeat reports whether msg is a heartbeat or otherwise ignorable
	// control message that should not reach the mappers.
	IsHeartbeat(msg []byte) bool

	// IsError reports whether msg is an exchange-reported error payload
	// that requires tearing the connection down.
	IsError(msg []byte) bool

	// PingMessage returns the payload to send as an application-level ping,
	// or nil if the venue needs none.
	PingMessage() []byte
}

// Mapper translates raw venue messages into canonical events. Mappers are
// stateful within one pipeline run (e.g. cached index prices) but never own
// book state.
type Mapper interface {
	// CanHandle is a cheap discriminator evaluated before Map.
	CanHandle(msg []byte) bool

	// Filters returns the subscription intents for the given symbols.
	Filters(symbols []string) []Filter

	// Map translates one raw message into zero or more canonical events.
	// Some messages only update internal mapper state and yield nothing.
	Map(msg []byte, localTimestamp time.Time) ([]Event, error)
}

// Integration bundles the adapter and mapper constructors for one venue.
// Mappers are per-run: each pipeline run gets fresh instances so cached
// cross-message state never leaks across reconnect generations of other
// pipelines.
type Integration struct {
	NewAdapter func() Adapter
	NewMappers func() []Mapper
}

// Registry maps exchange identifiers to their integrations. The zero value
// is unusable; use NewRegistry.
type Registry struct {
	mu           sync.RWMutex
	integrations map[Exchange]Integration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{integrations: make(map[Exchange]Integration)}
}

// Register adds or replaces the integration for an exchange.
func (r *Registry) Register(exchange Exchange, integ Integration) {
	r.mu.Lock()
	r.integrations[exchange] = integ
	r.mu.Unlock()
}

// Lookup returns the integration for an exchange, or an error naming the
// supported venues when it is unknown.
func (r *Registry) Lookup(exchange Exchange) (Integration, error) {
	r.mu.RLock()
	integ, ok := r.integrations[exchange]
	r.mu.RUnlock()
	if !ok {
		return Integration{}, fmt.Errorf("%w: %q (supported: %v)",
			ErrUnsupportedExchange, exchange, r.Exchanges())
	}
	return integ, nil
}

// Exchanges returns the registered exchange identifiers, sorted.
func (r *Registry) Exchanges() []Exchange {
	r.mu.RLock()
	out := make([]Exchange, 0, len(r.integrations))
	for ex := range r.integrations {
		out = append(out, ex)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
