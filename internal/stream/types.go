package stream

import (
	"errors"
	"time"
)

// Errors
var (
	ErrClosed       = errors.New("client closed")
	ErrNotConnected = errors.New("not connected")
	ErrDisconnected = errors.New("disconnected while connect pending")
	ErrMaxAttempts  = errors.New("reconnect attempts exhausted")
	ErrStale        = errors.New("connection stale (no liveness signal)")
)

// State is the connection state. Exactly one state is active at a time;
// transitions are owned exclusively by the client run loop.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateAuthenticating   State = "authenticating"
	StateStreaming        State = "streaming"
	StateReconnectWaiting State = "reconnect_waiting"
	StateFailed           State = "failed"
)

// Event names emitted on the client's bus.
const (
	EventAuthenticated = "authenticated"
	EventSubscription  = "subscription"
	EventError         = "error"
	EventTrade         = "trade"
	EventQuote         = "quote"
	EventBar           = "bar"
	EventStatus        = "status"
	EventLULD          = "luld"
	EventCorrection    = "correction"
	EventFailed        = "failed"
)

// Channel names accepted by Subscribe/Unsubscribe. Channel names double as
// the JSON key carrying symbol lists in outbound commands.
const (
	ChannelTrades      = "trades"
	ChannelQuotes      = "quotes"
	ChannelBars        = "bars"
	ChannelStatuses    = "statuses"
	ChannelLULDs       = "lulds"
	ChannelCorrections = "corrections"
)

// Feed endpoints. Production and sandbox are selected by Config.Sandbox.
const (
	ProductionURL = "wss://stream.data.alpaca.markets/v2/iex"
	SandboxURL    = "wss://stream.data.sandbox.alpaca.markets/v2/iex"
)

// Credentials is the opaque key/secret pair supplied at construction. It is
// never mutated by the client.
type Credentials struct {
	Key    string
	Secret string
}

// Config configures the streaming client.
type Config struct {
	Credentials Credentials

	// Sandbox selects the sandbox endpoint instead of production.
	Sandbox bool

	// URL overrides endpoint selection entirely (tests, proxies).
	URL string

	PingInterval       time.Duration // heartbeat probe interval
	StalenessThreshold time.Duration // max silence before the connection is declared dead

	ReconnectBaseDelay   time.Duration // first backoff delay
	ReconnectMaxDelay    time.Duration // backoff cap
	MaxReconnectAttempts int           // consecutive failures before giving up

	WriteTimeout time.Duration // write deadline for outbound commands
	BufferSize   int           // mailbox buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:         30 * time.Second,
		StalenessThreshold:   60 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
		WriteTimeout:         5 * time.Second,
		BufferSize:           1000,
	}
}

// endpoint resolves the feed URL for this config.
func (c Config) endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Sandbox {
		return SandboxURL
	}
	return ProductionURL
}

// applyDefaults fills zero-valued tunables from DefaultConfig.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = def.StalenessThreshold
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
}

// ClientStats provides a point-in-time view of client counters.
type ClientStats struct {
	State             State
	ReconnectAttempts int
	FramesReceived    int64
	RecordsDispatched int64
	ParseErrors       int64
	Reconnects        int64
	Subscriptions     int
}
