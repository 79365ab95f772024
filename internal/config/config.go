package config

import "time"

// Config is the root configuration shared by the marketstream binaries.
type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Database DatabaseConfig `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Subscriptions seeds the client's channel→symbol ledger at startup,
	// e.g. {trades: [AAPL], quotes: [AAPL, MSFT]}.
	Subscriptions map[string][]string `yaml:"subscriptions"`
}

// FeedConfig holds market-data feed settings.
type FeedConfig struct {
	Key     string `yaml:"key"`     // API key ID
	Secret  string `yaml:"secret"`  // API secret
	Sandbox bool   `yaml:"sandbox"` // use the sandbox endpoint

	PingInterval         time.Duration `yaml:"ping_interval"`
	StalenessThreshold   time.Duration `yaml:"staleness_threshold"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BufferSize           int           `yaml:"buffer_size"`
}

// DatabaseConfig holds the TimescaleDB connection for recorded market data.
// Only the recorder binary requires it.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds batch writer settings.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
