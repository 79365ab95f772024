package config

import (
	"errors"
	"fmt"
)

// knownChannels are the subscription channel names the feed accepts.
var knownChannels = map[string]bool{
	"trades":      true,
	"quotes":      true,
	"bars":        true,
	"statuses":    true,
	"lulds":       true,
	"corrections": true,
}

// Validate checks that all required fields are set and values are valid.
// The database section is validated only when a host is configured, since
// the console viewer runs without one.
func (c *Config) Validate() error {
	if c.Feed.Key == "" {
		return errors.New("feed.key is required")
	}
	if c.Feed.Secret == "" {
		return errors.New("feed.secret is required")
	}
	if c.Feed.MaxReconnectAttempts < 1 {
		return errors.New("feed.max_reconnect_attempts must be >= 1")
	}
	if c.Feed.ReconnectBaseDelay > c.Feed.ReconnectMaxDelay {
		return fmt.Errorf("feed.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Feed.ReconnectBaseDelay, c.Feed.ReconnectMaxDelay)
	}
	if c.Feed.StalenessThreshold < c.Feed.PingInterval {
		return fmt.Errorf("feed.staleness_threshold (%s) must be >= ping_interval (%s)",
			c.Feed.StalenessThreshold, c.Feed.PingInterval)
	}

	for channel := range c.Subscriptions {
		if !knownChannels[channel] {
			return fmt.Errorf("subscriptions: unknown channel %q", channel)
		}
	}

	if c.Database.Timescale.Host != "" {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	}

	if c.Recorder.BatchSize < 1 {
		return errors.New("recorder.batch_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
