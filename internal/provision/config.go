package provision

import "time"

// Config holds orchestrator limits. Zero values use the defaults.
type Config struct {
	Concurrency     int           // Parallel secrets per run. Default: 4
	StoreTimeout    time.Duration // Per store or grant call. Default: 15s
	ConfirmTimeout  time.Duration // Shared propagation deadline. Default: 60s
	PollInterval    time.Duration // First confirmation poll interval. Default: 2s
	MaxPollInterval time.Duration // Poll backoff ceiling. Default: 15s
}

func (c Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 4
}

func (c Config) storeTimeout() time.Duration {
	if c.StoreTimeout > 0 {
		return c.StoreTimeout
	}
	return 15 * time.Second
}

func (c Config) confirmTimeout() time.Duration {
	if c.ConfirmTimeout > 0 {
		return c.ConfirmTimeout
	}
	return 60 * time.Second
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 2 * time.Second
}

func (c Config) maxPollInterval() time.Duration {
	if c.MaxPollInterval > 0 {
		return c.MaxPollInterval
	}
	return 15 * time.Second
}
