package chatsync

import (
	"time"

	"go.uber.org/zap"
)

// Defaults for Config fields left zero.
const (
	DefaultConfirmTimeout   = 20 * time.Second
	DefaultReconnectTimeout = 8 * time.Second
	DefaultPollGrace        = 10 * time.Second
	DefaultPollInterval     = 10 * time.Second
	DefaultQueueSize        = 256
	DefaultMaxContentLength = 4000
	DefaultReadTimeout      = 15 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// Config tunes a Session.
type Config struct {
	// ConfirmTimeout bounds the first subscribe of a channel.
	ConfirmTimeout time.Duration
	// ReconnectTimeout bounds each resubscribe.
	ReconnectTimeout time.Duration
	Backoff          BackoffPolicy

	// PollGrace is how long an open room may go without a confirmed
	// subscription before fallback polling starts.
	PollGrace    time.Duration
	PollInterval time.Duration

	// QueueSize bounds the session event queue and each subscription's
	// event buffer.
	QueueSize        int
	MaxContentLength int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = DefaultReconnectTimeout
	}
	c.Backoff.defaults()
	if c.PollGrace <= 0 {
		c.PollGrace = DefaultPollGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func (c Config) subscription() SubscriptionConfig {
	return SubscriptionConfig{
		ConfirmTimeout:   c.ConfirmTimeout,
		ReconnectTimeout: c.ReconnectTimeout,
		Backoff:          c.Backoff,
		QueueSize:        c.QueueSize,
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithConfig replaces the session configuration. Zero fields take defaults.
func WithConfig(cfg Config) SessionOption {
	return func(s *Session) { s.cfg = cfg }
}

// WithLogger sets the logger used by the session and its components.
func WithLogger(log *zap.Logger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source for optimistic entries.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}
