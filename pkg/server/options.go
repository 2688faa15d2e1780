package server

import (
	"log/slog"

	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/group"
	"github.com/relves/groupsync/pkg/ucan"
)

// Config holds handler configuration.
type Config struct {
	Dispatcher *group.Dispatcher
	Issuer     *ucan.Issuer
	// Checkpoints signs /checkpoint responses; the endpoint is absent without it.
	Checkpoints *eventlog.Signer
	// Origin prefixes checkpoint origins, one line per group: "<origin>/<groupID>".
	Origin string
	// Health reports readiness for /healthz. Nil means always ready.
	Health func() error
	Logger *slog.Logger
}

// Option configures the handler.
type Option func(*Config)

// WithDispatcher sets the group dispatcher. Required.
func WithDispatcher(d *group.Dispatcher) Option {
	return func(c *Config) {
		c.Dispatcher = d
	}
}

// WithIssuer sets the UCAN issuer used for invites and revocations.
func WithIssuer(i *ucan.Issuer) Option {
	return func(c *Config) {
		c.Issuer = i
	}
}

// WithCheckpoints enables signed checkpoints under the given origin.
func WithCheckpoints(s *eventlog.Signer, origin string) Option {
	return func(c *Config) {
		c.Checkpoints = s
		c.Origin = origin
	}
}

// WithHealthCheck sets the readiness probe.
func WithHealthCheck(fn func() error) Option {
	return func(c *Config) {
		c.Health = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
