package meshportal

import (
	"fmt"
	"time"
)

// PortConfig describes one named port a guest's controller binds a handler
// to.
type PortConfig struct {
	Name string
}

// BindConfig is the set of named ports a guest advertises it can handle.
type BindConfig struct {
	Ports map[string]PortConfig
}

// Config holds the mandatory, positive timeouts and framing limits every
// portal on a connection must agree on. There is no zero
// value that is valid on its own — build one with NewConfig plus Options.
type Config struct {
	MaxBinSize     int
	BinParcelSize  int
	InitTimeout    time.Duration
	FrameTimeout   time.Duration
	ResponseTimeout time.Duration
	Bind           BindConfig
}

const (
	// DefaultMaxBinSize caps a single binary payload field on decode.
	DefaultMaxBinSize = 16 * 1024 * 1024
	// DefaultBinParcelSize is the chunk size a frame is split into, as
	// BinParcel frames, once its encoding exceeds this size.
	DefaultBinParcelSize = 128 * 1024
	// DefaultInitTimeout bounds how long a host portal waits for the guest
	// to reach Status(Ready) after Init is sent.
	DefaultInitTimeout = 15 * time.Second
	// DefaultFrameTimeout bounds any single channel send or socket write.
	DefaultFrameTimeout = 5 * time.Second
	// DefaultResponseTimeout bounds an exchange's round trip.
	DefaultResponseTimeout = 30 * time.Second
)

// Option configures a Config being built by NewConfig.
type Option func(*Config)

// WithMaxBinSize overrides the maximum single binary payload size.
func WithMaxBinSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxBinSize = n
		}
	}
}

// WithBinParcelSize overrides the chunk size oversized binary payloads are split into.
func WithBinParcelSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BinParcelSize = n
		}
	}
}

// WithInitTimeout overrides how long a host portal waits for guest readiness.
func WithInitTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitTimeout = d
		}
	}
}

// WithFrameTimeout overrides the ceiling on any single channel send or socket write.
func WithFrameTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.FrameTimeout = d
		}
	}
}

// WithResponseTimeout overrides the ceiling on an exchange's round trip.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ResponseTimeout = d
		}
	}
}

// WithPort registers a named port in the bind table.
func WithPort(name string) Option {
	return func(c *Config) {
		if c.Bind.Ports == nil {
			c.Bind.Ports = map[string]PortConfig{}
		}
		c.Bind.Ports[name] = PortConfig{Name: name}
	}
}

func defaultConfig() Config {
	return Config{
		MaxBinSize:      DefaultMaxBinSize,
		BinParcelSize:   DefaultBinParcelSize,
		InitTimeout:     DefaultInitTimeout,
		FrameTimeout:    DefaultFrameTimeout,
		ResponseTimeout: DefaultResponseTimeout,
		Bind:            BindConfig{Ports: map[string]PortConfig{}},
	}
}

// NewConfig builds a Config from library defaults plus the given Options,
// then validates it. All timeouts are mandatory and positive; NewConfig
// never returns a Config that violates that invariant silently.
func NewConfig(opts ...Option) (Config, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every size limit and timeout is positive.
func (c Config) Validate() error {
	if c.MaxBinSize <= 0 {
		return fmt.Errorf("%w: max_bin_size must be positive", ErrInvalidConfig)
	}
	if c.BinParcelSize <= 0 {
		return fmt.Errorf("%w: bin_parcel_size must be positive", ErrInvalidConfig)
	}
	if c.InitTimeout <= 0 {
		return fmt.Errorf("%w: init_timeout must be positive", ErrInvalidConfig)
	}
	if c.FrameTimeout <= 0 {
		return fmt.Errorf("%w: frame_timeout must be positive", ErrInvalidConfig)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("%w: response_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
