package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/dgpipe/internal/message"
	"github.com/danmuck/dgpipe/internal/protocol/codec"
	"github.com/danmuck/dgpipe/internal/protocol/frame"
	"github.com/danmuck/dgpipe/internal/protocol/tlv"
)

// BackoffConfig defines the delay between inbound put attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines socket, queue and codec settings for one pipeline.
type Config struct {
	// Name labels logs and metrics.
	Name string

	LocalHost string
	LocalPort int

	// RemoteHost/RemotePort are the default destination. Empty host means
	// every Enqueue must name its destination.
	RemoteHost string
	RemotePort int

	// PollInterval is the receive timeout; it bounds how long the receive
	// worker takes to notice shutdown.
	PollInterval time.Duration

	QueueCapacity int
	DatagramBytes int

	PutAttempts int
	PutTimeout  time.Duration
	PutBackoff  BackoffConfig
	MaxChars    int
	Compress    bool
}

func DefaultConfig() Config {
	return Config{
		Name:          "dgpipe",
		LocalHost:     "",
		LocalPort:     0,
		PollInterval:  10 * time.Second,
		QueueCapacity: 10_000,
		DatagramBytes: frame.DefaultDatagramBytes,
		PutAttempts:   4,
		PutTimeout:    time.Second,
		PutBackoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		MaxChars: message.DefaultMaxChars,
		Compress: false,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.DatagramBytes <= 0 {
		c.DatagramBytes = d.DatagramBytes
	}
	if c.PutAttempts <= 0 {
		c.PutAttempts = d.PutAttempts
	}
	if c.PutTimeout <= 0 {
		c.PutTimeout = d.PutTimeout
	}
	if c.PutBackoff == (BackoffConfig{}) {
		c.PutBackoff = d.PutBackoff
	}
	return c
}

// Validate checks construction-time settings; it does not resolve hosts.
func (c Config) Validate() error {
	if err := validatePort("local_port", c.LocalPort); err != nil {
		return err
	}
	if strings.TrimSpace(c.RemoteHost) != "" {
		if err := validatePort("remote_port", c.RemotePort); err != nil {
			return err
		}
	} else if c.RemotePort != 0 {
		return fmt.Errorf("%w: remote_port set without remote_host", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfig)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue_capacity must be positive", ErrInvalidConfig)
	}
	if c.PutAttempts <= 0 {
		return fmt.Errorf("%w: put_attempts must be positive", ErrInvalidConfig)
	}
	if c.PutTimeout <= 0 {
		return fmt.Errorf("%w: put_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxChars < 0 {
		return fmt.Errorf("%w: max_chars must not be negative", ErrInvalidConfig)
	}
	if c.MaxChars > 0 {
		need := frame.FixedHeaderLen + tlv.HeaderLen + 4*c.MaxChars
		if c.DatagramBytes < need {
			return fmt.Errorf("%w: datagram_bytes=%d cannot hold %d characters (need %d)",
				ErrInvalidConfig, c.DatagramBytes, c.MaxChars, need)
		}
	} else if c.DatagramBytes <= frame.FixedHeaderLen+tlv.HeaderLen {
		return fmt.Errorf("%w: datagram_bytes=%d too small", ErrInvalidConfig, c.DatagramBytes)
	}
	return nil
}

func (c Config) codecOptions() codec.Options {
	return codec.Options{
		MaxChars: c.MaxChars,
		Compress: c.Compress,
		Limits:   frame.Limits{MaxDatagramBytes: c.DatagramBytes},
	}
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %s must be from 0-65535, got %d", ErrInvalidConfig, name, port)
	}
	return nil
}
