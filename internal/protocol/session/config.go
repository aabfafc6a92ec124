package session

import (
	"time"

	"github.com/danmuck/pktlink/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior for callers that retry Connect.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// HeaderValidator inspects a decoded header before its packet is returned.
// A non-nil error marks the packet malformed.
type HeaderValidator func(frame.Header) error

// Config defines transport defaults for one client.
type Config struct {
	ConnectTimeout time.Duration
	// ReadTimeout bounds a single Receive call; zero means only ctx bounds it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadBufferSize is the chunk size used per socket read.
	ReadBufferSize int
	NoDelay        bool
	// AllowedCommands, when non-empty, rejects every other command on receive.
	AllowedCommands []uint8
	ValidateHeader  HeaderValidator
	Backoff         BackoffConfig
}

// DefaultConfig returns the link defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    0,
		WriteTimeout:   5 * time.Second,
		ReadBufferSize: 4096,
		NoDelay:        true,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

func (c Config) checkHeader(h frame.Header) error {
	if len(c.AllowedCommands) > 0 {
		allowed := false
		for _, cmd := range c.AllowedCommands {
			if cmd == h.Command {
				allowed = true
				break
			}
		}
		if !allowed {
			return errCommandNotAllowed(h.Command)
		}
	}
	if c.ValidateHeader != nil {
		return c.ValidateHeader(h)
	}
	return nil
}
