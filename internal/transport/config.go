package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/crisscross/internal/protocol/stream"
)

var (
	ErrAddrRequired = errors.New("transport: addr required")
	ErrNodeRequired = errors.New("transport: node required")
)

// ServerConfig controls the listening side.
type ServerConfig struct {
	Node     string
	Addr     string
	ReadSize int
	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero waits indefinitely.
	IdleTimeout time.Duration
	TLS         TLSConfig
}

// ClientConfig controls the dialing side.
type ClientConfig struct {
	Node           string
	Addr           string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// MaxAttempts bounds dial retries; zero or less retries until the
	// context ends.
	MaxAttempts int
	Backoff     BackoffConfig
	TLS         TLSConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Node:     "crisscross",
		Addr:     ":7400",
		ReadSize: stream.DefaultReadSize,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Node:           "crisscross",
		Addr:           "127.0.0.1:7400",
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxAttempts:    5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Node) == "" {
		return ErrNodeRequired
	}
	if strings.TrimSpace(c.Addr) == "" {
		return ErrAddrRequired
	}
	if c.ReadSize < 0 {
		return fmt.Errorf("transport: read size must not be negative: %d", c.ReadSize)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("transport: idle timeout must not be negative: %v", c.IdleTimeout)
	}
	return c.TLS.validateServer()
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.Node) == "" {
		return ErrNodeRequired
	}
	if strings.TrimSpace(c.Addr) == "" {
		return ErrAddrRequired
	}
	if c.ConnectTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("transport: timeouts must not be negative")
	}
	if err := c.TLS.validateClient(); err != nil {
		return err
	}
	return c.Backoff.Validate()
}
