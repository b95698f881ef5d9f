// Package config holds the node configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config stores every tunable of a node. CLI flags override Default().
type Config struct {
	ListenAddr string // UDP address of the node, e.g. "0.0.0.0:7070"
	BufferSize int    // datagram capacity used for fragmentation and receive

	Workers       int           // maximum concurrently running handlers
	Tries         int           // attempts per reliable send
	MinRTO        time.Duration // RTO before the first sample and its lower bound
	PendingTTL    time.Duration // age after which unanswered requests are purged
	SweepInterval time.Duration // period of pending/reassembly cleanup

	DBPath   string // sqlite peer list; empty disables persistence
	APIAddr  string // HTTP control API; empty disables it
	FeedAddr string // websocket event feed; empty disables it

	Debug bool
}

// Default returns the configuration used when no flag is given.
func Default() Config {
	return Config{
		ListenAddr:    "0.0.0.0:7070",
		BufferSize:    1024,
		Workers:       64,
		Tries:         4,
		MinRTO:        time.Second,
		PendingTTL:    10 * time.Minute,
		SweepInterval: 30 * time.Second,
		DBPath:        "roomchat.db",
		APIAddr:       "127.0.0.1:8080",
		FeedAddr:      "127.0.0.1:0",
	}
}

// minBufferSize leaves room for the largest fixed frame plus payload.
const minBufferSize = 64

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.BufferSize < minBufferSize || c.BufferSize > 65507 {
		errs = append(errs, fmt.Errorf("buffer size must be %d~65507, got %d", minBufferSize, c.BufferSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Tries < 1 {
		errs = append(errs, fmt.Errorf("tries must be positive, got %d", c.Tries))
	}
	if c.MinRTO <= 0 {
		errs = append(errs, fmt.Errorf("min RTO must be positive, got %s", c.MinRTO))
	}
	if c.PendingTTL <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("pending TTL and sweep interval must be positive"))
	}
	return errors.Join(errs...)
}
