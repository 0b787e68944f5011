package streamer

import (
	"fmt"
	"time"

	"github.com/c360/zonestream/errors"
)

// Config holds the scheduler options
type Config struct {
	// MaxNeighborDistance is the BFS radius kept resident around the focal zone.
	MaxNeighborDistance int `json:"max_neighbor_distance"`

	// MaxLoadWaitTime bounds each wait phase of a cycle.
	MaxLoadWaitTime time.Duration `json:"max_load_wait_time"`

	// DebugLogging traces focal changes, expansion and eviction. It only
	// takes effect when the logger has debug level enabled.
	DebugLogging bool `json:"debug_logging"`
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		MaxNeighborDistance: 1,
		MaxLoadWaitTime:     10 * time.Second,
	}
}

// Validate checks the option ranges
func (c Config) Validate() error {
	if c.MaxNeighborDistance < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max_neighbor_distance %d", errors.ErrInvalidConfig, c.MaxNeighborDistance),
			"streamer", "Validate", "check max_neighbor_distance")
	}
	if c.MaxLoadWaitTime <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max_load_wait_time %s", errors.ErrInvalidConfig, c.MaxLoadWaitTime),
			"streamer", "Validate", "check max_load_wait_time")
	}
	return nil
}
