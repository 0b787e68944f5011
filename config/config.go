package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/c360/zonestream/errors"
)

// World backend names
const (
	BackendMemory   = "memory"
	BackendManifest = "manifest"
	BackendNATS     = "nats"
)

// Config represents the complete application configuration
type Config struct {
	// StartZone is made focal once at startup. Empty leaves the scheduler idle.
	StartZone string `json:"start_zone,omitempty" env:"START_ZONE"`

	Streamer StreamerConfig `json:"streamer" envPrefix:"STREAMER_"`
	Loader   LoaderConfig   `json:"loader"   envPrefix:"LOADER_"`
	World    WorldConfig    `json:"world"    envPrefix:"WORLD_"`
	NATS     NATSConfig     `json:"nats"     envPrefix:"NATS_"`
	Events   EventsConfig   `json:"events"   envPrefix:"EVENTS_"`
	HTTP     HTTPConfig     `json:"http"     envPrefix:"HTTP_"`
	Metrics  MetricsConfig  `json:"metrics"  envPrefix:"METRICS_"`
	Tracing  TracingConfig  `json:"tracing"  envPrefix:"TRACING_"`
}

// StreamerConfig holds the scheduler options
type StreamerConfig struct {
	MaxNeighborDistance int           `json:"max_neighbor_distance" env:"MAX_NEIGHBOR_DISTANCE"`
	MaxLoadWaitTime     time.Duration `json:"max_load_wait_time"    env:"MAX_LOAD_WAIT_TIME"`
	DebugLogging        bool          `json:"debug_logging"         env:"DEBUG_LOGGING"`
}

// LoaderConfig sizes the load worker pool and its retry policy
type LoaderConfig struct {
	Workers           int           `json:"workers"             env:"WORKERS"`
	QueueSize         int           `json:"queue_size"          env:"QUEUE_SIZE"`
	MaxRetries        int           `json:"max_retries"         env:"MAX_RETRIES"`
	RetryInitialDelay time.Duration `json:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"     env:"RETRY_MAX_DELAY"`
	StopTimeout       time.Duration `json:"stop_timeout"        env:"STOP_TIMEOUT"`
}

// WorldConfig selects and configures the world backend
type WorldConfig struct {
	Backend        string        `json:"backend"                   env:"BACKEND"`
	ManifestDir    string        `json:"manifest_dir,omitempty"    env:"MANIFEST_DIR"`
	MemoryLatency  time.Duration `json:"memory_latency,omitempty"  env:"MEMORY_LATENCY"`
	SubjectPrefix  string        `json:"subject_prefix,omitempty"  env:"SUBJECT_PREFIX"`
	AdjacencyKV    string        `json:"adjacency_bucket,omitempty" env:"ADJACENCY_BUCKET"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty" env:"REQUEST_TIMEOUT"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"           env:"URLS" envSeparator:","`
	MaxReconnects int           `json:"max_reconnects,omitempty" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" env:"RECONNECT_WAIT"`
	Timeout       time.Duration `json:"timeout,omitempty"        env:"TIMEOUT"`
	Username      string        `json:"username,omitempty"       env:"USERNAME"`
	Password      string        `json:"password,omitempty"       env:"PASSWORD"`
	Token         string        `json:"token,omitempty"          env:"TOKEN"`
}

// EventsConfig controls where zone notifications are delivered
type EventsConfig struct {
	PublishNATS   bool   `json:"publish_nats"             env:"PUBLISH_NATS"`
	SubjectPrefix string `json:"subject_prefix,omitempty" env:"SUBJECT_PREFIX"`
	WebSocket     bool   `json:"websocket"                env:"WEBSOCKET"`
	ClientBuffer  int    `json:"client_buffer,omitempty"  env:"CLIENT_BUFFER"`
}

// HTTPConfig configures the status gateway. RateLimit is control requests
// per second; zero disables limiting.
type HTTPConfig struct {
	Enabled         bool          `json:"enabled"          env:"ENABLED"`
	Port            int           `json:"port"             env:"PORT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimit       float64       `json:"rate_limit"       env:"RATE_LIMIT"`
	RateBurst       int           `json:"rate_burst"       env:"RATE_BURST"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Port    int    `json:"port"    env:"PORT"`
	Path    string `json:"path"    env:"PATH"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string  `json:"endpoint,omitempty" env:"ENDPOINT"`
	Insecure    bool    `json:"insecure"           env:"INSECURE"`
	SampleRatio float64 `json:"sample_ratio"       env:"SAMPLE_RATIO"`
	ServiceName string  `json:"service_name"       env:"SERVICE_NAME"`
}

// Default returns the configuration used when no file sets a field
func Default() *Config {
	return &Config{
		Streamer: StreamerConfig{
			MaxNeighborDistance: 1,
			MaxLoadWaitTime:     10 * time.Second,
		},
		Loader: LoaderConfig{
			Workers:           4,
			QueueSize:         256,
			MaxRetries:        2,
			RetryInitialDelay: 50 * time.Millisecond,
			RetryMaxDelay:     time.Second,
			StopTimeout:       5 * time.Second,
		},
		World: WorldConfig{
			Backend:        BackendMemory,
			SubjectPrefix:  "zonestream.world",
			AdjacencyKV:    "ZONE_ADJACENCY",
			RequestTimeout: 5 * time.Second,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Events: EventsConfig{
			SubjectPrefix: "zones.events",
			ClientBuffer:  64,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
			RateBurst:       10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
			ServiceName: "zonestream",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapInvalid(err, "config", "Validate", "configuration check")
	}
	return nil
}

func (c *Config) validate() error {
	if c.Streamer.MaxNeighborDistance < 0 {
		return fmt.Errorf("streamer.max_neighbor_distance must be >= 0, got %d", c.Streamer.MaxNeighborDistance)
	}
	if c.Streamer.MaxLoadWaitTime <= 0 {
		return fmt.Errorf("streamer.max_load_wait_time must be positive, got %s", c.Streamer.MaxLoadWaitTime)
	}
	if c.Loader.Workers <= 0 {
		return fmt.Errorf("loader.workers must be positive, got %d", c.Loader.Workers)
	}
	if c.Loader.QueueSize <= 0 {
		return fmt.Errorf("loader.queue_size must be positive, got %d", c.Loader.QueueSize)
	}
	if c.Loader.MaxRetries < 0 {
		return fmt.Errorf("loader.max_retries must be >= 0, got %d", c.Loader.MaxRetries)
	}

	switch c.World.Backend {
	case BackendMemory:
	case BackendManifest:
		if c.World.ManifestDir == "" {
			return fmt.Errorf("world.manifest_dir is required for the %s backend", BackendManifest)
		}
	case BackendNATS:
		if !isValidSubject(c.World.SubjectPrefix) {
			return fmt.Errorf("world.subject_prefix %q is not a valid NATS subject", c.World.SubjectPrefix)
		}
		if len(c.NATS.URLs) == 0 {
			return fmt.Errorf("nats.urls is required for the %s backend", BackendNATS)
		}
	default:
		return fmt.Errorf("%w: world.backend %q (want %s, %s or %s)",
			errors.ErrUnknownBackend, c.World.Backend, BackendMemory, BackendManifest, BackendNATS)
	}

	if c.Events.PublishNATS {
		if !isValidSubject(c.Events.SubjectPrefix) {
			return fmt.Errorf("events.subject_prefix %q is not a valid NATS subject", c.Events.SubjectPrefix)
		}
		if len(c.NATS.URLs) == 0 {
			return fmt.Errorf("nats.urls is required when events.publish_nats is set")
		}
	}
	if c.HTTP.Enabled && !validPort(c.HTTP.Port) {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return fmt.Errorf("http.rate_limit and http.rate_burst must be >= 0")
	}
	if c.Metrics.Enabled {
		if !validPort(c.Metrics.Port) {
			return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1], got %g", c.Tracing.SampleRatio)
	}
	return nil
}

// NeedsNATS reports whether any configured component requires a NATS connection
func (c *Config) NeedsNATS() bool {
	return c.World.Backend == BackendNATS || c.Events.PublishNATS
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	return &clone
}

// String renders the configuration as JSON with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "****"
		}
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// isValidSubject checks a dotted NATS subject prefix: non-empty tokens of
// letters, digits, '-' and '_'.
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" {
			return false
		}
		for _, r := range token {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
				return false
			}
		}
	}
	return true
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
