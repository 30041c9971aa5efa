package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct. Every field can be set from the
// YAML file and overridden by a VIEWSTORE_* environment variable.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Dispatch  DispatchConfig  `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Ingest    IngestConfig    `yaml:"ingest" envPrefix:"INGEST_"`
	Repair    RepairConfig    `yaml:"repair" envPrefix:"REPAIR_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Sensor    SensorConfig    `yaml:"sensor" envPrefix:"SENSOR_"`
}

// ServerConfig holds the admin HTTP listener settings.
type ServerConfig struct {
	Address      string   `yaml:"address" env:"ADDRESS"`
	Port         int      `yaml:"port" env:"PORT"`
	ReadTimeout  Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// AdminToken, when set, is required as a bearer token on /admin routes.
	AdminToken string `yaml:"admin_token" env:"ADMIN_TOKEN"`
	RateLimit  struct {
		RPS   float64 `yaml:"rps" env:"RPS"`
		Burst int     `yaml:"burst" env:"BURST"`
	} `yaml:"rate_limit" envPrefix:"RATE_"`
}

type StoreConfig struct {
	Path       string    `yaml:"path" env:"PATH"`
	DisableWAL bool      `yaml:"disable_wal" env:"DISABLE_WAL"`
	Sync       bool      `yaml:"sync" env:"SYNC"`
	CacheSize  SizeBytes `yaml:"cache_size" env:"CACHE_SIZE"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Sink   string `yaml:"sink" env:"SINK"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DispatchConfig tunes the view dispatcher.
type DispatchConfig struct {
	// Strict panics on registry mutation during a dispatch; intended for
	// debug builds and tests.
	Strict        bool `yaml:"strict" env:"STRICT"`
	QueueCapacity int  `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	StreamBacklog int  `yaml:"stream_backlog" env:"STREAM_BACKLOG"`
}

// IngestConfig controls write coalescing on the admin ingest endpoint.
type IngestConfig struct {
	MaxBatch      int      `yaml:"max_batch" env:"MAX_BATCH"`
	FlushInterval Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// RepairConfig schedules the external-consistency sweep over live views.
type RepairConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Cron    string `yaml:"cron" env:"CRON"`
	// RPS and Burst pace per-view refreshes during a sweep.
	RPS     float64  `yaml:"rps" env:"RPS"`
	Burst   int      `yaml:"burst" env:"BURST"`
	Timeout Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TelemetryConfig controls trace sampling and the trace file sink.
type TelemetryConfig struct {
	Enabled       bool      `yaml:"enabled" env:"ENABLED"`
	Dir           string    `yaml:"dir" env:"DIR"`
	SampleRate    float64   `yaml:"sample_rate" env:"SAMPLE_RATE"`
	BufferSize    SizeBytes `yaml:"buffer_size" env:"BUFFER_SIZE"`
	FileMaxSize   SizeBytes `yaml:"file_max_size" env:"FILE_MAX_SIZE"`
	FlushInterval Duration  `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	QueueCapacity int       `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
}

// SensorConfig sets the thresholds of the resource monitor. Disk usage is
// measured on the filesystem holding the store.
type SensorConfig struct {
	Enabled        bool     `yaml:"enabled" env:"ENABLED"`
	PollInterval   Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	DiskHighPct    int      `yaml:"disk_high_pct" env:"DISK_HIGH_PCT"`
	DiskLowPct     int      `yaml:"disk_low_pct" env:"DISK_LOW_PCT"`
	MemHighPct     int      `yaml:"mem_high_pct" env:"MEM_HIGH_PCT"`
	RecoveryWindow Duration `yaml:"recovery_window" env:"RECOVERY_WINDOW"`
}

// SizeBytes represents a number of bytes, parsed from human-friendly strings
// like "64MB" or plain integers.
type SizeBytes int64

func parseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalText lets environment overrides use the same syntax as YAML.
func (s *SizeBytes) UnmarshalText(b []byte) error {
	v, err := parseSizeBytes(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration wraps time.Duration and parses strings like "100ms" or plain
// numbers (interpreted as seconds).
type Duration time.Duration

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
