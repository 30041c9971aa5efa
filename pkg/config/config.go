package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 8080
	defaultStorePath     = "./.database"
	defaultReadTimeout   = 10 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultRateRPS       = 100
	defaultRateBurst     = 200
	defaultLogLevel      = "info"
	defaultQueueCapacity = 1024
	defaultStreamBacklog = 64
	// ingest
	defaultIngestMaxBatch      = 256
	defaultIngestFlushInterval = 5 * time.Millisecond
	// repair
	defaultRepairCron    = "*/15 * * * *"
	defaultRepairRPS     = 50
	defaultRepairBurst   = 10
	defaultRepairTimeout = 5 * time.Minute
	// telemetry
	defaultTelemetryDir           = "./.telemetry"
	defaultTelemetrySampleRate    = 0.001
	defaultTelemetryBufferSize    = 1 * 1024 * 1024
	defaultTelemetryFileMaxSize   = 40 * 1024 * 1024
	defaultTelemetryFlushInterval = 2 * time.Second
	defaultTelemetryQueueCapacity = 2048
	// sensor
	defaultSensorPollInterval   = 30 * time.Second
	defaultSensorDiskHighPct    = 90
	defaultSensorDiskLowPct     = 80
	defaultSensorMemHighPct     = 90
	defaultSensorRecoveryWindow = 5 * time.Minute
)

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file. A missing file yields an
// error that satisfies errors.Is(err, os.ErrNotExist).
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s: %w", path, err)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(defaultReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if c.Server.RateLimit.RPS <= 0 {
		c.Server.RateLimit.RPS = defaultRateRPS
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = defaultRateBurst
	}

	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}

	if c.Dispatch.QueueCapacity <= 0 {
		c.Dispatch.QueueCapacity = defaultQueueCapacity
	}
	if c.Dispatch.StreamBacklog <= 0 {
		c.Dispatch.StreamBacklog = defaultStreamBacklog
	}

	if c.Ingest.MaxBatch <= 0 {
		c.Ingest.MaxBatch = defaultIngestMaxBatch
	}
	if c.Ingest.FlushInterval == 0 {
		c.Ingest.FlushInterval = Duration(defaultIngestFlushInterval)
	}

	if c.Repair.Cron == "" {
		c.Repair.Cron = defaultRepairCron
	}
	if c.Repair.RPS <= 0 {
		c.Repair.RPS = defaultRepairRPS
	}
	if c.Repair.Burst <= 0 {
		c.Repair.Burst = defaultRepairBurst
	}
	if c.Repair.Timeout == 0 {
		c.Repair.Timeout = Duration(defaultRepairTimeout)
	}

	if c.Telemetry.Dir == "" {
		c.Telemetry.Dir = defaultTelemetryDir
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = defaultTelemetrySampleRate
	}
	if c.Telemetry.BufferSize == 0 {
		c.Telemetry.BufferSize = SizeBytes(defaultTelemetryBufferSize)
	}
	if c.Telemetry.FileMaxSize == 0 {
		c.Telemetry.FileMaxSize = SizeBytes(defaultTelemetryFileMaxSize)
	}
	if c.Telemetry.FlushInterval == 0 {
		c.Telemetry.FlushInterval = Duration(defaultTelemetryFlushInterval)
	}
	if c.Telemetry.QueueCapacity <= 0 {
		c.Telemetry.QueueCapacity = defaultTelemetryQueueCapacity
	}

	if c.Sensor.PollInterval == 0 {
		c.Sensor.PollInterval = Duration(defaultSensorPollInterval)
	}
	if c.Sensor.DiskHighPct == 0 {
		c.Sensor.DiskHighPct = defaultSensorDiskHighPct
	}
	if c.Sensor.DiskLowPct == 0 {
		c.Sensor.DiskLowPct = defaultSensorDiskLowPct
	}
	if c.Sensor.MemHighPct == 0 {
		c.Sensor.MemHighPct = defaultSensorMemHighPct
	}
	if c.Sensor.RecoveryWindow == 0 {
		c.Sensor.RecoveryWindow = Duration(defaultSensorRecoveryWindow)
	}
}

// Summary renders the effective configuration as readable lines.
func (c *Config) Summary() []string {
	return []string{
		fmt.Sprintf("listen: %s", c.Addr()),
		fmt.Sprintf("store: path=%s wal=%t sync=%t cache=%s", c.Store.Path, !c.Store.DisableWAL, c.Store.Sync, c.Store.CacheSize),
		fmt.Sprintf("logging: level=%s sink=%s format=%s", c.Logging.Level, orDefault(c.Logging.Sink, "stdout"), orDefault(c.Logging.Format, "text")),
		fmt.Sprintf("dispatch: strict=%t queue=%d backlog=%d", c.Dispatch.Strict, c.Dispatch.QueueCapacity, c.Dispatch.StreamBacklog),
		fmt.Sprintf("ingest: max_batch=%d flush=%s", c.Ingest.MaxBatch, c.Ingest.FlushInterval),
		fmt.Sprintf("repair: enabled=%t cron=%q rps=%.1f", c.Repair.Enabled, c.Repair.Cron, c.Repair.RPS),
		fmt.Sprintf("telemetry: enabled=%t dir=%s sample_rate=%g", c.Telemetry.Enabled, c.Telemetry.Dir, c.Telemetry.SampleRate),
		fmt.Sprintf("sensor: enabled=%t disk_high=%d%% mem_high=%d%%", c.Sensor.Enabled, c.Sensor.DiskHighPct, c.Sensor.MemHighPct),
		fmt.Sprintf("admin token: %t", c.Server.AdminToken != ""),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
