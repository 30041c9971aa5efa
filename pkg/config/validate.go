package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

// ValidateConfig fails fast on values the service cannot run with. Call it
// after defaults have been applied.
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Store.Path) == "" {
		errs = append(errs, errors.New("store path is empty: set --db, VIEWSTORE_STORE_PATH, or store.path"))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json, got %q", cfg.Logging.Format))
	}
	if cfg.Repair.Enabled {
		if !gronx.New().IsValid(cfg.Repair.Cron) {
			errs = append(errs, fmt.Errorf("repair.cron: not a valid cron expression: %q", cfg.Repair.Cron))
		}
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %g", cfg.Telemetry.SampleRate))
	}
	if cfg.Sensor.Enabled {
		if cfg.Sensor.PollInterval.Duration() <= 0 {
			errs = append(errs, errors.New("sensor.poll_interval must be positive"))
		}
		if cfg.Sensor.DiskLowPct >= cfg.Sensor.DiskHighPct {
			errs = append(errs, fmt.Errorf("sensor.disk_low_pct (%d) must be below disk_high_pct (%d)", cfg.Sensor.DiskLowPct, cfg.Sensor.DiskHighPct))
		}
	}
	return errors.Join(errs...)
}
