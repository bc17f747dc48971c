package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tracking defaults file.
// This is the single source of truth for all default tracking values.
const DefaultConfigPath = "config/tracking.defaults.json"

// TrackingConfig represents the root configuration for tracking parameters.
// The schema matches the /api/config endpoint so the same JSON can be
// used for both startup configuration and runtime inspection.
type TrackingConfig struct {
	// Servo params
	ServoPreset   *string  `json:"servo_preset,omitempty"`
	Kp            *float64 `json:"kp,omitempty"`
	Ki            *float64 `json:"ki,omitempty"`
	Kd            *float64 `json:"kd,omitempty"`
	IntegralLimit *float64 `json:"integral_limit,omitempty"`
	DeadBand      *float64 `json:"dead_band,omitempty"`

	// Phase machine params
	GracePeriod  *string  `json:"grace_period,omitempty"` // duration string like "500ms"
	IdleTimeout  *string  `json:"idle_timeout,omitempty"` // duration string like "10s"
	SearchPolicy *string  `json:"search_policy,omitempty"`
	SweepSpeed   *float64 `json:"sweep_speed,omitempty"`

	// Zoom params
	ZoomEnabled     *bool    `json:"zoom_enabled,omitempty"`
	TargetCoverage  *float64 `json:"target_coverage,omitempty"`
	ZoomDeadZone    *float64 `json:"zoom_dead_zone,omitempty"`
	ZoomInDeadZone  *float64 `json:"zoom_in_dead_zone,omitempty"`
	ZoomOutDeadZone *float64 `json:"zoom_out_dead_zone,omitempty"`
	ZoomGain        *float64 `json:"zoom_gain,omitempty"`

	// Control loop params
	LoopInterval  *string  `json:"loop_interval,omitempty"` // duration string like "33ms"
	MinConfidence *float64 `json:"min_confidence,omitempty"`

	// Frame buffer params
	BufferCapacity *int `json:"buffer_capacity,omitempty"`

	// Watchdog params
	WatchdogTimeout  *string `json:"watchdog_timeout,omitempty"`
	WatchdogInterval *string `json:"watchdog_interval,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackingConfig returns a TrackingConfig with all fields set to nil.
// Use LoadTrackingConfig to load actual values from the defaults file.
func EmptyTrackingConfig() *TrackingConfig {
	return &TrackingConfig{}
}

// DefaultTrackingConfig returns a TrackingConfig with every field set to
// its canonical default. Kept in sync with config/tracking.defaults.json.
func DefaultTrackingConfig() *TrackingConfig {
	return &TrackingConfig{
		ServoPreset:      ptrString("balanced"),
		Kp:               ptrFloat64(2.0),
		Ki:               ptrFloat64(0.15),
		Kd:               ptrFloat64(0.8),
		IntegralLimit:    ptrFloat64(0.5),
		DeadBand:         ptrFloat64(0.02),
		GracePeriod:      ptrString("500ms"),
		IdleTimeout:      ptrString("10s"),
		SearchPolicy:     ptrString("stop"),
		SweepSpeed:       ptrFloat64(0.1),
		ZoomEnabled:      ptrBool(true),
		TargetCoverage:   ptrFloat64(0.15),
		ZoomDeadZone:     ptrFloat64(0.05),
		ZoomGain:         ptrFloat64(2.0),
		LoopInterval:     ptrString("33ms"),
		MinConfidence:    ptrFloat64(0.5),
		BufferCapacity:   ptrInt(2),
		WatchdogTimeout:  ptrString("2s"),
		WatchdogInterval: ptrString("500ms"),
	}
}

// LoadTrackingConfig loads a TrackingConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTrackingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tracking defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TrackingConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/vision/ingest/
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// ValidServoPresets lists the named gain bundles the servo accepts.
var ValidServoPresets = []string{"responsive", "balanced", "smooth"}

// ValidSearchPolicies lists the accepted behaviors for the SEARCHING
// phase: "stop" halts pan/tilt, "hold" leaves the last commanded
// velocity standing, "sweep" pans slowly at sweep_speed.
var ValidSearchPolicies = []string{"stop", "hold", "sweep"}

// Validate checks that the configuration values are valid.
func (c *TrackingConfig) Validate() error {
	if c.ServoPreset != nil {
		if !containsString(ValidServoPresets, *c.ServoPreset) {
			return fmt.Errorf("servo_preset must be one of responsive, balanced, smooth, got %q", *c.ServoPreset)
		}
	}

	for name, v := range map[string]*float64{"kp": c.Kp, "ki": c.Ki, "kd": c.Kd} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}

	if c.IntegralLimit != nil && *c.IntegralLimit <= 0 {
		return fmt.Errorf("integral_limit must be positive, got %f", *c.IntegralLimit)
	}

	if c.DeadBand != nil {
		if *c.DeadBand < 0 || *c.DeadBand > 0.5 {
			return fmt.Errorf("dead_band must be between 0 and 0.5, got %f", *c.DeadBand)
		}
	}

	for name, v := range map[string]*string{
		"grace_period":      c.GracePeriod,
		"idle_timeout":      c.IdleTimeout,
		"loop_interval":     c.LoopInterval,
		"watchdog_timeout":  c.WatchdogTimeout,
		"watchdog_interval": c.WatchdogInterval,
	} {
		if v != nil && *v != "" {
			d, err := time.ParseDuration(*v)
			if err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
			if d <= 0 {
				return fmt.Errorf("%s must be positive, got %s", name, *v)
			}
		}
	}

	if c.SearchPolicy != nil {
		if !containsString(ValidSearchPolicies, *c.SearchPolicy) {
			return fmt.Errorf("search_policy must be one of stop, hold, sweep, got %q", *c.SearchPolicy)
		}
	}

	if c.SweepSpeed != nil {
		if *c.SweepSpeed < -1 || *c.SweepSpeed > 1 {
			return fmt.Errorf("sweep_speed must be between -1 and 1, got %f", *c.SweepSpeed)
		}
	}

	if c.TargetCoverage != nil {
		if *c.TargetCoverage <= 0 || *c.TargetCoverage >= 1 {
			return fmt.Errorf("target_coverage must be between 0 and 1 exclusive, got %f", *c.TargetCoverage)
		}
	}

	for name, v := range map[string]*float64{
		"zoom_dead_zone":     c.ZoomDeadZone,
		"zoom_in_dead_zone":  c.ZoomInDeadZone,
		"zoom_out_dead_zone": c.ZoomOutDeadZone,
	} {
		if v != nil && (*v < 0 || *v >= 1) {
			return fmt.Errorf("%s must be in [0, 1), got %f", name, *v)
		}
	}

	if c.ZoomGain != nil && *c.ZoomGain < 0 {
		return fmt.Errorf("zoom_gain must be non-negative, got %f", *c.ZoomGain)
	}

	if c.MinConfidence != nil {
		if *c.MinConfidence < 0 || *c.MinConfidence > 1 {
			return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
		}
	}

	if c.BufferCapacity != nil {
		if *c.BufferCapacity < 1 || *c.BufferCapacity > 8 {
			return fmt.Errorf("buffer_capacity must be between 1 and 8, got %d", *c.BufferCapacity)
		}
	}

	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetServoPreset returns the servo_preset value or the default.
func (c *TrackingConfig) GetServoPreset() string {
	if c.ServoPreset == nil || *c.ServoPreset == "" {
		return "balanced" // default
	}
	return *c.ServoPreset
}

// GetGracePeriod parses and returns the GracePeriod as a time.Duration.
func (c *TrackingConfig) GetGracePeriod() time.Duration {
	if c.GracePeriod == nil || *c.GracePeriod == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.GracePeriod)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}

// GetIdleTimeout parses and returns the IdleTimeout as a time.Duration.
func (c *TrackingConfig) GetIdleTimeout() time.Duration {
	if c.IdleTimeout == nil || *c.IdleTimeout == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.IdleTimeout)
	if err != nil {
		return 10 * time.Second // default on parse error
	}
	return d
}

// GetSearchPolicy returns the search_policy value or the default.
func (c *TrackingConfig) GetSearchPolicy() string {
	if c.SearchPolicy == nil || *c.SearchPolicy == "" {
		return "stop" // default: halt movement while searching
	}
	return *c.SearchPolicy
}

// GetSweepSpeed returns the sweep_speed value or the default.
func (c *TrackingConfig) GetSweepSpeed() float64 {
	if c.SweepSpeed == nil {
		return 0.1
	}
	return *c.SweepSpeed
}

// GetTargetCoverage returns the target_coverage value or the default.
func (c *TrackingConfig) GetTargetCoverage() float64 {
	if c.TargetCoverage == nil {
		return 0.15
	}
	return *c.TargetCoverage
}

// GetZoomEnabled returns the zoom_enabled value or the default.
func (c *TrackingConfig) GetZoomEnabled() bool {
	if c.ZoomEnabled == nil {
		return true // default: zoom axis active
	}
	return *c.ZoomEnabled
}

// GetZoomDeadZone returns the symmetric zoom_dead_zone value or the default.
func (c *TrackingConfig) GetZoomDeadZone() float64 {
	if c.ZoomDeadZone == nil {
		return 0.05
	}
	return *c.ZoomDeadZone
}

// GetZoomInDeadZone returns the dead zone applied when coverage is below
// target. Falls back to the symmetric zoom_dead_zone when unset.
func (c *TrackingConfig) GetZoomInDeadZone() float64 {
	if c.ZoomInDeadZone == nil {
		return c.GetZoomDeadZone()
	}
	return *c.ZoomInDeadZone
}

// GetZoomOutDeadZone returns the dead zone applied when coverage is above
// target. Falls back to the symmetric zoom_dead_zone when unset.
func (c *TrackingConfig) GetZoomOutDeadZone() float64 {
	if c.ZoomOutDeadZone == nil {
		return c.GetZoomDeadZone()
	}
	return *c.ZoomOutDeadZone
}

// GetZoomGain returns the zoom_gain value or the default.
func (c *TrackingConfig) GetZoomGain() float64 {
	if c.ZoomGain == nil {
		return 2.0
	}
	return *c.ZoomGain
}

// GetLoopInterval parses and returns the LoopInterval as a time.Duration.
func (c *TrackingConfig) GetLoopInterval() time.Duration {
	if c.LoopInterval == nil || *c.LoopInterval == "" {
		return 33 * time.Millisecond // default: ~30 Hz
	}
	d, err := time.ParseDuration(*c.LoopInterval)
	if err != nil {
		return 33 * time.Millisecond // default on parse error
	}
	return d
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *TrackingConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.5
	}
	return *c.MinConfidence
}

// GetBufferCapacity returns the buffer_capacity value or the default.
func (c *TrackingConfig) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return 2
	}
	return *c.BufferCapacity
}

// GetWatchdogTimeout parses and returns the WatchdogTimeout as a time.Duration.
func (c *TrackingConfig) GetWatchdogTimeout() time.Duration {
	if c.WatchdogTimeout == nil || *c.WatchdogTimeout == "" {
		return 2 * time.Second // default
	}
	d, err := time.ParseDuration(*c.WatchdogTimeout)
	if err != nil {
		return 2 * time.Second // default on parse error
	}
	return d
}

// GetWatchdogInterval parses and returns the WatchdogInterval as a time.Duration.
func (c *TrackingConfig) GetWatchdogInterval() time.Duration {
	if c.WatchdogInterval == nil || *c.WatchdogInterval == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.WatchdogInterval)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}
