package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	// SimMultiplier scales simulated time against wall time.
	SimMultiplier float64 `yaml:"sim_multiplier"`

	ProgressionPeriodMs int `yaml:"progression_period_ms"`
	SignalPeriodMs      int `yaml:"signal_period_ms"`
	IngestPeriodMs      int `yaml:"ingest_period_ms"`
	SnapshotEveryCycles int `yaml:"snapshot_every_cycles"`

	Governor Governor `yaml:"governor"`
	Tracker  Tracker  `yaml:"tracker"`
	Retry    Retry    `yaml:"retry"`
}

type Governor struct {
	CruiseAuthorityM   float64 `yaml:"cruise_authority_m"`
	DecelZoneM         float64 `yaml:"decel_zone_m"`
	StopThresholdM     float64 `yaml:"stop_threshold_m"`
	DecelZoneSpeed     float64 `yaml:"decel_zone_speed"`
	CrawlSpeed         float64 `yaml:"crawl_speed"`
	CriticalDistanceM  float64 `yaml:"critical_distance_m"`
	WarningDistanceM   float64 `yaml:"warning_distance_m"`
	WarningSpeed       float64 `yaml:"warning_speed"`
	LookaheadPositions int     `yaml:"lookahead_positions"`
	AccelLimit         float64 `yaml:"accel_limit"` // m/s per simulated second
	DecelLimit         float64 `yaml:"decel_limit"`
}

type Tracker struct {
	DwellSeconds    float64 `yaml:"dwell_seconds"`
	HandoffCompM    float64 `yaml:"handoff_compensation_m"`
	ApproachDepth   int     `yaml:"approach_depth"`
	MovingThreshold float64 `yaml:"moving_threshold"` // m/s reported as Moving
}

type Retry struct {
	Attempts  int `yaml:"attempts"`
	BackoffMs int `yaml:"backoff_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		SimMultiplier:       1,
		ProgressionPeriodMs: 1000,
		SignalPeriodMs:      200,
		IngestPeriodMs:      2000,
		SnapshotEveryCycles: 300,
		Governor: Governor{
			CruiseAuthorityM:   150,
			DecelZoneM:         40,
			StopThresholdM:     5,
			DecelZoneSpeed:     10,
			CrawlSpeed:         1,
			CriticalDistanceM:  200,
			WarningDistanceM:   400,
			WarningSpeed:       5,
			LookaheadPositions: 5,
			AccelLimit:         1.0,
			DecelLimit:         2.5,
		},
		Tracker: Tracker{
			DwellSeconds:    10,
			HandoffCompM:    20,
			ApproachDepth:   2,
			MovingThreshold: 0.1,
		},
		Retry: Retry{Attempts: 3, BackoffMs: 50},
	}
}

// Load reads path over Defaults. An empty path returns Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.ProgressionPeriodMs <= 0 || t.SignalPeriodMs <= 0 || t.IngestPeriodMs <= 0 {
		return fmt.Errorf("cycle periods must be > 0")
	}
	if t.SimMultiplier < 0 {
		return fmt.Errorf("sim_multiplier must be >= 0")
	}
	g := t.Governor
	if !(g.StopThresholdM < g.DecelZoneM && g.DecelZoneM < g.CruiseAuthorityM) {
		return fmt.Errorf("governor: need stop_threshold_m < decel_zone_m < cruise_authority_m")
	}
	if !(g.CrawlSpeed > 0 && g.CrawlSpeed <= g.DecelZoneSpeed) {
		return fmt.Errorf("governor: need 0 < crawl_speed <= decel_zone_speed")
	}
	if !(g.CriticalDistanceM < g.WarningDistanceM) {
		return fmt.Errorf("governor: critical_distance_m must be below warning_distance_m")
	}
	if !(g.AccelLimit > 0 && g.DecelLimit > 0) {
		return fmt.Errorf("governor: accel_limit and decel_limit must be > 0")
	}
	if g.AccelLimit >= g.DecelLimit {
		return fmt.Errorf("governor: accel_limit must be below decel_limit")
	}
	if g.LookaheadPositions < 1 {
		return fmt.Errorf("governor: lookahead_positions must be >= 1")
	}
	if t.Tracker.DwellSeconds < 0 || t.Tracker.HandoffCompM < 0 {
		return fmt.Errorf("tracker: dwell_seconds and handoff_compensation_m must be >= 0")
	}
	if t.Retry.Attempts < 1 || t.Retry.BackoffMs < 0 {
		return fmt.Errorf("retry: attempts must be >= 1 and backoff_ms >= 0")
	}
	return nil
}

func (t Tuning) ProgressionPeriod() time.Duration {
	return time.Duration(t.ProgressionPeriodMs) * time.Millisecond
}

func (t Tuning) SignalPeriod() time.Duration {
	return time.Duration(t.SignalPeriodMs) * time.Millisecond
}

func (t Tuning) IngestPeriod() time.Duration {
	return time.Duration(t.IngestPeriodMs) * time.Millisecond
}

func (t Tuning) Dwell() time.Duration {
	return time.Duration(t.Tracker.DwellSeconds * float64(time.Second))
}

func (t Tuning) Backoff() time.Duration {
	return time.Duration(t.Retry.BackoffMs) * time.Millisecond
}
