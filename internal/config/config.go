// Package config provides centralized configuration for l1sentry.
// Defaults match observed field behavior; every threshold can be overridden
// via a YAML file or environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration surface.
type Config struct {
	Baseline BaselineConfig `yaml:"baseline"`
	Temporal TemporalConfig `yaml:"temporal"`
	Ensemble EnsembleConfig `yaml:"ensemble"`
	Fusion   FusionConfig   `yaml:"fusion"`
	Detect   DetectConfig   `yaml:"detect"`
	Watch    WatchConfig    `yaml:"watch"`
}

// BaselineConfig controls the statistical baseline tracker.
type BaselineConfig struct {
	// WindowCapacity is the rolling window size per tracked signal.
	WindowCapacity int `yaml:"window_capacity"`

	// MinSamples is the cold-start floor: below this count the static
	// default threshold is used instead of a computed statistic.
	MinSamples int `yaml:"min_samples"`

	// SigmaMultiplier is k in the adaptive threshold mean + k*stddev.
	SigmaMultiplier float64 `yaml:"sigma_multiplier"`
}

// TemporalConfig controls the temporal pattern analyzer.
type TemporalConfig struct {
	// WindowSpan is the sliding window duration per category.
	WindowSpan time.Duration `yaml:"window_span"`

	// BurstMultiplier flags a burst when the current rate exceeds this
	// multiple of the historical average rate.
	BurstMultiplier float64 `yaml:"burst_multiplier"`

	// PeriodicityTolerance is the coefficient-of-variation ceiling below
	// which inter-event intervals count as periodic.
	PeriodicityTolerance float64 `yaml:"periodicity_tolerance"`

	// CorrelationMaxLag bounds cross-category co-occurrence pairing.
	CorrelationMaxLag time.Duration `yaml:"correlation_max_lag"`
}

// EnsembleConfig controls the four-model unsupervised ensemble.
type EnsembleConfig struct {
	// VoteThreshold is the minimum number of outlier votes (of 4) for the
	// combined decision to be anomalous. The default of 1 is deliberately
	// sensitive; see DESIGN.md.
	VoteThreshold int `yaml:"vote_threshold"`

	// RetrainFileThreshold is how many processed files trigger a retrain.
	RetrainFileThreshold int `yaml:"retrain_file_threshold"`

	// RetrainTimeout bounds a single retraining pass.
	RetrainTimeout time.Duration `yaml:"retrain_timeout"`

	// FeatureWindow is the span of one feature-vector window.
	FeatureWindow time.Duration `yaml:"feature_window"`

	// DU/RU equipment MACs for fronthaul pairing.
	DUMAC string `yaml:"du_mac"`
	RUMAC string `yaml:"ru_mac"`
}

// FusionConfig holds the confidence fusion weights. They must sum to 1.0.
type FusionConfig struct {
	PatternWeight     float64 `yaml:"pattern_weight"`
	StatisticalWeight float64 `yaml:"statistical_weight"`
	TemporalWeight    float64 `yaml:"temporal_weight"`

	// ReportingFloor is the minimum fused confidence for an anomaly to be
	// emitted; observations below it are absorbed into statistics only.
	ReportingFloor float64 `yaml:"reporting_floor"`
}

// Validate checks the fusion weights sum to 1.0 within tolerance.
func (f FusionConfig) Validate() error {
	sum := f.PatternWeight + f.StatisticalWeight + f.TemporalWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("fusion weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// DetectConfig holds category-specific detection thresholds.
type DetectConfig struct {
	RACHMinSuccessRate     float64 `yaml:"rach_min_success_rate"`
	RACHAttemptThreshold   float64 `yaml:"rach_attempt_threshold"`
	HandoverMinSuccessRate float64 `yaml:"handover_min_success_rate"`
	HARQMaxRetxRate        float64 `yaml:"harq_max_retx_rate"`
	HARQMaxConsecutiveRetx int     `yaml:"harq_max_consecutive_retx"`
	CRCMaxErrorRate        float64 `yaml:"crc_max_error_rate"`
	CRCPer1000Threshold    float64 `yaml:"crc_per_1000_threshold"`
	RRCMinSuccessRate      float64 `yaml:"rrc_min_success_rate"`
	TAMaxViolationRate     float64 `yaml:"ta_max_violation_rate"`
	PowerMaxAdjustRate     float64 `yaml:"power_max_adjust_rate"`
	PowerDeltaThreshold    float64 `yaml:"power_delta_threshold"`

	// Fronthaul rule cutoffs, applied alongside the ensemble vote.
	FronthaulMaxResponseTime time.Duration `yaml:"fronthaul_max_response_time"`
	FronthaulMinCommRatio    float64       `yaml:"fronthaul_min_comm_ratio"`

	// UE event rule cutoffs.
	UEMaxAttachAttempts int `yaml:"ue_max_attach_attempts"`

	// ContextSize is the number of surrounding records attached to each
	// anomaly on either side.
	ContextSize int `yaml:"context_size"`
}

// WatchConfig controls watch-mode directory polling.
type WatchConfig struct {
	// Interval between directory scans.
	Interval time.Duration `yaml:"interval"`

	// MaxConcurrentFiles bounds file-level parallelism. Each file gets its
	// own engine instance; there is no shared mutable state between them.
	MaxConcurrentFiles int `yaml:"max_concurrent_files"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Baseline: BaselineConfig{
			WindowCapacity:  1000,
			MinSamples:      30,
			SigmaMultiplier: 2.0,
		},
		Temporal: TemporalConfig{
			WindowSpan:           10 * time.Second,
			BurstMultiplier:      2.0,
			PeriodicityTolerance: 0.1,
			CorrelationMaxLag:    5 * time.Second,
		},
		Ensemble: EnsembleConfig{
			VoteThreshold:        1,
			RetrainFileThreshold: 10,
			RetrainTimeout:       30 * time.Second,
			FeatureWindow:        100 * time.Millisecond,
			DUMAC:                "00:11:22:33:44:67",
			RUMAC:                "6c:ad:ad:00:03:2a",
		},
		Fusion: FusionConfig{
			PatternWeight:     0.40,
			StatisticalWeight: 0.30,
			TemporalWeight:    0.30,
			ReportingFloor:    0.50,
		},
		Detect: DetectConfig{
			RACHMinSuccessRate:       0.80,
			RACHAttemptThreshold:     10,
			HandoverMinSuccessRate:   0.85,
			HARQMaxRetxRate:          0.15,
			HARQMaxConsecutiveRetx:   3,
			CRCMaxErrorRate:          0.01,
			CRCPer1000Threshold:      10,
			RRCMinSuccessRate:        0.90,
			TAMaxViolationRate:       0.05,
			PowerMaxAdjustRate:       0.20,
			PowerDeltaThreshold:      10,
			FronthaulMaxResponseTime: time.Millisecond,
			FronthaulMinCommRatio:    0.8,
			UEMaxAttachAttempts:      10,
			ContextSize:              2,
		},
		Watch: WatchConfig{
			Interval:           10 * time.Second,
			MaxConcurrentFiles: 4,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. A missing path returns defaults with env overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Fusion.Validate(); err != nil {
		return nil, err
	}
	if cfg.Ensemble.VoteThreshold < 1 || cfg.Ensemble.VoteThreshold > 4 {
		return nil, fmt.Errorf("ensemble vote threshold must be 1-4, got %d", cfg.Ensemble.VoteThreshold)
	}
	return cfg, nil
}

// applyEnvOverrides applies L1SENTRY_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("L1SENTRY_BASELINE_WINDOW"); ok {
		cfg.Baseline.WindowCapacity = v
	}
	if v, ok := envInt("L1SENTRY_BASELINE_MIN_SAMPLES"); ok {
		cfg.Baseline.MinSamples = v
	}
	if v, ok := envFloat("L1SENTRY_SIGMA_MULTIPLIER"); ok {
		cfg.Baseline.SigmaMultiplier = v
	}
	if v, ok := envDuration("L1SENTRY_TEMPORAL_SPAN"); ok {
		cfg.Temporal.WindowSpan = v
	}
	if v, ok := envInt("L1SENTRY_VOTE_THRESHOLD"); ok {
		cfg.Ensemble.VoteThreshold = v
	}
	if v, ok := envInt("L1SENTRY_RETRAIN_THRESHOLD"); ok {
		cfg.Ensemble.RetrainFileThreshold = v
	}
	if v, ok := envFloat("L1SENTRY_REPORTING_FLOOR"); ok {
		cfg.Fusion.ReportingFloor = v
	}
	if v, ok := envDuration("L1SENTRY_WATCH_INTERVAL"); ok {
		cfg.Watch.Interval = v
	}
	if v := os.Getenv("L1SENTRY_DU_MAC"); v != "" {
		cfg.Ensemble.DUMAC = v
	}
	if v := os.Getenv("L1SENTRY_RU_MAC"); v != "" {
		cfg.Ensemble.RUMAC = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
