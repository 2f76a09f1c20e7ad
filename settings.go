package dispatchpool

import (
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the engine's single immutable configuration record, per
// spec.md §9 "Configuration polymorphism": one record with explicit
// sub-records. The optional ones (CircuitBreaker, BackPressure,
// AutoScaling) carry their own Enabled flag so a block is only
// consulted when its feature is turned on.
type Settings struct {
	WorkTimeout time.Duration `yaml:"work_timeout"`
	WorkRetry   int           `yaml:"work_retry"`

	DispatchHistory DispatchHistorySettings `yaml:"dispatch_history"`
	WorkerPool      WorkerPoolSettings      `yaml:"worker_pool"`
	CircuitBreaker  CircuitBreakerSettings  `yaml:"circuit_breaker"`
	BackPressure    BackPressureSettings    `yaml:"back_pressure"`
	AutoScaling     AutoScalingSettings     `yaml:"auto_scaling"`
}

// DispatchHistorySettings is parsed and defaulted but not read by the
// engine: the Queue takes its throughput-estimation window from
// BackPressureSettings.MaxHistoryLength instead.
type DispatchHistorySettings struct {
	MaxHistoryLength time.Duration `yaml:"max_history_length"`
}

// WorkerPoolSettings sizes the processor's worker set (spec.md §4.3).
type WorkerPoolSettings struct {
	StartingPoolSize  int           `yaml:"starting_pool_size"`
	MinPoolSize       int           `yaml:"min_pool_size"`
	MaxPoolSize       int           `yaml:"max_pool_size"`
	MaxProcessingTime time.Duration `yaml:"max_processing_time"`
}

// CircuitBreakerSettings configures the optional breaker wrapper
// (spec.md §4.3).
type CircuitBreakerSettings struct {
	Enabled            bool          `yaml:"enabled"`
	CloseDuration      time.Duration `yaml:"close_duration"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	HistoryLength      int           `yaml:"history_length"`
}

// BackPressureSettings configures the queue's admission control
// (spec.md §4.1).
type BackPressureSettings struct {
	Enabled                     bool          `yaml:"enabled"`
	MaxBufferSize               int           `yaml:"max_buffer_size"`
	ThresholdForExpectedWaitTime time.Duration `yaml:"threshold_for_expected_wait_time"`
	MaxHistoryLength            time.Duration `yaml:"max_history_length"`
}

// AutoScalingSettings configures the autoscaler's sampler and policy
// thresholds (spec.md §4.4).
type AutoScalingSettings struct {
	Enabled          bool          `yaml:"enabled"`
	SamplerPeriod    time.Duration `yaml:"sampler_period"`
	ErrorRateCeiling float64       `yaml:"error_rate_ceiling"`
	ShrinkHysteresis int           `yaml:"shrink_hysteresis"`
}

// DefaultSettings returns the settings the spec names explicitly
// (spec.md §6): work_timeout=1m, work_retry=0, max_buffer_size=60000,
// threshold_for_expected_wait_time=5m, max_history_length=10s, plus
// the worker pool and breaker/autoscaler defaults implied elsewhere
// in the spec (min_pool_size/starting_pool_size=1, a modest breaker
// window, and a sampler period derived from the dispatch-history
// window as spec.md §4.4 directs).
func DefaultSettings() Settings {
	return Settings{
		WorkTimeout: time.Minute,
		WorkRetry:   0,
		DispatchHistory: DispatchHistorySettings{
			MaxHistoryLength: 10 * time.Second,
		},
		WorkerPool: WorkerPoolSettings{
			StartingPoolSize: 1,
			MinPoolSize:      1,
			MaxPoolSize:      8,
		},
		CircuitBreaker: CircuitBreakerSettings{
			Enabled:            false,
			CloseDuration:      30 * time.Second,
			ErrorRateThreshold: 0.5,
			HistoryLength:      20,
		},
		BackPressure: BackPressureSettings{
			Enabled:                      false,
			MaxBufferSize:                60000,
			ThresholdForExpectedWaitTime: 5 * time.Minute,
			MaxHistoryLength:             10 * time.Second,
		},
		AutoScaling: AutoScalingSettings{
			Enabled:          false,
			SamplerPeriod:    2 * time.Second,
			ErrorRateCeiling: 0.5,
			ShrinkHysteresis: 2,
		},
	}
}

// LoadSettings parses a YAML document into Settings, starting from
// DefaultSettings so an incomplete document only overrides the fields
// it names. Mirrors mchenetz-SPLAI and luci-luci-go's use of
// gopkg.in/yaml for typed config, applied here to the hierarchical
// config source spec.md treats as an external collaborator.
func LoadSettings(r io.Reader) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return Settings{}, err
	}
	return s, nil
}

// NewSettingsFromEnv builds Settings from flat environment variables,
// the teacher's own config idiom (cmd/queue/processor.go's
// getenvInt), kept for the demo binary in cmd/dispatchd.
func NewSettingsFromEnv() Settings {
	s := DefaultSettings()
	s.WorkerPool.StartingPoolSize = getenvInt("DISPATCHPOOL_WORKERS", s.WorkerPool.StartingPoolSize)
	s.WorkerPool.MinPoolSize = getenvInt("DISPATCHPOOL_MIN_WORKERS", s.WorkerPool.MinPoolSize)
	s.WorkerPool.MaxPoolSize = getenvInt("DISPATCHPOOL_MAX_WORKERS", s.WorkerPool.MaxPoolSize)
	s.BackPressure.MaxBufferSize = getenvInt("DISPATCHPOOL_QUEUE_SIZE", s.BackPressure.MaxBufferSize)
	return s
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
