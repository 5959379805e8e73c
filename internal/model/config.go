package model

import (
	"fmt"
	"time"

	"github.com/ppiankov/pob/internal/fixed"
)

// Config is the complete engine configuration. It is loaded once at startup
// and never mutated afterwards.
type Config struct {
	MinValidators           int           `yaml:"min_validators" mapstructure:"min_validators"`
	MaxRelated              int           `yaml:"max_related" mapstructure:"max_related"`
	ConsensusThreshold      fixed.Point   `yaml:"consensus_threshold" mapstructure:"consensus_threshold"`
	ChallengeWindowDuration time.Duration `yaml:"challenge_window_duration" mapstructure:"challenge_window_duration"`
	DecayConstant           time.Duration `yaml:"decay_constant" mapstructure:"decay_constant"`
	MaxHistoricalDelta      fixed.Point   `yaml:"max_historical_delta" mapstructure:"max_historical_delta"`
	MintThreshold           fixed.Point   `yaml:"mint_threshold" mapstructure:"mint_threshold"`
	ReputationThreshold     fixed.Point   `yaml:"reputation_threshold" mapstructure:"reputation_threshold"`
	ValidatorMinReputation  fixed.Point   `yaml:"validator_min_reputation" mapstructure:"validator_min_reputation"` // Validators below it cannot vote

	HistoryLookback        int           `yaml:"history_lookback" mapstructure:"history_lookback"`                 // Prior entries compared against
	HistoryMaxAge          time.Duration `yaml:"history_max_age" mapstructure:"history_max_age"`                   // Entries older than this are evicted
	FlaggedExtraValidators int           `yaml:"flagged_extra_validators" mapstructure:"flagged_extra_validators"` // Additional round for flagged claims
	ContributorTarget      int           `yaml:"contributor_target" mapstructure:"contributor_target"`             // Unique contributors for full participation credit
	VoteTimeout            time.Duration `yaml:"vote_timeout" mapstructure:"vote_timeout"`
	DecayInterval          time.Duration `yaml:"decay_interval" mapstructure:"decay_interval"` // Decay recomputation period for open claims

	Weights      Weights            `yaml:"weights" mapstructure:"weights"`
	Shares       Shares             `yaml:"shares" mapstructure:"shares"`
	Filter       FilterConfig       `yaml:"filter" mapstructure:"filter"`
	Oracle       OracleConfig       `yaml:"oracle" mapstructure:"oracle"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Distribution DistributionConfig `yaml:"distribution" mapstructure:"distribution"`
	Concurrency  ConcurrencyConfig  `yaml:"concurrency" mapstructure:"concurrency"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// FilterConfig toggles the anti-gaming adjustments individually
type FilterConfig struct {
	Decay       bool `yaml:"decay" mapstructure:"decay"`
	Diversity   bool `yaml:"diversity" mapstructure:"diversity"`
	Consistency bool `yaml:"consistency" mapstructure:"consistency"`
	Sybil       bool `yaml:"sybil" mapstructure:"sybil"`
}

// OracleConfig controls attestation ingestion
type OracleConfig struct {
	MaxRetries  int                `yaml:"max_retries" mapstructure:"max_retries"`
	SourceRate  float64            `yaml:"source_rate" mapstructure:"source_rate"` // Attestations per second per source
	SourceBurst int                `yaml:"source_burst" mapstructure:"source_burst"`
	SourceTiers map[string]string  `yaml:"source_tiers,omitempty" mapstructure:"source_tiers"` // Source id -> tier, used when a feed omits the tier
	SourceRates map[string]float64 `yaml:"source_rates,omitempty" mapstructure:"source_rates"` // Source id -> attestations per second, overrides source_rate
	FeedURL     string             `yaml:"feed_url,omitempty" mapstructure:"feed_url"`
	FeedTimeout time.Duration      `yaml:"feed_timeout" mapstructure:"feed_timeout"`
}

// PipelineConfig points at the task pipeline participation endpoint
type PipelineConfig struct {
	URL        string        `yaml:"url" mapstructure:"url"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	HTTPProxy  string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
}

// DistributionConfig controls the ledger bridge
type DistributionConfig struct {
	SharedPoolAccount string        `yaml:"shared_pool_account" mapstructure:"shared_pool_account"`
	LedgerURL         string        `yaml:"ledger_url" mapstructure:"ledger_url"` // Empty uses the in-memory ledger
	LedgerTimeout     time.Duration `yaml:"ledger_timeout" mapstructure:"ledger_timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	SweepInterval     time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"` // Retry period for finalized claims not yet distributed
}

// ConcurrencyConfig controls worker pools
type ConcurrencyConfig struct {
	VoteWorkers         int `yaml:"vote_workers" mapstructure:"vote_workers"`
	VoteQueue           int `yaml:"vote_queue" mapstructure:"vote_queue"` // Queued asynchronous votes before submissions are refused
	DistributionWorkers int `yaml:"distribution_workers" mapstructure:"distribution_workers"`
}

// MetricsConfig controls the metrics streamer
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Buffer   int           `yaml:"buffer" mapstructure:"buffer"` // Per-subscriber channel buffer
}

// CacheConfig controls the claim snapshot cache
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	TTL             time.Duration `yaml:"ttl" mapstructure:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// StoreConfig controls persistence
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"` // Empty keeps the store in memory
}

// ServerConfig controls the HTTP surface
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	Mode string `yaml:"mode" mapstructure:"mode"` // gin mode: debug, release, test
}

// LogConfig controls structured logging
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MinValidators:           3,
		MaxRelated:              1,
		ConsensusThreshold:      fixed.MustParse("0.618"),
		ChallengeWindowDuration: 86400 * time.Second,
		DecayConstant:           30 * 24 * time.Hour,
		MaxHistoricalDelta:      fixed.MustParse("0.2"),
		MintThreshold:           fixed.MustParse("0.7"),
		ReputationThreshold:     fixed.MustParse("0.5"),

		HistoryLookback:        3,
		HistoryMaxAge:          365 * 24 * time.Hour,
		FlaggedExtraValidators: 3,
		ContributorTarget:      5,
		VoteTimeout:            time.Hour,
		DecayInterval:          time.Hour,

		Weights: Weights{
			Environmental: fixed.MustParse("0.3"),
			Social:        fixed.MustParse("0.3"),
			Participation: fixed.MustParse("0.4"),
		},
		Shares: Shares{
			Completer:  fixed.MustParse("0.5"),
			Verifier:   fixed.MustParse("0.15"),
			Creator:    fixed.MustParse("0.1"),
			Treasury:   fixed.MustParse("0.15"),
			SharedPool: fixed.MustParse("0.1"),
		},
		Filter: FilterConfig{
			Decay:       true,
			Diversity:   true,
			Consistency: true,
			Sybil:       true,
		},
		Oracle: OracleConfig{
			MaxRetries:  3,
			SourceRate:  50,
			SourceBurst: 100,
			FeedTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Distribution: DistributionConfig{
			SharedPoolAccount: "shared-pool",
			LedgerTimeout:     10 * time.Second,
			MaxRetries:        5,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			RequestsPerSecond: 20,
			SweepInterval:     30 * time.Second,
		},
		Concurrency: ConcurrencyConfig{
			VoteWorkers:         4,
			VoteQueue:           256,
			DistributionWorkers: 4,
		},
		Metrics: MetricsConfig{
			Interval: 5 * time.Second,
			Buffer:   4,
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             30 * time.Second,
			CleanupInterval: 10 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
			Mode: "release",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the invariants the engine relies on. Any error here is
// fatal at startup.
func (c *Config) Validate() error {
	if c.MinValidators < 1 {
		return fmt.Errorf("%w: min_validators must be >= 1, got %d", ErrInvalidConfig, c.MinValidators)
	}
	if c.MaxRelated < 1 {
		return fmt.Errorf("%w: max_related must be >= 1, got %d", ErrInvalidConfig, c.MaxRelated)
	}
	for name, p := range map[string]fixed.Point{
		"consensus_threshold":      c.ConsensusThreshold,
		"max_historical_delta":     c.MaxHistoricalDelta,
		"mint_threshold":           c.MintThreshold,
		"reputation_threshold":     c.ReputationThreshold,
		"validator_min_reputation": c.ValidatorMinReputation,
	} {
		if !p.InUnit() {
			return fmt.Errorf("%w: %s must be in [0,1], got %s", ErrInvalidConfig, name, p)
		}
	}
	if c.ConsensusThreshold == fixed.Zero {
		return fmt.Errorf("%w: consensus_threshold must be > 0", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"challenge_window_duration": c.ChallengeWindowDuration,
		"decay_constant":            c.DecayConstant,
		"vote_timeout":              c.VoteTimeout,
		"history_max_age":           c.HistoryMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, name, d)
		}
	}
	if c.HistoryLookback < 1 {
		return fmt.Errorf("%w: history_lookback must be >= 1", ErrInvalidConfig)
	}
	if c.FlaggedExtraValidators < 0 || c.ContributorTarget < 1 {
		return fmt.Errorf("%w: flagged_extra_validators must be >= 0 and contributor_target >= 1", ErrInvalidConfig)
	}
	if err := ValidateWeights(c.Weights); err != nil {
		return err
	}
	sum, err := c.Shares.Sum()
	if err != nil || sum != fixed.One {
		return fmt.Errorf("%w: distribution shares sum to %s", ErrInvalidConfig, sum)
	}
	for _, r := range Roles {
		if c.Shares.Of(r) < 0 {
			return fmt.Errorf("%w: negative share for %s", ErrInvalidConfig, r)
		}
	}
	if c.Distribution.SharedPoolAccount == "" {
		return fmt.Errorf("%w: distribution.shared_pool_account is required", ErrInvalidConfig)
	}
	if c.Distribution.MaxRetries < 0 || c.Oracle.MaxRetries < 0 || c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("%w: retry counts must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// ValidateWeights requires non-negative weights summing to exactly 1.0 in
// fixed-point. Weights are never renormalised.
func ValidateWeights(w Weights) error {
	for _, p := range []fixed.Point{w.Environmental, w.Social, w.Participation} {
		if !p.InUnit() {
			return fmt.Errorf("%w: weight %s outside [0,1]", ErrInvalidWeights, p)
		}
	}
	sum, err := w.Sum()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWeights, err)
	}
	if sum != fixed.One {
		return fmt.Errorf("%w: got %s", ErrInvalidWeights, sum)
	}
	return nil
}
