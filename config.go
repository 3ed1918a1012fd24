package pemi

//
// Frozen configuration record (spec §4.7, §6).
//
// Grounded on the teacher's cmd/calibrate/main.go flag-parsing style
// (flag.Int, flag.Duration, flag.Parse). The JSON file loader is the only
// stdlib-only addition here: no pack repo reaches for a third-party flags
// or config library (the teacher itself uses only `flag`), so `flag` plus
// `encoding/json` is the idiomatic choice rather than an invented gap.
//

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the single flat, frozen configuration record consumed by every
// PEMI component (spec §4.7). Once constructed by [LoadConfigFile] or
// [DefaultConfig], a Config must not be mutated.
type Config struct {
	// IfaceNear is the interface name facing the server side.
	IfaceNear string `json:"iface_near"`

	// IfaceFar is the interface name facing the client side.
	IfaceFar string `json:"iface_far"`

	// DCIDLen is the short-header DCID length in bytes.
	DCIDLen int `json:"dcid_len"`

	// IdleTimeout is the flow expiry interval.
	IdleTimeout time.Duration `json:"idle_timeout_ms"`

	// SentBufferCap is the max entries per direction's sent buffer.
	SentBufferCap int `json:"sent_buffer_cap"`

	// SentBufferAge is the max age per direction's sent buffer.
	SentBufferAge time.Duration `json:"sent_buffer_age_ms"`

	// FlowletGapAbs is the segmenter's absolute inter-send gap threshold.
	FlowletGapAbs time.Duration `json:"flowlet_gap_abs_us"`

	// FlowletGapMult is the segmenter's EWMA multiplier threshold.
	FlowletGapMult float64 `json:"flowlet_gap_mult"`

	// WindowDelta is the matcher's candidate-window half-width δ.
	WindowDelta time.Duration `json:"window_delta_us"`

	// DupThreshold is threshold_dup for loss inference. A value <= 0 means
	// infinity: disable loss inference entirely (spec §8 boundary case).
	DupThreshold int `json:"dup_threshold"`

	// MinLossAge is the minimum packet age before it can be flagged lost.
	MinLossAge time.Duration `json:"min_loss_age_us"`

	// InjectRatePerSecond is the per-flow token bucket refill rate.
	InjectRatePerSecond float64 `json:"inject_rate_per_s"`

	// InjectBurst is the per-flow token bucket burst size.
	InjectBurst int `json:"inject_burst"`

	// AmplificationCap is the hard cap (fraction) of injected bytes over
	// forwarded bytes, per flow. Zero disables injection entirely.
	AmplificationCap float64 `json:"amplification_cap"`

	// DupSuppressTTL is the fingerprint TTL of the duplicate-suppression set.
	DupSuppressTTL time.Duration `json:"dup_suppress_ttl_ms"`

	// AckedOffset is the safety margin added to the "implicitly acked"
	// index comparison (spec §4.6).
	AckedOffset int `json:"acked_offset"`

	// MaintenanceInterval bounds how often the main loop runs expiry and
	// eviction passes.
	MaintenanceInterval time.Duration `json:"maintenance_interval_ms"`

	// MaxFlows caps the total number of concurrently tracked flows.
	MaxFlows int `json:"max_flows"`

	// ShardCount partitions flows across N independent engines by a hash
	// of the packet's source/destination IP address pair; ports are not
	// part of the hash (see shardKey). Defaults to 1 (no sharding).
	ShardCount int `json:"shard_count"`

	// DrainTimeout bounds how long [RunSharded] waits at shutdown for
	// every shard's engine to return. It is used only when ShardCount > 1.
	DrainTimeout time.Duration `json:"drain_timeout_ms"`

	// LogPath is the optional observation log path (spec §6). Empty
	// disables the observation log.
	LogPath string `json:"log_path"`

	// MetricsAddr, if non-empty, serves Prometheus metrics on this
	// "host:port" address (ambient addition, SPEC_FULL.md §7).
	MetricsAddr string `json:"metrics_addr"`
}

// DefaultConfig returns a [Config] populated with spec.md's stated defaults.
func DefaultConfig() *Config {
	return &Config{
		IfaceNear:           "",
		IfaceFar:            "",
		DCIDLen:             8,
		IdleTimeout:         30 * time.Second,
		SentBufferCap:       4096,
		SentBufferAge:       50 * time.Millisecond, // floor; refined to 2×RTT at runtime
		FlowletGapAbs:       4 * time.Millisecond,
		FlowletGapMult:      8,
		WindowDelta:         time.Millisecond,
		DupThreshold:        3,
		MinLossAge:          time.Millisecond,
		InjectRatePerSecond: 1,
		InjectBurst:         16,
		AmplificationCap:    0.15,
		DupSuppressTTL:      100 * time.Millisecond,
		AckedOffset:         0,
		MaintenanceInterval: 100 * time.Millisecond,
		MaxFlows:            16384,
		ShardCount:          1,
		DrainTimeout:        time.Second,
		LogPath:             "",
		MetricsAddr:         "",
	}
}

// configFileFields mirrors Config's JSON shape but with the duration
// fields' named units (ms/µs) left as plain numbers instead of
// time.Duration's nanosecond encoding, and every field as a pointer so an
// absent key leaves the corresponding Config field at its current
// (default) value rather than being zeroed (spec §6: config file fields
// are named "_ms"/"_us" and are documented in those units).
type configFileFields struct {
	IfaceNear             *string  `json:"iface_near"`
	IfaceFar              *string  `json:"iface_far"`
	DCIDLen               *int     `json:"dcid_len"`
	IdleTimeoutMs         *int64   `json:"idle_timeout_ms"`
	SentBufferCap         *int     `json:"sent_buffer_cap"`
	SentBufferAgeMs       *int64   `json:"sent_buffer_age_ms"`
	FlowletGapAbsUs       *int64   `json:"flowlet_gap_abs_us"`
	FlowletGapMult        *float64 `json:"flowlet_gap_mult"`
	WindowDeltaUs         *int64   `json:"window_delta_us"`
	DupThreshold          *int     `json:"dup_threshold"`
	MinLossAgeUs          *int64   `json:"min_loss_age_us"`
	InjectRatePerSecond   *float64 `json:"inject_rate_per_s"`
	InjectBurst           *int     `json:"inject_burst"`
	AmplificationCap      *float64 `json:"amplification_cap"`
	DupSuppressTTLMs      *int64   `json:"dup_suppress_ttl_ms"`
	AckedOffset           *int     `json:"acked_offset"`
	MaintenanceIntervalMs *int64   `json:"maintenance_interval_ms"`
	MaxFlows              *int     `json:"max_flows"`
	ShardCount            *int     `json:"shard_count"`
	DrainTimeoutMs        *int64   `json:"drain_timeout_ms"`
	LogPath               *string  `json:"log_path"`
	MetricsAddr           *string  `json:"metrics_addr"`
}

// UnmarshalJSON implements [json.Unmarshaler]. encoding/json would
// otherwise decode every time.Duration field as a raw nanosecond count,
// while the config file format (and spec §6) names them in milliseconds
// or microseconds; this scales each field by its named unit instead.
func (c *Config) UnmarshalJSON(data []byte) error {
	var f configFileFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	if f.IfaceNear != nil {
		c.IfaceNear = *f.IfaceNear
	}
	if f.IfaceFar != nil {
		c.IfaceFar = *f.IfaceFar
	}
	if f.DCIDLen != nil {
		c.DCIDLen = *f.DCIDLen
	}
	if f.IdleTimeoutMs != nil {
		c.IdleTimeout = time.Duration(*f.IdleTimeoutMs) * time.Millisecond
	}
	if f.SentBufferCap != nil {
		c.SentBufferCap = *f.SentBufferCap
	}
	if f.SentBufferAgeMs != nil {
		c.SentBufferAge = time.Duration(*f.SentBufferAgeMs) * time.Millisecond
	}
	if f.FlowletGapAbsUs != nil {
		c.FlowletGapAbs = time.Duration(*f.FlowletGapAbsUs) * time.Microsecond
	}
	if f.FlowletGapMult != nil {
		c.FlowletGapMult = *f.FlowletGapMult
	}
	if f.WindowDeltaUs != nil {
		c.WindowDelta = time.Duration(*f.WindowDeltaUs) * time.Microsecond
	}
	if f.DupThreshold != nil {
		c.DupThreshold = *f.DupThreshold
	}
	if f.MinLossAgeUs != nil {
		c.MinLossAge = time.Duration(*f.MinLossAgeUs) * time.Microsecond
	}
	if f.InjectRatePerSecond != nil {
		c.InjectRatePerSecond = *f.InjectRatePerSecond
	}
	if f.InjectBurst != nil {
		c.InjectBurst = *f.InjectBurst
	}
	if f.AmplificationCap != nil {
		c.AmplificationCap = *f.AmplificationCap
	}
	if f.DupSuppressTTLMs != nil {
		c.DupSuppressTTL = time.Duration(*f.DupSuppressTTLMs) * time.Millisecond
	}
	if f.AckedOffset != nil {
		c.AckedOffset = *f.AckedOffset
	}
	if f.MaintenanceIntervalMs != nil {
		c.MaintenanceInterval = time.Duration(*f.MaintenanceIntervalMs) * time.Millisecond
	}
	if f.MaxFlows != nil {
		c.MaxFlows = *f.MaxFlows
	}
	if f.ShardCount != nil {
		c.ShardCount = *f.ShardCount
	}
	if f.DrainTimeoutMs != nil {
		c.DrainTimeout = time.Duration(*f.DrainTimeoutMs) * time.Millisecond
	}
	if f.LogPath != nil {
		c.LogPath = *f.LogPath
	}
	if f.MetricsAddr != nil {
		c.MetricsAddr = *f.MetricsAddr
	}
	return nil
}

// LoadConfigFile reads and parses a JSON configuration file, starting from
// [DefaultConfig] so unspecified fields keep their default value.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, newErrConfig(fmt.Sprintf("cannot read config file: %s", err.Error()))
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, newErrConfig(fmt.Sprintf("cannot parse config file: %s", err.Error()))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that a [Config] is internally consistent. It returns an
// [ErrConfig]-wrapped error describing the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.IfaceNear == "":
		return newErrConfig("iface_near is required")
	case c.IfaceFar == "":
		return newErrConfig("iface_far is required")
	case c.IfaceNear == c.IfaceFar:
		return newErrConfig("iface_near and iface_far must differ")
	case c.DCIDLen <= 0 || c.DCIDLen > 20:
		return newErrConfig("dcid_len must be in (0, 20]")
	case c.IdleTimeout <= 0:
		return newErrConfig("idle_timeout_ms must be positive")
	case c.SentBufferCap <= 0:
		return newErrConfig("sent_buffer_cap must be positive")
	case c.SentBufferAge <= 0:
		return newErrConfig("sent_buffer_age_ms must be positive")
	case c.FlowletGapAbs <= 0:
		return newErrConfig("flowlet_gap_abs_us must be positive")
	case c.FlowletGapMult <= 0:
		return newErrConfig("flowlet_gap_mult must be positive")
	case c.WindowDelta <= 0:
		return newErrConfig("window_delta_us must be positive")
	case c.MinLossAge < 0:
		return newErrConfig("min_loss_age_us must be non-negative")
	case c.InjectRatePerSecond < 0:
		return newErrConfig("inject_rate_per_s must be non-negative")
	case c.InjectBurst < 0:
		return newErrConfig("inject_burst must be non-negative")
	case c.AmplificationCap < 0:
		return newErrConfig("amplification_cap must be non-negative")
	case c.DupSuppressTTL <= 0:
		return newErrConfig("dup_suppress_ttl_ms must be positive")
	case c.MaintenanceInterval <= 0:
		return newErrConfig("maintenance_interval_ms must be positive")
	case c.MaxFlows <= 0:
		return newErrConfig("max_flows must be positive")
	case c.ShardCount <= 0:
		return newErrConfig("shard_count must be positive")
	case c.DrainTimeout < 0:
		return newErrConfig("drain_timeout_ms must be non-negative")
	default:
		return nil
	}
}

// InjectDisabled reports whether the configuration disables injection
// altogether (spec §8 boundary cases: amplification_cap == 0 or
// dup_threshold effectively infinite).
func (c *Config) InjectDisabled() bool {
	return c.AmplificationCap <= 0 || c.DupThreshold <= 0
}
