package config

import (
	"time"

	"relwatch/internal/watch"
)

// Hardcoded defaults: the bottom layer of the settings merge. Every resolved
// field is guaranteed to be defined because this layer is total.
const (
	DefaultCheckCount            = 3
	DefaultCheckIntervalSeconds  = 300
	DefaultMaxRetries            = 3
	DefaultInitialTimeoutSeconds = 5
	DefaultBackoffMultiplier     = 2.0
	DefaultJitterPercentage      = 20
)

// SettingsOverride is one layer of the settings merge. All leaf fields are
// optional: nil means "not set here, ask the next layer".
type SettingsOverride struct {
	Check    *CheckOverride    `json:"check,omitempty"`
	Download *DownloadOverride `json:"download,omitempty"`
}

type CheckOverride struct {
	Count           *int     `json:"count,omitempty"`
	IntervalSeconds *int     `json:"interval_seconds,omitempty"`
	DownloadTypes   []string `json:"download_types,omitempty"`
}

type DownloadOverride struct {
	MaxRetries            *int     `json:"max_retries,omitempty"`
	InitialTimeoutSeconds *int     `json:"initial_timeout_seconds,omitempty"`
	BackoffMultiplier     *float64 `json:"backoff_multiplier,omitempty"`
	JitterPercentage      *int     `json:"jitter_percentage,omitempty"`
}

// Settings is the fully resolved, total settings object one entity runs with.
type Settings struct {
	Check    CheckSettings
	Download DownloadSettings
}

type CheckSettings struct {
	// Count bounds check attempts per trigger firing.
	Count int
	// Interval separates requeued checks and throttles checks within a domain.
	Interval time.Duration
	// DownloadTypes is the set of item types worth acquiring.
	DownloadTypes []watch.DownloadType
}

type DownloadSettings struct {
	// MaxRetries bounds transient-failure retries within a single attempt.
	MaxRetries        int
	InitialTimeout    time.Duration
	BackoffMultiplier float64
	// JitterPercentage applies symmetric +-N% jitter to backoff delays.
	JitterPercentage int
}

// WantsType reports whether the resolved download-type set includes t.
func (s CheckSettings) WantsType(t watch.DownloadType) bool {
	for _, dt := range s.DownloadTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// Resolve merges up to three override layers into a total Settings value.
//
// Precedence per leaf field: entity > group > global > hardcoded default.
// Pure and deterministic; inputs are never mutated, nil layers are fine.
func Resolve(entity, group, global *SettingsOverride) Settings {
	s, _ := ResolveDetail(entity, group, global)
	return s
}

// ResolveDetail is Resolve plus the list of download-type strings from the
// winning layer that were not recognized (they default to "available";
// callers surface a warning).
func ResolveDetail(entity, group, global *SettingsOverride) (Settings, []string) {
	layers := [3]*SettingsOverride{entity, group, global}

	var s Settings
	s.Check.Count = pickInt(checkInts(layers, func(c *CheckOverride) *int { return c.Count }), DefaultCheckCount)
	s.Check.Interval = time.Duration(pickInt(checkInts(layers, func(c *CheckOverride) *int { return c.IntervalSeconds }), DefaultCheckIntervalSeconds)) * time.Second

	rawTypes := pickTypes(layers)
	types, unknown := parseDownloadTypes(rawTypes)
	s.Check.DownloadTypes = types

	s.Download.MaxRetries = pickInt(downloadInts(layers, func(d *DownloadOverride) *int { return d.MaxRetries }), DefaultMaxRetries)
	s.Download.InitialTimeout = time.Duration(pickInt(downloadInts(layers, func(d *DownloadOverride) *int { return d.InitialTimeoutSeconds }), DefaultInitialTimeoutSeconds)) * time.Second
	s.Download.BackoffMultiplier = pickFloat(layers, DefaultBackoffMultiplier)
	s.Download.JitterPercentage = pickInt(downloadInts(layers, func(d *DownloadOverride) *int { return d.JitterPercentage }), DefaultJitterPercentage)

	return s, unknown
}

func checkInts(layers [3]*SettingsOverride, get func(*CheckOverride) *int) [3]*int {
	var out [3]*int
	for i, l := range layers {
		if l != nil && l.Check != nil {
			out[i] = get(l.Check)
		}
	}
	return out
}

func downloadInts(layers [3]*SettingsOverride, get func(*DownloadOverride) *int) [3]*int {
	var out [3]*int
	for i, l := range layers {
		if l != nil && l.Download != nil {
			out[i] = get(l.Download)
		}
	}
	return out
}

func pickInt(vals [3]*int, def int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return def
}

func pickFloat(layers [3]*SettingsOverride, def float64) float64 {
	for _, l := range layers {
		if l != nil && l.Download != nil && l.Download.BackoffMultiplier != nil {
			return *l.Download.BackoffMultiplier
		}
	}
	return def
}

func pickTypes(layers [3]*SettingsOverride) []string {
	for _, l := range layers {
		if l != nil && l.Check != nil && l.Check.DownloadTypes != nil {
			return l.Check.DownloadTypes
		}
	}
	return nil
}

// parseDownloadTypes maps type strings to the enum, deduplicated in input
// order. Unknown strings default to the most permissive type and are
// returned so the caller can warn. Nil input yields the default set.
func parseDownloadTypes(raw []string) ([]watch.DownloadType, []string) {
	if raw == nil {
		return []watch.DownloadType{watch.TypeAvailable}, nil
	}
	var (
		out     []watch.DownloadType
		unknown []string
		seen    [3]bool
	)
	for _, s := range raw {
		t, ok := watch.ParseDownloadType(s)
		if !ok {
			unknown = append(unknown, s)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = []watch.DownloadType{watch.TypeAvailable}
	}
	return out, unknown
}
