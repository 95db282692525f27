// Package generations implements the five-level generation-duration
// configuration and the time-bucket arithmetic of the compaction engine.
// A generation level buckets time into half-open intervals of its
// configured duration; higher levels bucket strictly coarser.
package generations

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stratadb/strata/core"
)

// Day and Year are the coarse duration units accepted in generation
// duration strings ("7d", "1y").
const (
	Day  = 24 * time.Hour
	Year = 365 * Day
)

// allowedDurations holds the permitted duration set per level, indexed by
// level-1. The sets coarsen as the level increases.
var allowedDurations = [core.MaxGenerationLevel][]time.Duration{
	{time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute, time.Hour, 6 * time.Hour, 12 * time.Hour, Day, 7 * Day},
	{time.Hour, 6 * time.Hour, 12 * time.Hour, Day, 7 * Day, 30 * Day},
	{Day, 7 * Day, 30 * Day, 90 * Day},
	{7 * Day, 30 * Day, 90 * Day, Year},
	{30 * Day, 90 * Day, Year},
}

// Options carries the per-level durations. Gen1 is required; Gen2..Gen5
// are optional but must chain: a level may only be set when the level
// below it is set, with a strictly larger duration.
type Options struct {
	Gen1 time.Duration
	Gen2 time.Duration
	Gen3 time.Duration
	Gen4 time.Duration
	Gen5 time.Duration
}

// Manager answers bucket queries for a validated duration configuration.
// It is immutable after construction and safe for concurrent use.
type Manager struct {
	durations [core.MaxGenerationLevel]time.Duration
	maxActive core.GenerationLevel
}

// NewManager validates the configured duration chain and returns a Manager.
// It fails with a *core.ConfigError wrapping ErrInvalidDuration,
// ErrMissingPrerequisite or ErrNonIncreasing.
func NewManager(opts Options) (*Manager, error) {
	durations := [core.MaxGenerationLevel]time.Duration{opts.Gen1, opts.Gen2, opts.Gen3, opts.Gen4, opts.Gen5}

	if durations[0] <= 0 {
		return nil, &core.ConfigError{Level: 1, Duration: durations[0], Err: core.ErrMissingPrerequisite}
	}

	m := &Manager{durations: durations}
	for i, d := range durations {
		level := core.GenerationLevel(i + 1)
		if d == 0 {
			continue
		}
		if !allowed(level, d) {
			return nil, &core.ConfigError{Level: level, Duration: d, Err: core.ErrInvalidDuration}
		}
		if level > core.MinGenerationLevel {
			prev := durations[i-1]
			if prev == 0 {
				return nil, &core.ConfigError{Level: level, Duration: d, Err: core.ErrMissingPrerequisite}
			}
			if d <= prev {
				return nil, &core.ConfigError{Level: level, Duration: d, Err: core.ErrNonIncreasing}
			}
		}
	}

	// A level is active only if all lower levels are active.
	m.maxActive = core.MinGenerationLevel
	for i := 1; i < len(durations); i++ {
		if durations[i] == 0 {
			break
		}
		m.maxActive = core.GenerationLevel(i + 1)
	}
	return m, nil
}

func allowed(level core.GenerationLevel, d time.Duration) bool {
	for _, a := range allowedDurations[level-1] {
		if a == d {
			return true
		}
	}
	return false
}

// MaxActiveLevel returns the highest configured generation level.
func (m *Manager) MaxActiveLevel() core.GenerationLevel {
	return m.maxActive
}

// LevelActive reports whether the given level has a configured duration.
func (m *Manager) LevelActive(level core.GenerationLevel) bool {
	return level.Valid() && level <= m.maxActive
}

// Duration returns the configured duration for a level.
func (m *Manager) Duration(level core.GenerationLevel) (time.Duration, bool) {
	if !m.LevelActive(level) {
		return 0, false
	}
	return m.durations[level-1], true
}

// BucketFor returns the level's bucket containing ts. Pure function:
// start = floor(ts/duration)*duration, end = start+duration.
func (m *Manager) BucketFor(level core.GenerationLevel, ts int64) (core.TimeBucket, error) {
	d, ok := m.Duration(level)
	if !ok {
		return core.TimeBucket{}, fmt.Errorf("generation level %s is not active", level)
	}
	width := int64(d)
	start := floorDiv(ts, width) * width
	return core.TimeBucket{Level: level, Start: start, End: start + width}, nil
}

// IsBucketClosed reports whether no further file can land in the bucket:
// the ingest watermark has moved past its end plus the safety margin.
func (m *Manager) IsBucketClosed(bucket core.TimeBucket, ingestWatermark int64, safetyMargin time.Duration) bool {
	return bucket.End+int64(safetyMargin) <= ingestWatermark
}

// floorDiv divides rounding toward negative infinity, so pre-epoch
// timestamps still land in the bucket containing them.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ParseDuration parses a generation duration string. In addition to the
// units time.ParseDuration understands, it accepts a "d" (day) and "y"
// (365-day year) suffix, since the higher-level allowed sets are scaled
// in days and years.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(strings.TrimSuffix(s, "d"), 10, 64); err == nil && strings.HasSuffix(s, "d") {
		return time.Duration(n) * Day, nil
	}
	if n, err := strconv.ParseInt(strings.TrimSuffix(s, "y"), 10, 64); err == nil && strings.HasSuffix(s, "y") {
		return time.Duration(n) * Year, nil
	}
	return time.ParseDuration(s)
}

// ParseOptions converts the five configured duration strings into Options.
// Empty strings leave a level unconfigured; gen1 must be non-empty.
func ParseOptions(gen1, gen2, gen3, gen4, gen5 string) (Options, error) {
	var opts Options
	fields := []struct {
		s   string
		dst *time.Duration
	}{
		{gen1, &opts.Gen1},
		{gen2, &opts.Gen2},
		{gen3, &opts.Gen3},
		{gen4, &opts.Gen4},
		{gen5, &opts.Gen5},
	}
	for i, f := range fields {
		if f.s == "" {
			continue
		}
		d, err := ParseDuration(f.s)
		if err != nil {
			return Options{}, fmt.Errorf("gen%d_duration %q: %w", i+1, f.s, err)
		}
		*f.dst = d
	}
	return opts, nil
}
