// Package hardware derives execution tuning from the control machine's
// CPU and memory.
package hardware

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Tier is the hardware class of the control machine.
type Tier string

const (
	TierHighPerformance Tier = "high_performance"
	TierStandard        Tier = "standard"
	TierMinimal         Tier = "minimal"
	TierConstrained     Tier = "constrained"
)

// BaseTimeoutSeconds is the engine timeout before the tier multiplier.
const BaseTimeoutSeconds = 300

// Profile is a single hardware reading, classified into a tier.
type Profile struct {
	Tier      Tier  `json:"tier"`
	CoreCount int   `json:"core_count"`
	MemoryMB  int64 `json:"memory_mb"`
}

// Tuning holds the execution parameters handed to the engine.
type Tuning struct {
	Parallelism    int  `json:"parallelism"`
	AsyncEnabled   bool `json:"async_enabled"`
	TimeoutSeconds int  `json:"timeout_seconds"`

	// DefaultMaxAttempts applies to stages that declare no retry policy.
	DefaultMaxAttempts int `json:"default_max_attempts"`
}

type tierSpec struct {
	tier              Tier
	minCores          int
	minMemoryMB       int64
	parallelism       int
	async             bool
	timeoutMultiplier float64
	attempts          int
}

// tiers is ordered from most to least capable; the first match wins.
var tiers = []tierSpec{
	{TierHighPerformance, 16, 32 * 1024, 20, true, 0.8, 2},
	{TierStandard, 8, 16 * 1024, 10, true, 1.0, 3},
	{TierMinimal, 4, 8 * 1024, 5, false, 1.5, 4},
	{TierConstrained, 0, 0, 2, false, 2.0, 5},
}

// Classify returns the profile for a reading. Both the core and the memory
// threshold must hold for a tier.
func Classify(coreCount int, memoryMB int64) Profile {
	p := Profile{CoreCount: coreCount, MemoryMB: memoryMB, Tier: TierConstrained}
	for _, t := range tiers {
		if coreCount >= t.minCores && memoryMB >= t.minMemoryMB {
			p.Tier = t.tier
			break
		}
	}
	return p
}

// Tune maps a profile to its execution tuning. Unknown tiers get the
// constrained tuning.
func Tune(p Profile) Tuning {
	spec := tiers[len(tiers)-1]
	for _, t := range tiers {
		if t.tier == p.Tier {
			spec = t
			break
		}
	}
	return Tuning{
		Parallelism:        spec.parallelism,
		AsyncEnabled:       spec.async,
		TimeoutSeconds:     int(math.Round(BaseTimeoutSeconds * spec.timeoutMultiplier)),
		DefaultMaxAttempts: spec.attempts,
	}
}

// Reader reads the raw hardware metrics.
type Reader interface {
	Read(ctx context.Context) (coreCount int, memoryMB int64, err error)
}

// SystemReader reads the local machine through gopsutil.
type SystemReader struct{}

// Read implements Reader.
func (SystemReader) Read(ctx context.Context) (int, int64, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory: %w", err)
	}
	return cores, int64(vm.Total / (1024 * 1024)), nil
}

// Profiler produces the profile and tuning for one run.
type Profiler struct {
	reader Reader
	logger zerolog.Logger
}

// NewProfiler creates a profiler. A nil reader uses SystemReader.
func NewProfiler(reader Reader, logger zerolog.Logger) *Profiler {
	if reader == nil {
		reader = SystemReader{}
	}
	return &Profiler{
		reader: reader,
		logger: logger.With().Str("component", "hardware").Logger(),
	}
}

// Profile reads the hardware and returns its profile and tuning. Read
// failures fall back to the constrained tier.
func (p *Profiler) Profile(ctx context.Context) (Profile, Tuning) {
	cores, memMB, err := p.reader.Read(ctx)
	if err != nil || cores <= 0 || memMB <= 0 {
		p.logger.Warn().Err(err).
			Int("cores", cores).
			Int64("memory_mb", memMB).
			Msg("Unable to read hardware metrics, using constrained tuning")
		profile := Profile{Tier: TierConstrained, CoreCount: cores, MemoryMB: memMB}
		return profile, Tune(profile)
	}

	profile := Classify(cores, memMB)
	tuning := Tune(profile)
	p.logger.Debug().
		Str("tier", string(profile.Tier)).
		Int("cores", cores).
		Int64("memory_mb", memMB).
		Int("parallelism", tuning.Parallelism).
		Bool("async", tuning.AsyncEnabled).
		Int("timeout_seconds", tuning.TimeoutSeconds).
		Msg("Hardware profile")
	return profile, tuning
}
