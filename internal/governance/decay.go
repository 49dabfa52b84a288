// Package governance runs the periodic hygiene loop over the store:
// vitality decay, two-phase cleanup reviews, and sleep consolidation.
package governance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

const metaLastDecayDay = "vitality.last_decay_day.v1"

// VitalityConfig carries the decay and reinforcement knobs.
type VitalityConfig struct {
	HalfLifeDays   float64
	Floor          float64
	Max            float64
	ReinforceDelta float64
}

// DefaultVitalityConfig mirrors the shipped configuration defaults.
func DefaultVitalityConfig() VitalityConfig {
	return VitalityConfig{
		HalfLifeDays:   30,
		Floor:          0.05,
		Max:            3.0,
		ReinforceDelta: 0.25,
	}
}

// Governor owns vitality decay and sleep consolidation.
type Governor struct {
	store    storage.Storage
	vitality VitalityConfig
	sleep    SleepConfig
	log      zerolog.Logger
}

// NewGovernor builds a governor. Zero config fields fall back to defaults.
func NewGovernor(store storage.Storage, vitality VitalityConfig, sleep SleepConfig, log zerolog.Logger) *Governor {
	def := DefaultVitalityConfig()
	if vitality.HalfLifeDays <= 0 {
		vitality.HalfLifeDays = def.HalfLifeDays
	}
	if vitality.Floor <= 0 {
		vitality.Floor = def.Floor
	}
	if vitality.Max <= 0 {
		vitality.Max = def.Max
	}
	if vitality.ReinforceDelta <= 0 {
		vitality.ReinforceDelta = def.ReinforceDelta
	}
	if sleep.DedupThreshold <= 0 {
		sleep.DedupThreshold = DefaultSleepDedupThreshold
	}
	if sleep.RollupMaxChars <= 0 {
		sleep.RollupMaxChars = DefaultSleepRollupMaxChars
	}
	return &Governor{store: store, vitality: vitality, sleep: sleep, log: log}
}

// RunDecay applies vitality decay at most once per UTC day. force bypasses
// the day marker; the tick is idempotent either way since the decay
// factor derives from last_accessed_at.
func (g *Governor) RunDecay(ctx context.Context, force bool) (int, bool, error) {
	day := time.Now().UTC().Format("2006-01-02")

	if !force {
		last, err := g.store.GetMeta(ctx, metaLastDecayDay)
		if err != nil {
			return 0, false, err
		}
		if last == day {
			return 0, false, nil
		}
	}

	applied, err := g.store.ApplyVitalityDecay(ctx, g.vitality.HalfLifeDays, g.vitality.Floor, time.Now().UTC())
	if err != nil {
		return 0, false, err
	}
	if err := g.store.SetMeta(ctx, metaLastDecayDay, day); err != nil {
		return applied, true, err
	}

	g.log.Info().Int("memories", applied).Str("day", day).Msg("vitality decay applied")
	return applied, true, nil
}

// Candidates lists memories eligible for cleanup review.
func (g *Governor) Candidates(ctx context.Context, f storage.CandidateFilter) ([]types.CleanupCandidate, error) {
	return g.store.ListCleanupCandidates(ctx, f)
}
