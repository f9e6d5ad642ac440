// Package rules implements the deterministic practice selection engine.
//
// Selection runs a fixed pipeline: hard eligibility filter, cycle match,
// composite score, priority-rank tiebreak, universal fallback. It performs
// no generation and no probabilistic calls; identical inputs always produce
// identical output.
package rules

import (
	"log/slog"
	"sort"

	"github.com/careloop/careloop/internal/catalog"
	"github.com/careloop/careloop/internal/models"
)

// Score weights.
const (
	weightCycle         = 0.4
	weightEffectiveness = 0.3
	weightRepetition    = 0.2
	weightNovelty       = 0.1
)

// Input carries the decision features for one selection.
type Input struct {
	Distress          int // self-reported 0-10
	Cycle             models.MaintainingCycle
	TimeBudgetMinutes int // 0 means unconstrained
	Readiness         models.ReadinessTier
	Caution           models.CautionTier
	HasFormulation    bool
	Stats             map[string]models.TechniqueStats
}

// Selection is the engine's output: a primary technique and, when another
// candidate survived, a backup.
type Selection struct {
	Primary *catalog.Technique
	Backup  *catalog.Technique
	// Scores holds the composite score per surviving candidate id.
	Scores map[string]float64
}

// Engine scores and selects techniques from the loaded catalog.
type Engine struct {
	catalog *catalog.Catalog
}

// NewEngine creates a rule engine over the catalog.
func NewEngine(cat *catalog.Catalog) *Engine {
	return &Engine{catalog: cat}
}

// Select runs the full pipeline. It never returns an empty selection: when
// every candidate is filtered out, the lowest-rank always-eligible technique
// is returned as primary.
func (e *Engine) Select(in Input) Selection {
	candidates := e.filter(in)
	if len(candidates) == 0 {
		fallback := e.universalFallback()
		slog.Info("Practice selection fell back to universal technique", "techniqueID", fallback.ID, "distress", in.Distress, "caution", in.Caution)
		return Selection{Primary: fallback, Scores: map[string]float64{fallback.ID: 0}}
	}

	scores := make(map[string]float64, len(candidates))
	for _, t := range candidates {
		scores[t.ID] = e.score(t, in)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scores[candidates[i].ID], scores[candidates[j].ID]
		if si != sj {
			return si > sj
		}
		// Lower declared priority rank wins ties, never lexical order.
		return candidates[i].PriorityRank < candidates[j].PriorityRank
	})

	sel := Selection{Primary: candidates[0], Scores: scores}
	if len(candidates) > 1 {
		sel.Backup = candidates[1]
	}
	slog.Debug("Practice selection complete", "primary", sel.Primary.ID, "score", scores[sel.Primary.ID], "candidates", len(candidates))
	return sel
}

// filter applies the hard eligibility gates. At the lowest readiness tier
// only the always-eligible universal techniques remain, regardless of the
// other filters.
func (e *Engine) filter(in Input) []*catalog.Technique {
	var out []*catalog.Technique
	if in.Readiness == models.ReadinessPrecontemplation {
		for _, t := range e.catalog.All() {
			if t.AlwaysEligible {
				out = append(out, t)
			}
		}
		return out
	}

	userOrder := in.Readiness.Order()
	for _, t := range e.catalog.All() {
		so := t.SafetyOverrides
		if so.BlockedIfDistressGTE > 0 && in.Distress >= so.BlockedIfDistressGTE {
			continue
		}
		if so.BlockedIfCautionElevated && in.Caution == models.CautionElevated {
			continue
		}
		if in.TimeBudgetMinutes > 0 && t.DurationMin > in.TimeBudgetMinutes {
			continue
		}
		if t.Prerequisites.MinReadiness.Order() > userOrder {
			continue
		}
		if t.Prerequisites.RequiresFormulation && !in.HasFormulation {
			continue
		}
		out = append(out, t)
	}
	return out
}

// score computes the composite candidate score, clamped to [0,1].
func (e *Engine) score(t *catalog.Technique, in Input) float64 {
	cycle := t.CycleMatch(in.Cycle)

	var effectiveness, repetition float64
	if ts, ok := in.Stats[t.ID]; ok {
		effectiveness = clamp01(ts.AvgEffectiveness / 10)
		switch {
		case ts.TimesUsed >= 3:
			repetition = 1.0
		case ts.TimesUsed >= 1:
			repetition = 0.5
		}
	}
	novelty := 1.0 - repetition

	return clamp01(weightCycle*cycle + weightEffectiveness*effectiveness - weightRepetition*repetition + weightNovelty*novelty)
}

// universalFallback returns the always-eligible technique with the lowest
// priority rank.
func (e *Engine) universalFallback() *catalog.Technique {
	var best *catalog.Technique
	for _, t := range e.catalog.All() {
		if !t.AlwaysEligible {
			continue
		}
		if best == nil || t.PriorityRank < best.PriorityRank {
			best = t
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
