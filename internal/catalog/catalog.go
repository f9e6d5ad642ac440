// Package catalog loads and validates the declarative technique catalog.
//
// Catalog documents are versioned YAML files validated exhaustively at load
// time. A malformed document is a fatal startup error, never a runtime one:
// after loading, the catalog is immutable read-only data.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/careloop/careloop/internal/models"
)

// Step is one ordered step of a technique.
type Step struct {
	Index        int                               `yaml:"index"`
	Instruction  string                            `yaml:"instruction"`
	UIMode       models.UIMode                     `yaml:"ui_mode"`
	Checkpoint   bool                              `yaml:"checkpoint"`
	TimerSeconds int                               `yaml:"timer_seconds,omitempty"`
	Buttons      []models.Button                   `yaml:"buttons,omitempty"`
	Fallbacks    map[models.FallbackVariant]string `yaml:"fallbacks"`
}

// Prerequisites gates technique eligibility before scoring.
type Prerequisites struct {
	MinReadiness        models.ReadinessTier `yaml:"min_readiness"`
	RequiresFormulation bool                 `yaml:"requires_formulation"`
}

// SafetyOverrides blocks a technique under elevated risk conditions.
type SafetyOverrides struct {
	// BlockedIfDistressGTE blocks the technique when self-reported distress
	// is at or above this value. Zero means no distress block.
	BlockedIfDistressGTE int `yaml:"blocked_if_distress_gte"`
	// BlockedIfCautionElevated blocks the technique while the conversation
	// is in an elevated-caution state.
	BlockedIfCautionElevated bool `yaml:"blocked_if_caution_elevated"`
}

// Technique is one declarative, versioned catalog entry.
type Technique struct {
	ID            string                    `yaml:"id"`
	Version       string                    `yaml:"version"`
	Name          string                    `yaml:"name"`
	Category      string                    `yaml:"category"`
	PriorityRank  int                       `yaml:"priority_rank"`
	DurationMin   int                       `yaml:"duration_min"`
	DurationMax   int                       `yaml:"duration_max"`
	FirstLineFor  []models.MaintainingCycle `yaml:"first_line_for,omitempty"`
	SecondLineFor []models.MaintainingCycle `yaml:"second_line_for,omitempty"`
	// AlwaysEligible marks a universal, always-safe technique that survives
	// every filter and serves as the selection fallback.
	AlwaysEligible  bool            `yaml:"always_eligible"`
	Prerequisites   Prerequisites   `yaml:"prerequisites"`
	SafetyOverrides SafetyOverrides `yaml:"safety_overrides"`
	Steps           []Step          `yaml:"steps"`
}

// MajorVersion returns the major component of the technique version.
// A malformed version yields an error; callers treat that as incompatible.
func (t *Technique) MajorVersion() (int, error) {
	return majorOf(t.Version)
}

func majorOf(version string) (int, error) {
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("malformed version %q: %w", version, err)
	}
	return major, nil
}

// ResumeCompatible reports whether a run started under storedVersion may
// resume against this catalog entry (same major version).
func (t *Technique) ResumeCompatible(storedVersion string) bool {
	cur, err := t.MajorVersion()
	if err != nil {
		return false
	}
	stored, err := majorOf(storedVersion)
	if err != nil {
		return false
	}
	return cur == stored
}

// CycleMatch scores how well the technique targets the active cycle:
// first-line 1.0, second-line 0.5, tag-less universal 0.3, otherwise 0.0.
func (t *Technique) CycleMatch(cycle models.MaintainingCycle) float64 {
	for _, c := range t.FirstLineFor {
		if c == cycle {
			return 1.0
		}
	}
	for _, c := range t.SecondLineFor {
		if c == cycle {
			return 0.5
		}
	}
	if t.AlwaysEligible || (len(t.FirstLineFor) == 0 && len(t.SecondLineFor) == 0) {
		return 0.3
	}
	return 0.0
}

// Catalog is the validated, immutable set of loaded techniques.
type Catalog struct {
	byID  map[string]*Technique
	order []string
}

// Get returns the technique with the given id.
func (c *Catalog) Get(id string) (*Technique, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// All returns the techniques in load order.
func (c *Catalog) All() []*Technique {
	out := make([]*Technique, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of loaded techniques.
func (c *Catalog) Len() int {
	return len(c.byID)
}
