// Package models defines practice run structures for CareLoop.
package models

import "time"

// RunStatus is the lifecycle status of a practice run. Once a run leaves
// in_progress its record becomes immutable.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunDropped    RunStatus = "dropped"
	RunPaused     RunStatus = "paused"
)

// RunnerState is a state of the nested practice execution machine.
type RunnerState string

const (
	RunnerConsent    RunnerState = "CONSENT"
	RunnerBaseline   RunnerState = "BASELINE"
	RunnerStep       RunnerState = "STEP"
	RunnerCheckpoint RunnerState = "CHECKPOINT"
	RunnerAdapt      RunnerState = "ADAPT"
	RunnerWrapUp     RunnerState = "WRAP_UP"
	RunnerFollowUp   RunnerState = "FOLLOW_UP"
)

// FallbackVariant names one of the three mandatory per-step fallbacks.
type FallbackVariant string

const (
	FallbackUserConfused FallbackVariant = "user_confused"
	FallbackCannotNow    FallbackVariant = "cannot_now"
	FallbackTooHard      FallbackVariant = "too_hard"
)

// IsValidFallbackVariant checks if the given variant is one of the three
// mandatory fallbacks.
func IsValidFallbackVariant(v FallbackVariant) bool {
	switch v {
	case FallbackUserConfused, FallbackCannotNow, FallbackTooHard:
		return true
	default:
		return false
	}
}

// IntensityUnset marks a pre/post intensity that was never collected.
const IntensityUnset = -1

// PracticeRun is one attempt at a selected technique.
type PracticeRun struct {
	ID               string      `json:"id"`
	ConversationID   string      `json:"conversation_id"`
	UserID           string      `json:"user_id"`
	TechniqueID      string      `json:"technique_id"`
	TechniqueVersion string      `json:"technique_version"`
	RunnerState      RunnerState `json:"runner_state"`
	StepIndex        int         `json:"step_index"` // 1-based
	StepCount        int         `json:"step_count"`
	Status           RunStatus   `json:"status"`
	// PendingFallback is the variant delivered for the current step while
	// the runner sits in ADAPT, recorded on the step's checkpoint once the
	// step resolves.
	PendingFallback FallbackVariant `json:"pending_fallback,omitempty"`
	PreIntensity    int             `json:"pre_intensity"`  // 0-10, IntensityUnset if absent
	PostIntensity   int             `json:"post_intensity"` // 0-10, IntensityUnset if absent
	DropReason      string          `json:"drop_reason,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         time.Time       `json:"ended_at,omitempty"`
}

// Resumable reports whether the run can be picked up again.
func (r *PracticeRun) Resumable() bool {
	return r.Status == RunInProgress || r.Status == RunPaused
}

// PracticeCheckpoint is a write-once record of one delivered step, unique
// per (run, step index).
type PracticeCheckpoint struct {
	RunID           string          `json:"run_id"`
	StepIndex       int             `json:"step_index"`
	UserReply       string          `json:"user_reply,omitempty"`
	Affordance      ButtonAction    `json:"affordance"`
	FallbackVariant FallbackVariant `json:"fallback_variant,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// TechniqueStats is the per (user, technique) usage aggregate. It feeds
// future selection and is never an input to safety decisions.
type TechniqueStats struct {
	UserID           string    `json:"user_id"`
	TechniqueID      string    `json:"technique_id"`
	TimesUsed        int       `json:"times_used"`
	AvgEffectiveness float64   `json:"avg_effectiveness"` // running average, 0-10
	LastUsedAt       time.Time `json:"last_used_at"`
}

// ReadinessTier is the ordered stage describing how prepared a user is to act.
type ReadinessTier string

const (
	ReadinessPrecontemplation ReadinessTier = "precontemplation"
	ReadinessContemplation    ReadinessTier = "contemplation"
	ReadinessAction           ReadinessTier = "action"
	ReadinessMaintenance      ReadinessTier = "maintenance"
)

// Order returns the tier's position in the readiness ordering, or -1.
func (r ReadinessTier) Order() int {
	switch r {
	case ReadinessPrecontemplation:
		return 0
	case ReadinessContemplation:
		return 1
	case ReadinessAction:
		return 2
	case ReadinessMaintenance:
		return 3
	default:
		return -1
	}
}

// MaintainingCycle is a tagged pattern hypothesized to sustain distress.
type MaintainingCycle string

const (
	CycleRumination      MaintainingCycle = "rumination"
	CycleWorry           MaintainingCycle = "worry"
	CycleAvoidance       MaintainingCycle = "avoidance"
	CyclePerfectionism   MaintainingCycle = "perfectionism"
	CycleSelfCriticism   MaintainingCycle = "self_criticism"
	CycleSymptomFixation MaintainingCycle = "symptom_fixation"
)
