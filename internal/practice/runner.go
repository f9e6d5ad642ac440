// Package practice implements the nested step-execution machine that drives
// one PracticeRun.
//
// The machine is CONSENT → BASELINE → STEP(1..N) → WRAP_UP → FOLLOW_UP,
// with ADAPT as a self-loop on the current step when a fallback variant is
// invoked and CHECKPOINT as the parking state after a mid-practice safety
// re-entry or a resume. Every resolved step writes exactly one
// PracticeCheckpoint; indices stay contiguous from 1.
package practice

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/careloop/careloop/internal/catalog"
	"github.com/careloop/careloop/internal/models"
	"github.com/careloop/careloop/internal/store"
	"github.com/google/uuid"
)

// Drop reasons recorded on non-completed runs.
const (
	DropConsentDeclined   = "consent_declined"
	DropPartialCompletion = "partial_completion"
	DropCautionEscalated  = "caution_escalated"
	DropBackupRequested   = "backup_requested"
)

// neutralEffectiveness is the stats rating used when either intensity
// reading is missing.
const neutralEffectiveness = 5

// Event is one user turn interpreted for the runner.
type Event struct {
	Reply string
	// Advance is set when the user confirmed or pressed an advancing button.
	Advance bool
	// Stop is set on an explicit end request.
	Stop bool
	// Fallback names the variant the user invoked, if any.
	Fallback models.FallbackVariant
	// Intensity is the parsed 0-10 self-report, or IntensityUnset.
	Intensity int
	// CautionRose is set when the safety tier rose mid-practice.
	CautionRose bool
}

// Prompt tells the gate what to say next.
type Prompt struct {
	State models.RunnerState
	// Step is the catalog step to deliver, when in STEP or ADAPT.
	Step *catalog.Step
	// FallbackText is the variant text to deliver instead of the
	// instruction, when in ADAPT.
	FallbackText string
	// Finished is set once the run has been finalized.
	Finished bool
	// Completed distinguishes natural completion from a drop once finished.
	Completed bool
}

// Runner executes practice runs against the loaded catalog.
type Runner struct {
	catalog *catalog.Catalog
}

// NewRunner creates a runner over the catalog.
func NewRunner(cat *catalog.Catalog) *Runner {
	return &Runner{catalog: cat}
}

// Start creates a run in CONSENT for the selected technique.
func (r *Runner) Start(s store.Store, c *models.Conversation, tech *catalog.Technique, at time.Time) (*models.PracticeRun, error) {
	run := models.PracticeRun{
		ID:               uuid.NewString(),
		ConversationID:   c.ID,
		UserID:           c.UserID,
		TechniqueID:      tech.ID,
		TechniqueVersion: tech.Version,
		RunnerState:      models.RunnerConsent,
		StepIndex:        1,
		StepCount:        len(tech.Steps),
		Status:           models.RunInProgress,
		PreIntensity:     models.IntensityUnset,
		PostIntensity:    models.IntensityUnset,
		StartedAt:        at,
	}
	if err := s.CreateRun(run); err != nil {
		return nil, err
	}
	c.ActiveRunID = run.ID
	slog.Info("Practice run started", "runID", run.ID, "techniqueID", tech.ID, "steps", run.StepCount)
	return &run, nil
}

// Resume reopens a paused or interrupted run at CHECKPOINT, never at step 1.
func (r *Runner) Resume(s store.Store, run *models.PracticeRun) error {
	if !run.Resumable() {
		return models.ErrRunNotResumable
	}
	run.Status = models.RunInProgress
	run.RunnerState = models.RunnerCheckpoint
	if err := s.SaveRun(*run); err != nil {
		return err
	}
	slog.Info("Practice run resumed", "runID", run.ID, "stepIndex", run.StepIndex)
	return nil
}

// Pause parks an in-progress run after practice idle. The run stays
// resumable.
func (r *Runner) Pause(s store.Store, run *models.PracticeRun) error {
	if run.Status != models.RunInProgress {
		return models.ErrRunNotResumable
	}
	run.Status = models.RunPaused
	if err := s.SaveRun(*run); err != nil {
		return err
	}
	slog.Info("Practice run paused", "runID", run.ID, "stepIndex", run.StepIndex)
	return nil
}

// Handle advances the nested machine by one user turn and persists the run.
func (r *Runner) Handle(s store.Store, run *models.PracticeRun, ev Event, at time.Time) (Prompt, error) {
	tech, ok := r.catalog.Get(run.TechniqueID)
	if !ok {
		return Prompt{}, fmt.Errorf("technique %s not in catalog: %w", run.TechniqueID, models.ErrRunNotResumable)
	}

	// A caution rise parks the run at CHECKPOINT from any step state; the
	// caller jumps the conversation to SAFETY_CHECK.
	if ev.CautionRose && (run.RunnerState == models.RunnerStep || run.RunnerState == models.RunnerAdapt || run.RunnerState == models.RunnerCheckpoint) {
		run.RunnerState = models.RunnerCheckpoint
		run.PendingFallback = ""
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerCheckpoint}, nil
	}

	switch run.RunnerState {
	case models.RunnerConsent:
		return r.handleConsent(s, run, tech, ev, at)
	case models.RunnerBaseline:
		return r.handleBaseline(s, run, tech, ev, at)
	case models.RunnerStep:
		return r.handleStep(s, run, tech, ev, at)
	case models.RunnerAdapt:
		return r.handleAdapt(s, run, tech, ev, at)
	case models.RunnerCheckpoint:
		return r.handleCheckpoint(s, run, tech, ev, at)
	case models.RunnerWrapUp:
		return r.handleWrapUp(s, run, ev, at)
	default:
		return Prompt{}, fmt.Errorf("run %s in unexpected state %s", run.ID, run.RunnerState)
	}
}

func (r *Runner) handleConsent(s store.Store, run *models.PracticeRun, tech *catalog.Technique, ev Event, at time.Time) (Prompt, error) {
	if ev.Stop {
		run.DropReason = DropConsentDeclined
		return r.finalize(s, run, false, at)
	}
	if !ev.Advance {
		return Prompt{State: models.RunnerConsent}, nil
	}
	run.RunnerState = models.RunnerBaseline
	if err := s.SaveRun(*run); err != nil {
		return Prompt{}, err
	}
	return Prompt{State: models.RunnerBaseline}, nil
}

func (r *Runner) handleBaseline(s store.Store, run *models.PracticeRun, tech *catalog.Technique, ev Event, at time.Time) (Prompt, error) {
	if ev.Stop {
		run.DropReason = DropPartialCompletion
		return r.finalize(s, run, false, at)
	}
	if ev.Intensity == models.IntensityUnset {
		// Stay until a usable 0-10 reading arrives.
		return Prompt{State: models.RunnerBaseline}, nil
	}
	run.PreIntensity = ev.Intensity
	run.RunnerState = models.RunnerStep
	if err := s.SaveRun(*run); err != nil {
		return Prompt{}, err
	}
	return Prompt{State: models.RunnerStep, Step: &tech.Steps[run.StepIndex-1]}, nil
}

func (r *Runner) handleStep(s store.Store, run *models.PracticeRun, tech *catalog.Technique, ev Event, at time.Time) (Prompt, error) {
	step := &tech.Steps[run.StepIndex-1]

	switch {
	case ev.Stop:
		if err := r.writeCheckpoint(s, run, ev.Reply, models.ActionEnd, at); err != nil {
			return Prompt{}, err
		}
		run.DropReason = DropPartialCompletion
		run.RunnerState = models.RunnerWrapUp
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerWrapUp}, nil

	case ev.Fallback != "":
		if !models.IsValidFallbackVariant(ev.Fallback) {
			return Prompt{State: models.RunnerStep, Step: step}, nil
		}
		run.RunnerState = models.RunnerAdapt
		run.PendingFallback = ev.Fallback
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerAdapt, Step: step, FallbackText: step.Fallbacks[ev.Fallback]}, nil

	case ev.Advance:
		return r.resolveStep(s, run, tech, ev.Reply, models.ActionAdvance, at)

	default:
		// Free-text reply on a text step counts as doing the step.
		if step.UIMode == models.UIModeText && ev.Reply != "" {
			return r.resolveStep(s, run, tech, ev.Reply, models.ActionAdvance, at)
		}
		return Prompt{State: models.RunnerStep, Step: step}, nil
	}
}

func (r *Runner) handleAdapt(s store.Store, run *models.PracticeRun, tech *catalog.Technique, ev Event, at time.Time) (Prompt, error) {
	step := &tech.Steps[run.StepIndex-1]

	switch {
	case ev.Stop:
		if err := r.writeCheckpoint(s, run, ev.Reply, models.ActionEnd, at); err != nil {
			return Prompt{}, err
		}
		run.DropReason = DropPartialCompletion
		run.RunnerState = models.RunnerWrapUp
		run.PendingFallback = ""
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerWrapUp}, nil

	case ev.Fallback != "" && models.IsValidFallbackVariant(ev.Fallback):
		// Another variant of the same step; stay in the self-loop.
		run.PendingFallback = ev.Fallback
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerAdapt, Step: step, FallbackText: step.Fallbacks[ev.Fallback]}, nil

	default:
		return r.resolveStep(s, run, tech, ev.Reply, models.ActionFallback, at)
	}
}

func (r *Runner) handleCheckpoint(s store.Store, run *models.PracticeRun, tech *catalog.Technique, ev Event, at time.Time) (Prompt, error) {
	if ev.Stop {
		run.DropReason = DropCautionEscalated
		run.RunnerState = models.RunnerWrapUp
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerWrapUp}, nil
	}
	// Every step already resolved: continue straight to the wrap-up rating
	// instead of re-delivering a step whose checkpoint exists.
	max, err := s.MaxCheckpointStep(run.ID)
	if err != nil {
		return Prompt{}, err
	}
	if max >= run.StepCount {
		run.RunnerState = models.RunnerWrapUp
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerWrapUp}, nil
	}
	// Continue re-delivers the current step, never restarts from step 1.
	run.RunnerState = models.RunnerStep
	if err := s.SaveRun(*run); err != nil {
		return Prompt{}, err
	}
	return Prompt{State: models.RunnerStep, Step: &tech.Steps[run.StepIndex-1]}, nil
}

func (r *Runner) handleWrapUp(s store.Store, run *models.PracticeRun, ev Event, at time.Time) (Prompt, error) {
	if ev.Intensity == models.IntensityUnset && !ev.Stop {
		return Prompt{State: models.RunnerWrapUp}, nil
	}
	if ev.Intensity != models.IntensityUnset {
		run.PostIntensity = ev.Intensity
	}
	return r.finalize(s, run, run.DropReason == "", at)
}

// resolveStep writes the step's checkpoint and moves forward: next step, or
// WRAP_UP after the last one.
func (r *Runner) resolveStep(s store.Store, run *models.PracticeRun, tech *catalog.Technique, reply string, affordance models.ButtonAction, at time.Time) (Prompt, error) {
	if err := r.writeCheckpoint(s, run, reply, affordance, at); err != nil {
		return Prompt{}, err
	}
	run.PendingFallback = ""
	if run.StepIndex >= run.StepCount {
		run.RunnerState = models.RunnerWrapUp
		if err := s.SaveRun(*run); err != nil {
			return Prompt{}, err
		}
		return Prompt{State: models.RunnerWrapUp}, nil
	}
	run.StepIndex++
	run.RunnerState = models.RunnerStep
	if err := s.SaveRun(*run); err != nil {
		return Prompt{}, err
	}
	return Prompt{State: models.RunnerStep, Step: &tech.Steps[run.StepIndex-1]}, nil
}

func (r *Runner) writeCheckpoint(s store.Store, run *models.PracticeRun, reply string, affordance models.ButtonAction, at time.Time) error {
	return s.AddCheckpoint(models.PracticeCheckpoint{
		RunID:           run.ID,
		StepIndex:       run.StepIndex,
		UserReply:       reply,
		Affordance:      affordance,
		FallbackVariant: run.PendingFallback,
		Timestamp:       at,
	})
}

// finalize moves the run to FOLLOW_UP, freezes its status, and folds the
// effectiveness rating into TechniqueStats.
func (r *Runner) finalize(s store.Store, run *models.PracticeRun, completed bool, at time.Time) (Prompt, error) {
	run.RunnerState = models.RunnerFollowUp
	run.EndedAt = at
	if completed {
		run.Status = models.RunCompleted
	} else {
		run.Status = models.RunDropped
	}
	if err := s.SaveRun(*run); err != nil {
		return Prompt{}, err
	}
	// A run declined at consent was never practiced; folding a neutral
	// rating into the stats would count a use that did not happen.
	if run.DropReason != DropConsentDeclined {
		if err := s.UpsertTechniqueStats(run.UserID, run.TechniqueID, effectivenessRating(run), at); err != nil {
			return Prompt{}, err
		}
	}
	slog.Info("Practice run finalized", "runID", run.ID, "status", run.Status, "dropReason", run.DropReason, "pre", run.PreIntensity, "post", run.PostIntensity)
	return Prompt{State: models.RunnerFollowUp, Finished: true, Completed: completed}, nil
}

// effectivenessRating maps the pre/post intensity delta onto the 0-10
// rating scale, centered at neutral when either reading is missing.
func effectivenessRating(run *models.PracticeRun) float64 {
	if run.PreIntensity == models.IntensityUnset || run.PostIntensity == models.IntensityUnset {
		return neutralEffectiveness
	}
	rating := neutralEffectiveness + run.PreIntensity - run.PostIntensity
	if rating < 0 {
		rating = 0
	}
	if rating > 10 {
		rating = 10
	}
	return float64(rating)
}
