package practice

import (
	"testing"
	"time"

	"github.com/careloop/careloop/internal/catalog"
	"github.com/careloop/careloop/internal/models"
	"github.com/careloop/careloop/internal/store"
	"github.com/google/uuid"
)

func newTestRunner(t *testing.T) (*Runner, store.Store, *models.Conversation) {
	t.Helper()
	cat, err := catalog.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	s := store.NewInMemoryStore()
	now := time.Now().UTC()
	c := &models.Conversation{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		State:          models.StatePractice,
		SessionType:    models.SessionNew,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.CreateConversation(*c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return NewRunner(cat), s, c
}

func startRun(t *testing.T, r *Runner, s store.Store, c *models.Conversation, techniqueID string) *models.PracticeRun {
	t.Helper()
	tech, ok := r.catalog.Get(techniqueID)
	if !ok {
		t.Fatalf("technique %s not in catalog", techniqueID)
	}
	run, err := r.Start(s, c, tech, time.Now().UTC())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return run
}

// handle drives one turn; zero-valued Intensity in literals means unset.
func handle(t *testing.T, r *Runner, s store.Store, run *models.PracticeRun, ev Event) Prompt {
	t.Helper()
	if ev.Intensity == 0 {
		ev.Intensity = models.IntensityUnset
	}
	p, err := r.Handle(s, run, ev, time.Now().UTC())
	if err != nil {
		t.Fatalf("Handle in %s: %v", run.RunnerState, err)
	}
	return p
}

func TestRunnerFullCompletion(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")

	if run.RunnerState != models.RunnerConsent {
		t.Fatalf("expected CONSENT after start, got %s", run.RunnerState)
	}
	p := handle(t, r, s, run, Event{Advance: true})
	if p.State != models.RunnerBaseline {
		t.Fatalf("expected BASELINE after consent, got %s", p.State)
	}
	p = handle(t, r, s, run, Event{Intensity: 7})
	if p.State != models.RunnerStep || p.Step == nil || p.Step.Index != 1 {
		t.Fatalf("expected STEP(1) after baseline, got %+v", p)
	}
	if run.PreIntensity != 7 {
		t.Errorf("expected pre intensity 7, got %d", run.PreIntensity)
	}

	for i := 1; i < run.StepCount; i++ {
		p = handle(t, r, s, run, Event{Advance: true, Reply: "done"})
		if p.State != models.RunnerStep || p.Step.Index != i+1 {
			t.Fatalf("expected STEP(%d), got %+v", i+1, p)
		}
	}
	p = handle(t, r, s, run, Event{Advance: true})
	if p.State != models.RunnerWrapUp {
		t.Fatalf("expected WRAP_UP after last step, got %s", p.State)
	}
	p = handle(t, r, s, run, Event{Intensity: 3})
	if !p.Finished || !p.Completed {
		t.Fatalf("expected finalized completion, got %+v", p)
	}

	stored, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != models.RunCompleted || stored.PostIntensity != 3 {
		t.Errorf("unexpected stored run: %+v", stored)
	}

	cps, _ := s.ListCheckpoints(run.ID)
	if len(cps) != run.StepCount {
		t.Fatalf("expected %d checkpoints, got %d", run.StepCount, len(cps))
	}
	for i, cp := range cps {
		if cp.StepIndex != i+1 {
			t.Errorf("checkpoint %d has index %d", i, cp.StepIndex)
		}
	}

	stats, _ := s.GetTechniqueStats("user-1")
	ts, ok := stats["U2"]
	if !ok || ts.TimesUsed != 1 {
		t.Fatalf("expected stats upsert after finalize, got %+v", stats)
	}
	// Delta of 4 maps to a rating of 9.
	if ts.AvgEffectiveness != 9 {
		t.Errorf("expected effectiveness 9, got %f", ts.AvgEffectiveness)
	}
}

func TestRunnerResumeDuringWrapUpSkipsSteps(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")
	handle(t, r, s, run, Event{Advance: true})
	handle(t, r, s, run, Event{Intensity: 7})
	for i := 0; i < run.StepCount; i++ {
		handle(t, r, s, run, Event{Advance: true})
	}
	if run.RunnerState != models.RunnerWrapUp {
		t.Fatalf("expected WRAP_UP, got %s", run.RunnerState)
	}

	if err := r.Resume(s, run); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	p := handle(t, r, s, run, Event{Advance: true})
	if p.State != models.RunnerWrapUp {
		t.Fatalf("continue with all steps resolved should return to WRAP_UP, got %s", p.State)
	}
	p = handle(t, r, s, run, Event{Intensity: 3})
	if !p.Finished || !p.Completed {
		t.Fatalf("expected finalized completion, got %+v", p)
	}
	cps, _ := s.ListCheckpoints(run.ID)
	if len(cps) != run.StepCount {
		t.Errorf("expected %d checkpoints, got %d", run.StepCount, len(cps))
	}
}

func TestRunnerConsentDeclined(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")
	p := handle(t, r, s, run, Event{Stop: true})
	if !p.Finished || p.Completed {
		t.Fatalf("expected dropped finalization, got %+v", p)
	}
	stored, _ := s.GetRun(run.ID)
	if stored.Status != models.RunDropped || stored.DropReason != DropConsentDeclined {
		t.Errorf("unexpected stored run: %+v", stored)
	}
	stats, _ := s.GetTechniqueStats("user-1")
	if _, ok := stats["U2"]; ok {
		t.Errorf("declined consent should not count as a use, got %+v", stats["U2"])
	}
}

func TestRunnerFallbackSelfLoop(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")
	handle(t, r, s, run, Event{Advance: true})
	handle(t, r, s, run, Event{Intensity: 6})

	p := handle(t, r, s, run, Event{Fallback: models.FallbackTooHard})
	if p.State != models.RunnerAdapt {
		t.Fatalf("expected ADAPT on fallback, got %s", p.State)
	}
	if p.FallbackText == "" {
		t.Error("expected fallback variant text")
	}
	if run.StepIndex != 1 {
		t.Errorf("fallback must not advance the step, at %d", run.StepIndex)
	}

	// Resolving out of ADAPT records the variant on the step's checkpoint.
	p = handle(t, r, s, run, Event{Advance: true, Reply: "ok did it"})
	if p.State != models.RunnerStep || p.Step.Index != 2 {
		t.Fatalf("expected STEP(2) after adapt resolution, got %+v", p)
	}
	cps, _ := s.ListCheckpoints(run.ID)
	if len(cps) != 1 {
		t.Fatalf("expected one checkpoint, got %d", len(cps))
	}
	if cps[0].Affordance != models.ActionFallback || cps[0].FallbackVariant != models.FallbackTooHard {
		t.Errorf("unexpected checkpoint: %+v", cps[0])
	}
}

func TestRunnerStopMidStep(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")
	handle(t, r, s, run, Event{Advance: true})
	handle(t, r, s, run, Event{Intensity: 6})
	handle(t, r, s, run, Event{Advance: true})

	p := handle(t, r, s, run, Event{Stop: true})
	if p.State != models.RunnerWrapUp {
		t.Fatalf("expected WRAP_UP on stop, got %s", p.State)
	}
	p = handle(t, r, s, run, Event{Intensity: 5})
	if !p.Finished || p.Completed {
		t.Fatalf("expected dropped finalization, got %+v", p)
	}
	stored, _ := s.GetRun(run.ID)
	if stored.DropReason != DropPartialCompletion {
		t.Errorf("expected partial completion drop, got %q", stored.DropReason)
	}
	cps, _ := s.ListCheckpoints(run.ID)
	if len(cps) != 2 || cps[1].Affordance != models.ActionEnd {
		t.Errorf("expected end checkpoint for the interrupted step, got %+v", cps)
	}
}

func TestRunnerCautionRiseParksAtCheckpoint(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")
	handle(t, r, s, run, Event{Advance: true})
	handle(t, r, s, run, Event{Intensity: 6})
	handle(t, r, s, run, Event{Advance: true})
	if run.StepIndex != 2 {
		t.Fatalf("expected step 2, at %d", run.StepIndex)
	}

	p := handle(t, r, s, run, Event{CautionRose: true, Reply: "distress report"})
	if p.State != models.RunnerCheckpoint {
		t.Fatalf("expected CHECKPOINT on caution rise, got %s", p.State)
	}

	// Continuing resumes the interrupted step, not step 1.
	p = handle(t, r, s, run, Event{Advance: true})
	if p.State != models.RunnerStep || p.Step.Index != 2 {
		t.Fatalf("expected resume at STEP(2), got %+v", p)
	}
}

func TestRunnerPauseAndResume(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")
	handle(t, r, s, run, Event{Advance: true})
	handle(t, r, s, run, Event{Intensity: 6})

	if err := r.Pause(s, run); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	stored, _ := s.GetRun(run.ID)
	if stored.Status != models.RunPaused {
		t.Fatalf("expected paused run, got %s", stored.Status)
	}

	if err := r.Resume(s, stored); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if stored.RunnerState != models.RunnerCheckpoint {
		t.Errorf("resume must land at CHECKPOINT, got %s", stored.RunnerState)
	}
	if stored.Status != models.RunInProgress {
		t.Errorf("expected in_progress after resume, got %s", stored.Status)
	}
}

func TestRunnerResumeFinalizedRejected(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "U2")
	handle(t, r, s, run, Event{Stop: true})
	if err := r.Resume(s, run); err == nil {
		t.Error("expected resume of finalized run to fail")
	}
}

func TestRunnerTextStepFreeReplyAdvances(t *testing.T) {
	r, s, c := newTestRunner(t)
	run := startRun(t, r, s, c, "M2")
	handle(t, r, s, run, Event{Advance: true})
	p := handle(t, r, s, run, Event{Intensity: 5})
	if p.Step == nil || p.Step.UIMode != models.UIModeText {
		t.Fatalf("expected a text step, got %+v", p.Step)
	}
	p = handle(t, r, s, run, Event{Reply: "maybe ten times"})
	if p.State != models.RunnerStep || p.Step.Index != 2 {
		t.Fatalf("expected free-text reply to resolve the step, got %+v", p)
	}
	cps, _ := s.ListCheckpoints(run.ID)
	if len(cps) != 1 || cps[0].UserReply != "maybe ten times" {
		t.Errorf("expected reply recorded on checkpoint, got %+v", cps)
	}
}
