package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/careloop/careloop/internal/catalog"
	"github.com/careloop/careloop/internal/models"
	"github.com/careloop/careloop/internal/store"
	"github.com/google/uuid"
)

func loadTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	return cat
}

func openConversation(t *testing.T, s store.Store, userID string, state models.DialogueState) *models.Conversation {
	t.Helper()
	now := time.Now().UTC()
	c := models.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		State:          state,
		SessionType:    models.SessionNew,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return &c
}

func TestCanTransitionWhitelist(t *testing.T) {
	tests := []struct {
		from, to models.DialogueState
		want     bool
	}{
		{models.StateSafetyCheck, models.StateIntake, true},
		{models.StateSafetyCheck, models.StateEscalation, true},
		{models.StateSafetyCheck, models.StatePractice, true},
		{models.StateSafetyCheck, models.StateHomework, false},
		{models.StateIntake, models.StateFormulation, true},
		{models.StateIntake, models.StatePractice, false},
		{models.StateFormulation, models.StateGoalSetting, true},
		{models.StateGoalSetting, models.StateTechniqueSelect, true},
		{models.StateTechniqueSelect, models.StatePractice, true},
		{models.StatePractice, models.StateReflection, true},
		{models.StatePractice, models.StateReflectionLite, true},
		{models.StatePractice, models.StateHomework, false},
		{models.StateReflection, models.StateHomework, true},
		{models.StateHomework, models.StateSessionEnd, true},
		// Global targets from anywhere.
		{models.StatePractice, models.StateSafetyCheck, true},
		{models.StateFormulation, models.StateSessionEnd, true},
		// Terminal state has no exits.
		{models.StateSessionEnd, models.StateSafetyCheck, false},
		{models.StateSessionEnd, models.StateIntake, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionRecordsAndMutates(t *testing.T) {
	s := store.NewInMemoryStore()
	m := NewMachine(loadTestCatalog(t))
	c := openConversation(t, s, "user-1", models.StateSafetyCheck)

	if err := m.Transition(s, c, models.StateIntake, "user_message", []string{"no_prior_profile"}, nil, time.Now().UTC()); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if c.State != models.StateIntake {
		t.Errorf("expected conversation in INTAKE, got %s", c.State)
	}
	list, err := s.ListTransitions(c.ID)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(list) != 1 || list[0].ToState != models.StateIntake || list[0].Seq != 1 {
		t.Fatalf("unexpected transition record: %+v", list)
	}
}

func TestTransitionIllegalRejected(t *testing.T) {
	s := store.NewInMemoryStore()
	m := NewMachine(loadTestCatalog(t))
	c := openConversation(t, s, "user-1", models.StateIntake)

	err := m.Transition(s, c, models.StatePractice, "user_message", nil, nil, time.Now().UTC())
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if c.State != models.StateIntake {
		t.Errorf("conversation state mutated on illegal transition: %s", c.State)
	}
	list, _ := s.ListTransitions(c.ID)
	if len(list) != 0 {
		t.Errorf("illegal transition recorded: %+v", list)
	}
}

func TestTransitionShortcutWithSkippedStates(t *testing.T) {
	s := store.NewInMemoryStore()
	m := NewMachine(loadTestCatalog(t))
	c := openConversation(t, s, "user-1", models.StateSafetyCheck)

	skipped := []models.SkippedState{
		{State: models.StateFormulation, Reason: "resume_restart"},
		{State: models.StateGoalSetting, Reason: "resume_restart"},
	}
	if err := m.Transition(s, c, models.StateTechniqueSelect, "resume_incompatible", nil, skipped, time.Now().UTC()); err != nil {
		t.Fatalf("shortcut transition: %v", err)
	}
	list, _ := s.ListTransitions(c.ID)
	if len(list) != 1 || len(list[0].Skipped) != 2 {
		t.Fatalf("expected skipped states recorded, got %+v", list)
	}

	// A shortcut with no whitelist path is still illegal.
	c2 := openConversation(t, s, "user-2", models.StateIntake)
	bad := []models.SkippedState{{State: models.StatePractice, Reason: "nope"}}
	if err := m.Transition(s, c2, models.StateReflection, "bad", nil, bad, time.Now().UTC()); !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for non-contiguous shortcut, got %v", err)
	}
}

func TestTransitionTerminalClosesConversation(t *testing.T) {
	s := store.NewInMemoryStore()
	m := NewMachine(loadTestCatalog(t))
	c := openConversation(t, s, "user-1", models.StateHomework)

	if err := m.Transition(s, c, models.StateSessionEnd, "completed", nil, nil, time.Now().UTC()); err != nil {
		t.Fatalf("Transition to SESSION_END: %v", err)
	}
	if !c.Closed() {
		t.Error("expected conversation closed after terminal transition")
	}
	err := m.Transition(s, c, models.StateSafetyCheck, "late", nil, nil, time.Now().UTC())
	if !errors.Is(err, models.ErrConversationClosed) {
		t.Errorf("expected ErrConversationClosed after terminal state, got %v", err)
	}
}

func TestClassifySession(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-24 * time.Hour)
	old := now.Add(-20 * 24 * time.Hour)

	tests := []struct {
		name       string
		hasProfile bool
		lastSeen   time.Time
		hasRun     bool
		source     models.EventSource
		crisis     bool
		want       models.SessionType
	}{
		{"crisis wins", true, recent, true, models.EventSourceUser, true, models.SessionCrisis},
		{"scheduled check-in", true, recent, false, models.EventSourceScheduled, false, models.SessionCheckIn},
		{"no profile", false, time.Time{}, false, models.EventSourceUser, false, models.SessionNew},
		{"long gap", true, old, true, models.EventSourceUser, false, models.SessionReturningAfterGap},
		{"unfinished run", true, recent, true, models.EventSourceUser, false, models.SessionResume},
		{"plain returning", true, recent, false, models.EventSourceUser, false, models.SessionReturning},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifySession(tc.hasProfile, tc.lastSeen, tc.hasRun, tc.source, tc.crisis, now)
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRouteAfterSafety(t *testing.T) {
	m := NewMachine(loadTestCatalog(t))
	safe := models.SafetyResult{Tier: models.RiskSafe}

	if r := m.RouteAfterSafety(models.SessionNew, models.SafetyResult{Tier: models.RiskCrisis, ProtocolID: "S1"}, nil); r.To != models.StateEscalation {
		t.Errorf("crisis should route to ESCALATION, got %s", r.To)
	}
	if r := m.RouteAfterSafety(models.SessionNew, safe, nil); r.To != models.StateIntake {
		t.Errorf("new session should route to INTAKE, got %s", r.To)
	}
	if r := m.RouteAfterSafety(models.SessionReturningAfterGap, safe, nil); r.To != models.StateIntake {
		t.Errorf("gap session should route to re-INTAKE, got %s", r.To)
	}
	if r := m.RouteAfterSafety(models.SessionReturning, safe, nil); r.To != models.StateFormulation {
		t.Errorf("returning session should route to FORMULATION, got %s", r.To)
	}
	if r := m.RouteAfterSafety(models.SessionCheckIn, safe, nil); r.To != models.StateSessionEnd {
		t.Errorf("clear check-in should end the session, got %s", r.To)
	}
	if r := m.RouteAfterSafety(models.SessionCheckIn, models.SafetyResult{Tier: models.RiskCautionMild}, nil); r.To != models.StateFormulation {
		t.Errorf("elevated check-in should route to FORMULATION, got %s", r.To)
	}
}

func TestRouteAfterSafetyResume(t *testing.T) {
	m := NewMachine(loadTestCatalog(t))
	safe := models.SafetyResult{Tier: models.RiskSafe}

	compatible := &models.PracticeRun{TechniqueID: "U2", TechniqueVersion: "1.3", Status: models.RunPaused}
	r := m.RouteAfterSafety(models.SessionResume, safe, compatible)
	if r.To != models.StatePractice || r.ResumeRun == nil {
		t.Errorf("compatible run should resume PRACTICE, got %+v", r)
	}

	incompatible := &models.PracticeRun{TechniqueID: "U2", TechniqueVersion: "2.0", Status: models.RunPaused}
	r = m.RouteAfterSafety(models.SessionResume, safe, incompatible)
	if r.To != models.StateTechniqueSelect {
		t.Errorf("incompatible run should restart at TECHNIQUE_SELECT, got %s", r.To)
	}
	if len(r.Skipped) != 2 {
		t.Errorf("expected skipped states on restart shortcut, got %+v", r.Skipped)
	}

	unknown := &models.PracticeRun{TechniqueID: "GONE", TechniqueVersion: "1.0", Status: models.RunPaused}
	if r := m.RouteAfterSafety(models.SessionResume, safe, unknown); r.To != models.StateTechniqueSelect {
		t.Errorf("unknown technique should restart at TECHNIQUE_SELECT, got %s", r.To)
	}

	malformed := &models.PracticeRun{TechniqueID: "U2", TechniqueVersion: "one", Status: models.RunPaused}
	if r := m.RouteAfterSafety(models.SessionResume, safe, malformed); r.To != models.StateTechniqueSelect {
		t.Errorf("malformed version should be treated as incompatible, got %s", r.To)
	}
}

func TestShouldReenter(t *testing.T) {
	tests := []struct {
		name          string
		distress      int
		baseline      int
		crisis        bool
		hopelessCount int
		want          bool
	}{
		{"high distress", 9, 3, false, 0, true},
		{"threshold distress", 8, 8, false, 0, true},
		{"jump from baseline", 6, 2, false, 0, true},
		{"crisis pattern", -1, 3, true, 0, true},
		{"repeated hopelessness", -1, 3, false, 2, true},
		{"single hopelessness", -1, 3, false, 1, false},
		{"calm", 4, 3, false, 0, false},
		{"no report", -1, 3, false, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, reasons := ShouldReenter(tc.distress, tc.baseline, tc.crisis, tc.hopelessCount)
			if got != tc.want {
				t.Errorf("got %v (%v), want %v", got, reasons, tc.want)
			}
			if got && len(reasons) == 0 {
				t.Error("re-entry without reasons")
			}
		})
	}
}

func TestIdleAction(t *testing.T) {
	now := time.Now().UTC()
	practice := &models.Conversation{State: models.StatePractice, LastActivityAt: now.Add(-16 * time.Minute)}
	if got := IdleAction(practice, now); got != IdlePausePractice {
		t.Errorf("expected practice pause, got %v", got)
	}
	practiceFresh := &models.Conversation{State: models.StatePractice, LastActivityAt: now.Add(-10 * time.Minute)}
	if got := IdleAction(practiceFresh, now); got != IdleNone {
		t.Errorf("expected no action for fresh practice, got %v", got)
	}
	intake := &models.Conversation{State: models.StateIntake, LastActivityAt: now.Add(-31 * time.Minute)}
	if got := IdleAction(intake, now); got != IdleEndSession {
		t.Errorf("expected session end, got %v", got)
	}
	intakeFresh := &models.Conversation{State: models.StateIntake, LastActivityAt: now.Add(-20 * time.Minute)}
	if got := IdleAction(intakeFresh, now); got != IdleNone {
		t.Errorf("expected no action for fresh intake, got %v", got)
	}
	closed := &models.Conversation{State: models.StateIntake, LastActivityAt: now.Add(-2 * time.Hour), ClosedAt: now}
	if got := IdleAction(closed, now); got != IdleNone {
		t.Errorf("expected no action for closed conversation, got %v", got)
	}
}
