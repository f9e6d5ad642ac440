package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/careloop/careloop/internal/models"
	"github.com/google/uuid"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "careloop.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(userID string) models.Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return models.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		State:          models.StateSafetyCheck,
		SessionType:    models.SessionNew,
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Fatal("expected error for missing DSN")
	}
}

func runConversationLifecycle(t *testing.T, s Store) {
	t.Helper()
	c := testConversation("user-1")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := s.GetOpenConversation("user-1")
	if err != nil {
		t.Fatalf("GetOpenConversation: %v", err)
	}
	if got == nil || got.ID != c.ID {
		t.Fatalf("expected open conversation %s, got %+v", c.ID, got)
	}

	got.State = models.StateIntake
	got.SessionType = models.SessionReturning
	got.Cycle = models.CycleRumination
	got.Readiness = models.ReadinessAction
	if err := s.SaveConversation(*got); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	reloaded, err := s.GetConversation(c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if reloaded.State != models.StateIntake {
		t.Errorf("expected state %s, got %s", models.StateIntake, reloaded.State)
	}
	if reloaded.Cycle != models.CycleRumination || reloaded.Readiness != models.ReadinessAction {
		t.Errorf("expected cycle and readiness to persist, got %q %q", reloaded.Cycle, reloaded.Readiness)
	}

	if err := s.CloseConversation(c.ID, "completed", time.Now().UTC()); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	open, err := s.GetOpenConversation("user-1")
	if err != nil {
		t.Fatalf("GetOpenConversation after close: %v", err)
	}
	if open != nil {
		t.Errorf("expected no open conversation after close, got %+v", open)
	}
	if err := s.CloseConversation(c.ID, "completed", time.Now().UTC()); !errors.Is(err, models.ErrConversationClosed) {
		t.Errorf("expected ErrConversationClosed on double close, got %v", err)
	}
	if err := s.SaveConversation(*got); !errors.Is(err, models.ErrConversationClosed) {
		t.Errorf("expected ErrConversationClosed on save after close, got %v", err)
	}
}

func TestConversationLifecycleSQLite(t *testing.T) {
	runConversationLifecycle(t, newTestSQLiteStore(t))
}

func TestConversationLifecycleInMemory(t *testing.T) {
	runConversationLifecycle(t, NewInMemoryStore())
}

func TestOpenConversationUniqueness(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.CreateConversation(testConversation("user-1")); err != nil {
		t.Fatalf("first CreateConversation: %v", err)
	}
	if err := s.CreateConversation(testConversation("user-1")); err == nil {
		t.Fatal("expected second open conversation for same user to be rejected")
	}
	// A closed conversation does not block a new one.
	if err := s.CreateConversation(testConversation("user-2")); err != nil {
		t.Fatalf("CreateConversation other user: %v", err)
	}
}

func runGaplessTransitions(t *testing.T, s Store) {
	t.Helper()
	c := testConversation("user-1")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	states := []models.DialogueState{models.StateIntake, models.StateFormulation, models.StatePractice}
	from := models.StateSafetyCheck
	for i, to := range states {
		seq, err := s.AddTransition(models.StateTransition{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			FromState:      from,
			ToState:        to,
			Trigger:        "user_message",
			ReasonCodes:    []string{"test"},
			Timestamp:      time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AddTransition %d: %v", i, err)
		}
		if seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, seq)
		}
		from = to
	}
	list, err := s.ListTransitions(c.ID)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(list))
	}
	for i, tr := range list {
		if tr.Seq != int64(i+1) {
			t.Errorf("transition %d has seq %d", i, tr.Seq)
		}
	}
}

func TestGaplessTransitionsSQLite(t *testing.T) {
	runGaplessTransitions(t, newTestSQLiteStore(t))
}

func TestGaplessTransitionsInMemory(t *testing.T) {
	runGaplessTransitions(t, NewInMemoryStore())
}

func runCheckpointContiguity(t *testing.T, s Store) {
	t.Helper()
	c := testConversation("user-1")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	run := models.PracticeRun{
		ID:               uuid.NewString(),
		ConversationID:   c.ID,
		UserID:           "user-1",
		TechniqueID:      "U2",
		TechniqueVersion: "1.0",
		RunnerState:      models.RunnerStep,
		StepIndex:        1,
		StepCount:        3,
		Status:           models.RunInProgress,
		PreIntensity:     models.IntensityUnset,
		PostIntensity:    models.IntensityUnset,
		StartedAt:        time.Now().UTC(),
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	cp := models.PracticeCheckpoint{RunID: run.ID, StepIndex: 2, Affordance: models.ActionAdvance, Timestamp: time.Now().UTC()}
	if err := s.AddCheckpoint(cp); !errors.Is(err, models.ErrCheckpointGap) {
		t.Fatalf("expected ErrCheckpointGap for step 2 first, got %v", err)
	}

	for i := 1; i <= 3; i++ {
		cp := models.PracticeCheckpoint{RunID: run.ID, StepIndex: i, Affordance: models.ActionAdvance, Timestamp: time.Now().UTC()}
		if err := s.AddCheckpoint(cp); err != nil {
			t.Fatalf("AddCheckpoint %d: %v", i, err)
		}
	}
	max, err := s.MaxCheckpointStep(run.ID)
	if err != nil {
		t.Fatalf("MaxCheckpointStep: %v", err)
	}
	if max != 3 {
		t.Errorf("expected max checkpoint step 3, got %d", max)
	}
	list, err := s.ListCheckpoints(run.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("expected 3 checkpoints, got %d", len(list))
	}
}

func TestCheckpointContiguitySQLite(t *testing.T) {
	runCheckpointContiguity(t, newTestSQLiteStore(t))
}

func TestCheckpointContiguityInMemory(t *testing.T) {
	runCheckpointContiguity(t, NewInMemoryStore())
}

func runFinalizedRunImmutable(t *testing.T, s Store) {
	t.Helper()
	c := testConversation("user-1")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	run := models.PracticeRun{
		ID:               uuid.NewString(),
		ConversationID:   c.ID,
		UserID:           "user-1",
		TechniqueID:      "U2",
		TechniqueVersion: "1.0",
		RunnerState:      models.RunnerWrapUp,
		StepIndex:        3,
		StepCount:        3,
		Status:           models.RunInProgress,
		PreIntensity:     7,
		PostIntensity:    models.IntensityUnset,
		StartedAt:        time.Now().UTC(),
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Status = models.RunCompleted
	run.PostIntensity = 4
	run.EndedAt = time.Now().UTC()
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun finalize: %v", err)
	}

	run.PostIntensity = 9
	if err := s.SaveRun(run); !errors.Is(err, models.ErrRunNotResumable) {
		t.Errorf("expected ErrRunNotResumable updating finalized run, got %v", err)
	}

	resumable, err := s.GetResumableRun("user-1")
	if err != nil {
		t.Fatalf("GetResumableRun: %v", err)
	}
	if resumable != nil {
		t.Errorf("expected no resumable run after completion, got %+v", resumable)
	}
}

func TestFinalizedRunImmutableSQLite(t *testing.T) {
	runFinalizedRunImmutable(t, newTestSQLiteStore(t))
}

func TestFinalizedRunImmutableInMemory(t *testing.T) {
	runFinalizedRunImmutable(t, NewInMemoryStore())
}

func runTechniqueStatsAverage(t *testing.T, s Store) {
	t.Helper()
	now := time.Now().UTC()
	ratings := []float64{6, 8, 7}
	for _, r := range ratings {
		if err := s.UpsertTechniqueStats("user-1", "A2", r, now); err != nil {
			t.Fatalf("UpsertTechniqueStats: %v", err)
		}
	}
	stats, err := s.GetTechniqueStats("user-1")
	if err != nil {
		t.Fatalf("GetTechniqueStats: %v", err)
	}
	ts, ok := stats["A2"]
	if !ok {
		t.Fatal("expected stats for A2")
	}
	if ts.TimesUsed != 3 {
		t.Errorf("expected 3 uses, got %d", ts.TimesUsed)
	}
	if ts.AvgEffectiveness < 6.99 || ts.AvgEffectiveness > 7.01 {
		t.Errorf("expected running average 7, got %f", ts.AvgEffectiveness)
	}
}

func TestTechniqueStatsAverageSQLite(t *testing.T) {
	runTechniqueStatsAverage(t, newTestSQLiteStore(t))
}

func TestTechniqueStatsAverageInMemory(t *testing.T) {
	runTechniqueStatsAverage(t, NewInMemoryStore())
}

func runDedup(t *testing.T, s Store) {
	t.Helper()
	fresh, err := s.RecordInbound("key-1", "user-1")
	if err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if !fresh {
		t.Error("expected first record to be fresh")
	}
	fresh, err = s.RecordInbound("key-1", "user-1")
	if err != nil {
		t.Fatalf("RecordInbound duplicate: %v", err)
	}
	if fresh {
		t.Error("expected duplicate key to be reported stale")
	}
	if err := s.MarkProcessed("key-1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	// Releasing an unprocessed key makes it recordable again.
	if _, err := s.RecordInbound("key-2", "user-1"); err != nil {
		t.Fatalf("RecordInbound key-2: %v", err)
	}
	if err := s.ReleaseInbound("key-2"); err != nil {
		t.Fatalf("ReleaseInbound: %v", err)
	}
	fresh, err = s.RecordInbound("key-2", "user-1")
	if err != nil {
		t.Fatalf("RecordInbound after release: %v", err)
	}
	if !fresh {
		t.Error("expected released key to be fresh again")
	}

	// A processed key survives release attempts.
	if err := s.ReleaseInbound("key-1"); err != nil {
		t.Fatalf("ReleaseInbound processed key: %v", err)
	}
	fresh, err = s.RecordInbound("key-1", "user-1")
	if err != nil {
		t.Fatalf("RecordInbound processed key: %v", err)
	}
	if fresh {
		t.Error("expected processed key to stay recorded")
	}
}

func TestDedupSQLite(t *testing.T) {
	runDedup(t, newTestSQLiteStore(t))
}

func TestDedupInMemory(t *testing.T) {
	runDedup(t, NewInMemoryStore())
}

func TestSafetyEventsAndSignalCount(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := testConversation("user-1")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	events := []models.SafetyEvent{
		{ID: uuid.NewString(), ConversationID: c.ID, Tier: models.RiskSafe, Confidence: 1, Source: models.SourceRule, ClassifierVersion: "v1", PolicyVersion: "v1", MessageHash: "h1", Timestamp: time.Now().UTC()},
		{ID: uuid.NewString(), ConversationID: c.ID, Tier: models.RiskCautionMild, Signals: []string{"hopelessness"}, Confidence: 0.8, Source: models.SourceModel, ClassifierVersion: "v1", PolicyVersion: "v1", MessageHash: "h2", Timestamp: time.Now().UTC().Add(time.Second)},
		{ID: uuid.NewString(), ConversationID: c.ID, Tier: models.RiskCautionElevated, Signals: []string{"hopelessness", "withdrawal"}, Confidence: 0.9, Source: models.SourceModel, ClassifierVersion: "v1", PolicyVersion: "v1", MessageHash: "h3", Timestamp: time.Now().UTC().Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := s.AddSafetyEvent(ev); err != nil {
			t.Fatalf("AddSafetyEvent: %v", err)
		}
	}
	list, err := s.ListSafetyEvents(c.ID)
	if err != nil {
		t.Fatalf("ListSafetyEvents: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 safety events, got %d", len(list))
	}
	if list[1].Signals[0] != "hopelessness" {
		t.Errorf("expected signal round-trip, got %v", list[1].Signals)
	}
	count, err := s.CountSignal(c.ID, "hopelessness")
	if err != nil {
		t.Fatalf("CountSignal: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 hopelessness events, got %d", count)
	}
}

func TestSafetyEventSurvivesRollback(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := testConversation("user-1")
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	boom := errors.New("boom")
	err := s.RunInTx(context.Background(), func(tx Store) error {
		ev := models.SafetyEvent{
			ID:                uuid.NewString(),
			ConversationID:    c.ID,
			Tier:              models.RiskCrisis,
			Confidence:        1,
			Source:            models.SourceRule,
			ClassifierVersion: "v1",
			PolicyVersion:     "v1",
			MessageHash:       "h1",
			Timestamp:         time.Now().UTC(),
		}
		if err := tx.AddSafetyEvent(ev); err != nil {
			return err
		}
		if _, err := tx.AddTransition(models.StateTransition{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			FromState:      models.StateSafetyCheck,
			ToState:        models.StateEscalation,
			Trigger:        "crisis",
			Timestamp:      time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected RunInTx to surface fn error, got %v", err)
	}

	transitions, err := s.ListTransitions(c.ID)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(transitions) != 0 {
		t.Errorf("expected transition to roll back, got %d", len(transitions))
	}
	events, err := s.ListSafetyEvents(c.ID)
	if err != nil {
		t.Fatalf("ListSafetyEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected safety event to survive rollback, got %d", len(events))
	}
}

func TestRunInTxCommits(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := testConversation("user-1")
	err := s.RunInTx(context.Background(), func(tx Store) error {
		return tx.CreateConversation(c)
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	got, err := s.GetConversation(c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got == nil {
		t.Fatal("expected conversation to be committed")
	}
}

func TestListIdleConversations(t *testing.T) {
	s := newTestSQLiteStore(t)
	old := testConversation("user-1")
	old.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	if err := s.CreateConversation(old); err != nil {
		t.Fatalf("CreateConversation old: %v", err)
	}
	fresh := testConversation("user-2")
	if err := s.CreateConversation(fresh); err != nil {
		t.Fatalf("CreateConversation fresh: %v", err)
	}

	idle, err := s.ListIdleConversations(time.Now().UTC().Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("ListIdleConversations: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != old.ID {
		t.Fatalf("expected only the stale conversation, got %+v", idle)
	}
}
