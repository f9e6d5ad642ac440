// Package engine implements the top-level session state machine.
//
// Transitions are validated against a fixed whitelist; anything outside it
// is rejected with ErrIllegalTransition and the conversation stays in its
// last valid state. Shortcut transitions produced by session classification
// must still follow a whitelist-contiguous path, with every bypassed state
// recorded on the transition.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/careloop/careloop/internal/catalog"
	"github.com/careloop/careloop/internal/metrics"
	"github.com/careloop/careloop/internal/models"
	"github.com/careloop/careloop/internal/store"
	"github.com/google/uuid"
)

// Idle policy.
const (
	PracticeIdleTimeout = 15 * time.Minute
	SessionIdleTimeout  = 30 * time.Minute
)

// whitelist is the fixed transition table. The two global targets
// (SAFETY_CHECK on re-entry, SESSION_END on stop/timeout) are reachable
// from every non-terminal state and are checked separately.
var whitelist = map[models.DialogueState][]models.DialogueState{
	models.StateSafetyCheck:     {models.StateEscalation, models.StateIntake, models.StateFormulation, models.StatePractice},
	models.StateEscalation:      {models.StateSessionEnd},
	models.StateIntake:          {models.StateFormulation},
	models.StateFormulation:     {models.StateGoalSetting},
	models.StateGoalSetting:     {models.StateTechniqueSelect},
	models.StateTechniqueSelect: {models.StatePractice},
	models.StatePractice:        {models.StateReflection, models.StateReflectionLite},
	models.StateReflection:      {models.StateHomework},
	models.StateReflectionLite:  {models.StateHomework},
	models.StateHomework:        {models.StateSessionEnd},
	models.StateSessionEnd:      nil,
}

// CanTransition reports whether from→to is a single legal edge.
func CanTransition(from, to models.DialogueState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == models.StateSafetyCheck || to == models.StateSessionEnd {
		return true
	}
	for _, allowed := range whitelist[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// legalPath checks that from → skipped… → to is whitelist-contiguous.
func legalPath(from, to models.DialogueState, skipped []models.SkippedState) bool {
	cur := from
	for _, s := range skipped {
		if !CanTransition(cur, s.State) {
			return false
		}
		cur = s.State
	}
	return CanTransition(cur, to)
}

// Machine drives top-level state transitions for a conversation.
type Machine struct {
	catalog *catalog.Catalog
}

// NewMachine creates a state machine over the loaded technique catalog.
func NewMachine(cat *catalog.Catalog) *Machine {
	return &Machine{catalog: cat}
}

// Transition validates and records a state change. On an illegal edge the
// conversation is left untouched and ErrIllegalTransition is returned.
func (m *Machine) Transition(s store.Store, c *models.Conversation, to models.DialogueState, trigger string, reasons []string, skipped []models.SkippedState, at time.Time) error {
	if c.Closed() {
		return models.ErrConversationClosed
	}
	if !legalPath(c.State, to, skipped) {
		slog.Error("Illegal state transition rejected", "conversationID", c.ID, "from", c.State, "to", to, "trigger", trigger)
		return fmt.Errorf("transition %s -> %s: %w", c.State, to, models.ErrIllegalTransition)
	}

	from := c.State
	if _, err := s.AddTransition(models.StateTransition{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		FromState:      from,
		ToState:        to,
		Trigger:        trigger,
		ReasonCodes:    reasons,
		Skipped:        skipped,
		Timestamp:      at,
	}); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	c.State = to
	c.LastActivityAt = at
	if to.IsTerminal() {
		if err := s.CloseConversation(c.ID, trigger, at); err != nil {
			return err
		}
		c.ClosedAt = at
		c.EndReason = trigger
	} else if err := s.SaveConversation(*c); err != nil {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	slog.Info("State transition committed", "conversationID", c.ID, "from", from, "to", to, "trigger", trigger)
	return nil
}

// ClassifySession computes the session type once, on conversation open.
func ClassifySession(hasProfile bool, lastSeen time.Time, hasResumableRun bool, source models.EventSource, crisis bool, now time.Time) models.SessionType {
	switch {
	case crisis:
		return models.SessionCrisis
	case source == models.EventSourceScheduled:
		return models.SessionCheckIn
	case !hasProfile:
		return models.SessionNew
	case !lastSeen.IsZero() && now.Sub(lastSeen) >= models.ReturningGapDays*24*time.Hour:
		return models.SessionReturningAfterGap
	case hasResumableRun:
		return models.SessionResume
	default:
		return models.SessionReturning
	}
}

// Route is the state machine's decision after a completed safety check.
type Route struct {
	To      models.DialogueState
	Reasons []string
	Skipped []models.SkippedState
	// ResumeRun is set when the route re-enters PRACTICE on an existing run.
	ResumeRun *models.PracticeRun
}

// RouteAfterSafety decides where SAFETY_CHECK goes once a classification
// is in hand. Crisis always wins; otherwise the session type drives the
// shortcut.
func (m *Machine) RouteAfterSafety(sessionType models.SessionType, result models.SafetyResult, run *models.PracticeRun) Route {
	if result.Tier == models.RiskCrisis {
		return Route{To: models.StateEscalation, Reasons: []string{"crisis_" + result.ProtocolID}}
	}

	switch sessionType {
	case models.SessionNew:
		return Route{To: models.StateIntake, Reasons: []string{"no_prior_profile"}}
	case models.SessionReturningAfterGap:
		return Route{To: models.StateIntake, Reasons: []string{"returning_after_gap"}}
	case models.SessionCheckIn:
		if result.Tier == models.RiskSafe {
			return Route{To: models.StateSessionEnd, Reasons: []string{"check_in_clear"}}
		}
		return Route{To: models.StateFormulation, Reasons: []string{"check_in_elevated"}}
	case models.SessionResume, models.SessionCrisis:
		// SessionCrisis without a crisis tier means the situation resolved;
		// fall through to the resume check.
		if m.ResumeAllowed(run) {
			return Route{To: models.StatePractice, Reasons: []string{"resume_compatible"}, ResumeRun: run}
		}
		return Route{
			To:      models.StateTechniqueSelect,
			Reasons: []string{"resume_incompatible"},
			Skipped: []models.SkippedState{
				{State: models.StateFormulation, Reason: "resume_restart"},
				{State: models.StateGoalSetting, Reason: "resume_restart"},
			},
		}
	default:
		return Route{To: models.StateFormulation, Reasons: []string{"returning"}}
	}
}

// ResumeAllowed reports whether an unfinished run may be picked up: it must
// exist, be resumable, and its technique version must share the major
// version with the current catalog entry.
func (m *Machine) ResumeAllowed(run *models.PracticeRun) bool {
	if run == nil || !run.Resumable() {
		return false
	}
	tech, ok := m.catalog.Get(run.TechniqueID)
	if !ok {
		return false
	}
	return tech.ResumeCompatible(run.TechniqueVersion)
}

// ShouldReenter evaluates the re-entry triggers. distress is the parsed
// self-report (0-10) or -1 when absent; baseline is the session-open
// distress. crisisMatch is a mid-conversation crisis classification;
// hopelessCount is the number of hopelessness signals recorded in the open
// conversation.
func ShouldReenter(distress, baseline int, crisisMatch bool, hopelessCount int) (bool, []string) {
	var reasons []string
	if distress >= 8 {
		reasons = append(reasons, "distress_high")
	}
	if distress >= 0 && baseline >= 0 && distress-baseline >= 3 {
		reasons = append(reasons, "distress_jump")
	}
	if crisisMatch {
		reasons = append(reasons, "crisis_pattern")
	}
	if hopelessCount >= 2 {
		reasons = append(reasons, "hopelessness_repeated")
	}
	return len(reasons) > 0, reasons
}

// IdleDecision is the outcome of the idle sweep for one conversation.
type IdleDecision int

const (
	IdleNone IdleDecision = iota
	IdlePausePractice
	IdleEndSession
)

// IdleAction applies the idle policy: 15 minutes of silence in PRACTICE
// pauses the run (resumable); 30 minutes in any other state ends the
// session.
func IdleAction(c *models.Conversation, now time.Time) IdleDecision {
	if c.Closed() {
		return IdleNone
	}
	idle := now.Sub(c.LastActivityAt)
	if c.State == models.StatePractice {
		if idle >= PracticeIdleTimeout {
			return IdlePausePractice
		}
		return IdleNone
	}
	if idle >= SessionIdleTimeout {
		return IdleEndSession
	}
	return IdleNone
}
