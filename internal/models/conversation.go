// Package models defines conversation state structures for CareLoop.
package models

import "time"

// DialogueState is a top-level conversation state.
type DialogueState string

const (
	StateSafetyCheck     DialogueState = "SAFETY_CHECK"
	StateEscalation      DialogueState = "ESCALATION"
	StateIntake          DialogueState = "INTAKE"
	StateFormulation     DialogueState = "FORMULATION"
	StateGoalSetting     DialogueState = "GOAL_SETTING"
	StateTechniqueSelect DialogueState = "TECHNIQUE_SELECT"
	StatePractice        DialogueState = "PRACTICE"
	StateReflection      DialogueState = "REFLECTION"
	StateReflectionLite  DialogueState = "REFLECTION_LITE"
	StateHomework        DialogueState = "HOMEWORK"
	StateSessionEnd      DialogueState = "SESSION_END"
)

// IsTerminal reports whether the state ends the conversation.
func (s DialogueState) IsTerminal() bool {
	return s == StateSessionEnd
}

// SessionType classifies a conversation when it is opened.
type SessionType string

const (
	SessionNew               SessionType = "new"
	SessionReturning         SessionType = "returning"
	SessionReturningAfterGap SessionType = "returning_after_gap"
	SessionCheckIn           SessionType = "check_in"
	SessionCrisis            SessionType = "crisis"
	SessionResume            SessionType = "resume"
)

// ReturningGapDays is the inactivity gap after which a returning user goes
// through a short re-intake.
const ReturningGapDays = 14

// Conversation is one open dialogue for a user. At most one open
// conversation exists per user at any time.
type Conversation struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	State          DialogueState `json:"state"`
	SessionType    SessionType   `json:"session_type"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	// ActiveRunID points at a resumable in-progress practice run, if any.
	ActiveRunID string `json:"active_run_id,omitempty"`
	Baseline    int    `json:"baseline"` // session-open distress 0-10, -1 until collected
	// Cycle is the maintaining cycle identified during formulation, if any.
	Cycle     MaintainingCycle `json:"maintaining_cycle,omitempty"`
	Readiness ReadinessTier    `json:"readiness,omitempty"`
	EndReason string           `json:"end_reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ClosedAt  time.Time        `json:"closed_at,omitempty"`
}

// Closed reports whether the conversation has reached its terminal state.
func (c *Conversation) Closed() bool {
	return !c.ClosedAt.IsZero()
}

// SkippedState records a state bypassed by a session-classification shortcut.
type SkippedState struct {
	State  DialogueState `json:"state"`
	Reason string        `json:"reason"`
}

// StateTransition is an immutable audit record of one state change.
// Sequence numbers are strictly increasing and gapless per conversation.
type StateTransition struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	FromState      DialogueState  `json:"from_state"`
	ToState        DialogueState  `json:"to_state"`
	Trigger        string         `json:"trigger"`
	ReasonCodes    []string       `json:"reason_codes,omitempty"`
	Skipped        []SkippedState `json:"skipped,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SafetyEvent is the immutable audit record of one classification. It is
// committed independently of the message transaction so a classification is
// never lost even if later pipeline stages fail.
type SafetyEvent struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversation_id"`
	Tier              RiskTier         `json:"risk_tier"`
	ProtocolID        string           `json:"protocol_id,omitempty"`
	Signals           []string         `json:"signals,omitempty"`
	Confidence        float64          `json:"confidence"`
	Source            ClassifierSource `json:"source"`
	ClassifierVersion string           `json:"classifier_version"`
	PolicyVersion     string           `json:"policy_version"`
	MessageHash       string           `json:"message_hash"`
	RedactedText      string           `json:"redacted_text,omitempty"`
	HandoffStatus     string           `json:"handoff_status,omitempty"`
	Resolution        string           `json:"resolution,omitempty"`
	Timestamp         time.Time        `json:"timestamp"`
}
