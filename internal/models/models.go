// Package models defines the core data structures for CareLoop.
//
// It includes the safety classification vocabulary, inbound/outbound message
// envelopes, and validation helpers shared across modules.
package models

import (
	"errors"
	"time"
)

// RiskTier is the result tier of a safety classification, ordered by severity.
type RiskTier string

const (
	RiskSafe            RiskTier = "safe"
	RiskCautionMild     RiskTier = "caution_mild"
	RiskCautionElevated RiskTier = "caution_elevated"
	RiskCrisis          RiskTier = "crisis"
)

// Severity returns the tier's position in the severity ordering
// (safe < caution_mild < caution_elevated < crisis).
func (r RiskTier) Severity() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskCautionMild:
		return 1
	case RiskCautionElevated:
		return 2
	case RiskCrisis:
		return 3
	default:
		return -1
	}
}

// IsValidRiskTier checks if the given risk tier is supported.
func IsValidRiskTier(r RiskTier) bool {
	return r.Severity() >= 0
}

// CautionTier is the escalating non-crisis risk level used to restrict
// technique eligibility.
type CautionTier string

const (
	CautionNone     CautionTier = "none"
	CautionMild     CautionTier = "mild"
	CautionElevated CautionTier = "elevated"
)

// CautionFromRisk maps a risk tier to the caution tier used by the rule engine.
func CautionFromRisk(r RiskTier) CautionTier {
	switch r {
	case RiskCautionMild:
		return CautionMild
	case RiskCautionElevated, RiskCrisis:
		return CautionElevated
	default:
		return CautionNone
	}
}

// Immediacy qualifies how imminent a crisis signal is.
type Immediacy string

const (
	ImmediacyNone     Immediacy = "none"
	ImmediacyPossible Immediacy = "possible"
	ImmediacyImminent Immediacy = "imminent"
)

// ClassifierSource identifies which layer produced a classification.
type ClassifierSource string

const (
	SourceRule      ClassifierSource = "rule"
	SourceModel     ClassifierSource = "model"
	SourceHeuristic ClassifierSource = "heuristic"
)

// MinModelConfidence is the confidence threshold below which a probabilistic
// classification is forced to caution_mild. A crisis proposal is kept even
// below the threshold.
const MinModelConfidence = 0.7

// SafetyResult is the outcome of one classifier call.
type SafetyResult struct {
	Tier              RiskTier         `json:"risk_tier"`
	ProtocolID        string           `json:"protocol_id,omitempty"`
	Immediacy         Immediacy        `json:"immediacy"`
	Signals           []string         `json:"signals,omitempty"`
	Confidence        float64          `json:"confidence"`
	Source            ClassifierSource `json:"source"`
	ClassifierVersion string           `json:"classifier_version"`
	PolicyVersion     string           `json:"policy_version"`
}

// UIMode selects how the transport should render an outbound message.
type UIMode string

const (
	UIModeText    UIMode = "text"
	UIModeButtons UIMode = "buttons"
	UIModeTimer   UIMode = "timer"
)

// ButtonAction is the fixed vocabulary of inline button actions.
type ButtonAction string

const (
	ActionAdvance         ButtonAction = "advance"
	ActionFallback        ButtonAction = "fallback"
	ActionBranchExtended  ButtonAction = "branch-extended"
	ActionBranchHelp      ButtonAction = "branch-help"
	ActionBackupTechnique ButtonAction = "backup-technique"
	ActionEnd             ButtonAction = "end"
)

// IsValidButtonAction checks if the given action is in the fixed enum.
func IsValidButtonAction(a ButtonAction) bool {
	switch a {
	case ActionAdvance, ActionFallback, ActionBranchExtended, ActionBranchHelp, ActionBackupTechnique, ActionEnd:
		return true
	default:
		return false
	}
}

// Button is one inline button on an outbound message.
type Button struct {
	Label  string       `json:"label"`
	Action ButtonAction `json:"action"`
}

// EventSource marks where an inbound event originated.
type EventSource string

const (
	EventSourceUser      EventSource = "user"
	EventSourceScheduled EventSource = "scheduled"
)

// InboundEvent is the envelope a transport collaborator delivers to the core.
type InboundEvent struct {
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	Text           string       `json:"text"`
	UIAction       ButtonAction `json:"ui_action,omitempty"`
	Source         EventSource  `json:"source,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Validate checks the envelope before it enters the pipeline.
func (e *InboundEvent) Validate() error {
	if e.UserID == "" {
		return ErrEmptyUserID
	}
	if e.IdempotencyKey == "" {
		return ErrEmptyIdempotencyKey
	}
	if e.UIAction != "" && !IsValidButtonAction(e.UIAction) {
		return ErrInvalidUIAction
	}
	return nil
}

// OutboundMessage is the reply handed back to the transport collaborator.
type OutboundMessage struct {
	Text         string   `json:"text"`
	UIMode       UIMode   `json:"ui_mode"`
	Buttons      []Button `json:"buttons,omitempty"`
	TimerSeconds int      `json:"timer_seconds,omitempty"`
}

// Error variables shared across modules.
var (
	ErrEmptyUserID         = errors.New("user id cannot be empty")
	ErrEmptyIdempotencyKey = errors.New("idempotency key cannot be empty")
	ErrInvalidUIAction     = errors.New("invalid ui action")
	ErrDuplicateEvent      = errors.New("duplicate idempotency key")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrConversationClosed  = errors.New("conversation is closed")
	ErrNoOpenConversation  = errors.New("no open conversation")
	ErrCheckpointGap       = errors.New("checkpoint step index not contiguous")
	ErrRunNotResumable     = errors.New("practice run is not resumable")
	ErrIntensityOutOfRange = errors.New("intensity must be between 0 and 10")
)
