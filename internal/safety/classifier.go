// Package safety implements the two-layer risk classifier.
//
// Layer 1 is a fixed, versioned pattern table that resolves in-process with
// confidence 1.0. Layer 2 asks an external model and post-processes its
// verdict: below-threshold confidence is forced to caution_mild unless the
// model proposed crisis, and any failure degrades to caution_mild. The
// classifier never reports safe under uncertainty.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/careloop/careloop/internal/metrics"
	"github.com/careloop/careloop/internal/models"
	"github.com/careloop/careloop/internal/store"
	"github.com/google/uuid"
)

// recentContextWindow bounds how much prior dialogue reaches the model layer.
const (
	recentContextWindow   = 3
	recentContextCharsMax = 100
)

// riskModel is the probabilistic collaborator contract.
type riskModel interface {
	ClassifyJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error
}

// Opts holds classifier configuration.
type Opts struct {
	ClassifierVersion string
	PolicyVersion     string
}

// Option defines a functional option for configuring the classifier.
type Option func(*Opts)

// WithVersions overrides the classifier and policy version strings stamped
// on every result and audit event.
func WithVersions(classifier, policy string) Option {
	return func(o *Opts) {
		o.ClassifierVersion = classifier
		o.PolicyVersion = policy
	}
}

// Classifier is the two-layer safety classifier.
type Classifier struct {
	model             riskModel
	events            store.SafetyRepo
	classifierVersion string
	policyVersion     string
}

// NewClassifier creates a classifier. model may be nil, in which case every
// non-crisis message degrades to the heuristic caution_mild result.
func NewClassifier(model riskModel, events store.SafetyRepo, opts ...Option) *Classifier {
	cfg := Opts{ClassifierVersion: PatternTableVersion, PolicyVersion: "1.0"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Classifier{
		model:             model,
		events:            events,
		classifierVersion: cfg.ClassifierVersion,
		policyVersion:     cfg.PolicyVersion,
	}
}

// MessageHash returns the hex sha256 of the message text. Audit events store
// the hash, never the raw text.
func MessageHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Classify runs both layers and returns the final risk tier. Exactly one
// SafetyEvent is written per call, even when the caller later fails: the
// write happens before Classify returns, outside any caller transaction.
func (c *Classifier) Classify(ctx context.Context, conversationID, text string, recent []models.ContractMessage) models.SafetyResult {
	result := c.classify(ctx, text, recent)

	metrics.ClassificationsTotal.WithLabelValues(string(result.Tier), string(result.Source)).Inc()
	slog.Debug("Safety classification complete", "conversationID", conversationID, "tier", result.Tier, "source", result.Source, "confidence", result.Confidence)

	ev := models.SafetyEvent{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		Tier:              result.Tier,
		ProtocolID:        result.ProtocolID,
		Signals:           result.Signals,
		Confidence:        result.Confidence,
		Source:            result.Source,
		ClassifierVersion: result.ClassifierVersion,
		PolicyVersion:     result.PolicyVersion,
		MessageHash:       MessageHash(text),
		Timestamp:         time.Now().UTC(),
	}
	if err := c.events.AddSafetyEvent(ev); err != nil {
		// The classification result still stands; losing the audit row is
		// logged loudly but must not suppress an escalation.
		slog.Error("Failed to persist safety event", "error", err, "conversationID", conversationID, "tier", result.Tier)
	}
	return result
}

func (c *Classifier) classify(ctx context.Context, text string, recent []models.ContractMessage) models.SafetyResult {
	hopeless := matchHopelessness(text)

	if p, ok := matchCrisis(text); ok {
		signals := []string{p.signal}
		if hopeless {
			signals = append(signals, HopelessnessSignal)
		}
		return models.SafetyResult{
			Tier:              models.RiskCrisis,
			ProtocolID:        p.protocol,
			Immediacy:         p.immediacy,
			Signals:           signals,
			Confidence:        1.0,
			Source:            models.SourceRule,
			ClassifierVersion: c.classifierVersion,
			PolicyVersion:     c.policyVersion,
		}
	}

	result := c.classifyWithModel(ctx, text, recent)
	if hopeless && !contains(result.Signals, HopelessnessSignal) {
		result.Signals = append(result.Signals, HopelessnessSignal)
	}
	return result
}

// modelVerdict is the JSON shape requested from the probabilistic layer.
type modelVerdict struct {
	RiskTier   string   `json:"risk_tier"`
	Protocol   string   `json:"protocol"`
	Immediacy  string   `json:"immediacy"`
	Signals    []string `json:"signals"`
	Confidence float64  `json:"confidence"`
}

const classifySystemPrompt = `You are a safety classifier for a behavioral coaching dialogue system. ` +
	`Classify the user message. Respond ONLY with JSON: ` +
	`{"risk_tier":"safe|caution_mild|caution_elevated|crisis",` +
	`"protocol":null or "S1"|"S2"|"S3"|"S6",` +
	`"immediacy":"none|possible|imminent",` +
	`"signals":["list of short signal names"],` +
	`"confidence":0.0-1.0}`

func (c *Classifier) classifyWithModel(ctx context.Context, text string, recent []models.ContractMessage) models.SafetyResult {
	if c.model == nil {
		return c.heuristicResult("no_model_classifier")
	}

	prompt := fmt.Sprintf("User message: %q\nRecent context: %q", text, formatContext(recent))
	var verdict modelVerdict
	if err := c.model.ClassifyJSON(ctx, classifySystemPrompt, prompt, &verdict); err != nil {
		slog.Error("Model safety classification failed", "error", err)
		return c.heuristicResult("model_error")
	}

	tier := models.RiskTier(verdict.RiskTier)
	if !models.IsValidRiskTier(tier) {
		slog.Error("Model returned unknown risk tier", "tier", verdict.RiskTier)
		return c.heuristicResult("model_invalid_tier")
	}

	signals := verdict.Signals
	if verdict.Confidence < models.MinModelConfidence {
		// Never report safe under uncertainty. A crisis proposal is kept
		// even below the threshold; everything else drops to caution_mild.
		if tier == models.RiskCrisis {
			signals = append(signals, "low_confidence_crisis")
		} else {
			tier = models.RiskCautionMild
			signals = append(signals, "low_confidence")
		}
	}

	immediacy := models.Immediacy(verdict.Immediacy)
	switch immediacy {
	case models.ImmediacyNone, models.ImmediacyPossible, models.ImmediacyImminent:
	default:
		immediacy = models.ImmediacyNone
	}

	return models.SafetyResult{
		Tier:              tier,
		ProtocolID:        verdict.Protocol,
		Immediacy:         immediacy,
		Signals:           signals,
		Confidence:        verdict.Confidence,
		Source:            models.SourceModel,
		ClassifierVersion: c.classifierVersion,
		PolicyVersion:     c.policyVersion,
	}
}

func (c *Classifier) heuristicResult(signal string) models.SafetyResult {
	return models.SafetyResult{
		Tier:              models.RiskCautionMild,
		Immediacy:         models.ImmediacyNone,
		Signals:           []string{signal},
		Confidence:        0,
		Source:            models.SourceHeuristic,
		ClassifierVersion: c.classifierVersion,
		PolicyVersion:     c.policyVersion,
	}
}

func formatContext(recent []models.ContractMessage) string {
	if len(recent) > recentContextWindow {
		recent = recent[len(recent)-recentContextWindow:]
	}
	parts := make([]string, 0, len(recent))
	for _, m := range recent {
		content := m.Content
		// Truncate on runes so Cyrillic text is never cut mid-character.
		if utf8.RuneCountInString(content) > recentContextCharsMax {
			content = string([]rune(content)[:recentContextCharsMax])
		}
		parts = append(parts, m.Role+": "+content)
	}
	return strings.Join(parts, " | ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
