// Package gate validates free-text generation against a per-state contract
// before anything reaches the user. Crisis escalations with imminent
// immediacy bypass generation entirely and release fixed static content.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/careloop/careloop/internal/metrics"
	"github.com/careloop/careloop/internal/models"
)

// Outcome classifies how a reply was produced.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"       // first generation passed validation
	OutcomeRetry    Outcome = "retry"    // passed after one correction retry
	OutcomeFallback Outcome = "fallback" // canned state fallback substituted
	OutcomeStatic   Outcome = "static"   // fixed escalation content, no model call
)

const systemPrompt = "You are a supportive behavioral-coaching assistant. " +
	"Be warm, concrete, and brief. Never diagnose, never suggest medication, " +
	"never promise outcomes. Reply in the requested language only."

// generator is the external text-generation collaborator.
type generator interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// Gate renders outbound messages through the generator and the validator
// battery, substituting canned content whenever generation cannot be trusted.
type Gate struct {
	gen     generator
	breaker *Breaker
}

// Option configures a Gate.
type Option func(*Gate)

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *Breaker) Option {
	return func(g *Gate) { g.breaker = b }
}

// New creates a gate over the generator. A nil generator is allowed; every
// render then takes the canned-fallback path.
func New(gen generator, opts ...Option) *Gate {
	g := &Gate{
		gen:     gen,
		breaker: NewBreaker(DefaultBreakerThreshold, DefaultBreakerWindow),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Render produces the outbound message for a contract. It never fails from
// the caller's perspective: on any generator or validation problem the
// state's canned fallback is substituted.
func (g *Gate) Render(ctx context.Context, contract models.GenerationContract, immediacy models.Immediacy) (models.OutboundMessage, Outcome) {
	if contract.State == models.StateEscalation && immediacy == models.ImmediacyImminent {
		slog.Info("releasing static escalation content", "language", contract.Language)
		return g.finish(contract, CrisisStatic(contract.Language), OutcomeStatic)
	}
	if g.gen == nil {
		return g.finish(contract, FallbackFor(contract.State, contract.Language), OutcomeFallback)
	}
	if g.breaker.Open() {
		slog.Debug("breaker open, forcing fallback", "state", contract.State)
		return g.finish(contract, FallbackFor(contract.State, contract.Language), OutcomeFallback)
	}

	messages := buildMessages(contract)
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := g.gen.GenerateWithMessages(ctx, messages)
		if err != nil {
			slog.Error("generation failed", "error", err, "state", contract.State, "attempt", attempt)
			g.breaker.Failure()
			return g.finish(contract, FallbackFor(contract.State, contract.Language), OutcomeFallback)
		}
		issues := Validate(raw, contract)
		if len(issues) == 0 {
			g.breaker.Success()
			outcome := OutcomeOK
			if attempt > 0 {
				outcome = OutcomeRetry
			}
			return g.finish(contract, raw, outcome)
		}
		if hasCritical(issues) {
			slog.Error("critical validation failure", "state", contract.State, "issues", issueCodes(issues))
			g.breaker.Failure()
			return g.finish(contract, FallbackFor(contract.State, contract.Language), OutcomeFallback)
		}
		if attempt == 0 {
			slog.Info("recoverable validation failure, retrying with correction", "state", contract.State, "issues", issueCodes(issues))
			messages = correctionMessages(contract, messages, raw, issues)
			continue
		}
		slog.Error("validation failed after correction retry", "state", contract.State, "issues", issueCodes(issues))
		g.breaker.Failure()
	}
	return g.finish(contract, FallbackFor(contract.State, contract.Language), OutcomeFallback)
}

func (g *Gate) finish(contract models.GenerationContract, text string, outcome Outcome) (models.OutboundMessage, Outcome) {
	metrics.GateOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	msg := models.OutboundMessage{
		Text:         text,
		UIMode:       contract.UIMode,
		Buttons:      contract.Buttons,
		TimerSeconds: contract.TimerSeconds,
	}
	if msg.UIMode == "" {
		msg.UIMode = models.UIModeText
	}
	return msg, outcome
}

func buildMessages(contract models.GenerationContract) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(buildSystemPrompt(contract)),
	}
	for _, m := range contract.Recent {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	if len(contract.Recent) == 0 {
		messages = append(messages, openai.UserMessage(contract.Task))
	}
	return messages
}

func buildSystemPrompt(contract models.GenerationContract) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if contract.Instruction != "" {
		b.WriteString("\n\n[INSTRUCTION]\n")
		b.WriteString(contract.Instruction)
	}
	b.WriteString("\n\n[TASK]\n")
	b.WriteString(contract.Task)
	fmt.Fprintf(&b, "\n\n[CONSTRAINTS]\nmax_chars: %d\nlanguage: %s", contract.MaxChars, contract.Language)
	if len(contract.MustInclude) > 0 {
		fmt.Fprintf(&b, "\nmust include: %s", strings.Join(contract.MustInclude, "; "))
	}
	if len(contract.MustNot) > 0 {
		fmt.Fprintf(&b, "\nmust not contain: %s", strings.Join(contract.MustNot, "; "))
	}
	if contract.StepText != "" {
		fmt.Fprintf(&b, "\nreproduce this step instruction verbatim, word for word: %q", contract.StepText)
	}
	return b.String()
}

func correctionMessages(contract models.GenerationContract, prior []openai.ChatCompletionMessageParamUnion, raw string, issues []Issue) []openai.ChatCompletionMessageParamUnion {
	var b strings.Builder
	b.WriteString("Your previous response had these issues:\n")
	for _, i := range issues {
		fmt.Fprintf(&b, "- %s\n", i.String())
	}
	fmt.Fprintf(&b, "\nRegenerate, fixing the issues above. Keep within %d chars, language=%s.", contract.MaxChars, contract.Language)
	out := append([]openai.ChatCompletionMessageParamUnion{}, prior...)
	out = append(out, openai.AssistantMessage(raw), openai.UserMessage(b.String()))
	return out
}

func issueCodes(issues []Issue) []string {
	codes := make([]string, 0, len(issues))
	for _, i := range issues {
		codes = append(codes, i.Code)
	}
	return codes
}
