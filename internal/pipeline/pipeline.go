// Package pipeline orchestrates one inbound message end to end: dedup,
// per-user serialization, safety classification, session routing, practice
// execution, and gated generation.
//
// Classification runs before the message transaction opens so its audit
// record survives any later rollback; everything else in the turn commits
// atomically.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/careloop/internal/catalog"
	"github.com/careloop/careloop/internal/engine"
	"github.com/careloop/careloop/internal/gate"
	"github.com/careloop/careloop/internal/models"
	"github.com/careloop/careloop/internal/practice"
	"github.com/careloop/careloop/internal/rules"
	"github.com/careloop/careloop/internal/safety"
	"github.com/careloop/careloop/internal/store"
)

// Classifier is the safety classification stage.
type Classifier interface {
	Classify(ctx context.Context, conversationID, text string, recent []models.ContractMessage) models.SafetyResult
}

// Renderer produces the validated outbound message for a contract.
type Renderer interface {
	Render(ctx context.Context, contract models.GenerationContract, immediacy models.Immediacy) (models.OutboundMessage, gate.Outcome)
}

// Pipeline wires the five decision components behind one entry point.
type Pipeline struct {
	store      store.Store
	classifier Classifier
	machine    *engine.Machine
	rules      *rules.Engine
	runner     *practice.Runner
	gate       Renderer
	locks      *userLocks
}

// New assembles the pipeline over a loaded catalog.
func New(s store.Store, classifier Classifier, cat *catalog.Catalog, renderer Renderer) *Pipeline {
	return &Pipeline{
		store:      s,
		classifier: classifier,
		machine:    engine.NewMachine(cat),
		rules:      rules.NewEngine(cat),
		runner:     practice.NewRunner(cat),
		gate:       renderer,
		locks:      newUserLocks(lockIdleTTL),
	}
}

// HandleEvent processes one inbound event and returns the reply. Duplicate
// idempotency keys short-circuit with models.ErrDuplicateEvent before the
// locked transaction. A failed turn releases its key again so the
// transport's retry of the same message is not swallowed as a duplicate.
func (p *Pipeline) HandleEvent(ctx context.Context, ev models.InboundEvent) (models.OutboundMessage, error) {
	if err := ev.Validate(); err != nil {
		return models.OutboundMessage{}, err
	}
	fresh, err := p.store.RecordInbound(ev.IdempotencyKey, ev.UserID)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	if !fresh {
		slog.Info("Duplicate inbound event skipped", "idempotencyKey", ev.IdempotencyKey, "userID", ev.UserID)
		return models.OutboundMessage{}, models.ErrDuplicateEvent
	}

	out, err := p.handleFresh(ctx, ev)
	if err != nil {
		if rerr := p.store.ReleaseInbound(ev.IdempotencyKey); rerr != nil {
			slog.Error("Failed to release idempotency key", "error", rerr, "idempotencyKey", ev.IdempotencyKey)
		}
		return models.OutboundMessage{}, err
	}
	if err := p.store.MarkProcessed(ev.IdempotencyKey); err != nil {
		slog.Error("Failed to mark event processed", "error", err, "idempotencyKey", ev.IdempotencyKey)
	}
	return out, nil
}

func (p *Pipeline) handleFresh(ctx context.Context, ev models.InboundEvent) (models.OutboundMessage, error) {
	p.locks.lock(ev.UserID)
	defer p.locks.unlock(ev.UserID)

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	conv, err := p.store.GetOpenConversation(ev.UserID)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	created := false
	if conv == nil {
		conv, err = p.newConversation(ev, at)
		if err != nil {
			return models.OutboundMessage{}, err
		}
		created = true
	}

	// Classification commits its SafetyEvent independently, before the
	// message transaction opens.
	result := p.classifier.Classify(ctx, conv.ID, ev.Text, nil)
	if created && result.Tier == models.RiskCrisis {
		conv.SessionType = models.SessionCrisis
	}

	var out models.OutboundMessage
	err = p.store.RunInTx(ctx, func(txs store.Store) error {
		if created {
			if err := txs.CreateConversation(*conv); err != nil {
				return err
			}
		}
		msg, err := p.process(ctx, txs, conv, ev, result, at)
		if err != nil {
			return err
		}
		out = msg
		return nil
	})
	if err != nil {
		return models.OutboundMessage{}, err
	}
	return out, nil
}

// newConversation opens a session in SAFETY_CHECK, classifying the session
// type from what the store remembers about the user.
func (p *Pipeline) newConversation(ev models.InboundEvent, at time.Time) (*models.Conversation, error) {
	run, err := p.store.GetResumableRun(ev.UserID)
	if err != nil {
		return nil, err
	}
	stats, err := p.store.GetTechniqueStats(ev.UserID)
	if err != nil {
		return nil, err
	}
	var lastSeen time.Time
	for _, ts := range stats {
		if ts.LastUsedAt.After(lastSeen) {
			lastSeen = ts.LastUsedAt
		}
	}
	if run != nil && run.StartedAt.After(lastSeen) {
		lastSeen = run.StartedAt
	}
	hasProfile := len(stats) > 0 || run != nil
	sessionType := engine.ClassifySession(hasProfile, lastSeen, run != nil, ev.Source, false, at)

	c := &models.Conversation{
		ID:             uuid.NewString(),
		UserID:         ev.UserID,
		State:          models.StateSafetyCheck,
		SessionType:    sessionType,
		Baseline:       models.IntensityUnset,
		Readiness:      models.ReadinessContemplation,
		LastActivityAt: at,
		CreatedAt:      at,
	}
	slog.Info("Conversation opened", "conversationID", c.ID, "userID", ev.UserID, "sessionType", sessionType)
	return c, nil
}

// process drives one turn inside the message transaction.
func (p *Pipeline) process(ctx context.Context, txs store.Store, conv *models.Conversation, ev models.InboundEvent, result models.SafetyResult, at time.Time) (models.OutboundMessage, error) {
	distress := ParseIntensity(ev.Text)
	lang := DetectLanguage(ev.Text)
	caution := models.CautionFromRisk(result.Tier)

	// Crisis overrides whatever state the conversation is in.
	if result.Tier == models.RiskCrisis {
		if conv.State != models.StateSafetyCheck && conv.State != models.StateEscalation {
			if err := p.machine.Transition(txs, conv, models.StateSafetyCheck, "safety_reentry", []string{"crisis_pattern"}, nil, at); err != nil {
				return models.OutboundMessage{}, err
			}
		}
		return p.escalate(ctx, txs, conv, result, lang, at)
	}

	// Non-crisis re-entry triggers route back through SAFETY_CHECK, except
	// in PRACTICE where the runner parks the run at CHECKPOINT instead.
	if conv.State != models.StateSafetyCheck && conv.State != models.StatePractice {
		hopeless, err := txs.CountSignal(conv.ID, safety.HopelessnessSignal)
		if err != nil {
			return models.OutboundMessage{}, err
		}
		if reenter, reasons := engine.ShouldReenter(distress, conv.Baseline, false, hopeless); reenter {
			if err := p.machine.Transition(txs, conv, models.StateSafetyCheck, "safety_reentry", reasons, nil, at); err != nil {
				return models.OutboundMessage{}, err
			}
			return p.render(ctx, gate.ContractFor(models.StateSafetyCheck, lang), result.Immediacy), nil
		}
	}

	switch conv.State {
	case models.StateSafetyCheck:
		return p.routeAfterSafety(ctx, txs, conv, ev, result, distress, caution, lang, at)

	case models.StateEscalation:
		return p.escalate(ctx, txs, conv, result, lang, at)

	case models.StateIntake:
		if distress >= 0 {
			conv.Baseline = distress
		}
		if err := p.machine.Transition(txs, conv, models.StateFormulation, "intake_complete", nil, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.render(ctx, gate.ContractFor(models.StateFormulation, lang), result.Immediacy), nil

	case models.StateFormulation:
		if cycle := InferCycle(ev.Text); cycle != "" {
			conv.Cycle = cycle
		}
		if conv.Baseline < 0 && distress >= 0 {
			conv.Baseline = distress
		}
		if err := p.machine.Transition(txs, conv, models.StateGoalSetting, "formulation_recorded", reasonsForCycle(conv.Cycle), nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.render(ctx, gate.ContractFor(models.StateGoalSetting, lang), result.Immediacy), nil

	case models.StateGoalSetting:
		if Affirmative(ev.Text) || ev.UIAction == models.ActionAdvance {
			conv.Readiness = models.ReadinessAction
		}
		if err := p.machine.Transition(txs, conv, models.StateTechniqueSelect, "goal_agreed", nil, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.offerTechnique(ctx, txs, conv, distress, caution, lang, at, "")

	case models.StateTechniqueSelect:
		return p.handleConsent(ctx, txs, conv, ev, distress, caution, lang, at)

	case models.StatePractice:
		return p.handlePractice(ctx, txs, conv, ev, distress, caution, lang, at)

	case models.StateReflection, models.StateReflectionLite:
		if err := p.machine.Transition(txs, conv, models.StateHomework, "reflection_recorded", nil, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.render(ctx, gate.ContractFor(models.StateHomework, lang), result.Immediacy), nil

	case models.StateHomework:
		if err := p.machine.Transition(txs, conv, models.StateSessionEnd, "homework_set", nil, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.render(ctx, gate.ContractFor(models.StateSessionEnd, lang), result.Immediacy), nil

	default:
		return models.OutboundMessage{}, fmt.Errorf("conversation %s in unexpected state %s", conv.ID, conv.State)
	}
}

// routeAfterSafety applies the session-classification shortcut once a
// non-crisis classification is in hand.
func (p *Pipeline) routeAfterSafety(ctx context.Context, txs store.Store, conv *models.Conversation, ev models.InboundEvent, result models.SafetyResult, distress int, caution models.CautionTier, lang string, at time.Time) (models.OutboundMessage, error) {
	run, err := txs.GetResumableRun(conv.UserID)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	var route engine.Route
	if conv.ActiveRunID != "" && p.machine.ResumeAllowed(run) {
		// Mid-session re-entry that cleared: pick the interrupted run back up.
		route = engine.Route{To: models.StatePractice, Reasons: []string{"safety_cleared"}, ResumeRun: run}
	} else {
		route = p.machine.RouteAfterSafety(conv.SessionType, result, run)
	}
	if route.ResumeRun != nil {
		conv.ActiveRunID = route.ResumeRun.ID
	}
	if err := p.machine.Transition(txs, conv, route.To, "session_routing", route.Reasons, route.Skipped, at); err != nil {
		return models.OutboundMessage{}, err
	}

	switch route.To {
	case models.StatePractice:
		if err := p.runner.Resume(txs, route.ResumeRun); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.renderPractice(ctx, practice.Prompt{State: models.RunnerCheckpoint}, lang), nil
	case models.StateTechniqueSelect:
		return p.offerTechnique(ctx, txs, conv, distress, caution, lang, at, "")
	default:
		return p.render(ctx, gate.ContractFor(route.To, lang), result.Immediacy), nil
	}
}

// offerTechnique selects a technique, opens its run in CONSENT, and asks
// the user whether to begin. A non-empty declinedID offers the backup of
// the selection instead of a primary the user just turned down.
func (p *Pipeline) offerTechnique(ctx context.Context, txs store.Store, conv *models.Conversation, distress int, caution models.CautionTier, lang string, at time.Time, declinedID string) (models.OutboundMessage, error) {
	stats, err := txs.GetTechniqueStats(conv.UserID)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	if distress < 0 {
		distress = conv.Baseline
	}
	sel := p.rules.Select(rules.Input{
		Distress:       distress,
		Cycle:          conv.Cycle,
		Readiness:      conv.Readiness,
		Caution:        caution,
		HasFormulation: conv.Cycle != "",
		Stats:          stats,
	})
	chosen := sel.Primary
	if declinedID != "" && sel.Backup != nil && chosen.ID == declinedID {
		chosen = sel.Backup
	}
	run, err := p.runner.Start(txs, conv, chosen, at)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	conv.LastActivityAt = at
	if err := txs.SaveConversation(*conv); err != nil {
		return models.OutboundMessage{}, err
	}
	slog.Info("Technique offered", "conversationID", conv.ID, "techniqueID", chosen.ID, "runID", run.ID)

	contract := gate.ContractFor(models.StateTechniqueSelect, lang)
	contract.Instruction = "Offer the practice " + chosen.Name + " and ask for consent to begin."
	contract.UIMode = models.UIModeButtons
	contract.Buttons = consentButtons(lang)
	if sel.Backup != nil && chosen.ID != sel.Backup.ID {
		contract.Buttons = append(contract.Buttons, backupButton(lang))
	}
	return p.render(ctx, contract, models.ImmediacyNone), nil
}

// handleConsent feeds the CONSENT turn to the runner. Acceptance moves the
// conversation into PRACTICE; decline ends the session; a backup request
// drops the offered run and re-offers with the selection's backup.
func (p *Pipeline) handleConsent(ctx context.Context, txs store.Store, conv *models.Conversation, ev models.InboundEvent, distress int, caution models.CautionTier, lang string, at time.Time) (models.OutboundMessage, error) {
	if conv.ActiveRunID == "" {
		return p.offerTechnique(ctx, txs, conv, distress, caution, lang, at, "")
	}
	run, err := txs.GetRun(conv.ActiveRunID)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	if ev.UIAction == models.ActionBackupTechnique {
		declined := ""
		if run != nil && run.Resumable() {
			run.Status = models.RunDropped
			run.DropReason = practice.DropBackupRequested
			run.EndedAt = at
			if err := txs.SaveRun(*run); err != nil {
				return models.OutboundMessage{}, err
			}
			declined = run.TechniqueID
		}
		conv.ActiveRunID = ""
		return p.offerTechnique(ctx, txs, conv, distress, caution, lang, at, declined)
	}
	prompt, err := p.runner.Handle(txs, run, runnerEvent(ev, distress, caution), at)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	switch {
	case prompt.Finished:
		conv.ActiveRunID = ""
		if err := p.machine.Transition(txs, conv, models.StateSessionEnd, "consent_declined", nil, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.render(ctx, gate.ContractFor(models.StateSessionEnd, lang), models.ImmediacyNone), nil
	case prompt.State == models.RunnerBaseline:
		if err := p.machine.Transition(txs, conv, models.StatePractice, "consent_given", nil, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.renderPractice(ctx, prompt, lang), nil
	default:
		contract := gate.ContractFor(models.StateTechniqueSelect, lang)
		contract.UIMode = models.UIModeButtons
		contract.Buttons = consentButtons(lang)
		return p.render(ctx, contract, models.ImmediacyNone), nil
	}
}

// handlePractice drives one runner turn and maps run completion onto the
// top-level machine.
func (p *Pipeline) handlePractice(ctx context.Context, txs store.Store, conv *models.Conversation, ev models.InboundEvent, distress int, caution models.CautionTier, lang string, at time.Time) (models.OutboundMessage, error) {
	if conv.ActiveRunID == "" {
		return models.OutboundMessage{}, fmt.Errorf("conversation %s in PRACTICE without an active run", conv.ID)
	}
	run, err := txs.GetRun(conv.ActiveRunID)
	if err != nil {
		return models.OutboundMessage{}, err
	}

	// Re-entry triggers fire mid-practice too: a distress spike or caution
	// rise parks the run at CHECKPOINT and jumps the conversation back
	// through the safety check. The message is not a step answer.
	hopeless, err := txs.CountSignal(conv.ID, safety.HopelessnessSignal)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	reenter, reasons := engine.ShouldReenter(distress, conv.Baseline, false, hopeless)
	if caution == models.CautionElevated {
		reenter = true
		reasons = append(reasons, "caution_rose")
	}
	if reenter {
		park := practice.Event{CautionRose: true, Intensity: models.IntensityUnset}
		if _, err := p.runner.Handle(txs, run, park, at); err != nil {
			return models.OutboundMessage{}, err
		}
		if err := p.machine.Transition(txs, conv, models.StateSafetyCheck, "safety_reentry", reasons, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.render(ctx, gate.ContractFor(models.StateSafetyCheck, lang), models.ImmediacyNone), nil
	}

	prompt, err := p.runner.Handle(txs, run, runnerEvent(ev, distress, caution), at)
	if err != nil {
		return models.OutboundMessage{}, err
	}
	if prompt.Finished {
		conv.ActiveRunID = ""
		to := models.StateReflection
		trigger := "practice_completed"
		if !prompt.Completed {
			to = models.StateReflectionLite
			trigger = "practice_dropped"
		}
		if err := p.machine.Transition(txs, conv, to, trigger, nil, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
		return p.render(ctx, gate.ContractFor(to, lang), models.ImmediacyNone), nil
	}

	conv.LastActivityAt = at
	if err := txs.SaveConversation(*conv); err != nil {
		return models.OutboundMessage{}, err
	}
	return p.renderPractice(ctx, prompt, lang), nil
}

// escalate moves the conversation through ESCALATION to SESSION_END,
// dropping any live practice run on the way. Imminent crises release the
// static message without a model call.
func (p *Pipeline) escalate(ctx context.Context, txs store.Store, conv *models.Conversation, result models.SafetyResult, lang string, at time.Time) (models.OutboundMessage, error) {
	if conv.ActiveRunID != "" {
		run, err := txs.GetRun(conv.ActiveRunID)
		if err != nil {
			return models.OutboundMessage{}, err
		}
		if run != nil && run.Resumable() {
			run.Status = models.RunDropped
			run.DropReason = practice.DropCautionEscalated
			run.EndedAt = at
			if err := txs.SaveRun(*run); err != nil {
				return models.OutboundMessage{}, err
			}
		}
		conv.ActiveRunID = ""
	}
	if conv.State != models.StateEscalation {
		reasons := []string{"crisis_" + result.ProtocolID}
		if err := p.machine.Transition(txs, conv, models.StateEscalation, "crisis_escalation", reasons, nil, at); err != nil {
			return models.OutboundMessage{}, err
		}
	}
	out := p.render(ctx, gate.ContractFor(models.StateEscalation, lang), result.Immediacy)
	if err := p.machine.Transition(txs, conv, models.StateSessionEnd, "escalation_complete", nil, nil, at); err != nil {
		return models.OutboundMessage{}, err
	}
	return out, nil
}

// SweepIdle applies the idle policy to every stale open conversation:
// silent practice runs pause after 15 minutes, sessions end after 30.
// It returns the number of conversations acted on.
func (p *Pipeline) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	convs, err := p.store.ListIdleConversations(now.Add(-engine.PracticeIdleTimeout))
	if err != nil {
		return 0, err
	}
	acted := 0
	for i := range convs {
		conv := convs[i]
		p.locks.lock(conv.UserID)
		err := p.store.RunInTx(ctx, func(txs store.Store) error {
			switch engine.IdleAction(&conv, now) {
			case engine.IdlePausePractice:
				run, err := txs.GetRun(conv.ActiveRunID)
				if err != nil {
					return err
				}
				if run != nil && run.Status == models.RunInProgress {
					if err := p.runner.Pause(txs, run); err != nil {
						return err
					}
					acted++
				}
				if now.Sub(conv.LastActivityAt) >= engine.SessionIdleTimeout {
					acted++
					return p.machine.Transition(txs, &conv, models.StateSessionEnd, "idle_timeout", nil, nil, now)
				}
			case engine.IdleEndSession:
				acted++
				return p.machine.Transition(txs, &conv, models.StateSessionEnd, "idle_timeout", nil, nil, now)
			}
			return nil
		})
		p.locks.unlock(conv.UserID)
		if err != nil {
			slog.Error("Idle sweep failed for conversation", "error", err, "conversationID", conv.ID)
		}
	}
	p.locks.evictIdle()
	return acted, nil
}

func (p *Pipeline) render(ctx context.Context, contract models.GenerationContract, immediacy models.Immediacy) models.OutboundMessage {
	out, outcome := p.gate.Render(ctx, contract, immediacy)
	slog.Debug("Reply rendered", "state", contract.State, "outcome", outcome)
	return out
}

// renderPractice maps a runner prompt onto a generation contract.
func (p *Pipeline) renderPractice(ctx context.Context, prompt practice.Prompt, lang string) models.OutboundMessage {
	contract := gate.ContractFor(models.StatePractice, lang)
	switch prompt.State {
	case models.RunnerBaseline:
		contract.Task = "Ask the user to rate their current distress from 0 to 10 before starting."
	case models.RunnerWrapUp:
		contract.Task = "Ask the user to rate their distress from 0 to 10 now that the practice is over."
	case models.RunnerStep:
		contract.StepText = prompt.Step.Instruction
		contract.UIMode = prompt.Step.UIMode
		contract.Buttons = prompt.Step.Buttons
		contract.TimerSeconds = prompt.Step.TimerSeconds
	case models.RunnerAdapt:
		contract.Task = "Offer the adjusted version of the current step."
		contract.StepText = prompt.FallbackText
		if prompt.Step != nil {
			contract.UIMode = prompt.Step.UIMode
			contract.Buttons = prompt.Step.Buttons
		}
	case models.RunnerCheckpoint:
		contract.Task = "Check in gently and ask whether the user wants to continue the practice."
		contract.UIMode = models.UIModeButtons
		contract.Buttons = consentButtons(lang)
	}
	return p.render(ctx, contract, models.ImmediacyNone)
}

// runnerEvent interprets an inbound event for the practice runner.
func runnerEvent(ev models.InboundEvent, distress int, caution models.CautionTier) practice.Event {
	e := practice.Event{Reply: ev.Text, Intensity: distress}
	if distress < 0 {
		e.Intensity = models.IntensityUnset
	}
	switch ev.UIAction {
	case models.ActionAdvance:
		e.Advance = true
	case models.ActionEnd:
		e.Stop = true
	case models.ActionFallback:
		e.Fallback = models.FallbackTooHard
	case models.ActionBranchHelp:
		e.Fallback = models.FallbackUserConfused
	case models.ActionBranchExtended:
		e.Fallback = models.FallbackCannotNow
	default:
		if Affirmative(ev.Text) {
			e.Advance = true
		}
	}
	if caution == models.CautionElevated {
		e.CautionRose = true
	}
	return e
}

func consentButtons(lang string) []models.Button {
	if lang == "en" {
		return []models.Button{
			{Label: "Let's go", Action: models.ActionAdvance},
			{Label: "Not now", Action: models.ActionEnd},
		}
	}
	return []models.Button{
		{Label: "Начать", Action: models.ActionAdvance},
		{Label: "Не сейчас", Action: models.ActionEnd},
	}
}

func backupButton(lang string) models.Button {
	if lang == "en" {
		return models.Button{Label: "Something else", Action: models.ActionBackupTechnique}
	}
	return models.Button{Label: "Другой вариант", Action: models.ActionBackupTechnique}
}

func reasonsForCycle(cycle models.MaintainingCycle) []string {
	if cycle == "" {
		return nil
	}
	return []string{"cycle_" + string(cycle)}
}
